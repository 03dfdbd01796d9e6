package cluster

import (
	"fmt"
	"log"
	"os"

	consul "github.com/hashicorp/consul/api"
)

// Registration describes this instance in the service catalog.
type Registration struct {
	ServiceName string
	Port        int
	// Hostname defaults to $HOSTNAME, then os.Hostname.
	Hostname   string
	HealthPath string
	Tags       []string
}

func (r Registration) hostname() string {
	if r.Hostname != "" {
		return r.Hostname
	}
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	h, _ := os.Hostname()
	return h
}

// ServiceID is unique per host so several instances can register.
func (r Registration) ServiceID() string {
	return fmt.Sprintf("%s-%s", r.ServiceName, r.hostname())
}

func (r Registration) agentRegistration() *consul.AgentServiceRegistration {
	path := r.HealthPath
	if path == "" {
		path = "/health"
	}
	return &consul.AgentServiceRegistration{
		ID:   r.ServiceID(),
		Name: r.ServiceName,
		Port: r.Port,
		Tags: r.Tags,
		// No Address: the agent uses the address of the registering host.
		Check: &consul.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d%s", r.hostname(), r.Port, path),
			Timeout:                        "5s",
			Interval:                       "10s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
}

// ServiceRegistrar keeps one service registered with the agent.
type ServiceRegistrar struct {
	manager *ConsulManager
	reg     Registration
}

// NewServiceRegistrar registers reg now and again after every reconnect of
// the manager.
func NewServiceRegistrar(manager *ConsulManager, reg Registration) (*ServiceRegistrar, error) {
	r := &ServiceRegistrar{manager: manager, reg: reg}
	if err := r.Register(); err != nil {
		return nil, err
	}
	manager.OnReconnect(func() {
		if err := r.Register(); err != nil {
			log.Printf("[Consul] WARN: re-registration after reconnect failed: %v", err)
		}
	})
	return r, nil
}

func (r *ServiceRegistrar) Register() error {
	client := r.manager.GetClient()
	if client == nil {
		return fmt.Errorf("register %s: %w", r.reg.ServiceName, ErrNoClient)
	}
	if err := client.Agent().ServiceRegister(r.reg.agentRegistration()); err != nil {
		return fmt.Errorf("register %s: %w", r.reg.ServiceName, err)
	}
	log.Printf("[Consul] Service '%s' registered with ID %s.", r.reg.ServiceName, r.reg.ServiceID())
	return nil
}

func (r *ServiceRegistrar) Deregister() error {
	client := r.manager.GetClient()
	if client == nil {
		return ErrNoClient
	}
	return client.Agent().ServiceDeregister(r.reg.ServiceID())
}
