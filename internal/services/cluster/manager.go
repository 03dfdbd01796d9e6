package cluster

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	consul "github.com/hashicorp/consul/api"
)

var ErrNoClient = errors.New("no consul agent connected")

// ConsulManager keeps a working client across agent failures.
type ConsulManager struct {
	addrs    string
	interval time.Duration

	mu          sync.RWMutex
	client      *consul.Client
	currentAddr string
	onReconnect []func()
}

// NewConsulManager connects to the first healthy agent of addrs.
func NewConsulManager(addrs string) (*ConsulManager, error) {
	m := &ConsulManager{addrs: addrs, interval: 10 * time.Second}
	if err := m.reconnect(); err != nil {
		return nil, err
	}
	return m, nil
}

// OnReconnect registers a callback run after every successful reconnect.
func (m *ConsulManager) OnReconnect(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, cb)
}

func (m *ConsulManager) GetClient() *consul.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

func (m *ConsulManager) reconnect() error {
	client, addr, err := NewConsulClient(m.addrs)

	m.mu.Lock()
	m.client = client
	m.currentAddr = addr
	callbacks := append([]func(){}, m.onReconnect...)
	m.mu.Unlock()

	if err != nil {
		return err
	}
	log.Printf("[ConsulManager] Connected to %s.", addr)
	for _, cb := range callbacks {
		go cb()
	}
	return nil
}

// Check reports whether the current agent still sees a leader.
func (m *ConsulManager) Check(context.Context) error {
	client := m.GetClient()
	if client == nil {
		return ErrNoClient
	}
	_, err := client.Status().Leader()
	return err
}

// Run watches the agent and fails over to the next one until ctx ends.
func (m *ConsulManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				m.mu.RLock()
				addr := m.currentAddr
				m.mu.RUnlock()
				log.Printf("[ConsulManager] WARN: agent %s failed health check: %v", addr, err)
				if err := m.reconnect(); err != nil {
					log.Printf("[ConsulManager] ERROR: %v", err)
				}
			}
		}
	}
}
