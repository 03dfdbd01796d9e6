// Package notify publishes match events and settlement flags on NATS for
// the bot and notification layer.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"tokenduel/internal/match"
	"tokenduel/internal/settlement"
)

const (
	DefaultPrefix = "tokenduel"

	matchSubject     = "match"
	reconcileSubject = "settlement.reconcile"
)

var ErrNotConnected = errors.New("nats connection is not established")

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// Envelope is the body of every published message.
type Envelope struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload"`
}

// Publisher implements match.Notifier and settlement.Reconciler.
// Publishing never blocks a transition: failures are logged and dropped.
type Publisher struct {
	conn   Conn
	prefix string
	closer func()
}

// Connect dials url and returns a publisher that reconnects forever.
func Connect(url, name, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[Notify] WARN: disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[Notify] Reconnected to NATS at %s.", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	p := NewPublisher(nc, prefix)
	p.closer = func() {
		if err := nc.Drain(); err != nil {
			log.Printf("[Notify] WARN: drain failed: %v", err)
		}
	}
	log.Printf("[Notify] Connected to NATS at %s.", nc.ConnectedUrl())
	return p, nil
}

func NewPublisher(conn Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject a match event of type t is published on,
// e.g. tokenduel.match.match_resolved.
func (p *Publisher) Subject(t match.EventType) string {
	return p.prefix + "." + matchSubject + "." + strings.ToLower(string(t))
}

func (p *Publisher) Notify(ev match.Event) {
	p.publish(p.Subject(ev.Type), Envelope{
		Type:      string(ev.Type),
		SessionID: ev.SessionID,
		At:        ev.At,
		Payload:   ev.Payload,
	})
}

// Reconcile flags a settlement that needs operator attention.
func (p *Publisher) Reconcile(rec settlement.Record) {
	log.Printf("[Notify] WARN: settlement %s for session %s needs reconciliation.", rec.Key, rec.SessionID)
	p.publish(p.prefix+"."+reconcileSubject, Envelope{
		Type:      "SETTLEMENT_RECONCILE",
		SessionID: rec.SessionID,
		At:        rec.UpdatedAt,
		Payload:   rec,
	})
}

func (p *Publisher) publish(subject string, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[Notify] ERROR: cannot encode %s for %s: %v", env.Type, env.SessionID, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[Notify] WARN: publish to %s failed: %v", subject, err)
	}
}

// Check reports whether the connection is up. It is registered as a health
// check.
func (p *Publisher) Check() error {
	if !p.conn.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close drains the connection when the publisher owns it.
func (p *Publisher) Close() {
	if p.closer != nil {
		p.closer()
	}
}
