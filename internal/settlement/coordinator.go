// Package settlement pays out resolved matches and refunds aborted ones.
//
// Every ledger movement is a leg keyed by (session, purpose, user). A leg is
// executed at most once: a settlement that partially fails keeps its
// completed legs and only the failed ones are retried in the background.
// Records that run out of attempts are flagged for manual reconciliation.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"tokenduel/internal/ledger"
)

// PayoutMultiplier: the winner takes both stakes.
const PayoutMultiplier = 2

// inFlight parks a record's next attempt while a worker is running it.
var inFlight = time.Unix(1<<62, 0)

var (
	ErrAlreadySettled = errors.New("session already settled")
	ErrFailed         = errors.New("settlement failed")
	ErrInvalidResult  = errors.New("invalid match result")
)

type Purpose string

const (
	PurposePayout Purpose = "payout"
	PurposeRefund Purpose = "refund"
)

type Status string

const (
	StatusSettled   Status = "settled"
	StatusPending   Status = "pending"
	StatusReconcile Status = "reconcile"
)

// Leg is a single credit owed to one user.
type Leg struct {
	UserID    int64   `json:"userId"`
	Amount    int64   `json:"amount"`
	Purpose   Purpose `json:"purpose"`
	Done      bool    `json:"done"`
	LastError string  `json:"lastError,omitempty"`
}

// Record is the settlement bookkeeping for one key.
type Record struct {
	Key       string    `json:"key"`
	SessionID string    `json:"sessionId"`
	Legs      []Leg     `json:"legs"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	nextAttempt time.Time
}

func (r *Record) clone() Record {
	c := *r
	c.Legs = append([]Leg(nil), r.Legs...)
	return c
}

// Result describes a resolved match. Draw refunds both stakes; otherwise the
// winner is credited PayoutMultiplier times the bet.
type Result struct {
	SessionID string
	Bet       int64
	Players   [2]int64
	WinnerID  int64
	Draw      bool
}

// Reconciler is told about records that exhausted their retry budget.
type Reconciler interface {
	Reconcile(rec Record)
}

// Config tunes the retry worker.
type Config struct {
	MaxAttempts int
	Backoff     time.Duration
	// Retention is how long settled records are kept to reject duplicates.
	Retention time.Duration
	Now       func() time.Time
}

// Coordinator executes settlements exactly once per key.
type Coordinator struct {
	ledger     ledger.Ledger
	reconciler Reconciler
	cfg        Config

	mu      sync.Mutex
	records map[string]*Record
}

func NewCoordinator(l ledger.Ledger, reconciler Reconciler, cfg Config) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		ledger:     l,
		reconciler: reconciler,
		cfg:        cfg,
		records:    make(map[string]*Record),
	}
}

// Settle pays out a resolved match. It must be called once per session; a
// second call returns ErrAlreadySettled and moves no tokens. When a ledger
// call fails the returned record is pending and the error wraps ErrFailed;
// the caller must not replay the match, the worker retries the payout.
func (c *Coordinator) Settle(ctx context.Context, res Result) (Record, error) {
	if res.Bet <= 0 || res.SessionID == "" {
		return Record{}, ErrInvalidResult
	}

	var legs []Leg
	if res.Draw {
		for _, uid := range res.Players {
			legs = append(legs, Leg{UserID: uid, Amount: res.Bet, Purpose: PurposeRefund})
		}
	} else {
		if res.WinnerID != res.Players[0] && res.WinnerID != res.Players[1] {
			return Record{}, fmt.Errorf("%w: winner %d is not seated", ErrInvalidResult, res.WinnerID)
		}
		legs = append(legs, Leg{UserID: res.WinnerID, Amount: res.Bet * PayoutMultiplier, Purpose: PurposePayout})
	}
	return c.execute(ctx, res.SessionID, res.SessionID, legs)
}

// Refund returns a stake outside of a match result, e.g. when a waiting
// session is abandoned or an admission fails after the debit. key must be
// unique per refunded debit.
func (c *Coordinator) Refund(ctx context.Context, key, sessionID string, userID, amount int64) (Record, error) {
	if amount <= 0 || key == "" {
		return Record{}, ErrInvalidResult
	}
	return c.execute(ctx, key, sessionID, []Leg{{UserID: userID, Amount: amount, Purpose: PurposeRefund}})
}

func (c *Coordinator) execute(ctx context.Context, key, sessionID string, legs []Leg) (Record, error) {
	now := c.cfg.Now()

	c.mu.Lock()
	if _, exists := c.records[key]; exists {
		c.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrAlreadySettled, key)
	}
	rec := &Record{
		Key:       key,
		SessionID: sessionID,
		Legs:      legs,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,

		nextAttempt: inFlight,
	}
	c.records[key] = rec
	c.mu.Unlock()

	return c.attempt(ctx, rec)
}

// attempt runs the undone legs of rec. Callers mark rec in flight first so
// only one attempt runs per record at a time.
func (c *Coordinator) attempt(ctx context.Context, rec *Record) (Record, error) {
	c.mu.Lock()
	legs := append([]Leg(nil), rec.Legs...)
	c.mu.Unlock()

	var failures []error
	for i := range legs {
		if legs[i].Done {
			continue
		}
		err := c.ledger.Credit(ctx, legs[i].UserID, legs[i].Amount)
		if err != nil {
			legs[i].LastError = err.Error()
			failures = append(failures, err)
			log.Printf("[Settlement %s] WARN: %s of %d to user %d failed: %v",
				rec.Key, legs[i].Purpose, legs[i].Amount, legs[i].UserID, err)
			continue
		}
		legs[i].Done = true
		legs[i].LastError = ""
		log.Printf("[Settlement %s] %s of %d credited to user %d.",
			rec.Key, legs[i].Purpose, legs[i].Amount, legs[i].UserID)
	}

	now := c.cfg.Now()
	c.mu.Lock()
	rec.Legs = legs
	rec.Attempts++
	rec.UpdatedAt = now
	var flagged bool
	switch {
	case len(failures) == 0:
		rec.Status = StatusSettled
	case rec.Attempts >= c.cfg.MaxAttempts:
		rec.Status = StatusReconcile
		flagged = true
	default:
		rec.Status = StatusPending
		rec.nextAttempt = now.Add(c.cfg.Backoff << (rec.Attempts - 1))
	}
	snapshot := rec.clone()
	c.mu.Unlock()

	if flagged {
		log.Printf("[Settlement %s] ERROR: giving up after %d attempts, flagged for manual reconciliation.", rec.Key, rec.Attempts)
		if c.reconciler != nil {
			c.reconciler.Reconcile(snapshot)
		}
	}
	if len(failures) > 0 {
		return snapshot, fmt.Errorf("%w: %s: %w", ErrFailed, rec.Key, errors.Join(failures...))
	}
	return snapshot, nil
}

// RetryDue re-attempts every pending record whose backoff has elapsed.
func (c *Coordinator) RetryDue(ctx context.Context) {
	now := c.cfg.Now()
	var due []*Record
	c.mu.Lock()
	for _, rec := range c.records {
		if rec.Status == StatusPending && !rec.nextAttempt.After(now) {
			rec.nextAttempt = inFlight
			due = append(due, rec)
		}
	}
	c.mu.Unlock()

	for _, rec := range due {
		if _, err := c.attempt(ctx, rec); err == nil {
			log.Printf("[Settlement %s] Settled on retry.", rec.Key)
		}
	}
}

// Run drives the retry worker until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	log.Println("[Settlement] Retry worker started.")
	ticker := time.NewTicker(c.cfg.Backoff)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Settlement] Retry worker stopped.")
			return
		case <-ticker.C:
			c.RetryDue(ctx)
			c.prune()
		}
	}
}

func (c *Coordinator) prune() {
	cutoff := c.cfg.Now().Add(-c.cfg.Retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, rec := range c.records {
		if rec.Status == StatusSettled && rec.UpdatedAt.Before(cutoff) {
			delete(c.records, key)
		}
	}
}

// Lookup returns the record stored under key.
func (c *Coordinator) Lookup(key string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Outstanding lists records that are not settled yet, oldest first.
func (c *Coordinator) Outstanding() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Record
	for _, rec := range c.records {
		if rec.Status != StatusSettled {
			out = append(out, rec.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
