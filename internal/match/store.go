package match

import (
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tokenduel/internal/game/arbiter"
)

type entry struct {
	mu      sync.Mutex
	session *Session
	removed bool
}

// Store is the in-memory registry of live sessions. Each session has its own
// lock, so operations on different sessions never block each other. The
// store-wide lock only guards the indexes and is never held while a mutator
// runs. Lock order: entry.mu, then Store.mu.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	waiting map[string]Summary
	byUser  map[int64]map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		waiting: make(map[string]Summary),
		byUser:  make(map[int64]map[string]struct{}),
	}
}

// New builds a waiting session for creator without registering it.
func New(kind arbiter.Kind, bet int64, creator int64, now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Kind:      kind,
		Bet:       bet,
		Phase:     PhaseWaiting,
		Players:   []Player{{UserID: creator, JoinedAt: now}},
		CreatedAt: now,
	}
}

// Create registers a new waiting session and returns its id.
func (st *Store) Create(kind arbiter.Kind, bet int64, creator int64, now time.Time) (string, error) {
	s := New(kind, bet, creator, now)
	if err := st.Insert(s); err != nil {
		return "", err
	}
	return s.ID, nil
}

// Insert registers s under its id.
func (st *Store) Insert(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, exists := st.entries[s.ID]; exists {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	st.entries[s.ID] = &entry{session: s.clone()}
	st.indexLocked(s)
	return nil
}

func (st *Store) lookup(id string) *entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.entries[id]
}

// Get returns a copy of the session.
func (st *Store) Get(id string) (Session, error) {
	e := st.lookup(id)
	if e == nil {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return *e.session.clone(), nil
}

// WithSession runs fn with exclusive access to the session. fn works on a
// copy that replaces the stored session only when fn returns nil, so a
// rejected operation leaves no trace. A panicking fn is recovered and
// reported as ErrInternal.
func (st *Store) WithSession(id string, fn func(s *Session) error) error {
	return st.withSession(id, fn, nil)
}

// withSession is WithSession with a hook that runs after a commit, still
// under the session lock.
func (st *Store) withSession(id string, fn func(s *Session) error, committed func()) error {
	e := st.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	work := e.session.clone()
	if err := safeCall(id, work, fn); err != nil {
		return err
	}
	if err := checkTransition(e.session, work); err != nil {
		log.Printf("[Store %s] ERROR: rejected commit: %v", id, err)
		return err
	}
	e.session = work

	st.mu.Lock()
	st.indexLocked(work)
	st.mu.Unlock()

	if committed != nil {
		committed()
	}
	return nil
}

func safeCall(id string, s *Session, fn func(*Session) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Store %s] ERROR: mutator panicked: %v\n%s", id, r, debug.Stack())
			err = fmt.Errorf("%w: session %s: %v", ErrInternal, id, r)
		}
	}()
	return fn(s)
}

func checkTransition(before, after *Session) error {
	switch {
	case after.ID != before.ID:
		return fmt.Errorf("%w: session id changed", ErrInternal)
	case after.Phase.rank() < before.Phase.rank():
		return fmt.Errorf("%w: phase %s cannot follow %s", ErrInternal, after.Phase, before.Phase)
	case len(after.Players) > 2:
		return fmt.Errorf("%w: %d players seated", ErrInternal, len(after.Players))
	case len(after.Players) == 2 && after.Phase == PhaseWaiting:
		return fmt.Errorf("%w: full session still waiting", ErrInternal)
	}
	return nil
}

func (st *Store) indexLocked(s *Session) {
	if s.Phase == PhaseWaiting {
		st.waiting[s.ID] = s.summary()
	} else {
		delete(st.waiting, s.ID)
	}
	for _, p := range s.Players {
		ids, ok := st.byUser[p.UserID]
		if !ok {
			ids = make(map[string]struct{})
			st.byUser[p.UserID] = ids
		}
		ids[s.ID] = struct{}{}
	}
}

// ListWaiting returns the lobby for kind, oldest first. An empty kind lists
// every game. It reads a snapshot index and never touches session locks.
func (st *Store) ListWaiting(kind arbiter.Kind) []Summary {
	st.mu.RLock()
	out := make([]Summary, 0, len(st.waiting))
	for _, sum := range st.waiting {
		if kind == "" || sum.Kind == kind {
			out = append(out, sum)
		}
	}
	st.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Remove deletes a session. Later lookups report ErrSessionNotFound.
func (st *Store) Remove(id string) error {
	e := st.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.removed = true

	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.entries, id)
	delete(st.waiting, id)
	for _, p := range e.session.Players {
		if ids, ok := st.byUser[p.UserID]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(st.byUser, p.UserID)
			}
		}
	}
	return nil
}

// IDs returns the ids of all registered sessions.
func (st *Store) IDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.entries))
	for id := range st.entries {
		ids = append(ids, id)
	}
	return ids
}

// UserSessions returns the ids of the sessions userID is seated in.
func (st *Store) UserSessions(userID int64) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := make([]string, 0, len(st.byUser[userID]))
	for id := range st.byUser[userID] {
		ids = append(ids, id)
	}
	return ids
}

func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.entries)
}
