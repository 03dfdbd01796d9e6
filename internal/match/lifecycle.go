package match

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"tokenduel/internal/game/arbiter"
	"tokenduel/internal/ledger"
	"tokenduel/internal/settlement"
)

// DisconnectPolicy decides how a match ends when a seated player stays
// disconnected past the grace period.
type DisconnectPolicy string

const (
	// PolicyForfeit resolves the match against the disconnected player.
	PolicyForfeit DisconnectPolicy = "forfeit"
	// PolicyVoid resolves the match as a draw and refunds both stakes.
	PolicyVoid DisconnectPolicy = "void"
)

// Settler moves tokens on behalf of the lifecycle. settlement.Coordinator
// implements it.
type Settler interface {
	Settle(ctx context.Context, res settlement.Result) (settlement.Record, error)
	Refund(ctx context.Context, key, sessionID string, userID, amount int64) (settlement.Record, error)
}

type Config struct {
	WaitTimeout      time.Duration
	RoundTimeout     time.Duration
	ReconnectGrace   time.Duration
	SweepInterval    time.Duration
	MaxRounds        int
	DisconnectPolicy DisconnectPolicy
	Now              func() time.Time
}

func (c *Config) setDefaults() {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 5 * time.Minute
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = 30 * time.Second
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 20 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.DisconnectPolicy == "" {
		c.DisconnectPolicy = PolicyForfeit
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the collaborators of a Lifecycle. Ledger is required; the rest
// fall back to in-process defaults.
type Deps struct {
	Store        *Store
	Ledger       ledger.Ledger
	Settler      Settler
	Arbiter      *arbiter.Arbiter
	Notifier     Notifier
	Checkpointer Checkpointer
}

// Lifecycle is the state machine that drives sessions from creation to
// retirement. Every transition, user-initiated or timer-driven, runs inside
// Store.WithSession; events are published once the transition commits,
// before the session lock is released.
type Lifecycle struct {
	cfg      Config
	store    *Store
	ledger   ledger.Ledger
	settler  Settler
	arbiter  *arbiter.Arbiter
	notifier Notifier
	cp       Checkpointer
}

func NewLifecycle(cfg Config, deps Deps) *Lifecycle {
	cfg.setDefaults()
	if deps.Store == nil {
		deps.Store = NewStore()
	}
	if deps.Settler == nil {
		deps.Settler = settlement.NewCoordinator(deps.Ledger, nil, settlement.Config{Now: cfg.Now})
	}
	if deps.Arbiter == nil {
		deps.Arbiter = arbiter.New(nil, cfg.MaxRounds)
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Checkpointer == nil {
		deps.Checkpointer = nopCheckpointer{}
	}
	return &Lifecycle{
		cfg:      cfg,
		store:    deps.Store,
		ledger:   deps.Ledger,
		settler:  deps.Settler,
		arbiter:  deps.Arbiter,
		notifier: deps.Notifier,
		cp:       deps.Checkpointer,
	}
}

func (l *Lifecycle) Store() *Store { return l.store }

// effects collects what a transition wants to happen once it is committed.
type effects struct {
	events []Event
	retire bool
}

func (fx *effects) emit(t EventType, sessionID string, payload any, at time.Time) {
	fx.events = append(fx.events, Event{Type: t, SessionID: sessionID, Payload: payload, At: at})
}

// transition fires any due timer on the session, then runs op under the
// session lock.
func (l *Lifecycle) transition(ctx context.Context, id string, op func(s *Session, fx *effects) error) error {
	fired := l.expireSession(ctx, id)

	var fx effects
	err := l.store.withSession(id, func(s *Session) error {
		return op(s, &fx)
	}, fx.publish(l.notifier))
	if fired && errors.Is(err, ErrSessionNotFound) {
		// a timer retired the session just before this request
		return fmt.Errorf("%w: session %s already closed", ErrTooLate, id)
	}
	if err != nil {
		return err
	}
	l.retire(ctx, id, &fx)
	return nil
}

// publish hands the events of a committed transition to n. It runs under
// the session lock, so the events of one session reach n in commit order.
func (fx *effects) publish(n Notifier) func() {
	return func() {
		for _, ev := range fx.events {
			n.Notify(ev)
		}
	}
}

// retire removes a session that reached a terminal phase.
func (l *Lifecycle) retire(ctx context.Context, id string, fx *effects) {
	if !fx.retire {
		return
	}
	if err := l.store.Remove(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		log.Printf("[Lifecycle %s] WARN: remove failed: %v", id, err)
	}
	if err := l.cp.Delete(context.WithoutCancel(ctx), id); err != nil {
		log.Printf("[Lifecycle %s] WARN: failed to delete checkpoint: %v", id, err)
	}
	log.Printf("[Lifecycle %s] Session retired.", id)
}

func (l *Lifecycle) save(ctx context.Context, s *Session) error {
	return l.cp.Save(context.WithoutCancel(ctx), *s)
}

// saveTerminal records a terminal phase before any tokens move, so a
// restart deletes the checkpoint instead of replaying the match. The
// checkpoint delete at retirement may still fail; this snapshot is what
// Restore sees then.
func (l *Lifecycle) saveTerminal(ctx context.Context, s *Session) {
	if err := l.save(ctx, s); err != nil {
		log.Printf("[Lifecycle %s] ERROR: failed to checkpoint %s phase: %v", s.ID, s.Phase, err)
	}
}

func (l *Lifecycle) debit(ctx context.Context, userID, amount int64) error {
	err := l.ledger.Debit(ctx, userID, amount)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrUnknownUser):
		return fmt.Errorf("%w: %v", ErrInsufficientBalance, err)
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fmt.Errorf("%w: %v", ErrInvalidBet, err)
	}
	return fmt.Errorf("%w: debit failed: %v", ErrInternal, err)
}

func (l *Lifecycle) refund(ctx context.Context, key, sessionID string, userID, amount int64) *settlement.Record {
	rec, err := l.settler.Refund(context.WithoutCancel(ctx), key, sessionID, userID, amount)
	if err != nil {
		log.Printf("[Lifecycle %s] WARN: refund %s to user %d not completed: %v", sessionID, key, userID, err)
	}
	if rec.Key == "" {
		return nil
	}
	return &rec
}

// Create debits the creator's bet and opens a waiting session.
func (l *Lifecycle) Create(ctx context.Context, userID int64, kind arbiter.Kind, bet int64) (View, error) {
	if !l.arbiter.Supports(kind) {
		return View{}, fmt.Errorf("%w: %q", ErrInvalidGameKind, kind)
	}
	if bet <= 0 {
		return View{}, ErrInvalidBet
	}
	if err := l.debit(ctx, userID, bet); err != nil {
		return View{}, err
	}

	s := New(kind, bet, userID, l.cfg.Now())
	err := l.save(ctx, s)
	if err == nil {
		err = l.store.Insert(s)
	}
	if err != nil {
		l.refund(ctx, s.ID+"/create", s.ID, userID, bet)
		return View{}, fmt.Errorf("%w: could not open session: %v", ErrInternal, err)
	}

	log.Printf("[Lifecycle %s] User %d opened a %s match for %d tokens.", s.ID, userID, kind, bet)
	return NewView(*s, userID), nil
}

// Join seats userID as the second player. Only the first joiner of a waiting
// session succeeds; a repeated join by the seated joiner is answered without
// debiting again.
func (l *Lifecycle) Join(ctx context.Context, id string, userID int64) (View, error) {
	var view View
	err := l.transition(ctx, id, func(s *Session, fx *effects) error {
		switch s.Phase {
		case PhaseWaiting:
		case PhasePlaying:
			if s.Seat(userID) == 1 {
				view = NewView(*s, userID)
				return errNoChange
			}
			return ErrSessionFull
		default:
			return ErrTooLate
		}
		if s.Creator() == userID {
			return ErrSelfJoinNotAllowed
		}
		if len(s.Players) >= 2 {
			return ErrSessionFull
		}
		if err := l.debit(ctx, userID, s.Bet); err != nil {
			return err
		}

		now := l.cfg.Now()
		s.Players = append(s.Players, Player{UserID: userID, JoinedAt: now})
		s.Phase = PhasePlaying
		s.Round = arbiter.NewRound(now)
		deadline := now.Add(l.cfg.RoundTimeout)
		s.TurnDeadline = &deadline

		if err := l.save(ctx, s); err != nil {
			// one key per debit: a later failed attempt is refunded again
			l.refund(ctx, fmt.Sprintf("%s/join/%d/%s", s.ID, userID, uuid.NewString()), s.ID, userID, s.Bet)
			return fmt.Errorf("%w: admission failed: %v", ErrInternal, err)
		}

		fx.emit(EventPlayerJoined, s.ID, PlayerJoined{
			SessionID: s.ID,
			Players:   s.UserIDs(),
			Round:     s.Round.Round,
			Deadline:  s.TurnDeadline,
		}, now)
		view = NewView(*s, userID)
		log.Printf("[Lifecycle %s] User %d joined, match started.", s.ID, userID)
		return nil
	})
	if errors.Is(err, errNoChange) {
		return view, nil
	}
	return view, err
}

// errNoChange makes WithSession skip the commit of a read-only outcome.
var errNoChange = errors.New("no change")

// Cancel lets the creator abandon a session nobody joined yet.
func (l *Lifecycle) Cancel(ctx context.Context, id string, userID int64) error {
	return l.transition(ctx, id, func(s *Session, fx *effects) error {
		if s.Creator() != userID {
			return ErrNotCreator
		}
		if s.Phase != PhaseWaiting {
			return ErrTooLate
		}
		return l.abandonWaiting(ctx, s, "cancelled by creator", fx)
	})
}

// abandonWaiting refunds the creator and aborts the session.
func (l *Lifecycle) abandonWaiting(ctx context.Context, s *Session, reason string, fx *effects) error {
	if s.Phase != PhaseWaiting {
		return ErrTooLate
	}
	now := l.cfg.Now()
	s.Phase = PhaseAborted
	s.DecidedAt = &now
	s.Outcome = &Outcome{Draw: true, Reason: reason}
	l.saveTerminal(ctx, s)

	s.Outcome.Settlement = l.refund(ctx, s.ID+"/abort", s.ID, s.Creator(), s.Bet)

	fx.emit(EventMatchAborted, s.ID, MatchAborted{SessionID: s.ID, Players: s.UserIDs(), Reason: reason}, now)
	fx.retire = true
	log.Printf("[Lifecycle %s] Aborted: %s.", s.ID, reason)
	return nil
}

// MoveResult is returned to the player who submitted a move.
type MoveResult struct {
	Pending bool         `json:"pending"`
	Own     arbiter.Play `json:"own"`
	Round   *RoundResult `json:"round,omitempty"`
	Match   *Outcome     `json:"match,omitempty"`
}

// SubmitMove commits userID's move for the current round. round, when
// non-zero, must name the open round; a move aimed at a round that already
// closed is rejected with ErrTooLate.
func (l *Lifecycle) SubmitMove(ctx context.Context, id string, userID int64, move arbiter.Move, round int) (MoveResult, error) {
	var out MoveResult
	err := l.transition(ctx, id, func(s *Session, fx *effects) error {
		switch s.Phase {
		case PhasePlaying:
		case PhaseWaiting:
			return fmt.Errorf("%w: match has not started", ErrInvalidMove)
		default:
			return ErrTooLate
		}
		seat := s.Seat(userID)
		if seat < 0 {
			return fmt.Errorf("%w: %w", ErrInvalidMove, arbiter.ErrNotSeated)
		}
		if round != 0 && round != s.Round.Round {
			return fmt.Errorf("%w: round %d is closed", ErrTooLate, round)
		}
		now := l.cfg.Now()
		if s.TurnDeadline != nil && !now.Before(*s.TurnDeadline) {
			return fmt.Errorf("%w: round %d deadline passed", ErrTooLate, s.Round.Round)
		}

		played := s.Round.Round
		res, err := l.arbiter.Submit(&s.Round, s.Kind, seat, move, now)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidMove, err)
		}
		out.Own = res.Own

		if res.Pending {
			out.Pending = true
			fx.emit(EventMoveCommitted, s.ID, MoveCommitted{SessionID: s.ID, UserID: userID, Round: played}, now)
			l.saveOrWarn(ctx, s)
			return nil
		}

		out.Round = l.roundClosed(s, res, now, fx)
		if res.Match != nil {
			out.Match = l.resolve(ctx, s, *res.Match, fx)
			return nil
		}
		l.saveOrWarn(ctx, s)
		return nil
	})
	return out, err
}

func (l *Lifecycle) saveOrWarn(ctx context.Context, s *Session) {
	if err := l.save(ctx, s); err != nil {
		log.Printf("[Lifecycle %s] WARN: checkpoint failed: %v", s.ID, err)
	}
}

// roundClosed records a scored round: it opens the next deadline and emits
// ROUND_RESULT.
func (l *Lifecycle) roundClosed(s *Session, res arbiter.Result, now time.Time, fx *effects) *RoundResult {
	ro := res.Round
	rr := RoundResult{
		SessionID: s.ID,
		Round:     ro.Round,
		Outcome:   "draw",
		Players:   s.UserIDs(),
		Plays:     ro.Plays,
		Scores:    ro.Scores,
	}
	if ro.Winner != arbiter.DrawSeat {
		rr.Outcome = "win"
		rr.WinnerID = s.Players[ro.Winner].UserID
	}
	if res.Match == nil {
		deadline := now.Add(l.cfg.RoundTimeout)
		s.TurnDeadline = &deadline
		rr.Deadline = s.TurnDeadline
	}
	fx.emit(EventRoundResult, s.ID, rr, now)
	log.Printf("[Lifecycle %s] Round %d: %s, scores %d-%d.", s.ID, ro.Round, rr.Outcome, ro.Scores[0], ro.Scores[1])
	return &rr
}

// resolve closes a playing session and settles it. Settlement runs at most
// once per session: the phase guard stops a second resolve and the
// coordinator rejects a repeated key. A failed payout does not keep the
// session open; the coordinator retries it.
func (l *Lifecycle) resolve(ctx context.Context, s *Session, m arbiter.MatchOutcome, fx *effects) *Outcome {
	if s.Phase != PhasePlaying {
		return s.Outcome
	}
	now := l.cfg.Now()
	s.Phase = PhaseResolved
	s.DecidedAt = &now
	s.TurnDeadline = nil

	res := settlement.Result{
		SessionID: s.ID,
		Bet:       s.Bet,
		Players:   [2]int64{s.Players[0].UserID, s.Players[1].UserID},
		Draw:      m.Winner == arbiter.DrawSeat,
	}
	out := &Outcome{Draw: res.Draw, Scores: m.Scores, Reason: m.Reason}
	if !res.Draw {
		res.WinnerID = s.Players[m.Winner].UserID
		out.WinnerID = res.WinnerID
	}

	s.Outcome = out
	l.saveTerminal(ctx, s)

	rec, err := l.settler.Settle(context.WithoutCancel(ctx), res)
	switch {
	case errors.Is(err, settlement.ErrAlreadySettled):
		log.Printf("[Lifecycle %s] ERROR: settlement requested twice: %v", s.ID, err)
	case err != nil:
		log.Printf("[Lifecycle %s] WARN: settlement incomplete, retry scheduled: %v", s.ID, err)
	}
	if rec.Key != "" {
		out.Settlement = &rec
	}

	fx.emit(EventMatchResolved, s.ID, MatchResolved{
		SessionID:  s.ID,
		WinnerID:   out.WinnerID,
		Draw:       out.Draw,
		Players:    s.UserIDs(),
		Scores:     out.Scores,
		Reason:     out.Reason,
		Settlement: out.Settlement,
	}, now)
	fx.retire = true

	if out.Draw {
		log.Printf("[Lifecycle %s] Resolved as a draw (%s).", s.ID, m.Reason)
	} else {
		log.Printf("[Lifecycle %s] Resolved, user %d wins (%s).", s.ID, out.WinnerID, m.Reason)
	}
	return out
}

// ForceAbortOnDisconnect applies the disconnect policy to a playing session
// right away, with userID as the player who dropped.
func (l *Lifecycle) ForceAbortOnDisconnect(ctx context.Context, id string, userID int64) error {
	return l.transition(ctx, id, func(s *Session, fx *effects) error {
		if s.Phase != PhasePlaying {
			return ErrTooLate
		}
		seat := s.Seat(userID)
		if seat < 0 {
			return fmt.Errorf("%w: %w", ErrInvalidMove, arbiter.ErrNotSeated)
		}
		l.forceAbort(ctx, s, seat, fx)
		return nil
	})
}

func (l *Lifecycle) forceAbort(ctx context.Context, s *Session, loser int, fx *effects) {
	m := arbiter.MatchOutcome{Winner: arbiter.DrawSeat, Scores: s.Round.Scores, Reason: "player disconnected, match void"}
	if l.cfg.DisconnectPolicy == PolicyForfeit && loser != arbiter.DrawSeat {
		m.Winner = 1 - loser
		m.Reason = fmt.Sprintf("user %d disconnected", s.Players[loser].UserID)
	}
	l.resolve(ctx, s, m, fx)
}

// PlayerDisconnected starts the reconnection grace period for userID in
// every playing session they are seated in.
func (l *Lifecycle) PlayerDisconnected(userID int64) {
	l.markConnection(userID, false)
}

// PlayerReconnected cancels any pending disconnect forfeit for userID.
func (l *Lifecycle) PlayerReconnected(userID int64) {
	l.markConnection(userID, true)
}

func (l *Lifecycle) markConnection(userID int64, connected bool) {
	for _, id := range l.store.UserSessions(userID) {
		err := l.store.WithSession(id, func(s *Session) error {
			if s.Phase != PhasePlaying {
				return errNoChange
			}
			seat := s.Seat(userID)
			if seat < 0 {
				return errNoChange
			}
			p := &s.Players[seat]
			switch {
			case connected && p.DisconnectedAt != nil:
				p.DisconnectedAt = nil
				log.Printf("[Lifecycle %s] User %d reconnected.", s.ID, userID)
			case !connected && p.DisconnectedAt == nil:
				now := l.cfg.Now()
				p.DisconnectedAt = &now
				log.Printf("[Lifecycle %s] User %d disconnected, grace period %s.", s.ID, userID, l.cfg.ReconnectGrace)
			default:
				return errNoChange
			}
			return nil
		})
		if err != nil && !errors.Is(err, errNoChange) && !errors.Is(err, ErrSessionNotFound) {
			log.Printf("[Lifecycle %s] WARN: could not update connection state of user %d: %v", id, userID, err)
		}
	}
}

// IsSeated reports whether userID holds a seat in session id.
func (l *Lifecycle) IsSeated(userID int64, id string) bool {
	s, err := l.store.Get(id)
	return err == nil && s.Seat(userID) >= 0
}

// Get returns the session as seen by viewer.
func (l *Lifecycle) Get(ctx context.Context, id string, viewer int64) (View, error) {
	l.expireSession(ctx, id)
	s, err := l.store.Get(id)
	if err != nil {
		return View{}, err
	}
	return NewView(s, viewer), nil
}

// ListWaiting returns joinable sessions of kind. Sessions whose wait window
// has already run out are left off even if the sweeper has not reached them.
func (l *Lifecycle) ListWaiting(kind arbiter.Kind) []Summary {
	cutoff := l.cfg.Now().Add(-l.cfg.WaitTimeout)
	all := l.store.ListWaiting(kind)
	out := all[:0]
	for _, sum := range all {
		if sum.CreatedAt.After(cutoff) {
			out = append(out, sum)
		}
	}
	return out
}

// Restore loads checkpointed sessions back into the store. Players of a
// restored match are treated as disconnected and the open round gets a fresh
// deadline, since nobody could play while the server was down.
func (l *Lifecycle) Restore(ctx context.Context) (int, error) {
	sessions, err := l.cp.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	now := l.cfg.Now()
	restored := 0
	for i := range sessions {
		s := &sessions[i]
		if s.Phase.Terminal() {
			if err := l.cp.Delete(ctx, s.ID); err != nil {
				log.Printf("[Lifecycle %s] WARN: failed to delete stale checkpoint: %v", s.ID, err)
			}
			continue
		}
		if s.Phase == PhasePlaying {
			for j := range s.Players {
				if s.Players[j].DisconnectedAt == nil {
					s.Players[j].DisconnectedAt = copyTime(&now)
				}
			}
			deadline := now.Add(l.cfg.RoundTimeout)
			s.TurnDeadline = &deadline
		}
		if err := l.store.Insert(s); err != nil {
			log.Printf("[Lifecycle %s] WARN: skipped restore: %v", s.ID, err)
			continue
		}
		restored++
	}
	log.Printf("[Lifecycle] Restored %d live sessions from checkpoints.", restored)
	return restored, nil
}
