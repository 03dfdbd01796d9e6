package match

import (
	"context"
	"errors"
	"log"
	"time"

	"tokenduel/internal/game/arbiter"
)

// expireSession fires whichever timer of session id is due. It goes through
// WithSession like any other transition, so a timer and a late move racing
// for the same session are ordered by the session lock.
func (l *Lifecycle) expireSession(ctx context.Context, id string) bool {
	var fx effects
	err := l.store.withSession(id, func(s *Session) error {
		if !l.expire(ctx, s, &fx) {
			return errNoChange
		}
		return nil
	}, fx.publish(l.notifier))
	switch {
	case err == nil:
		l.retire(ctx, id, &fx)
		return true
	case errors.Is(err, errNoChange), errors.Is(err, ErrSessionNotFound):
	default:
		log.Printf("[Lifecycle %s] WARN: timer check failed: %v", id, err)
	}
	return false
}

// expire applies at most one due timer to s and reports whether s changed.
func (l *Lifecycle) expire(ctx context.Context, s *Session, fx *effects) bool {
	now := l.cfg.Now()
	switch s.Phase {
	case PhaseWaiting:
		if now.Sub(s.CreatedAt) >= l.cfg.WaitTimeout {
			return l.abandonWaiting(ctx, s, "no opponent joined in time", fx) == nil
		}
	case PhasePlaying:
		if loser, ok := l.graceExpired(s, now); ok {
			l.forceAbort(ctx, s, loser, fx)
			return true
		}
		if s.TurnDeadline != nil && !now.Before(*s.TurnDeadline) {
			l.roundTimedOut(ctx, s, now, fx)
			return true
		}
	}
	return false
}

// graceExpired returns the seat that lost by staying disconnected. When both
// players ran out of grace the one who dropped first loses; if they dropped
// at the same instant the match is void.
func (l *Lifecycle) graceExpired(s *Session, now time.Time) (int, bool) {
	var expired []int
	for seat, p := range s.Players {
		if p.DisconnectedAt != nil && now.Sub(*p.DisconnectedAt) >= l.cfg.ReconnectGrace {
			expired = append(expired, seat)
		}
	}
	switch len(expired) {
	case 0:
		return 0, false
	case 1:
		return expired[0], true
	}
	a, b := s.Players[0].DisconnectedAt, s.Players[1].DisconnectedAt
	switch {
	case a.Before(*b):
		return 0, true
	case b.Before(*a):
		return 1, true
	}
	return arbiter.DrawSeat, true
}

// roundTimedOut scores the open round with the missing moves forfeited.
func (l *Lifecycle) roundTimedOut(ctx context.Context, s *Session, now time.Time, fx *effects) {
	missing := arbiter.Missing(&s.Round)
	res, err := l.arbiter.Forfeit(&s.Round, s.Kind, now)
	if err != nil {
		log.Printf("[Lifecycle %s] ERROR: round %d timeout could not be scored: %v", s.ID, s.Round.Round, err)
		s.TurnDeadline = nil
		return
	}
	log.Printf("[Lifecycle %s] Round %d timed out, seats %v forfeited.", s.ID, res.Round.Round, missing)

	l.roundClosed(s, res, now, fx)
	if res.Match != nil {
		l.resolve(ctx, s, *res.Match, fx)
		return
	}
	l.saveOrWarn(ctx, s)
}

// Sweep checks the timers of every live session.
func (l *Lifecycle) Sweep(ctx context.Context) int {
	fired := 0
	for _, id := range l.store.IDs() {
		if ctx.Err() != nil {
			break
		}
		if l.expireSession(ctx, id) {
			fired++
		}
	}
	return fired
}

// Run sweeps on every tick until ctx is cancelled.
func (l *Lifecycle) Run(ctx context.Context) {
	log.Printf("[Lifecycle] Sweeper started (every %s).", l.cfg.SweepInterval)
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Lifecycle] Sweeper stopped.")
			return
		case <-ticker.C:
			if n := l.Sweep(ctx); n > 0 {
				log.Printf("[Lifecycle] Sweep fired %d timers.", n)
			}
		}
	}
}
