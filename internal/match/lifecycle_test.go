package match

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenduel/internal/game/arbiter"
	"tokenduel/internal/ledger"
	"tokenduel/internal/settlement"
)

const (
	alice = int64(1)
	bob   = int64(2)
	carol = int64(3)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type countingSettler struct {
	*settlement.Coordinator
	settles atomic.Int32
}

func (c *countingSettler) Settle(ctx context.Context, res settlement.Result) (settlement.Record, error) {
	c.settles.Add(1)
	return c.Coordinator.Settle(ctx, res)
}

type lockedRoller struct {
	mu    sync.Mutex
	faces []int
	i     int
}

func (r *lockedRoller) Roll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.faces[r.i%len(r.faces)]
	r.i++
	return f
}

// flakyCheckpointer fails saves of playing sessions.
type flakyCheckpointer struct {
	mu    sync.Mutex
	saved map[string]Session
}

func (f *flakyCheckpointer) Save(_ context.Context, s Session) error {
	if s.Phase == PhasePlaying {
		return errors.New("redis: connection refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[s.ID] = s
	return nil
}

func (f *flakyCheckpointer) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, id)
	return nil
}

func (f *flakyCheckpointer) Load(context.Context) ([]Session, error) { return nil, nil }

type harness struct {
	lc      *Lifecycle
	ledger  *ledger.Memory
	clock   *fakeClock
	events  *recorder
	settler *countingSettler
}

func newHarness(t *testing.T, cfg Config, roller arbiter.Roller, cp Checkpointer) *harness {
	t.Helper()
	h := &harness{
		ledger: ledger.NewMemory(100),
		clock:  &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		events: &recorder{},
	}
	cfg.Now = h.clock.Now
	h.settler = &countingSettler{Coordinator: settlement.NewCoordinator(h.ledger, nil, settlement.Config{Now: h.clock.Now})}
	h.lc = NewLifecycle(cfg, Deps{
		Ledger:       h.ledger,
		Settler:      h.settler,
		Arbiter:      arbiter.New(roller, cfg.MaxRounds),
		Notifier:     h.events,
		Checkpointer: cp,
	})
	return h
}

func (h *harness) startMatch(t *testing.T, kind arbiter.Kind, bet int64) string {
	t.Helper()
	v, err := h.lc.Create(context.Background(), alice, kind, bet)
	require.NoError(t, err)
	_, err = h.lc.Join(context.Background(), v.ID, bob)
	require.NoError(t, err)
	return v.ID
}

func (h *harness) play(t *testing.T, id string, a, b arbiter.Move) MoveResult {
	t.Helper()
	res, err := h.lc.SubmitMove(context.Background(), id, alice, a, 0)
	require.NoError(t, err)
	require.True(t, res.Pending)
	res, err = h.lc.SubmitMove(context.Background(), id, bob, b, 0)
	require.NoError(t, err)
	return res
}

func TestCreateDebitsCreator(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)

	v, err := h.lc.Create(context.Background(), alice, arbiter.KindDice, 30)
	require.NoError(t, err)

	assert.Equal(t, PhaseWaiting, v.Phase)
	assert.Equal(t, int64(70), h.ledger.Balance(alice))
	lobby := h.lc.ListWaiting(arbiter.KindDice)
	require.Len(t, lobby, 1)
	assert.Equal(t, v.ID, lobby[0].ID)
	assert.Equal(t, int64(30), lobby[0].Bet)
	assert.Empty(t, h.lc.ListWaiting(arbiter.KindRPS))
}

func TestCreateWithoutFundsOpensNothing(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)

	_, err := h.lc.Create(context.Background(), alice, arbiter.KindRPS, 101)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, CodeInsufficientBalance, Code(err))
	assert.Equal(t, int64(100), h.ledger.Balance(alice))
	assert.Zero(t, h.lc.Store().Len())
}

func TestCreateValidatesInput(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)

	_, err := h.lc.Create(context.Background(), alice, arbiter.KindDice, 0)
	assert.ErrorIs(t, err, ErrInvalidBet)
	_, err = h.lc.Create(context.Background(), alice, arbiter.Kind("poker"), 5)
	assert.ErrorIs(t, err, ErrInvalidGameKind)
	assert.Equal(t, int64(100), h.ledger.Balance(alice))
}

func TestConcurrentJoinsAdmitExactlyOne(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	v, err := h.lc.Create(context.Background(), alice, arbiter.KindRPS, 10)
	require.NoError(t, err)

	const joiners = 20
	var wg sync.WaitGroup
	var ok atomic.Int32
	var full atomic.Int32
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			_, err := h.lc.Join(context.Background(), v.ID, uid)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrSessionFull):
				full.Add(1)
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(int64(100 + i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(joiners-1), full.Load())

	s, err := h.lc.Store().Get(v.ID)
	require.NoError(t, err)
	assert.Equal(t, PhasePlaying, s.Phase)
	require.Len(t, s.Players, 2)

	var debited int
	for i := 0; i < joiners; i++ {
		if h.ledger.Balance(int64(100+i)) == 90 {
			debited++
		}
	}
	assert.Equal(t, 1, debited)
	assert.Empty(t, h.lc.ListWaiting(""))
}

func TestJoinRules(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	ctx := context.Background()
	v, err := h.lc.Create(ctx, alice, arbiter.KindDice, 60)
	require.NoError(t, err)

	_, err = h.lc.Join(ctx, v.ID, alice)
	assert.ErrorIs(t, err, ErrSelfJoinNotAllowed)

	h.ledger.Deposit(carol, -50)
	_, err = h.lc.Join(ctx, v.ID, carol)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(50), h.ledger.Balance(carol))

	s, err := h.lc.Store().Get(v.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseWaiting, s.Phase)
	assert.Len(t, s.Players, 1)

	_, err = h.lc.Join(ctx, "missing", bob)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = h.lc.Join(ctx, v.ID, bob)
	require.NoError(t, err)
	// A retried join by the seated player is not charged twice.
	again, err := h.lc.Join(ctx, v.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, PhasePlaying, again.Phase)
	assert.Equal(t, int64(40), h.ledger.Balance(bob))

	assert.Equal(t, []EventType{EventPlayerJoined}, h.events.types())
}

func TestDiceMatchPaysWinner(t *testing.T) {
	h := newHarness(t, Config{}, &lockedRoller{faces: []int{4, 2, 1, 6, 5, 3}}, nil)
	id := h.startMatch(t, arbiter.KindDice, 10)

	r1 := h.play(t, id, arbiter.Move{}, arbiter.Move{})
	assert.Equal(t, [2]int{1, 0}, r1.Round.Scores)
	r2 := h.play(t, id, arbiter.Move{}, arbiter.Move{})
	assert.Equal(t, [2]int{1, 1}, r2.Round.Scores)
	r3 := h.play(t, id, arbiter.Move{}, arbiter.Move{})
	assert.Equal(t, [2]int{2, 1}, r3.Round.Scores)

	require.NotNil(t, r3.Match)
	assert.Equal(t, alice, r3.Match.WinnerID)
	require.NotNil(t, r3.Match.Settlement)
	assert.Equal(t, settlement.StatusSettled, r3.Match.Settlement.Status)

	assert.Equal(t, int64(110), h.ledger.Balance(alice))
	assert.Equal(t, int64(90), h.ledger.Balance(bob))
	assert.Equal(t, int32(1), h.settler.settles.Load())

	_, err := h.lc.Store().Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, EventMatchResolved, h.events.last().Type)
}

func TestRPSMatchPaysWinner(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	id := h.startMatch(t, arbiter.KindRPS, 25)

	r := h.play(t, id, arbiter.Move{Choice: arbiter.Rock}, arbiter.Move{Choice: arbiter.Scissors})
	assert.Equal(t, "win", r.Round.Outcome)
	assert.Equal(t, alice, r.Round.WinnerID)

	r = h.play(t, id, arbiter.Move{Choice: arbiter.Paper}, arbiter.Move{Choice: arbiter.Paper})
	assert.Equal(t, "draw", r.Round.Outcome)
	assert.Nil(t, r.Match)

	r = h.play(t, id, arbiter.Move{Choice: arbiter.Paper}, arbiter.Move{Choice: arbiter.Rock})
	require.NotNil(t, r.Match)
	assert.Equal(t, alice, r.Match.WinnerID)
	assert.Equal(t, [2]int{2, 0}, r.Match.Scores)

	assert.Equal(t, int64(125), h.ledger.Balance(alice))
	assert.Equal(t, int64(75), h.ledger.Balance(bob))
}

func TestPendingMoveStaysHiddenFromOpponent(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	id := h.startMatch(t, arbiter.KindRPS, 5)
	ctx := context.Background()

	res, err := h.lc.SubmitMove(ctx, id, alice, arbiter.Move{Choice: arbiter.Paper}, 1)
	require.NoError(t, err)
	assert.True(t, res.Pending)
	assert.Nil(t, res.Round)

	ev := h.events.last()
	require.Equal(t, EventMoveCommitted, ev.Type)
	assert.Equal(t, MoveCommitted{SessionID: id, UserID: alice, Round: 1}, ev.Payload)

	own, err := h.lc.Get(ctx, id, alice)
	require.NoError(t, err)
	require.NotNil(t, own.YourMove)
	assert.Equal(t, arbiter.Paper, own.YourMove.Choice)

	theirs, err := h.lc.Get(ctx, id, bob)
	require.NoError(t, err)
	assert.Nil(t, theirs.YourMove)
	assert.True(t, theirs.Players[0].Committed)
	assert.False(t, theirs.Players[1].Committed)
}

func TestRejectedMovesLeaveRoundUntouched(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	ctx := context.Background()

	v, err := h.lc.Create(ctx, alice, arbiter.KindRPS, 5)
	require.NoError(t, err)
	_, err = h.lc.SubmitMove(ctx, v.ID, alice, arbiter.Move{Choice: arbiter.Rock}, 0)
	assert.ErrorIs(t, err, ErrInvalidMove, "no move before the match starts")

	_, err = h.lc.Join(ctx, v.ID, bob)
	require.NoError(t, err)
	before, err := h.lc.Store().Get(v.ID)
	require.NoError(t, err)

	_, err = h.lc.SubmitMove(ctx, v.ID, carol, arbiter.Move{Choice: arbiter.Rock}, 0)
	assert.ErrorIs(t, err, ErrInvalidMove)
	assert.Equal(t, CodeInvalidMove, Code(err))

	_, err = h.lc.SubmitMove(ctx, v.ID, alice, arbiter.Move{Choice: "spock"}, 0)
	assert.ErrorIs(t, err, ErrInvalidMove)

	_, err = h.lc.SubmitMove(ctx, v.ID, alice, arbiter.Move{Choice: arbiter.Rock}, 0)
	require.NoError(t, err)
	mid, err := h.lc.Store().Get(v.ID)
	require.NoError(t, err)

	_, err = h.lc.SubmitMove(ctx, v.ID, alice, arbiter.Move{Choice: arbiter.Paper}, 0)
	assert.ErrorIs(t, err, ErrInvalidMove)
	after, err := h.lc.Store().Get(v.ID)
	require.NoError(t, err)

	assert.Nil(t, before.Round.Committed[0])
	assert.Equal(t, mid.Round, after.Round)
	assert.Equal(t, arbiter.Rock, after.Round.Committed[0].Choice)
}

func TestMoveForClosedRoundIsTooLate(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	id := h.startMatch(t, arbiter.KindRPS, 5)
	h.play(t, id, arbiter.Move{Choice: arbiter.Rock}, arbiter.Move{Choice: arbiter.Rock})

	_, err := h.lc.SubmitMove(context.Background(), id, alice, arbiter.Move{Choice: arbiter.Paper}, 1)
	assert.ErrorIs(t, err, ErrTooLate)
	assert.Equal(t, CodeTooLate, Code(err))
}

func TestSettlementRunsOnceWhenTimerRacesFinalMove(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, Config{RoundTimeout: time.Second}, nil, nil)
		id := h.startMatch(t, arbiter.KindRPS, 10)
		h.play(t, id, arbiter.Move{Choice: arbiter.Rock}, arbiter.Move{Choice: arbiter.Scissors})

		_, err := h.lc.SubmitMove(context.Background(), id, alice, arbiter.Move{Choice: arbiter.Paper}, 0)
		require.NoError(t, err)
		h.clock.Advance(999 * time.Millisecond)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, _ = h.lc.SubmitMove(context.Background(), id, bob, arbiter.Move{Choice: arbiter.Rock}, 0)
		}()
		go func() {
			defer wg.Done()
			h.clock.Advance(time.Millisecond)
			h.lc.Sweep(context.Background())
		}()
		go func() {
			defer wg.Done()
			h.lc.Sweep(context.Background())
		}()
		wg.Wait()

		// Either the move or the timeout closes round two; alice wins both ways.
		assert.Equal(t, int32(1), h.settler.settles.Load())
		assert.Equal(t, int64(110), h.ledger.Balance(alice))
		assert.Equal(t, int64(90), h.ledger.Balance(bob))
		assert.Zero(t, h.lc.Store().Len())
	}
}

func TestWaitingTimeoutRefundsCreator(t *testing.T) {
	h := newHarness(t, Config{WaitTimeout: time.Minute}, nil, nil)
	v, err := h.lc.Create(context.Background(), alice, arbiter.KindDice, 40)
	require.NoError(t, err)

	h.clock.Advance(59 * time.Second)
	assert.Zero(t, h.lc.Sweep(context.Background()))
	assert.Equal(t, int64(60), h.ledger.Balance(alice))

	h.clock.Advance(time.Second)
	assert.Empty(t, h.lc.ListWaiting(""), "expired sessions are hidden before the sweep")
	assert.Equal(t, 1, h.lc.Sweep(context.Background()))

	assert.Equal(t, int64(100), h.ledger.Balance(alice))
	assert.Equal(t, EventMatchAborted, h.events.last().Type)
	_, err = h.lc.Get(context.Background(), v.ID, alice)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestJoinAfterWaitTimeoutIsTooLate(t *testing.T) {
	h := newHarness(t, Config{WaitTimeout: time.Minute}, nil, nil)
	v, err := h.lc.Create(context.Background(), alice, arbiter.KindDice, 40)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, err = h.lc.Join(context.Background(), v.ID, bob)
	assert.ErrorIs(t, err, ErrTooLate)
	assert.Equal(t, int64(100), h.ledger.Balance(alice))
	assert.Equal(t, int64(100), h.ledger.Balance(bob))
}

func TestCancelOnlyByCreatorWhileWaiting(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	ctx := context.Background()
	v, err := h.lc.Create(ctx, alice, arbiter.KindRPS, 20)
	require.NoError(t, err)

	assert.ErrorIs(t, h.lc.Cancel(ctx, v.ID, bob), ErrNotCreator)
	require.NoError(t, h.lc.Cancel(ctx, v.ID, alice))
	assert.Equal(t, int64(100), h.ledger.Balance(alice))
	assert.ErrorIs(t, h.lc.Cancel(ctx, v.ID, alice), ErrSessionNotFound)

	id := h.startMatch(t, arbiter.KindRPS, 20)
	assert.ErrorIs(t, h.lc.Cancel(ctx, id, alice), ErrTooLate)
}

func TestReconnectWithinGraceKeepsMatch(t *testing.T) {
	h := newHarness(t, Config{ReconnectGrace: 10 * time.Second, RoundTimeout: time.Hour}, nil, nil)
	id := h.startMatch(t, arbiter.KindRPS, 10)

	h.lc.PlayerDisconnected(bob)
	v, err := h.lc.Get(context.Background(), id, alice)
	require.NoError(t, err)
	assert.False(t, v.Players[1].Connected)

	h.clock.Advance(9 * time.Second)
	h.lc.PlayerReconnected(bob)
	h.clock.Advance(time.Minute)
	h.lc.Sweep(context.Background())

	v, err = h.lc.Get(context.Background(), id, alice)
	require.NoError(t, err)
	assert.Equal(t, PhasePlaying, v.Phase)
	assert.True(t, v.Players[1].Connected)
	assert.Zero(t, h.settler.settles.Load())
}

func TestDisconnectPastGraceForfeits(t *testing.T) {
	h := newHarness(t, Config{ReconnectGrace: 10 * time.Second, RoundTimeout: time.Hour}, nil, nil)
	id := h.startMatch(t, arbiter.KindDice, 10)

	h.lc.PlayerDisconnected(bob)
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, h.lc.Sweep(context.Background()))
	h.lc.Sweep(context.Background())

	ev := h.events.last()
	require.Equal(t, EventMatchResolved, ev.Type)
	res := ev.Payload.(MatchResolved)
	assert.Equal(t, id, res.SessionID)
	assert.Equal(t, alice, res.WinnerID)
	assert.Equal(t, int32(1), h.settler.settles.Load())
	assert.Equal(t, int64(110), h.ledger.Balance(alice))
	assert.Equal(t, int64(90), h.ledger.Balance(bob))
}

func TestVoidPolicyRefundsBoth(t *testing.T) {
	h := newHarness(t, Config{ReconnectGrace: time.Second, RoundTimeout: time.Hour, DisconnectPolicy: PolicyVoid}, nil, nil)
	h.startMatch(t, arbiter.KindDice, 10)

	h.lc.PlayerDisconnected(alice)
	h.clock.Advance(time.Second)
	h.lc.Sweep(context.Background())

	res := h.events.last().Payload.(MatchResolved)
	assert.True(t, res.Draw)
	assert.Equal(t, int64(100), h.ledger.Balance(alice))
	assert.Equal(t, int64(100), h.ledger.Balance(bob))
}

func TestBothDisconnectedEarlierDropLoses(t *testing.T) {
	h := newHarness(t, Config{ReconnectGrace: 5 * time.Second, RoundTimeout: time.Hour}, nil, nil)
	h.startMatch(t, arbiter.KindRPS, 10)

	h.lc.PlayerDisconnected(bob)
	h.clock.Advance(time.Second)
	h.lc.PlayerDisconnected(alice)
	h.clock.Advance(time.Minute)
	h.lc.Sweep(context.Background())

	res := h.events.last().Payload.(MatchResolved)
	assert.Equal(t, alice, res.WinnerID)
}

func TestForceAbortOnDisconnect(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil)
	id := h.startMatch(t, arbiter.KindRPS, 10)

	assert.ErrorIs(t, h.lc.ForceAbortOnDisconnect(context.Background(), id, carol), ErrInvalidMove)
	require.NoError(t, h.lc.ForceAbortOnDisconnect(context.Background(), id, alice))
	assert.Equal(t, int64(110), h.ledger.Balance(bob))
	assert.ErrorIs(t, h.lc.ForceAbortOnDisconnect(context.Background(), id, alice), ErrSessionNotFound)
}

func TestRoundDeadlineForfeitsSilentSeat(t *testing.T) {
	h := newHarness(t, Config{RoundTimeout: 30 * time.Second}, nil, nil)
	id := h.startMatch(t, arbiter.KindRPS, 10)
	ctx := context.Background()

	_, err := h.lc.SubmitMove(ctx, id, alice, arbiter.Move{Choice: arbiter.Rock}, 0)
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)
	h.lc.Sweep(ctx)

	ev := h.events.last()
	require.Equal(t, EventRoundResult, ev.Type)
	rr := ev.Payload.(RoundResult)
	assert.Equal(t, alice, rr.WinnerID)
	assert.True(t, rr.Plays[1].Forfeit)

	// Nobody plays round two either: a draw, the match goes on.
	h.clock.Advance(30 * time.Second)
	h.lc.Sweep(ctx)
	v, err := h.lc.Get(ctx, id, alice)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Round)
	assert.Equal(t, [2]int{1, 0}, v.Scores)

	// Alice goes silent for two rounds and loses 1-2.
	for round := 3; round <= 4; round++ {
		_, err = h.lc.SubmitMove(ctx, id, bob, arbiter.Move{Choice: arbiter.Rock}, round)
		require.NoError(t, err)
		h.clock.Advance(30 * time.Second)
		h.lc.Sweep(ctx)
	}

	res := h.events.last().Payload.(MatchResolved)
	assert.Equal(t, bob, res.WinnerID)
	assert.Equal(t, [2]int{1, 2}, res.Scores)
	assert.Equal(t, int64(110), h.ledger.Balance(bob))
}

func TestAdmissionFailureRefundsJoiner(t *testing.T) {
	cp := &flakyCheckpointer{saved: make(map[string]Session)}
	h := newHarness(t, Config{}, nil, cp)
	ctx := context.Background()

	v, err := h.lc.Create(ctx, alice, arbiter.KindDice, 15)
	require.NoError(t, err)

	_, err = h.lc.Join(ctx, v.ID, bob)
	require.ErrorIs(t, err, ErrInternal)
	assert.Equal(t, int64(100), h.ledger.Balance(bob))

	s, err := h.lc.Store().Get(v.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseWaiting, s.Phase)
	assert.Len(t, s.Players, 1)
	assert.Empty(t, h.events.types())
}

func TestRepeatedAdmissionFailuresRefundEachDebit(t *testing.T) {
	cp := &flakyCheckpointer{saved: make(map[string]Session)}
	h := newHarness(t, Config{}, nil, cp)
	ctx := context.Background()

	v, err := h.lc.Create(ctx, alice, arbiter.KindDice, 15)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		_, err = h.lc.Join(ctx, v.ID, bob)
		require.ErrorIs(t, err, ErrInternal, "attempt %d", attempt)
		assert.Equal(t, int64(100), h.ledger.Balance(bob), "attempt %d", attempt)
	}
	assert.Equal(t, int32(0), h.settler.settles.Load())
}

// flakyLedger fails credits while down.
type flakyLedger struct {
	*ledger.Memory
	mu   sync.Mutex
	down bool
}

func (f *flakyLedger) Credit(ctx context.Context, userID, amount int64) error {
	f.mu.Lock()
	down := f.down
	f.mu.Unlock()
	if down {
		return errors.New("ledger unavailable")
	}
	return f.Memory.Credit(ctx, userID, amount)
}

func (f *flakyLedger) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func TestFailedPayoutResolvesAndRetriesOnce(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	led := &flakyLedger{Memory: ledger.NewMemory(100)}
	coord := settlement.NewCoordinator(led, nil, settlement.Config{Backoff: time.Second, Now: clock.Now})
	events := &recorder{}
	h := &harness{
		lc: NewLifecycle(Config{Now: clock.Now}, Deps{
			Ledger:   led,
			Settler:  coord,
			Arbiter:  arbiter.New(&lockedRoller{faces: []int{4, 2, 1, 6, 5, 3}}, 0),
			Notifier: events,
		}),
		ledger: led.Memory,
		clock:  clock,
		events: events,
	}
	ctx := context.Background()
	id := h.startMatch(t, arbiter.KindDice, 10)

	led.setDown(true)
	h.play(t, id, arbiter.Move{}, arbiter.Move{})
	h.play(t, id, arbiter.Move{}, arbiter.Move{})
	r3 := h.play(t, id, arbiter.Move{}, arbiter.Move{})
	require.NotNil(t, r3.Match)
	assert.Equal(t, alice, r3.Match.WinnerID)

	ev := events.last()
	require.Equal(t, EventMatchResolved, ev.Type)
	resolved := ev.Payload.(MatchResolved)
	require.NotNil(t, resolved.Settlement)
	assert.Equal(t, settlement.StatusPending, resolved.Settlement.Status)
	assert.Equal(t, 1, resolved.Settlement.Attempts)

	_, err := h.lc.Store().Get(id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = h.lc.SubmitMove(ctx, id, alice, arbiter.Move{}, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, int64(90), led.Balance(alice))
	assert.Len(t, coord.Outstanding(), 1)

	led.setDown(false)
	coord.RetryDue(ctx)
	assert.Equal(t, int64(90), led.Balance(alice), "retried before the backoff elapsed")

	clock.Advance(time.Second)
	coord.RetryDue(ctx)
	assert.Equal(t, int64(110), led.Balance(alice))
	assert.Equal(t, int64(90), led.Balance(bob))

	clock.Advance(time.Minute)
	coord.RetryDue(ctx)
	assert.Equal(t, int64(110), led.Balance(alice))
	rec, ok := coord.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, settlement.StatusSettled, rec.Status)
	assert.Empty(t, coord.Outstanding())
}

// stickyCheckpointer keeps every save and can never delete.
type stickyCheckpointer struct {
	mu    sync.Mutex
	saved map[string]Session
}

func (c *stickyCheckpointer) Save(_ context.Context, s Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved[s.ID] = s
	return nil
}

func (c *stickyCheckpointer) Delete(context.Context, string) error {
	return errors.New("redis: connection refused")
}

func (c *stickyCheckpointer) Load(context.Context) ([]Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Session, 0, len(c.saved))
	for _, s := range c.saved {
		out = append(out, s)
	}
	return out, nil
}

func (c *stickyCheckpointer) phase(id string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved[id].Phase
}

func TestRestartAfterFailedCheckpointDeleteDoesNotPayTwice(t *testing.T) {
	cp := &stickyCheckpointer{saved: make(map[string]Session)}
	h := newHarness(t, Config{}, &lockedRoller{faces: []int{4, 2, 1, 6, 5, 3}}, cp)
	ctx := context.Background()

	id := h.startMatch(t, arbiter.KindDice, 10)
	for i := 0; i < 3; i++ {
		h.play(t, id, arbiter.Move{}, arbiter.Move{})
	}
	cancelled, err := h.lc.Create(ctx, carol, arbiter.KindDice, 10)
	require.NoError(t, err)
	require.NoError(t, h.lc.Cancel(ctx, cancelled.ID, carol))

	assert.Equal(t, PhaseResolved, cp.phase(id))
	assert.Equal(t, PhaseAborted, cp.phase(cancelled.ID))

	restarted := NewLifecycle(Config{Now: h.clock.Now}, Deps{Ledger: h.ledger, Checkpointer: cp})
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 0, restarted.Sweep(ctx))
	assert.Empty(t, restarted.ListWaiting(""))
	assert.ErrorIs(t, restarted.Cancel(ctx, cancelled.ID, carol), ErrSessionNotFound)

	assert.Equal(t, int64(110), h.ledger.Balance(alice))
	assert.Equal(t, int64(90), h.ledger.Balance(bob))
	assert.Equal(t, int64(100), h.ledger.Balance(carol))
}

// gateNotifier holds the first MOVE_COMMITTED until released.
type gateNotifier struct {
	*recorder
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gateNotifier) Notify(ev Event) {
	if ev.Type == EventMoveCommitted {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	g.recorder.Notify(ev)
}

func TestEventsReachNotifierInCommitOrder(t *testing.T) {
	gate := &gateNotifier{recorder: &recorder{}, entered: make(chan struct{}), release: make(chan struct{})}
	h := &harness{
		lc: NewLifecycle(Config{}, Deps{
			Ledger:   ledger.NewMemory(100),
			Arbiter:  arbiter.New(&lockedRoller{faces: []int{4, 2}}, 0),
			Notifier: gate,
		}),
	}
	id := h.startMatch(t, arbiter.KindDice, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.lc.SubmitMove(ctx, id, alice, arbiter.Move{}, 0)
		errs <- err
	}()
	<-gate.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := h.lc.SubmitMove(ctx, id, bob, arbiter.Move{}, 0)
		errs <- err
	}()
	// give bob's move time to overtake if it could
	time.Sleep(50 * time.Millisecond)
	close(gate.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, []EventType{EventPlayerJoined, EventMoveCommitted, EventRoundResult}, gate.types())
}

type memCheckpointer struct {
	sessions []Session
	deleted  []string
}

func (m *memCheckpointer) Save(context.Context, Session) error { return nil }
func (m *memCheckpointer) Delete(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}
func (m *memCheckpointer) Load(context.Context) ([]Session, error) { return m.sessions, nil }

func TestRestoreReadmitsLiveSessions(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	waiting := New(arbiter.KindDice, 5, alice, now)
	playing := New(arbiter.KindRPS, 5, bob, now)
	playing.Players = append(playing.Players, Player{UserID: carol, JoinedAt: now})
	playing.Phase = PhasePlaying
	playing.Round = arbiter.NewRound(now)
	done := New(arbiter.KindRPS, 5, carol, now)
	done.Phase = PhaseResolved

	cp := &memCheckpointer{sessions: []Session{*waiting, *playing, *done}}
	h := newHarness(t, Config{RoundTimeout: time.Minute}, nil, cp)

	n, err := h.lc.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{done.ID}, cp.deleted)

	v, err := h.lc.Get(context.Background(), playing.ID, bob)
	require.NoError(t, err)
	assert.False(t, v.Players[0].Connected)
	require.NotNil(t, v.TurnDeadline)
	assert.Equal(t, now.Add(time.Minute), *v.TurnDeadline)
	assert.True(t, h.lc.IsSeated(carol, playing.ID))
	assert.False(t, h.lc.IsSeated(alice, playing.ID))
}
