package economy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killfeed/killfeed/internal/config"
	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/notify"
	"github.com/killfeed/killfeed/internal/random"
	"github.com/killfeed/killfeed/internal/store"
	"github.com/killfeed/killfeed/pkg/types"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newEngine(t *testing.T) (*Engine, *clock, *notify.Notifier) {
	t.Helper()
	cfg := config.DefaultConfig().Economy
	clk := &clock{t: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	n := notify.NewNotifier(64)
	e := New(store.NewMemory(), cfg, n, logging.Discard(),
		WithClock(clk.now), WithRandom(random.NewFixed(0)))
	return e, clk, n
}

func balance(t *testing.T, e *Engine, id string) int64 {
	t.Helper()
	acct, err := e.Balance(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance
}

func killEvent(actor, victim string, sec int64) types.DomainEvent {
	return types.DomainEvent{
		Kind:      types.KindKill,
		Timestamp: time.Unix(1746100000+sec, 0).UTC(),
		SourceID:  "s1",
		ActorID:   actor,
		VictimID:  victim,
		Weapon:    "SVD",
		Distance:  212.5,
	}
}

func TestApplyDelta_RejectsNegative(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	bal, err := e.ApplyDelta(ctx, "p1", 50, "seed")
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)

	_, err = e.ApplyDelta(ctx, "p1", -51, "too much")
	require.Error(t, err)
	assert.ErrorIs(t, err, kferrors.ErrInsufficientFunds)
	assert.Equal(t, int64(50), balance(t, e, "p1"), "rejected mutation leaves balance unchanged")

	bal, err = e.ApplyDelta(ctx, "p1", -50, "all in")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestApplyDelta_LedgerRecordsEachChange(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.ApplyDelta(ctx, "p1", 100, "seed")
	require.NoError(t, err)
	_, err = e.ApplyDelta(ctx, "p1", -30, "spend")
	require.NoError(t, err)

	entries, err := e.History(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var sum int64
	for _, en := range entries {
		sum += en.Delta
	}
	assert.Equal(t, int64(70), sum)
}

func TestApplyDelta_ConcurrentSamePlayerLinearizable(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.ApplyDelta(ctx, "p1", 100, "seed")
	require.NoError(t, err)

	deltas := []int64{-40, 25, -70, 10, -5, -90, 60, -15, 30, -100, 5, -20}
	var (
		mu      sync.Mutex
		applied int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		for _, d := range deltas {
			wg.Add(1)
			go func(d int64) {
				defer wg.Done()
				if _, err := e.ApplyDelta(ctx, "p1", d, "race"); err == nil {
					mu.Lock()
					applied += d
					mu.Unlock()
				} else if !errors.Is(err, kferrors.ErrInsufficientFunds) {
					t.Errorf("unexpected error: %v", err)
				}
			}(d)
		}
	}
	wg.Wait()

	final := balance(t, e, "p1")
	assert.Equal(t, 100+applied, final)
	assert.GreaterOrEqual(t, final, int64(0))
}

func TestBounty_PostAndClaimExample(t *testing.T) {
	e, _, n := newEngine(t)
	ctx := context.Background()
	sub := n.Subscribe(notify.BountyClaimed)

	_, err := e.ApplyDelta(ctx, "poster", 100, "seed")
	require.NoError(t, err)

	b, err := e.PostBounty(ctx, "poster", "T", 30)
	require.NoError(t, err)
	assert.Equal(t, types.BountyOpen, b.Status)
	assert.Equal(t, int64(30), b.Reward)
	assert.Equal(t, int64(70), balance(t, e, "poster"))

	target, err := e.Balance(ctx, "T")
	require.NoError(t, err)
	assert.Zero(t, target.Balance)

	applied, err := e.ApplyEvent(ctx, killEvent("A", "T", 1), 1)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := e.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BountyClaimed, got.Status)
	assert.Equal(t, "A", got.ClaimedBy)

	killReward := config.DefaultConfig().Economy.KillReward
	assert.Equal(t, 30+killReward, balance(t, e, "A"))
	assert.Equal(t, int64(70), balance(t, e, "poster"), "poster already debited at posting")

	select {
	case notif := <-sub.Ch:
		assert.Equal(t, "A", notif.PlayerID)
		assert.Equal(t, int64(30), notif.Amount)
	case <-time.After(time.Second):
		t.Fatal("expected a claim notification")
	}
}

func TestBounty_OnePerPosterTargetPair(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.ApplyDelta(ctx, "poster", 100, "seed")
	require.NoError(t, err)

	_, err = e.PostBounty(ctx, "poster", "T", 20)
	require.NoError(t, err)
	_, err = e.PostBounty(ctx, "poster", "T", 20)
	require.Error(t, err)
	assert.ErrorIs(t, err, kferrors.ErrConflict)
	assert.Equal(t, int64(80), balance(t, e, "poster"), "conflict rolls back the debit")

	_, err = e.PostBounty(ctx, "poster", "U", 20)
	assert.NoError(t, err)
}

func TestBounty_Validation(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.ApplyDelta(ctx, "p", 1_000_000, "seed")
	require.NoError(t, err)

	for name, call := range map[string]func() error{
		"self":     func() error { _, err := e.PostBounty(ctx, "p", "p", 10); return err },
		"zero":     func() error { _, err := e.PostBounty(ctx, "p", "t", 0); return err },
		"over max": func() error { _, err := e.PostBounty(ctx, "p", "t", 10001); return err },
		"no funds": func() error { _, err := e.PostBounty(ctx, "broke", "t", 10); return err },
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, call())
		})
	}
}

func TestBounty_PosterCannotClaimOwn(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.ApplyDelta(ctx, "poster", 100, "seed")
	require.NoError(t, err)
	b, err := e.PostBounty(ctx, "poster", "T", 40)
	require.NoError(t, err)

	_, err = e.ApplyEvent(ctx, killEvent("poster", "T", 1), 1)
	require.NoError(t, err)

	got, err := e.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BountyOpen, got.Status)
}

func TestBounty_ExpiryRefundsPoster(t *testing.T) {
	e, clk, _ := newEngine(t)
	ctx := context.Background()
	_, err := e.ApplyDelta(ctx, "poster", 100, "seed")
	require.NoError(t, err)
	b, err := e.PostBounty(ctx, "poster", "T", 40)
	require.NoError(t, err)

	n, err := e.ExpireBounties(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.advance(e.cfg.BountyTTL + time.Second)
	n, err = e.ExpireBounties(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(100), balance(t, e, "poster"))

	got, err := e.GetBounty(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.BountyExpired, got.Status)

	// An expired bounty is no longer claimable and is not refunded twice.
	_, err = e.ApplyEvent(ctx, killEvent("A", "T", 1), 1)
	require.NoError(t, err)
	n, err = e.ExpireBounties(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(100), balance(t, e, "poster"))
	assert.Equal(t, config.DefaultConfig().Economy.KillReward, balance(t, e, "A"))
}

func TestGetBounty_Missing(t *testing.T) {
	e, _, _ := newEngine(t)
	_, err := e.GetBounty(context.Background(), "nope")
	assert.ErrorIs(t, err, kferrors.ErrBountyNotFound)
}

func TestApplyEvent_Idempotent(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	ev := killEvent("A", "B", 1)

	applied, err := e.ApplyEvent(ctx, ev, 1)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = e.ApplyEvent(ctx, ev, 2)
	require.NoError(t, err)
	assert.False(t, applied)

	a, err := e.Balance(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Stats.Kills)
	assert.Equal(t, int64(1), a.Stats.Streak)
	assert.InDelta(t, 212.5, a.Stats.TotalDistance, 0.001)
	assert.Equal(t, config.DefaultConfig().Economy.KillReward, a.Balance)

	b, err := e.Balance(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Stats.Deaths)
}

func TestApplyEvent_StreaksAndSelfDeaths(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		_, err := e.ApplyEvent(ctx, killEvent("A", "B", i), uint64(i+1))
		require.NoError(t, err)
	}
	_, err := e.ApplyEvent(ctx, types.DomainEvent{
		Kind: types.KindSuicide, Timestamp: time.Unix(1746100100, 0), SourceID: "s1", ActorID: "A", VictimID: "A",
	}, 4)
	require.NoError(t, err)
	_, err = e.ApplyEvent(ctx, types.DomainEvent{
		Kind: types.KindFall, Timestamp: time.Unix(1746100200, 0), SourceID: "s1", ActorID: "B", VictimID: "B",
	}, 5)
	require.NoError(t, err)

	a, err := e.Balance(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.Stats.Kills)
	assert.Equal(t, int64(0), a.Stats.Streak)
	assert.Equal(t, int64(3), a.Stats.LongestStreak)
	assert.Equal(t, int64(1), a.Stats.Suicides)
	assert.Equal(t, int64(1), a.Stats.Deaths)

	b, err := e.Balance(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, int64(4), b.Stats.Deaths)
	assert.Equal(t, int64(0), b.Stats.Suicides)

	board, err := e.Leaderboard(ctx, store.OrderKills, 5)
	require.NoError(t, err)
	require.NotEmpty(t, board)
	assert.Equal(t, "A", board[0].PlayerID)
}

func TestWork_Cooldown(t *testing.T) {
	e, clk, _ := newEngine(t)
	ctx := context.Background()

	res, err := e.Work(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, e.cfg.WorkMin, res.Payout)
	assert.Equal(t, res.Payout, res.Balance)

	_, err = e.Work(ctx, "p")
	assert.ErrorIs(t, err, kferrors.ErrCooldown)

	clk.advance(e.cfg.WorkCooldown)
	_, err = e.Work(ctx, "p")
	assert.NoError(t, err)
}

func TestGiveTake(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	bal, err := e.Give(ctx, "p", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal)

	_, err = e.Take(ctx, "p", 101)
	assert.ErrorIs(t, err, kferrors.ErrInsufficientFunds)

	bal, err = e.Take(ctx, "p", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(60), bal)

	_, err = e.Take(ctx, "p", 0)
	assert.Error(t, err)

	_, err = e.Give(ctx, "p", -5)
	assert.Error(t, err)
}

func TestTransact_UnlockedPlayerRejected(t *testing.T) {
	e, _, _ := newEngine(t)
	err := e.Transact(context.Background(), []string{"a"}, func(m *Mutator) error {
		_, err := m.Apply("b", 10, "sneaky")
		return err
	})
	require.Error(t, err)
	assert.Zero(t, balance(t, e, "b"))
}

// Sequential deltas against a model: the balance is the sum of accepted
// deltas and never negative.
func TestProperty_BalanceNeverNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("rejected deltas leave the balance unchanged", prop.ForAll(
		func(deltas []int64) bool {
			e := New(store.NewMemory(), config.DefaultConfig().Economy, nil, logging.Discard())
			ctx := context.Background()
			var model int64
			for _, d := range deltas {
				bal, err := e.ApplyDelta(ctx, "p", d, "prop")
				if model+d < 0 {
					if !errors.Is(err, kferrors.ErrInsufficientFunds) {
						return false
					}
					continue
				}
				if err != nil || bal != model+d {
					return false
				}
				model += d
			}
			acct, err := e.Balance(ctx, "p")
			return err == nil && acct.Balance == model && acct.Balance >= 0
		},
		gen.SliceOf(gen.Int64Range(-500, 500)),
	))

	properties.TestingRun(t)
}

// Concurrent deltas over two players: each final balance equals its start
// plus the deltas reported as applied.
func TestProperty_ConcurrentLinearizable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("final balance equals sum of applied deltas", prop.ForAll(
		func(deltas []int64) bool {
			e := New(store.NewMemory(), config.DefaultConfig().Economy, nil, logging.Discard())
			ctx := context.Background()
			players := []string{"x", "y"}
			var mu sync.Mutex
			sums := map[string]int64{}
			var wg sync.WaitGroup
			for i, d := range deltas {
				wg.Add(1)
				go func(p string, d int64) {
					defer wg.Done()
					if _, err := e.ApplyDelta(ctx, p, d, "prop"); err == nil {
						mu.Lock()
						sums[p] += d
						mu.Unlock()
					}
				}(players[i%2], d)
			}
			wg.Wait()
			for _, p := range players {
				acct, err := e.Balance(ctx, p)
				if err != nil || acct.Balance != sums[p] || acct.Balance < 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-100, 100)),
	))

	properties.TestingRun(t)
}
