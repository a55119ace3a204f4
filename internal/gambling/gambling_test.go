package gambling

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killfeed/killfeed/internal/config"
	"github.com/killfeed/killfeed/internal/economy"
	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/random"
	"github.com/killfeed/killfeed/internal/store"
	"github.com/killfeed/killfeed/pkg/types"
)

func newEngines(t *testing.T, funds int64, opts ...Option) (*Engine, *economy.Engine) {
	t.Helper()
	cfg := config.DefaultConfig()
	econ := economy.New(store.NewMemory(), cfg.Economy, nil, logging.Discard())
	if funds > 0 {
		_, err := econ.Give(context.Background(), "p", funds)
		require.NoError(t, err)
	}
	return New(econ, cfg.Gambling, logging.Discard(), opts...), econ
}

func balance(t *testing.T, econ *economy.Engine, id string) int64 {
	t.Helper()
	acct, err := econ.Balance(context.Background(), id)
	require.NoError(t, err)
	return acct.Balance
}

// held stays in progress until stand, which wins at 2x.
type held struct{}

func (held) Game() types.GameKind { return types.GameBlackjack }

func (held) Deal(random.Source, int64, any) (json.RawMessage, *Outcome, error) {
	return json.RawMessage(`{}`), nil, nil
}

func (held) Act(_ random.Source, wager int64, data json.RawMessage, a Action) (json.RawMessage, *Outcome, error) {
	if a == ActionStand {
		return data, &Outcome{State: types.SessionWon, Payout: wager * 2}, nil
	}
	return data, nil, nil
}

func TestSlots_Jackpot(t *testing.T) {
	g, econ := newEngines(t, 1000, WithRandom(random.NewFixed(99)))
	s, err := g.PlaySlots(context.Background(), "p", 10)
	require.NoError(t, err)

	assert.Equal(t, types.SessionWon, s.State)
	assert.Equal(t, int64(1000), s.Payout)
	assert.Equal(t, int64(1990), balance(t, econ, "p"))

	var spin SlotsSpin
	require.NoError(t, json.Unmarshal(s.Data, &spin))
	assert.Equal(t, [3]string{Seven, Seven, Seven}, spin.Reels)
}

func TestSlots_LossLeavesNoActiveSession(t *testing.T) {
	g, econ := newEngines(t, 100, WithRandom(random.NewFixed(0, 30, 55)))
	ctx := context.Background()
	s, err := g.PlaySlots(ctx, "p", 40)
	require.NoError(t, err)
	assert.Equal(t, types.SessionLost, s.State)
	assert.Equal(t, int64(60), balance(t, econ, "p"))

	_, err = g.Active(ctx, "p", types.GameSlots)
	assert.ErrorIs(t, err, kferrors.ErrSessionNotFound)

	// A resolved session never blocks the next one.
	_, err = g.PlaySlots(ctx, "p", 40)
	assert.NoError(t, err)
}

func TestSlotsMultiplier(t *testing.T) {
	tests := []struct {
		reels [3]string
		want  int64
	}{
		{[3]string{Seven, Seven, Seven}, 100},
		{[3]string{Diamond, Diamond, Diamond}, 50},
		{[3]string{Star, Star, Star}, 25},
		{[3]string{Grape, Grape, Grape}, 10},
		{[3]string{Cherry, Lemon, Cherry}, 2},
		{[3]string{Cherry, Lemon, Orange}, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SlotsMultiplier(tt.reels), "%v", tt.reels)
	}
}

func TestRouletteMultiplier(t *testing.T) {
	tests := []struct {
		name   string
		bet    RouletteBet
		pocket int
		want   int64
	}{
		{"straight hit", RouletteBet{Type: BetStraight, Number: "17"}, 17, 36},
		{"straight miss", RouletteBet{Type: BetStraight, Number: "17"}, 18, 0},
		{"double zero", RouletteBet{Type: BetStraight, Number: DoubleZero}, 37, 36},
		{"red", RouletteBet{Type: BetRed}, 1, 2},
		{"black", RouletteBet{Type: BetBlack}, 2, 2},
		{"red on black", RouletteBet{Type: BetRed}, 2, 0},
		{"even on zero", RouletteBet{Type: BetEven}, 0, 0},
		{"odd on double zero", RouletteBet{Type: BetOdd}, 37, 0},
		{"low", RouletteBet{Type: BetLow}, 18, 2},
		{"high", RouletteBet{Type: BetHigh}, 19, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RouletteMultiplier(tt.bet, tt.pocket))
		})
	}
}

func TestRoulette_PlayAndValidate(t *testing.T) {
	g, econ := newEngines(t, 500, WithRandom(random.NewFixed(7)))
	ctx := context.Background()

	s, err := g.PlayRoulette(ctx, "p", 100, RouletteBet{Type: BetRed})
	require.NoError(t, err)
	assert.Equal(t, types.SessionWon, s.State)
	assert.Equal(t, int64(600), balance(t, econ, "p"))

	var spin RouletteSpin
	require.NoError(t, json.Unmarshal(s.Data, &spin))
	assert.Equal(t, "7", spin.Pocket)
	assert.Equal(t, "red", spin.Color)

	_, err = g.PlayRoulette(ctx, "p", 100, RouletteBet{Type: BetStraight, Number: "37"})
	assert.Error(t, err)
	_, err = g.PlayRoulette(ctx, "p", 100, RouletteBet{Type: "corner"})
	assert.Error(t, err)
	assert.Equal(t, int64(600), balance(t, econ, "p"), "invalid bets debit nothing")
}

func TestStart_WagerLimitsAndFunds(t *testing.T) {
	g, econ := newEngines(t, 100)
	ctx := context.Background()

	_, err := g.PlaySlots(ctx, "p", 0)
	assert.Error(t, err)
	_, err = g.PlayRoulette(ctx, "p", 2001, RouletteBet{Type: BetRed})
	assert.Error(t, err)
	_, err = g.StartBlackjack(ctx, "p", 5001)
	assert.Error(t, err)

	_, err = g.PlaySlots(ctx, "p", 101)
	assert.ErrorIs(t, err, kferrors.ErrInsufficientFunds)
	assert.Equal(t, int64(100), balance(t, econ, "p"))

	_, err = g.Start(ctx, "p", "poker", 10, nil)
	assert.Error(t, err)
}

func TestStart_ConflictLeavesExistingSession(t *testing.T) {
	g, econ := newEngines(t, 100, WithStrategy(held{}))
	ctx := context.Background()

	first, err := g.StartBlackjack(ctx, "p", 30)
	require.NoError(t, err)
	assert.Equal(t, types.SessionInProgress, first.State)

	_, err = g.StartBlackjack(ctx, "p", 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, kferrors.ErrSessionConflict)
	assert.Equal(t, int64(70), balance(t, econ, "p"), "conflict debits nothing")

	active, err := g.Active(ctx, "p", types.GameBlackjack)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)
	assert.Equal(t, types.SessionInProgress, active.State)

	// Other games are independent.
	_, err = g.PlaySlots(ctx, "p", 10)
	assert.NoError(t, err)
}

func TestAct_RequiresSessionInProgress(t *testing.T) {
	g, _ := newEngines(t, 100, WithStrategy(held{}))
	_, err := g.Hit(context.Background(), "p")
	assert.ErrorIs(t, err, kferrors.ErrSessionNotFound)
}

func TestResolve_Idempotent(t *testing.T) {
	g, econ := newEngines(t, 100, WithStrategy(held{}))
	ctx := context.Background()

	s, err := g.StartBlackjack(ctx, "p", 50)
	require.NoError(t, err)
	_, err = g.Hit(ctx, "p")
	require.NoError(t, err)

	done, err := g.Stand(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, types.SessionWon, done.State)
	assert.Equal(t, int64(150), balance(t, econ, "p"))

	again, err := g.Resolve(ctx, "p", s.ID, Outcome{State: types.SessionWon, Payout: 100})
	require.NoError(t, err)
	assert.Equal(t, types.SessionWon, again.State)
	assert.Equal(t, int64(100), again.Payout, "stored result returned")
	voided, err := g.Void(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionWon, voided.State)
	_, err = g.Stand(ctx, "p")
	assert.ErrorIs(t, err, kferrors.ErrSessionNotFound)
	assert.Equal(t, int64(150), balance(t, econ, "p"), "second resolution credits nothing")

	_, err = g.Resolve(ctx, "other", s.ID, Outcome{State: types.SessionWon, Payout: 100})
	assert.ErrorIs(t, err, kferrors.ErrSessionNotFound)
}

func TestVoid_ReturnsStakeOnce(t *testing.T) {
	g, econ := newEngines(t, 100, WithStrategy(held{}))
	ctx := context.Background()

	s, err := g.StartBlackjack(ctx, "p", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance(t, econ, "p"))

	voided, err := g.Void(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPushed, voided.State)
	assert.Equal(t, int64(40), voided.Payout)
	assert.Equal(t, int64(100), balance(t, econ, "p"))

	voided, err = g.Void(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPushed, voided.State)
	assert.Equal(t, int64(100), balance(t, econ, "p"), "stake returned once")

	_, err = g.Active(ctx, "p", types.GameBlackjack)
	assert.ErrorIs(t, err, kferrors.ErrSessionNotFound)

	_, err = g.Void(ctx, "missing")
	assert.ErrorIs(t, err, kferrors.ErrSessionNotFound)
}

func TestResume_ListsInProgress(t *testing.T) {
	g, econ := newEngines(t, 100, WithStrategy(held{}))
	ctx := context.Background()
	s, err := g.StartBlackjack(ctx, "p", 10)
	require.NoError(t, err)

	restarted := New(econ, config.DefaultConfig().Gambling, logging.Discard(), WithStrategy(held{}))
	sessions, err := restarted.Resume(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, s.ID, sessions[0].ID)

	done, err := restarted.Stand(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, types.SessionWon, done.State)
}

func TestGambling_ConcurrentWithDeltas(t *testing.T) {
	g, econ := newEngines(t, 10000, WithRandom(random.NewSeeded(1, 2)))
	ctx := context.Background()

	var (
		mu  sync.Mutex
		net int64
		wg  sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s, err := g.PlaySlots(ctx, "p", 10)
			if err != nil {
				return
			}
			mu.Lock()
			net += s.Payout - s.Wager
			mu.Unlock()
		}()
		go func() {
			defer wg.Done()
			if _, err := econ.ApplyDelta(ctx, "p", -5, "drain"); err == nil {
				mu.Lock()
				net -= 5
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10000+net, balance(t, econ, "p"))
}

func TestHandValue(t *testing.T) {
	tests := []struct {
		hand  Hand
		total int
		soft  bool
	}{
		{Hand{{Rank: 1, Suit: "S"}, {Rank: 13, Suit: "H"}}, 21, true},
		{Hand{{Rank: 1, Suit: "S"}, {Rank: 6, Suit: "H"}}, 17, true},
		{Hand{{Rank: 1, Suit: "S"}, {Rank: 1, Suit: "H"}, {Rank: 9, Suit: "D"}}, 21, true},
		{Hand{{Rank: 10, Suit: "S"}, {Rank: 6, Suit: "H"}, {Rank: 1, Suit: "D"}}, 17, false},
		{Hand{{Rank: 12, Suit: "S"}, {Rank: 11, Suit: "H"}, {Rank: 5, Suit: "D"}}, 25, false},
	}
	for _, tt := range tests {
		total, soft := tt.hand.Value()
		assert.Equal(t, tt.total, total, tt.hand.String())
		assert.Equal(t, tt.soft, soft, tt.hand.String())
	}
	assert.True(t, Hand{{Rank: 1, Suit: "S"}, {Rank: 10, Suit: "C"}}.Natural())
}

func table(t *testing.T, player, dealer, deck Hand) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(BlackjackTable{Player: player, Dealer: dealer, Deck: deck})
	require.NoError(t, err)
	return data
}

func TestBlackjack_DealerHitsSoft17(t *testing.T) {
	// Deck draws from the end: the dealer's soft 17 takes the 4, reaching 21.
	data := table(t,
		Hand{{Rank: 10, Suit: "S"}, {Rank: 9, Suit: "H"}},
		Hand{{Rank: 1, Suit: "D"}, {Rank: 6, Suit: "C"}},
		Hand{{Rank: 2, Suit: "S"}, {Rank: 4, Suit: "H"}},
	)
	next, out, err := Blackjack{}.Act(nil, 100, data, ActionStand)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, types.SessionLost, out.State)

	var tbl BlackjackTable
	require.NoError(t, json.Unmarshal(next, &tbl))
	assert.Len(t, tbl.Dealer, 3)
}

func TestBlackjack_HitOutcomes(t *testing.T) {
	player := Hand{{Rank: 10, Suit: "S"}, {Rank: 6, Suit: "H"}}
	dealer := Hand{{Rank: 10, Suit: "D"}, {Rank: 7, Suit: "C"}}

	_, out, err := Blackjack{}.Act(nil, 100, table(t, player, dealer, Hand{{Rank: 2, Suit: "C"}}), ActionHit)
	require.NoError(t, err)
	assert.Nil(t, out, "18 keeps the hand open")

	_, out, err = Blackjack{}.Act(nil, 100, table(t, player, dealer, Hand{{Rank: 13, Suit: "C"}}), ActionHit)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, types.SessionLost, out.State)

	// 21 stands automatically; dealer holds hard 17.
	_, out, err = Blackjack{}.Act(nil, 100, table(t, player, dealer, Hand{{Rank: 5, Suit: "C"}}), ActionHit)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, Outcome{State: types.SessionWon, Payout: 200}, *out)

	_, _, err = Blackjack{}.Act(nil, 100, table(t, player, dealer, nil), "split")
	assert.Error(t, err)
}

func TestBlackjack_PushReturnsStake(t *testing.T) {
	out := settle(&BlackjackTable{
		Player: Hand{{Rank: 10, Suit: "S"}, {Rank: 8, Suit: "H"}},
		Dealer: Hand{{Rank: 10, Suit: "D"}, {Rank: 8, Suit: "C"}},
	}, 70)
	assert.Equal(t, Outcome{State: types.SessionPushed, Payout: 70}, *out)
}

func TestPlayerView_HidesDeckAndHoleCard(t *testing.T) {
	g, _ := newEngines(t, 0)
	s := &types.GamblingSession{
		ID:    "s1",
		Game:  types.GameBlackjack,
		State: types.SessionInProgress,
		Data: table(t,
			Hand{{Rank: 10, Suit: "S"}, {Rank: 6, Suit: "H"}},
			Hand{{Rank: 9, Suit: "D"}, {Rank: 1, Suit: "C"}},
			Hand{{Rank: 2, Suit: "S"}, {Rank: 4, Suit: "H"}},
		),
	}

	view, err := g.PlayerView(s)
	require.NoError(t, err)
	var open map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(view.Data, &open))
	assert.NotContains(t, open, "deck")
	assert.NotContains(t, open, "dealer_total")
	var dealer Hand
	require.NoError(t, json.Unmarshal(open["dealer"], &dealer))
	assert.Equal(t, Hand{{Rank: 9, Suit: "D"}}, dealer)
	assert.JSONEq(t, `16`, string(open["player_total"]))

	var stored BlackjackTable
	require.NoError(t, json.Unmarshal(s.Data, &stored))
	assert.Len(t, stored.Deck, 2, "stored session untouched")

	s.State = types.SessionLost
	view, err = g.PlayerView(s)
	require.NoError(t, err)
	var done map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(view.Data, &done))
	assert.NotContains(t, done, "deck")
	require.NoError(t, json.Unmarshal(done["dealer"], &dealer))
	assert.Len(t, dealer, 2)
	assert.JSONEq(t, `20`, string(done["dealer_total"]))

	slots := &types.GamblingSession{Game: types.GameSlots, Data: json.RawMessage(`{"reels":[1,2,3]}`)}
	view, err = g.PlayerView(slots)
	require.NoError(t, err)
	assert.JSONEq(t, `{"reels":[1,2,3]}`, string(view.Data))
}

func TestShuffledDeck_IsComplete(t *testing.T) {
	deck := shuffledDeck(random.NewSeeded(3, 4))
	require.Len(t, deck, 52)
	seen := make(map[Card]bool)
	for _, c := range deck {
		seen[c] = true
	}
	assert.Len(t, seen, 52)
}

// Any sequence of blackjack moves ends with balance = start - wager + payout,
// and the hand always reaches a terminal state within a few hits.
func TestProperty_BlackjackConservesFunds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("payout accounts for every unit", prop.ForAll(
		func(seed uint64, hits int) bool {
			cfg := config.DefaultConfig()
			econ := economy.New(store.NewMemory(), cfg.Economy, nil, logging.Discard())
			ctx := context.Background()
			if _, err := econ.Give(ctx, "p", 1000); err != nil {
				return false
			}
			g := New(econ, cfg.Gambling, logging.Discard(), WithRandom(random.NewSeeded(seed, seed+1)))

			s, err := g.StartBlackjack(ctx, "p", 100)
			if err != nil {
				return false
			}
			for i := 0; i < hits && !s.State.Terminal(); i++ {
				if s, err = g.Hit(ctx, "p"); err != nil {
					return false
				}
			}
			if !s.State.Terminal() {
				if s, err = g.Stand(ctx, "p"); err != nil {
					return false
				}
			}
			acct, err := econ.Balance(ctx, "p")
			return err == nil && s.State.Terminal() && acct.Balance == 1000-100+s.Payout
		},
		gen.UInt64(),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
