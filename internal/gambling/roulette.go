package gambling

import (
	"encoding/json"
	"fmt"
	"strconv"

	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/internal/random"
	"github.com/killfeed/killfeed/pkg/types"
)

// BetType is a roulette bet.
type BetType string

const (
	BetStraight BetType = "straight"
	BetRed      BetType = "red"
	BetBlack    BetType = "black"
	BetOdd      BetType = "odd"
	BetEven     BetType = "even"
	BetLow      BetType = "low"
	BetHigh     BetType = "high"
)

// DoubleZero is the American wheel's extra green pocket.
const DoubleZero = "00"

// pockets is 0, 00 and 1..36.
const pockets = 38

var redNumbers = map[int]bool{
	1: true, 3: true, 5: true, 7: true, 9: true, 12: true, 14: true, 16: true, 18: true,
	19: true, 21: true, 23: true, 25: true, 27: true, 30: true, 32: true, 34: true, 36: true,
}

// RouletteBet is what the player stakes on. Number is set only for straight
// bets and is "0", "00" or "1".."36".
type RouletteBet struct {
	Type   BetType `json:"type"`
	Number string  `json:"number,omitempty"`
}

// Validate checks the bet is well formed.
func (b RouletteBet) Validate() error {
	switch b.Type {
	case BetRed, BetBlack, BetOdd, BetEven, BetLow, BetHigh:
		return nil
	case BetStraight:
		if _, ok := parsePocket(b.Number); !ok {
			return kferrors.NewInvalidArgument(kferrors.ErrCategoryGambling,
				fmt.Sprintf("invalid roulette number %q", b.Number))
		}
		return nil
	}
	return kferrors.NewInvalidArgument(kferrors.ErrCategoryGambling, fmt.Sprintf("unknown bet type %q", b.Type))
}

// RouletteSpin is the persisted result of a spin.
type RouletteSpin struct {
	Bet    RouletteBet `json:"bet"`
	Pocket string      `json:"pocket"`
	Color  string      `json:"color"`
}

// Roulette is an American wheel resolved in a single spin.
type Roulette struct{}

func (Roulette) Game() types.GameKind { return types.GameRoulette }

func (Roulette) Deal(rng random.Source, wager int64, bet any) (json.RawMessage, *Outcome, error) {
	b, ok := bet.(RouletteBet)
	if !ok {
		return nil, nil, kferrors.NewInvalidArgument(kferrors.ErrCategoryGambling, "roulette requires a bet")
	}
	if err := b.Validate(); err != nil {
		return nil, nil, err
	}

	n := rng.IntN(pockets)
	spin := RouletteSpin{Bet: b, Pocket: pocketName(n), Color: pocketColor(n)}
	data, err := json.Marshal(spin)
	if err != nil {
		return nil, nil, err
	}
	mult := RouletteMultiplier(b, n)
	if mult == 0 {
		return data, &Outcome{State: types.SessionLost}, nil
	}
	return data, &Outcome{State: types.SessionWon, Payout: wager * mult}, nil
}

func (Roulette) Act(random.Source, int64, json.RawMessage, Action) (json.RawMessage, *Outcome, error) {
	return nil, nil, kferrors.NewGamblingError(kferrors.CodeInvalidArgument, "roulette has no moves")
}

// RouletteMultiplier returns the total-return multiplier of bet when the
// ball lands in pocket n, where 37 stands for 00.
func RouletteMultiplier(bet RouletteBet, n int) int64 {
	if bet.Type == BetStraight {
		if p, ok := parsePocket(bet.Number); ok && p == n {
			return 36
		}
		return 0
	}
	if n == 0 || n == 37 {
		return 0
	}
	var hit bool
	switch bet.Type {
	case BetRed:
		hit = redNumbers[n]
	case BetBlack:
		hit = !redNumbers[n]
	case BetOdd:
		hit = n%2 == 1
	case BetEven:
		hit = n%2 == 0
	case BetLow:
		hit = n <= 18
	case BetHigh:
		hit = n >= 19
	}
	if hit {
		return 2
	}
	return 0
}

func parsePocket(s string) (int, bool) {
	if s == DoubleZero {
		return 37, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 36 {
		return 0, false
	}
	return n, true
}

func pocketName(n int) string {
	if n == 37 {
		return DoubleZero
	}
	return strconv.Itoa(n)
}

func pocketColor(n int) string {
	switch {
	case n == 0 || n == 37:
		return "green"
	case redNumbers[n]:
		return "red"
	default:
		return "black"
	}
}
