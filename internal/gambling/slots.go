package gambling

import (
	"encoding/json"

	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/internal/random"
	"github.com/killfeed/killfeed/pkg/types"
)

// Reel symbols.
const (
	Cherry  = "cherry"
	Lemon   = "lemon"
	Orange  = "orange"
	Grape   = "grape"
	Diamond = "diamond"
	Star    = "star"
	Seven   = "seven"
)

type weightedSymbol struct {
	symbol string
	weight int
}

var reel = []weightedSymbol{
	{Cherry, 30},
	{Lemon, 25},
	{Orange, 20},
	{Grape, 15},
	{Diamond, 5},
	{Star, 3},
	{Seven, 2},
}

var reelWeight = func() int {
	total := 0
	for _, s := range reel {
		total += s.weight
	}
	return total
}()

// SlotsSpin is the persisted result of a spin.
type SlotsSpin struct {
	Reels      [3]string `json:"reels"`
	Multiplier int64     `json:"multiplier"`
}

// Slots is a three-reel machine resolved in a single spin.
type Slots struct{}

func (Slots) Game() types.GameKind { return types.GameSlots }

func (Slots) Deal(rng random.Source, wager int64, _ any) (json.RawMessage, *Outcome, error) {
	var spin SlotsSpin
	for i := range spin.Reels {
		spin.Reels[i] = drawSymbol(rng)
	}
	spin.Multiplier = SlotsMultiplier(spin.Reels)

	data, err := json.Marshal(spin)
	if err != nil {
		return nil, nil, err
	}
	out := &Outcome{State: types.SessionLost}
	if spin.Multiplier > 0 {
		out = &Outcome{State: types.SessionWon, Payout: wager * spin.Multiplier}
	}
	return data, out, nil
}

func (Slots) Act(random.Source, int64, json.RawMessage, Action) (json.RawMessage, *Outcome, error) {
	return nil, nil, kferrors.NewGamblingError(kferrors.CodeInvalidArgument, "slots has no moves")
}

func drawSymbol(rng random.Source) string {
	n := rng.IntN(reelWeight)
	for _, s := range reel {
		if n < s.weight {
			return s.symbol
		}
		n -= s.weight
	}
	return reel[len(reel)-1].symbol
}

// SlotsMultiplier returns the total-return multiplier for a line.
func SlotsMultiplier(r [3]string) int64 {
	if r[0] == r[1] && r[1] == r[2] {
		switch r[0] {
		case Seven:
			return 100
		case Diamond:
			return 50
		case Star:
			return 25
		default:
			return 10
		}
	}
	if r[0] == r[1] || r[1] == r[2] || r[0] == r[2] {
		return 2
	}
	return 0
}
