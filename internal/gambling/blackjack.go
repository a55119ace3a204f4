package gambling

import (
	"encoding/json"
	"fmt"
	"strings"

	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/internal/random"
	"github.com/killfeed/killfeed/pkg/types"
)

// Card is a playing card. Rank runs 1 (ace) to 13 (king).
type Card struct {
	Rank int    `json:"rank"`
	Suit string `json:"suit"`
}

var suits = [...]string{"S", "H", "D", "C"}

func (c Card) String() string {
	switch c.Rank {
	case 1:
		return "A" + c.Suit
	case 11:
		return "J" + c.Suit
	case 12:
		return "Q" + c.Suit
	case 13:
		return "K" + c.Suit
	}
	return fmt.Sprintf("%d%s", c.Rank, c.Suit)
}

// Hand is a set of cards.
type Hand []Card

// Value returns the best total and whether an ace counts as 11.
func (h Hand) Value() (total int, soft bool) {
	aces := 0
	for _, c := range h {
		switch {
		case c.Rank == 1:
			aces++
			total++
		case c.Rank >= 10:
			total += 10
		default:
			total += c.Rank
		}
	}
	if aces > 0 && total+10 <= 21 {
		return total + 10, true
	}
	return total, false
}

// Natural reports a two-card 21.
func (h Hand) Natural() bool {
	v, _ := h.Value()
	return len(h) == 2 && v == 21
}

func (h Hand) String() string {
	parts := make([]string, len(h))
	for i, c := range h {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

// BlackjackTable is the persisted state of a hand.
type BlackjackTable struct {
	Player Hand `json:"player"`
	Dealer Hand `json:"dealer"`
	Deck   Hand `json:"deck"`
}

func (t *BlackjackTable) draw() Card {
	c := t.Deck[len(t.Deck)-1]
	t.Deck = t.Deck[:len(t.Deck)-1]
	return c
}

// Blackjack is a single-deck game against a dealer who hits soft 17.
type Blackjack struct{}

func (Blackjack) Game() types.GameKind { return types.GameBlackjack }

func (Blackjack) Deal(rng random.Source, wager int64, _ any) (json.RawMessage, *Outcome, error) {
	t := &BlackjackTable{Deck: shuffledDeck(rng)}
	for i := 0; i < 2; i++ {
		t.Player = append(t.Player, t.draw())
		t.Dealer = append(t.Dealer, t.draw())
	}

	var out *Outcome
	switch pn, dn := t.Player.Natural(), t.Dealer.Natural(); {
	case pn && dn:
		out = &Outcome{State: types.SessionPushed, Payout: wager}
	case pn:
		out = &Outcome{State: types.SessionWon, Payout: wager * 5 / 2}
	case dn:
		out = &Outcome{State: types.SessionLost}
	}
	data, err := json.Marshal(t)
	return data, out, err
}

func (Blackjack) Act(rng random.Source, wager int64, data json.RawMessage, action Action) (json.RawMessage, *Outcome, error) {
	var t BlackjackTable
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, nil, kferrors.NewInternalError("decode blackjack table", err)
	}

	var out *Outcome
	switch action {
	case ActionHit:
		t.Player = append(t.Player, t.draw())
		switch v, _ := t.Player.Value(); {
		case v > 21:
			out = &Outcome{State: types.SessionLost}
		case v == 21:
			out = settle(&t, wager)
		}
	case ActionStand:
		out = settle(&t, wager)
	default:
		return nil, nil, kferrors.NewInvalidArgument(kferrors.ErrCategoryGambling, fmt.Sprintf("unknown action %q", action))
	}

	next, err := json.Marshal(t)
	return next, out, err
}

// blackjackView is what a player sees of a table: never the deck, and
// only the dealer's up card while the hand is open.
type blackjackView struct {
	Player      Hand `json:"player"`
	PlayerTotal int  `json:"player_total"`
	Dealer      Hand `json:"dealer"`
	DealerTotal int  `json:"dealer_total,omitempty"`
}

func (Blackjack) Redact(state types.SessionState, data json.RawMessage) (json.RawMessage, error) {
	var t BlackjackTable
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, kferrors.NewInternalError("decode blackjack table", err)
	}
	v := blackjackView{Player: t.Player, Dealer: t.Dealer}
	v.PlayerTotal, _ = t.Player.Value()
	if state.Terminal() {
		v.DealerTotal, _ = t.Dealer.Value()
	} else if len(v.Dealer) > 1 {
		v.Dealer = v.Dealer[:1]
	}
	return json.Marshal(v)
}

// settle plays the dealer's hand and compares totals.
func settle(t *BlackjackTable, wager int64) *Outcome {
	for {
		v, soft := t.Dealer.Value()
		if v > 17 || (v == 17 && !soft) {
			break
		}
		t.Dealer = append(t.Dealer, t.draw())
	}
	pv, _ := t.Player.Value()
	dv, _ := t.Dealer.Value()
	switch {
	case dv > 21 || pv > dv:
		return &Outcome{State: types.SessionWon, Payout: wager * 2}
	case pv == dv:
		return &Outcome{State: types.SessionPushed, Payout: wager}
	default:
		return &Outcome{State: types.SessionLost}
	}
}

// shuffledDeck returns a Fisher-Yates shuffled 52-card deck.
func shuffledDeck(rng random.Source) Hand {
	deck := make(Hand, 0, 52)
	for _, s := range suits {
		for r := 1; r <= 13; r++ {
			deck = append(deck, Card{Rank: r, Suit: s})
		}
	}
	for i := len(deck) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		deck[i], deck[j] = deck[j], deck[i]
	}
	return deck
}
