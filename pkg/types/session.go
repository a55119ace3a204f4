package types

import (
	"encoding/json"
	"time"
)

// GameKind identifies a gambling game.
type GameKind string

const (
	GameSlots     GameKind = "slots"
	GameRoulette  GameKind = "roulette"
	GameBlackjack GameKind = "blackjack"
)

// SessionState is a gambling session lifecycle state.
type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionInProgress SessionState = "in_progress"
	SessionWon        SessionState = "won"
	SessionLost       SessionState = "lost"
	SessionPushed     SessionState = "pushed"
)

// Terminal reports whether the state ends a session.
func (s SessionState) Terminal() bool {
	return s == SessionWon || s == SessionLost || s == SessionPushed
}

// GamblingSession is one instance of a game for a player.
type GamblingSession struct {
	ID        string       `json:"id"`
	PlayerID  string       `json:"player_id"`
	Game      GameKind     `json:"game"`
	State     SessionState `json:"state"`
	Wager     int64        `json:"wager"`
	Payout    int64        `json:"payout"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`

	// Data is the game-specific state (bet, reels, hands), owned by the game strategy.
	Data json.RawMessage `json:"data,omitempty"`
}
