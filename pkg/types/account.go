package types

import "time"

// PlayerAccount is the economy state of a single player.
type PlayerAccount struct {
	PlayerID    string    `json:"player_id"`
	Balance     int64     `json:"balance"`
	TotalEarned int64     `json:"total_earned"`
	TotalSpent  int64     `json:"total_spent"`
	LastWorkAt  time.Time `json:"last_work_at,omitempty"`
	Stats       Stats     `json:"stats"`

	// ActiveBounties holds ids of open bounties targeting this player.
	ActiveBounties []string `json:"active_bounties,omitempty"`
}

// Stats are the combat statistics derived from applied events.
type Stats struct {
	Kills         int64   `json:"kills"`
	Deaths        int64   `json:"deaths"`
	Suicides      int64   `json:"suicides"`
	Streak        int64   `json:"streak"`
	LongestStreak int64   `json:"longest_streak"`
	TotalDistance float64 `json:"total_distance"`
}

// KDR returns kills divided by deaths, or kills when there are no deaths.
func (s Stats) KDR() float64 {
	if s.Deaths == 0 {
		return float64(s.Kills)
	}
	return float64(s.Kills) / float64(s.Deaths)
}

// BountyStatus is the lifecycle state of a bounty.
type BountyStatus string

const (
	BountyOpen    BountyStatus = "open"
	BountyClaimed BountyStatus = "claimed"
	BountyExpired BountyStatus = "expired"
)

// Bounty is a player-funded reward on a target.
type Bounty struct {
	ID        string       `json:"id"`
	TargetID  string       `json:"target_id"`
	PosterID  string       `json:"poster_id"`
	Reward    int64        `json:"reward"`
	Status    BountyStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
	ClaimedBy string       `json:"claimed_by,omitempty"`
	ClosedAt  time.Time    `json:"closed_at,omitempty"`
}

// LedgerEntry records one applied balance delta.
type LedgerEntry struct {
	ID           string    `json:"id"`
	PlayerID     string    `json:"player_id"`
	Delta        int64     `json:"delta"`
	Reason       string    `json:"reason"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}
