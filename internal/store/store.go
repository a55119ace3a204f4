// Package store persists killfeed state: player accounts, bounties, gambling
// sessions, the balance ledger, log cursors and event fingerprints.
//
// Multi-document changes go through Update, which runs a function against a
// Tx and commits all of its writes or none of them.
package store

import (
	"context"
	"time"

	"github.com/killfeed/killfeed/pkg/types"
)

// Store is the persistence collaborator used by the pipeline and the economy.
type Store interface {
	// Update runs fn in a read-write transaction. If fn returns an error no
	// write made through the Tx is kept.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// LoadCursor returns the stored cursor for a source. ok is false when the
	// source has never been polled.
	LoadCursor(ctx context.Context, sourceID string) (cur types.LogCursor, ok bool, err error)

	// SaveCursor upserts a cursor.
	SaveCursor(ctx context.Context, cur types.LogCursor) error

	// ListCursors returns every stored cursor ordered by source id.
	ListCursors(ctx context.Context) ([]types.LogCursor, error)

	// InsertFingerprint records fp if absent and reports whether it was inserted.
	InsertFingerprint(ctx context.Context, fp types.Fingerprint, sourceID string, seenAt time.Time) (bool, error)

	// RecentFingerprints returns up to limit fingerprints, newest first.
	RecentFingerprints(ctx context.Context, limit int) ([]types.Fingerprint, error)

	// PruneFingerprints deletes fingerprints first seen before cutoff.
	PruneFingerprints(ctx context.Context, cutoff time.Time) (int64, error)

	// ListAccounts returns up to limit accounts ordered by the given key, best first.
	ListAccounts(ctx context.Context, order AccountOrder, limit int) ([]*types.PlayerAccount, error)

	// Ledger returns up to limit ledger entries for a player, newest first.
	Ledger(ctx context.Context, playerID string, limit int) ([]*types.LedgerEntry, error)

	// RecentEvents returns up to limit applied events for a source, newest first.
	RecentEvents(ctx context.Context, sourceID string, limit int) ([]types.DomainEvent, error)

	Close() error
}

// Tx is the set of document operations available inside a transaction.
// Lookups of missing documents return an error matching errors.ErrNotFound.
type Tx interface {
	GetAccount(ctx context.Context, playerID string) (*types.PlayerAccount, error)
	PutAccount(ctx context.Context, acct *types.PlayerAccount) error
	AppendLedger(ctx context.Context, entry *types.LedgerEntry) error

	GetBounty(ctx context.Context, bountyID string) (*types.Bounty, error)
	// PutBounty upserts a bounty. A second open bounty for the same
	// (target, poster) pair fails with errors.ErrConflict.
	PutBounty(ctx context.Context, b *types.Bounty) error
	ListBounties(ctx context.Context, f BountyFilter) ([]*types.Bounty, error)

	GetSession(ctx context.Context, sessionID string) (*types.GamblingSession, error)
	// ActiveSession returns the in-progress session for (player, game).
	ActiveSession(ctx context.Context, playerID string, game types.GameKind) (*types.GamblingSession, error)
	// PutSession upserts a session. A second in-progress session for the
	// same (player, game) fails with errors.ErrSessionConflict.
	PutSession(ctx context.Context, s *types.GamblingSession) error
	// ListActiveSessions returns every in-progress session.
	ListActiveSessions(ctx context.Context) ([]*types.GamblingSession, error)

	// MarkApplied records that the event with fingerprint fp was applied to
	// the economy. It returns false when fp was already recorded.
	MarkApplied(ctx context.Context, fp types.Fingerprint, lsn uint64, at time.Time) (bool, error)
	IsApplied(ctx context.Context, fp types.Fingerprint) (bool, error)

	// RecordEvent stores an applied event for history queries.
	RecordEvent(ctx context.Context, e types.DomainEvent) error
}

// BountyFilter selects bounties. Zero fields match everything.
type BountyFilter struct {
	TargetID string
	PosterID string
	Status   types.BountyStatus

	// ExpiresBefore selects bounties whose ExpiresAt is strictly before it.
	ExpiresBefore time.Time
}

func (f BountyFilter) match(b *types.Bounty) bool {
	if f.TargetID != "" && b.TargetID != f.TargetID {
		return false
	}
	if f.PosterID != "" && b.PosterID != f.PosterID {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if !f.ExpiresBefore.IsZero() && !b.ExpiresAt.Before(f.ExpiresBefore) {
		return false
	}
	return true
}

// AccountOrder is a leaderboard sort key.
type AccountOrder string

const (
	OrderKills   AccountOrder = "kills"
	OrderKDR     AccountOrder = "kdr"
	OrderBalance AccountOrder = "balance"
	OrderStreak  AccountOrder = "streak"
)

// ParseAccountOrder validates a leaderboard key, defaulting to kills.
func ParseAccountOrder(s string) (AccountOrder, bool) {
	switch AccountOrder(s) {
	case "", OrderKills:
		return OrderKills, true
	case OrderKDR, OrderBalance, OrderStreak:
		return AccountOrder(s), true
	}
	return "", false
}
