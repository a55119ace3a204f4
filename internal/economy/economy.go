// Package economy owns player balances, statistics and bounties. Every
// balance change funnels through Engine.Transact, which applies signed
// deltas atomically per player and never lets a balance go negative.
package economy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/killfeed/killfeed/internal/config"
	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/notify"
	"github.com/killfeed/killfeed/internal/random"
	"github.com/killfeed/killfeed/internal/store"
	"github.com/killfeed/killfeed/pkg/types"
)

// Ledger reasons.
const (
	ReasonKillReward   = "kill_reward"
	ReasonBountyPost   = "bounty_post"
	ReasonBountyClaim  = "bounty_claim"
	ReasonBountyRefund = "bounty_refund"
	ReasonWork         = "work"
	ReasonAdminGive    = "admin_give"
	ReasonAdminTake    = "admin_take"
)

// Engine is the economy's single mutation point.
type Engine struct {
	store    store.Store
	cfg      config.EconomyConfig
	locks    keyedLocks
	notifier *notify.Notifier
	rng      random.Source
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRandom overrides the draw source used for work payouts.
func WithRandom(src random.Source) Option {
	return func(e *Engine) { e.rng = src }
}

// New creates an engine over st. notifier may be nil.
func New(st store.Store, cfg config.EconomyConfig, notifier *notify.Notifier, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		cfg:      cfg,
		notifier: notifier,
		logger:   logging.Component(logger, "economy"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = random.Default()
	}
	return e
}

// Mutator is the capability handed to a Transact callback. Balance changes
// made through it commit together or not at all.
type Mutator struct {
	ctx     context.Context
	tx      store.Tx
	engine  *Engine
	players map[string]bool
	now     time.Time
	pending []notify.Notification
}

// Tx exposes non-balance document operations in the same transaction.
func (m *Mutator) Tx() store.Tx { return m.tx }

// Now is the transaction's timestamp.
func (m *Mutator) Now() time.Time { return m.now }

// Account loads a player's account, creating it with the starting balance
// if it does not exist yet.
func (m *Mutator) Account(playerID string) (*types.PlayerAccount, error) {
	acct, err := m.tx.GetAccount(m.ctx, playerID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, kferrors.ErrNotFound) {
		return nil, err
	}
	return &types.PlayerAccount{PlayerID: playerID, Balance: m.engine.cfg.StartingBalance}, nil
}

// Apply adds delta to a locked player's balance and records a ledger entry.
// A delta that would leave the balance negative fails with
// ErrInsufficientFunds.
func (m *Mutator) Apply(playerID string, delta int64, reason string) (int64, error) {
	if !m.players[playerID] {
		return 0, kferrors.NewInternalError(fmt.Sprintf("player %s not locked by transaction", playerID), nil)
	}
	acct, err := m.Account(playerID)
	if err != nil {
		return 0, err
	}
	if acct.Balance+delta < 0 {
		return acct.Balance, kferrors.ErrInsufficientFunds.WithDetails(map[string]interface{}{
			"player_id": playerID,
			"balance":   acct.Balance,
			"delta":     delta,
		})
	}
	acct.Balance += delta
	if delta > 0 {
		acct.TotalEarned += delta
	} else {
		acct.TotalSpent -= delta
	}
	if err := m.tx.PutAccount(m.ctx, acct); err != nil {
		return 0, err
	}
	if delta != 0 {
		if err := m.tx.AppendLedger(m.ctx, &types.LedgerEntry{
			ID:           uuid.NewString(),
			PlayerID:     playerID,
			Delta:        delta,
			Reason:       reason,
			BalanceAfter: acct.Balance,
			CreatedAt:    m.now,
		}); err != nil {
			return 0, err
		}
	}
	return acct.Balance, nil
}

// Save writes non-balance account fields such as statistics.
func (m *Mutator) Save(acct *types.PlayerAccount) error {
	if !m.players[acct.PlayerID] {
		return kferrors.NewInternalError(fmt.Sprintf("player %s not locked by transaction", acct.PlayerID), nil)
	}
	return m.tx.PutAccount(m.ctx, acct)
}

// Notify queues a notification published after commit.
func (m *Mutator) Notify(n notify.Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = m.now
	}
	m.pending = append(m.pending, n)
}

// Transact locks playerIDs, runs fn in one store transaction and publishes
// queued notifications if it commits. Mutations to disjoint player sets run
// concurrently; mutations sharing a player serialize.
func (e *Engine) Transact(ctx context.Context, playerIDs []string, fn func(m *Mutator) error) error {
	unlock := e.locks.lock(playerIDs...)
	defer unlock()

	m := &Mutator{
		ctx:     ctx,
		engine:  e,
		players: make(map[string]bool, len(playerIDs)),
		now:     e.now().UTC(),
	}
	for _, id := range playerIDs {
		m.players[id] = true
	}
	err := e.store.Update(ctx, func(tx store.Tx) error {
		m.tx = tx
		m.pending = m.pending[:0]
		return fn(m)
	})
	if err != nil {
		return err
	}
	if e.notifier != nil {
		for _, n := range m.pending {
			e.notifier.Publish(n)
		}
	}
	return nil
}

// ApplyDelta applies one signed delta to a player's balance and returns the
// new balance.
func (e *Engine) ApplyDelta(ctx context.Context, playerID string, delta int64, reason string) (int64, error) {
	if playerID == "" {
		return 0, kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy, "player id is required")
	}
	var balance int64
	err := e.Transact(ctx, []string{playerID}, func(m *Mutator) error {
		var err error
		balance, err = m.Apply(playerID, delta, reason)
		return err
	})
	return balance, err
}

// Balance returns a player's account; unknown players have the starting balance.
func (e *Engine) Balance(ctx context.Context, playerID string) (*types.PlayerAccount, error) {
	var acct *types.PlayerAccount
	err := e.store.View(ctx, func(tx store.Tx) error {
		a, err := tx.GetAccount(ctx, playerID)
		if errors.Is(err, kferrors.ErrNotFound) {
			acct = &types.PlayerAccount{PlayerID: playerID, Balance: e.cfg.StartingBalance}
			return nil
		}
		acct = a
		return err
	})
	return acct, err
}

// Leaderboard returns the top players by the given order.
func (e *Engine) Leaderboard(ctx context.Context, order store.AccountOrder, limit int) ([]*types.PlayerAccount, error) {
	switch {
	case limit <= 0:
		limit = 10
	case limit > 100:
		limit = 100
	}
	return e.store.ListAccounts(ctx, order, limit)
}

// History returns a player's most recent ledger entries.
func (e *Engine) History(ctx context.Context, playerID string, limit int) ([]*types.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	return e.store.Ledger(ctx, playerID, limit)
}

// Store returns the engine's backing store for read-only queries.
func (e *Engine) Store() store.Store { return e.store }
