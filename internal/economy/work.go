package economy

import (
	"context"
	"time"

	kferrors "github.com/killfeed/killfeed/internal/errors"
)

// WorkResult is the outcome of a successful Work call.
type WorkResult struct {
	Payout  int64
	Balance int64
	NextAt  time.Time
}

// Work pays a random amount in the configured range once per cooldown.
func (e *Engine) Work(ctx context.Context, playerID string) (*WorkResult, error) {
	if playerID == "" {
		return nil, kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy, "player id is required")
	}
	var res WorkResult
	err := e.Transact(ctx, []string{playerID}, func(m *Mutator) error {
		acct, err := m.Account(playerID)
		if err != nil {
			return err
		}
		if next := acct.LastWorkAt.Add(e.cfg.WorkCooldown); !acct.LastWorkAt.IsZero() && m.Now().Before(next) {
			return kferrors.ErrCooldown.WithDetails(map[string]interface{}{
				"retry_after": next.Sub(m.Now()).Round(time.Second).String(),
			})
		}
		payout := e.cfg.WorkMin
		if span := e.cfg.WorkMax - e.cfg.WorkMin; span > 0 {
			payout += int64(e.rng.IntN(int(span) + 1))
		}
		acct.LastWorkAt = m.Now()
		if err := m.Save(acct); err != nil {
			return err
		}
		balance, err := m.Apply(playerID, payout, ReasonWork)
		if err != nil {
			return err
		}
		res = WorkResult{Payout: payout, Balance: balance, NextAt: m.Now().Add(e.cfg.WorkCooldown)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Give credits amount to a player on behalf of an administrator.
func (e *Engine) Give(ctx context.Context, playerID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy, "amount must be positive")
	}
	return e.ApplyDelta(ctx, playerID, amount, ReasonAdminGive)
}

// Take debits amount from a player on behalf of an administrator. It fails
// with ErrInsufficientFunds rather than clamping.
func (e *Engine) Take(ctx context.Context, playerID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy, "amount must be positive")
	}
	return e.ApplyDelta(ctx, playerID, -amount, ReasonAdminTake)
}
