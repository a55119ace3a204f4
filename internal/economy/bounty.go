package economy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/internal/notify"
	"github.com/killfeed/killfeed/internal/store"
	"github.com/killfeed/killfeed/pkg/types"
)

// PostBounty debits reward from posterID and opens a bounty on targetID in
// one transaction. A second open bounty from the same poster on the same
// target fails with ErrConflict and leaves the balance unchanged.
func (e *Engine) PostBounty(ctx context.Context, posterID, targetID string, reward int64) (*types.Bounty, error) {
	switch {
	case posterID == "" || targetID == "":
		return nil, kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy, "poster and target are required")
	case posterID == targetID:
		return nil, kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy, "cannot post a bounty on yourself")
	case reward <= 0:
		return nil, kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy, "reward must be positive")
	case e.cfg.MaxBounty > 0 && reward > e.cfg.MaxBounty:
		return nil, kferrors.NewInvalidArgument(kferrors.ErrCategoryEconomy,
			fmt.Sprintf("reward exceeds the maximum of %d", e.cfg.MaxBounty))
	}

	var bounty *types.Bounty
	err := e.Transact(ctx, []string{posterID}, func(m *Mutator) error {
		b := &types.Bounty{
			ID:        uuid.NewString(),
			TargetID:  targetID,
			PosterID:  posterID,
			Reward:    reward,
			Status:    types.BountyOpen,
			CreatedAt: m.Now(),
			ExpiresAt: m.Now().Add(e.cfg.BountyTTL),
		}
		if _, err := m.Apply(posterID, -reward, ReasonBountyPost+":"+b.ID); err != nil {
			return err
		}
		if err := m.Tx().PutBounty(ctx, b); err != nil {
			return err
		}
		m.Notify(notify.Notification{
			Type:         notify.BountyPosted,
			PlayerID:     posterID,
			Counterparty: targetID,
			RefID:        b.ID,
			Amount:       reward,
		})
		bounty = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("bounty posted", "bounty", bounty.ID, "poster", posterID, "target", targetID, "reward", reward)
	return bounty, nil
}

// ListOpenBounties returns open bounties, optionally restricted to one target.
func (e *Engine) ListOpenBounties(ctx context.Context, targetID string) ([]*types.Bounty, error) {
	var out []*types.Bounty
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListBounties(ctx, store.BountyFilter{TargetID: targetID, Status: types.BountyOpen})
		return err
	})
	return out, err
}

// GetBounty returns one bounty by id.
func (e *Engine) GetBounty(ctx context.Context, bountyID string) (*types.Bounty, error) {
	var b *types.Bounty
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		b, err = tx.GetBounty(ctx, bountyID)
		return err
	})
	if errors.Is(err, kferrors.ErrNotFound) {
		return nil, kferrors.ErrBountyNotFound
	}
	return b, err
}

// claimBounties credits actorID with every open, unexpired bounty on
// victimID not posted by actorID. It runs inside the event transaction.
func (e *Engine) claimBounties(m *Mutator, actorID, victimID string) ([]*types.Bounty, error) {
	open, err := m.Tx().ListBounties(m.ctx, store.BountyFilter{TargetID: victimID, Status: types.BountyOpen})
	if err != nil {
		return nil, err
	}
	var claimed []*types.Bounty
	for _, b := range open {
		if b.PosterID == actorID || !b.ExpiresAt.After(m.Now()) {
			continue
		}
		b.Status = types.BountyClaimed
		b.ClaimedBy = actorID
		b.ClosedAt = m.Now()
		if err := m.Tx().PutBounty(m.ctx, b); err != nil {
			return nil, err
		}
		if _, err := m.Apply(actorID, b.Reward, ReasonBountyClaim+":"+b.ID); err != nil {
			return nil, err
		}
		m.Notify(notify.Notification{
			Type:         notify.BountyClaimed,
			PlayerID:     actorID,
			Counterparty: victimID,
			RefID:        b.ID,
			Amount:       b.Reward,
		})
		claimed = append(claimed, b)
	}
	return claimed, nil
}

// ExpireBounties refunds and closes every open bounty past its expiry. Each
// bounty is handled in its own transaction so one failure does not block
// the rest. It returns the number expired.
func (e *Engine) ExpireBounties(ctx context.Context) (int, error) {
	var due []*types.Bounty
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		due, err = tx.ListBounties(ctx, store.BountyFilter{
			Status:        types.BountyOpen,
			ExpiresBefore: e.now().UTC().Add(time.Nanosecond),
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("economy: list due bounties: %w", err)
	}

	expired := 0
	var firstErr error
	for _, b := range due {
		ok, err := e.expireBounty(ctx, b.ID, b.PosterID)
		if err != nil {
			e.logger.Warn("bounty expiry failed", "bounty", b.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		e.logger.Info("bounties expired", "count", expired)
	}
	return expired, firstErr
}

func (e *Engine) expireBounty(ctx context.Context, bountyID, posterID string) (bool, error) {
	expired := false
	err := e.Transact(ctx, []string{posterID}, func(m *Mutator) error {
		b, err := m.Tx().GetBounty(ctx, bountyID)
		if err != nil {
			return err
		}
		// Claimed between listing and locking.
		if b.Status != types.BountyOpen || b.ExpiresAt.After(m.Now()) {
			return nil
		}
		b.Status = types.BountyExpired
		b.ClosedAt = m.Now()
		if err := m.Tx().PutBounty(ctx, b); err != nil {
			return err
		}
		if _, err := m.Apply(b.PosterID, b.Reward, ReasonBountyRefund+":"+b.ID); err != nil {
			return err
		}
		m.Notify(notify.Notification{
			Type:         notify.BountyExpired,
			PlayerID:     b.PosterID,
			Counterparty: b.TargetID,
			RefID:        b.ID,
			Amount:       b.Reward,
		})
		expired = true
		return nil
	})
	return expired, err
}
