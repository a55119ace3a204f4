package journal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/store"
	"github.com/killfeed/killfeed/pkg/types"
)

// Applier applies a journaled event to the economy. Implementations must be
// idempotent per fingerprint.
type Applier interface {
	ApplyEvent(ctx context.Context, e types.DomainEvent, lsn uint64) (bool, error)
}

// Recovery replays journaled events that never reached the economy.
type Recovery struct {
	journal *Journal
	store   store.Store
	applier Applier
	logger  *slog.Logger
}

// NewRecovery creates a recovery pass over j.
func NewRecovery(j *Journal, st store.Store, applier Applier, logger *slog.Logger) *Recovery {
	return &Recovery{
		journal: j,
		store:   st,
		applier: applier,
		logger:  logging.Component(logger, "recovery"),
	}
}

// Recover replays unapplied entries in LSN order and returns how many were
// applied. Entries whose fingerprint is already applied are skipped, which
// also covers re-deliveries journaled before their duplicate verdict.
// Fully applied segments are removed afterwards.
func (r *Recovery) Recover(ctx context.Context) (int, error) {
	start := time.Now()
	entries, err := r.journal.Entries()
	if err != nil {
		return 0, fmt.Errorf("recovery: read journal: %w", err)
	}

	recovered := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}
		applied, err := r.isApplied(ctx, e)
		if err != nil {
			return recovered, fmt.Errorf("recovery: check lsn %d: %w", e.LSN, err)
		}
		if applied {
			continue
		}
		ok, err := r.applier.ApplyEvent(ctx, e.Event, e.LSN)
		if err != nil {
			return recovered, fmt.Errorf("recovery: apply lsn %d: %w", e.LSN, err)
		}
		if ok {
			recovered++
		}
	}

	removed, err := r.journal.Truncate(r.journal.CurrentLSN())
	if err != nil {
		r.logger.Warn("journal truncate failed", "error", err)
	}
	r.logger.Info("journal recovered",
		"entries", len(entries),
		"replayed", recovered,
		"segments_removed", removed,
		"duration", time.Since(start))
	return recovered, nil
}

// Checkpoint removes closed segments whose entries have all been applied.
func (r *Recovery) Checkpoint(ctx context.Context) (int, error) {
	removed, err := r.journal.Prune(func(e Entry) (bool, error) {
		return r.isApplied(ctx, e)
	})
	if err != nil {
		return removed, fmt.Errorf("journal checkpoint: %w", err)
	}
	if removed > 0 {
		r.logger.Debug("journal checkpoint", "segments_removed", removed)
	}
	return removed, nil
}

func (r *Recovery) isApplied(ctx context.Context, e Entry) (bool, error) {
	var applied bool
	err := r.store.View(ctx, func(tx store.Tx) error {
		var err error
		applied, err = tx.IsApplied(ctx, e.Fingerprint)
		return err
	})
	return applied, err
}
