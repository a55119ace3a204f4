// Package dedup suppresses re-delivered events across poll cycles and restarts.
package dedup

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/pkg/types"
)

// Verdict is the outcome of Admit.
type Verdict int

const (
	Novel Verdict = iota
	Duplicate
)

func (v Verdict) String() string {
	if v == Novel {
		return "novel"
	}
	return "duplicate"
}

// FingerprintStore is the persisted half of the fingerprint set.
type FingerprintStore interface {
	InsertFingerprint(ctx context.Context, fp types.Fingerprint, sourceID string, seenAt time.Time) (bool, error)
	RecentFingerprints(ctx context.Context, limit int) ([]types.Fingerprint, error)
	PruneFingerprints(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deduplicator keeps the most recent fingerprints in memory and every
// fingerprint younger than the retention period in the store. Admit is safe
// for concurrent use by all source pollers.
type Deduplicator struct {
	store     FingerprintStore
	size      int
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	window map[types.Fingerprint]*list.Element
	order  *list.List // front is newest
}

// New creates a deduplicator holding up to size fingerprints in memory.
func New(store FingerprintStore, size int, retention time.Duration, logger *slog.Logger) *Deduplicator {
	if size <= 0 {
		size = 1
	}
	return &Deduplicator{
		store:     store,
		size:      size,
		retention: retention,
		logger:    logging.Component(logger, "dedup"),
		now:       time.Now,
		window:    make(map[types.Fingerprint]*list.Element, size),
		order:     list.New(),
	}
}

// Warm loads the newest persisted fingerprints into the memory window.
func (d *Deduplicator) Warm(ctx context.Context) (int, error) {
	fps, err := d.store.RecentFingerprints(ctx, d.size)
	if err != nil {
		return 0, fmt.Errorf("dedup: warm: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	// fps is newest first; push oldest first so the order matches.
	for i := len(fps) - 1; i >= 0; i-- {
		d.remember(fps[i])
	}
	return len(fps), nil
}

// Admit reports whether e is the first delivery of its fingerprint. For two
// concurrent calls with the same fingerprint at most one returns Novel. A
// store failure returns an error and leaves the fingerprint unrecorded so the
// event is offered again on the next delivery.
func (d *Deduplicator) Admit(ctx context.Context, e types.DomainEvent) (Verdict, error) {
	fp := e.Fingerprint()

	d.mu.Lock()
	if _, ok := d.window[fp]; ok {
		d.mu.Unlock()
		return Duplicate, nil
	}
	// Claim before the store round trip so concurrent callers see it.
	d.remember(fp)
	d.mu.Unlock()

	inserted, err := d.store.InsertFingerprint(ctx, fp, e.SourceID, d.now())
	if err != nil {
		d.forget(fp)
		return Duplicate, fmt.Errorf("dedup: persist fingerprint: %w", err)
	}
	if !inserted {
		return Duplicate, nil
	}
	return Novel, nil
}

// Prune drops persisted fingerprints older than the retention period.
func (d *Deduplicator) Prune(ctx context.Context) (int64, error) {
	if d.retention <= 0 {
		return 0, nil
	}
	n, err := d.store.PruneFingerprints(ctx, d.now().Add(-d.retention))
	if err != nil {
		return 0, fmt.Errorf("dedup: prune: %w", err)
	}
	if n > 0 {
		d.logger.Info("pruned fingerprints", "count", n, "retention", d.retention)
	}
	return n, nil
}

// Len returns the number of fingerprints held in memory.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// remember must be called with mu held.
func (d *Deduplicator) remember(fp types.Fingerprint) {
	if el, ok := d.window[fp]; ok {
		d.order.MoveToFront(el)
		return
	}
	d.window[fp] = d.order.PushFront(fp)
	for d.order.Len() > d.size {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.window, oldest.Value.(types.Fingerprint))
	}
}

func (d *Deduplicator) forget(fp types.Fingerprint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.window[fp]; ok {
		d.order.Remove(el)
		delete(d.window, fp)
	}
}
