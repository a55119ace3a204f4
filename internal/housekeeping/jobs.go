package housekeeping

import (
	"context"
	"errors"
	"time"
)

// BountyExpirer expires open bounties past their deadline.
type BountyExpirer interface {
	ExpireBounties(ctx context.Context) (int, error)
}

// FingerprintPruner removes fingerprints older than the retention window.
type FingerprintPruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Checkpointer removes fully applied journal segments.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (int, error)
}

// ArchivePruner deletes archived chunks fetched before a cutoff.
type ArchivePruner interface {
	Prune(ctx context.Context, sourceID string, cutoff time.Time) (int, error)
}

// ExpireBountiesJob refunds expired bounties every interval.
func ExpireBountiesJob(e BountyExpirer, interval time.Duration) Job {
	return Job{Name: "expire_bounties", Interval: interval, Run: e.ExpireBounties}
}

// PruneFingerprintsJob drops fingerprints outside the retention window.
func PruneFingerprintsJob(p FingerprintPruner, interval time.Duration) Job {
	return Job{
		Name:     "prune_fingerprints",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			n, err := p.Prune(ctx)
			return int(n), err
		},
	}
}

// CheckpointJournalJob removes journal segments that have fully reached the economy.
func CheckpointJournalJob(c Checkpointer, interval time.Duration) Job {
	return Job{Name: "checkpoint_journal", Interval: interval, Run: c.Checkpoint}
}

// PruneArchiveJob deletes each source's archived chunks older than
// retention. A failing source does not stop the others.
func PruneArchiveJob(p ArchivePruner, sourceIDs []string, retention, interval time.Duration) Job {
	return Job{
		Name:     "prune_archive",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			cutoff := time.Now().Add(-retention)
			var (
				total int
				errs  []error
			)
			for _, id := range sourceIDs {
				n, err := p.Prune(ctx, id, cutoff)
				total += n
				if err != nil {
					errs = append(errs, err)
				}
			}
			return total, errors.Join(errs...)
		},
	}
}
