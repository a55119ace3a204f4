package storage

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// GetBatch downloads keys with at most concurrency requests in flight and
// returns the objects in the order of keys. The first failure cancels the
// remaining downloads.
func GetBatch(ctx context.Context, store ObjectStorage, keys []string, concurrency int) ([][]byte, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	out := make([][]byte, len(keys))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, key := range keys {
		g.Go(func() error {
			data, err := store.Get(ctx, key)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
