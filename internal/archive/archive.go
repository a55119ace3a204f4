// Package archive keeps a copy of every raw chunk fetched from a source in
// object storage, so a source can be re-parsed from history.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"

	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/storage"
)

const (
	chunkExt = ".chunk"
	// replayWindow is how many chunks are fetched concurrently during replay.
	replayWindow = 16
)

// Archive stores snappy-compressed chunks under
// sources/<id>/<fetched unix nanos>-<offset>.chunk.
type Archive struct {
	store  storage.ObjectStorage
	logger *slog.Logger
}

// Chunk identifies one archived chunk.
type Chunk struct {
	Key     string
	Fetched time.Time
	Offset  int64
}

// New creates an archive backed by store.
func New(store storage.ObjectStorage, logger *slog.Logger) *Archive {
	return &Archive{store: store, logger: logging.Component(logger, "archive")}
}

// Key returns the object key of the chunk fetched at fetched and starting at
// offset. Both parts are zero padded so lexical key order is fetch order,
// and a rotated file's chunks never overwrite the previous file's.
func Key(sourceID string, fetched time.Time, offset int64) string {
	return fmt.Sprintf("sources/%s/%020d-%020d%s", sourceID, fetched.UnixNano(), offset, chunkExt)
}

func prefix(sourceID string) string {
	return "sources/" + sourceID + "/"
}

// Put archives the chunk that starts at offset.
func (a *Archive) Put(ctx context.Context, sourceID string, fetched time.Time, offset int64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := a.store.Put(ctx, Key(sourceID, fetched, offset), snappy.Encode(nil, data)); err != nil {
		return fmt.Errorf("archive: put %s@%d: %w", sourceID, offset, err)
	}
	return nil
}

// Get returns the decompressed chunk stored under key.
func (a *Archive) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return decode(key, raw)
}

// Chunks lists a source's archived chunks in fetch order.
func (a *Archive) Chunks(ctx context.Context, sourceID string) ([]Chunk, error) {
	keys, err := a.store.List(ctx, prefix(sourceID))
	if err != nil {
		return nil, fmt.Errorf("archive: list %s: %w", sourceID, err)
	}
	chunks := make([]Chunk, 0, len(keys))
	for _, k := range keys {
		c, ok := parseKey(k)
		if !ok {
			continue
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// Prune deletes a source's chunks fetched before cutoff and returns how
// many were removed.
func (a *Archive) Prune(ctx context.Context, sourceID string, cutoff time.Time) (int, error) {
	chunks, err := a.Chunks(ctx, sourceID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range chunks {
		if !c.Fetched.Before(cutoff) {
			break
		}
		if err := a.store.Delete(ctx, c.Key); err != nil {
			return removed, fmt.Errorf("archive: prune %s: %w", sourceID, err)
		}
		removed++
	}
	if removed > 0 {
		a.logger.Info("archive pruned", "source", sourceID, "chunks", removed)
	}
	return removed, nil
}

// Replay calls fn for every archived chunk of a source in fetch order and
// returns how many chunks were delivered. Chunks are downloaded in windows
// but delivered strictly in sequence.
func (a *Archive) Replay(ctx context.Context, sourceID string, fn func(offset int64, data []byte) error) (int, error) {
	chunks, err := a.Chunks(ctx, sourceID)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for start := 0; start < len(chunks); start += replayWindow {
		end := min(start+replayWindow, len(chunks))
		keys := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			keys = append(keys, c.Key)
		}
		blobs, err := storage.GetBatch(ctx, a.store, keys, replayWindow)
		if err != nil {
			return delivered, fmt.Errorf("archive: replay %s: %w", sourceID, err)
		}
		for i, raw := range blobs {
			data, err := decode(keys[i], raw)
			if err != nil {
				return delivered, err
			}
			if err := fn(chunks[start+i].Offset, data); err != nil {
				return delivered, err
			}
			delivered++
		}
	}
	a.logger.Info("replay finished", "source", sourceID, "chunks", delivered)
	return delivered, nil
}

func decode(key string, raw []byte) ([]byte, error) {
	data, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("archive: snappy decompress %s: %w", key, err)
	}
	return data, nil
}

func parseKey(key string) (Chunk, bool) {
	base := path.Base(key)
	if !strings.HasSuffix(base, chunkExt) {
		return Chunk{}, false
	}
	ts, off, ok := strings.Cut(strings.TrimSuffix(base, chunkExt), "-")
	if !ok {
		return Chunk{}, false
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || nanos < 0 {
		return Chunk{}, false
	}
	offset, err := strconv.ParseInt(off, 10, 64)
	if err != nil || offset < 0 {
		return Chunk{}, false
	}
	return Chunk{Key: key, Fetched: time.Unix(0, nanos).UTC(), Offset: offset}, true
}
