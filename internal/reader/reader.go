// Package reader polls monitored log sources for appended bytes and keeps a
// persisted byte-offset cursor per source.
package reader

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/killfeed/killfeed/internal/transport"
	"github.com/killfeed/killfeed/pkg/types"
)

var tracer = otel.Tracer("github.com/killfeed/killfeed/internal/reader")

// CursorStore persists read positions.
type CursorStore interface {
	LoadCursor(ctx context.Context, sourceID string) (types.LogCursor, bool, error)
	SaveCursor(ctx context.Context, cur types.LogCursor) error
}

// Chunk is the outcome of one successful poll.
type Chunk struct {
	SourceID string

	// From is the offset of Data[0] in the log. Data ends at a line
	// boundary unless a single line exceeds the chunk cap.
	From int64
	Data []byte

	// Rotated reports that the log shrank below the previous cursor, or
	// that the source moved to a different file, and reading restarted at
	// offset 0.
	Rotated bool

	// More reports that the fetch was capped and the log extends past it.
	More bool

	// Previous is the cursor before this poll; Cursor is the persisted one after.
	Previous types.LogCursor
	Cursor   types.LogCursor
}

// Reader fetches new bytes for one source.
type Reader struct {
	sourceID  string
	transport transport.Transport
	cursors   CursorStore
	maxChunk  int64
	now       func() time.Time
}

// New creates a reader for sourceID.
func New(sourceID string, t transport.Transport, cursors CursorStore, maxChunk int64) *Reader {
	if maxChunk <= 0 {
		maxChunk = 4 << 20
	}
	return &Reader{
		sourceID:  sourceID,
		transport: t,
		cursors:   cursors,
		maxChunk:  maxChunk,
		now:       time.Now,
	}
}

// Cursor loads the persisted cursor, or a zero cursor for a new source.
func (r *Reader) Cursor(ctx context.Context) (types.LogCursor, error) {
	cur, ok, err := r.cursors.LoadCursor(ctx, r.sourceID)
	if err != nil {
		return types.LogCursor{}, fmt.Errorf("reader: load cursor %s: %w", r.sourceID, err)
	}
	if !ok {
		return types.LogCursor{SourceID: r.sourceID}, nil
	}
	return cur, nil
}

// Poll requests bytes from cur.ByteOffset. On success the advanced cursor is
// persisted before the chunk is returned, so a crash afterwards re-delivers
// at most this chunk. On error the stored cursor is unchanged.
func (r *Reader) Poll(ctx context.Context, cur types.LogCursor) (Chunk, error) {
	ctx, span := tracer.Start(ctx, "reader.poll", trace.WithAttributes(
		attribute.String("source.id", r.sourceID),
		attribute.Int64("cursor.offset", cur.ByteOffset),
	))
	defer span.End()

	chunk, err := r.poll(ctx, cur)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Chunk{}, err
	}
	span.SetAttributes(
		attribute.Int("chunk.bytes", len(chunk.Data)),
		attribute.Bool("chunk.rotated", chunk.Rotated),
	)
	return chunk, nil
}

func (r *Reader) poll(ctx context.Context, cur types.LogCursor) (Chunk, error) {
	lf, err := r.transport.LogSize(ctx)
	if err != nil {
		return Chunk{}, err
	}

	from := cur.ByteOffset
	rotated := false
	switch {
	case cur.File != "" && lf.Path != cur.File:
		from, rotated = 0, true
	case lf.Size < from:
		from, rotated = 0, true
	}

	var data []byte
	if lf.Size > from {
		data, err = r.transport.FetchAppendedBytes(ctx, lf.Path, from, min(lf.Size-from, r.maxChunk))
		if err != nil {
			return Chunk{}, err
		}
	}
	capped := from+int64(len(data)) < lf.Size
	data = completeLines(data, r.maxChunk)

	next := types.LogCursor{
		SourceID:     r.sourceID,
		File:         lf.Path,
		ByteOffset:   from + int64(len(data)),
		LastPollTime: r.now().UTC(),
	}
	// A deadline that fired during the fetch abandons the cycle.
	if err := ctx.Err(); err != nil {
		return Chunk{}, transport.Classify(err)
	}
	if err := r.cursors.SaveCursor(context.WithoutCancel(ctx), next); err != nil {
		return Chunk{}, fmt.Errorf("reader: save cursor %s: %w", r.sourceID, err)
	}
	return Chunk{
		SourceID: r.sourceID,
		From:     from,
		Data:     data,
		Rotated:  rotated,
		More:     capped,
		Previous: cur,
		Cursor:   next,
	}, nil
}

// completeLines drops an unterminated tail so the cursor never passes a
// line that is still being written; the tail is fetched again next poll.
// A capped fetch holding no newline at all is a line longer than the cap
// and is returned whole.
func completeLines(data []byte, maxChunk int64) []byte {
	i := bytes.LastIndexByte(data, '\n')
	if i < 0 {
		if int64(len(data)) >= maxChunk {
			return data
		}
		return nil
	}
	return data[:i+1]
}

// Rewind restores a previous cursor after downstream processing failed.
func (r *Reader) Rewind(ctx context.Context, cur types.LogCursor) error {
	if err := r.cursors.SaveCursor(ctx, cur); err != nil {
		return fmt.Errorf("reader: rewind cursor %s: %w", r.sourceID, err)
	}
	return nil
}
