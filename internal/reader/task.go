package reader

import (
	"context"
	"log/slog"
	"time"

	kferrors "github.com/killfeed/killfeed/internal/errors"
	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/observability"
	"github.com/killfeed/killfeed/internal/transport"
	"github.com/killfeed/killfeed/pkg/types"
)

// Sink consumes polled chunks in order. A returned error makes the task rewind
// the cursor to the chunk's start and retry after backoff.
type Sink interface {
	HandleChunk(ctx context.Context, c Chunk) error
}

// TaskConfig holds the schedule for one source.
type TaskConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Task is the scheduling loop for one source: poll, hand off, wait. A fatal
// error halts this task only.
type Task struct {
	reader  *Reader
	sink    Sink
	policy  *RetryPolicy
	cfg     TaskConfig
	stats   *observability.Stats
	changes <-chan struct{}
	logger  *slog.Logger
}

// NewTask creates a task. If t implements transport.Notifier its change
// signals trigger an early poll.
func NewTask(r *Reader, t transport.Transport, sink Sink, policy *RetryPolicy, cfg TaskConfig, stats *observability.Stats, logger *slog.Logger) *Task {
	task := &Task{
		reader: r,
		sink:   sink,
		policy: policy,
		cfg:    cfg,
		stats:  stats,
		logger: logging.Component(logger, "reader").With("source", r.sourceID),
	}
	if n, ok := t.(transport.Notifier); ok {
		task.changes = n.Changes()
	}
	return task
}

// Run polls until ctx is cancelled. Cancellation takes effect between
// cycles; an in-flight poll is bounded by the poll timeout. Run returns nil
// on cancellation and the fatal error when the source halts.
func (t *Task) Run(ctx context.Context) error {
	id := t.reader.sourceID
	t.stats.SetState(id, observability.StateStarting)
	defer func() {
		if ctx.Err() != nil {
			t.stats.SetState(id, observability.StateStopped)
		}
	}()

	var cur types.LogCursor
	for {
		var err error
		cur, err = t.reader.Cursor(ctx)
		if err == nil {
			break
		}
		t.logger.Warn("load cursor failed", "error", err)
		if !t.sleep(ctx, t.policy.Next()) {
			return nil
		}
	}
	t.policy.Reset()
	t.logger.Info("source started", "offset", cur.ByteOffset)

	for {
		next, wait, err := t.cycle(ctx, cur)
		if err != nil {
			t.stats.SetState(id, observability.StateHalted)
			t.logger.Error("source halted", "error", err)
			return err
		}
		cur = next
		if !t.sleep(ctx, wait) {
			t.logger.Info("source stopped", "offset", cur.ByteOffset)
			return nil
		}
	}
}

// cycle runs one poll and hand-off. It returns the cursor to continue from
// and how long to wait, or a fatal error.
func (t *Task) cycle(ctx context.Context, cur types.LogCursor) (types.LogCursor, time.Duration, error) {
	id := t.reader.sourceID
	pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.Timeout)
	start := time.Now()
	chunk, err := t.reader.Poll(pollCtx, cur)
	cancel()

	if err != nil {
		t.stats.RecordPollError(id, err)
		if kferrors.IsFatal(err) {
			return cur, 0, err
		}
		delay := t.policy.Next()
		t.stats.SetState(id, observability.StateBackoff)
		t.logger.Warn("poll failed", "error", err, "retry_in", delay)
		return cur, delay, nil
	}

	t.stats.RecordPoll(id, time.Since(start), int64(len(chunk.Data)), chunk.Rotated)
	if chunk.Rotated {
		t.logger.Info("log rotated", "previous_offset", cur.ByteOffset)
	}

	if err := t.sink.HandleChunk(context.WithoutCancel(ctx), chunk); err != nil {
		delay := t.policy.Next()
		t.stats.RecordPollError(id, err)
		t.stats.SetState(id, observability.StateBackoff)
		t.logger.Warn("chunk handling failed, rewinding", "error", err, "offset", chunk.Previous.ByteOffset, "retry_in", delay)
		if rerr := t.reader.Rewind(context.WithoutCancel(ctx), chunk.Previous); rerr != nil {
			t.logger.Error("rewind failed", "error", rerr)
		}
		return chunk.Previous, delay, nil
	}

	t.policy.Reset()
	t.stats.SetState(id, observability.StateRunning)
	if chunk.More {
		return chunk.Cursor, 0, nil
	}
	return chunk.Cursor, t.cfg.Interval, nil
}

// sleep waits for d, a change signal or cancellation. It returns false when
// ctx is done.
func (t *Task) sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-t.changes:
		return true
	}
}
