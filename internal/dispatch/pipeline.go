package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/killfeed/killfeed/internal/dedup"
	"github.com/killfeed/killfeed/internal/journal"
	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/parser"
	"github.com/killfeed/killfeed/internal/reader"
	"github.com/killfeed/killfeed/pkg/types"
)

// Pipeline processes one source's chunks. It implements reader.Sink.
//
// Per chunk: complete lines are parsed, sorted by timestamp, journaled,
// admitted, and the novel ones applied to the economy before HandleChunk
// returns. Rendering is queued. A failure before the journal write restores
// the partial-line buffer so the reader can rewind and redeliver the chunk.
type Pipeline struct {
	d        *Dispatcher
	sourceID string
	// live pipelines archive their chunks and render; replay pipelines do neither.
	live   bool
	logger *slog.Logger

	mu        sync.Mutex
	buf       parser.LineBuffer
	watermark time.Time
	// unapplied holds admitted entries whose economy write failed; they are
	// retried before any new chunk.
	unapplied []journal.Entry

	qmu   sync.Mutex
	queue chan renderJob
}

var _ reader.Sink = (*Pipeline)(nil)

func newPipeline(d *Dispatcher, sourceID string, live bool) *Pipeline {
	return &Pipeline{
		d:        d,
		sourceID: sourceID,
		live:     live,
		logger:   logging.Component(d.cfg.Logger, "pipeline").With("source", sourceID),
	}
}

// HandleChunk processes one fetched chunk.
func (p *Pipeline) HandleChunk(ctx context.Context, c reader.Chunk) error {
	if c.Rotated {
		if _, err := p.flush(ctx); err != nil {
			return err
		}
		p.enqueue(types.DomainEvent{Kind: types.KindRotation, SourceID: p.sourceID, Timestamp: p.d.now().UTC()})
		p.logger.Info("source rotated", "previous_offset", c.Previous.ByteOffset)
	}
	if _, err := p.process(ctx, c.From, c.Data); err != nil {
		return err
	}
	if p.d.cfg.Archive != nil {
		if err := p.d.cfg.Archive.Put(ctx, p.sourceID, p.d.now(), c.From, c.Data); err != nil {
			p.logger.Warn("archive chunk failed", "offset", c.From, "error", err)
		}
	}
	return nil
}

// process parses data and delivers its events. It returns the number of
// novel events. On error the line buffer is restored, since the reader
// redelivers the same chunk.
func (p *Pipeline) process(ctx context.Context, at int64, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.retryUnapplied(ctx); err != nil {
		return 0, err
	}

	snapshot := p.buf
	res := p.d.cfg.Parser.ParseChunk(p.sourceID, &p.buf, at, data)
	n, err := p.deliver(ctx, res)
	if err != nil {
		p.buf = snapshot
	}
	return n, err
}

// flush parses the carried fragment, used when no continuation will come.
func (p *Pipeline) flush(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf.Pending() == 0 {
		return 0, nil
	}
	snapshot := p.buf
	res := p.d.cfg.Parser.FlushBuffer(p.sourceID, &p.buf)
	n, err := p.deliver(ctx, res)
	if err != nil {
		p.buf = snapshot
	}
	return n, err
}

// deliver journals and applies a parse result.
func (p *Pipeline) deliver(ctx context.Context, res parser.Result) (int, error) {
	stats := p.d.cfg.Stats
	stats.RecordParse(p.sourceID, res.Lines, res.Skipped)
	if len(res.Events) == 0 {
		return 0, nil
	}

	events := orderEvents(res.Events)

	entries, err := p.d.cfg.Journal.Append(events, p.d.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("dispatch: journal %s: %w", p.sourceID, err)
	}

	novel, dups := 0, 0
	for i, e := range entries {
		verdict, err := p.d.cfg.Dedup.Admit(ctx, e.Event)
		if err != nil {
			// The rest is journaled but unadmitted; the redelivered chunk
			// admits it, or recovery applies it after a crash.
			stats.RecordAdmit(p.sourceID, novel, dups)
			return novel, fmt.Errorf("dispatch: admit lsn %d: %w", entries[i].LSN, err)
		}
		if verdict == dedup.Duplicate {
			dups++
			continue
		}
		novel++
		if _, err := p.d.cfg.Economy.ApplyEvent(ctx, e.Event, e.LSN); err != nil {
			p.unapplied = append(p.unapplied, entries[i])
			p.logger.Error("economy apply failed", "lsn", e.LSN, "kind", e.Event.Kind, "error", err)
			continue
		}
		p.release(e.Event)
	}
	stats.RecordAdmit(p.sourceID, novel, dups)
	return novel, nil
}

// retryUnapplied re-offers entries whose economy write failed earlier.
func (p *Pipeline) retryUnapplied(ctx context.Context) error {
	for len(p.unapplied) > 0 {
		e := p.unapplied[0]
		if _, err := p.d.cfg.Economy.ApplyEvent(ctx, e.Event, e.LSN); err != nil {
			return fmt.Errorf("dispatch: reapply lsn %d: %w", e.LSN, err)
		}
		p.unapplied = p.unapplied[1:]
		p.release(e.Event)
	}
	return nil
}

// orderEvents sorts a chunk's events by timestamp. An untimed event sorts
// at the time of the event before it in the log, and ties keep log order.
func orderEvents(events []types.DomainEvent) []types.DomainEvent {
	type keyed struct {
		at time.Time
		e  types.DomainEvent
	}
	ks := make([]keyed, len(events))
	var last time.Time
	for i, e := range events {
		if !e.Timestamp.IsZero() {
			last = e.Timestamp
		}
		ks[i] = keyed{at: last, e: e}
	}
	sort.SliceStable(ks, func(i, j int) bool {
		if !ks[i].at.Equal(ks[j].at) {
			return ks[i].at.Before(ks[j].at)
		}
		return ks[i].e.Offset < ks[j].e.Offset
	})
	out := make([]types.DomainEvent, len(ks))
	for i, k := range ks {
		out[i] = k.e
	}
	return out
}

// release hands an applied event to the renderer. An event older than the
// source's watermark came from an earlier chunk's time range; it is still
// rendered once and counted as late.
func (p *Pipeline) release(e types.DomainEvent) {
	if !p.live {
		return
	}
	if !e.Timestamp.IsZero() {
		if e.Timestamp.Before(p.watermark) {
			p.d.cfg.Stats.RecordLate(p.sourceID)
			p.logger.Debug("late event", "kind", e.Kind, "at", e.Timestamp, "watermark", p.watermark)
		} else {
			p.watermark = e.Timestamp
		}
	}
	p.enqueue(e)
}

func (p *Pipeline) enqueue(e types.DomainEvent) {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	if p.queue == nil {
		return
	}
	select {
	case p.queue <- renderJob{event: e}:
	default:
		p.d.cfg.Stats.RecordRender(p.sourceID, ErrQueueFull)
		p.logger.Warn("render queue full, dropping event", "kind", e.Kind)
	}
}

func (p *Pipeline) closeQueue() {
	p.qmu.Lock()
	defer p.qmu.Unlock()
	if p.queue != nil {
		close(p.queue)
		p.queue = nil
	}
}
