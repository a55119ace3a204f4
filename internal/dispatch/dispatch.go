// Package dispatch wires parsed events to their consumers. Each source gets
// a Pipeline that journals, deduplicates and applies its events in order;
// rendering runs behind a per-source queue so a slow or failing renderer
// never delays the economy.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/killfeed/killfeed/internal/dedup"
	"github.com/killfeed/killfeed/internal/journal"
	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/notify"
	"github.com/killfeed/killfeed/internal/observability"
	"github.com/killfeed/killfeed/internal/parser"
	"github.com/killfeed/killfeed/internal/render"
	"github.com/killfeed/killfeed/pkg/types"
)

// ErrQueueFull is recorded when a render job is dropped.
var ErrQueueFull = errors.New("dispatch: render queue full")

// Journal durably records events before they are admitted.
type Journal interface {
	Append(events []types.DomainEvent, appendedAt int64) ([]journal.Entry, error)
}

// Admitter decides whether an event is new.
type Admitter interface {
	Admit(ctx context.Context, e types.DomainEvent) (dedup.Verdict, error)
}

// Applier applies a novel event to the economy.
type Applier interface {
	ApplyEvent(ctx context.Context, e types.DomainEvent, lsn uint64) (bool, error)
}

// Archiver keeps raw chunks for replay.
type Archiver interface {
	Put(ctx context.Context, sourceID string, fetched time.Time, offset int64, data []byte) error
	Replay(ctx context.Context, sourceID string, fn func(offset int64, data []byte) error) (int, error)
}

// Config holds the dispatcher's collaborators. Archive, Renderer and Stats
// are optional.
type Config struct {
	Parser   *parser.Parser
	Journal  Journal
	Dedup    Admitter
	Economy  Applier
	Renderer render.Renderer
	Archive  Archiver
	Stats    *observability.Stats

	// QueueSize bounds each source's render queue.
	QueueSize int
	Logger    *slog.Logger
}

// Dispatcher owns one Pipeline per source.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	closed    bool
	wg        sync.WaitGroup
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Parser == nil {
		cfg.Parser = parser.New()
	}
	if cfg.Stats == nil {
		cfg.Stats = observability.NewStats()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Dispatcher{
		cfg:       cfg,
		logger:    logging.Component(cfg.Logger, "dispatch"),
		now:       time.Now,
		pipelines: make(map[string]*Pipeline),
	}
}

// Pipeline returns the pipeline for sourceID, creating it on first use.
func (d *Dispatcher) Pipeline(sourceID string) *Pipeline {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pipelines[sourceID]; ok {
		return p
	}
	p := newPipeline(d, sourceID, true)
	if d.cfg.Renderer != nil && !d.closed {
		p.queue = make(chan renderJob, d.cfg.QueueSize)
		d.wg.Add(1)
		go d.renderLoop(p)
	}
	d.pipelines[sourceID] = p
	return p
}

// Replay re-parses a source's archived chunks through a separate pipeline.
// Nothing is rendered and the live pipeline's partial-line state is left
// alone; deduplication drops everything already applied. It returns the
// number of novel events found.
func (d *Dispatcher) Replay(ctx context.Context, sourceID string) (int, error) {
	if d.cfg.Archive == nil {
		return 0, errors.New("dispatch: archive not configured")
	}
	p := newPipeline(d, sourceID, false)
	novel := 0
	_, err := d.cfg.Archive.Replay(ctx, sourceID, func(offset int64, data []byte) error {
		n, err := p.process(ctx, offset, data)
		novel += n
		return err
	})
	if err != nil {
		return novel, err
	}
	n, err := p.flush(ctx)
	novel += n
	d.logger.Info("replay applied", "source", sourceID, "novel", novel)
	return novel, err
}

// ForwardNotifications renders economy notifications until sub closes or
// ctx is done.
func (d *Dispatcher) ForwardNotifications(ctx context.Context, sub *notify.Subscriber) {
	if d.cfg.Renderer == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.Ch:
			if !ok {
				return
			}
			if err := d.cfg.Renderer.RenderNotification(ctx, n); err != nil {
				d.logger.Warn("notification render failed", "type", n.Type, "error", err)
			}
		}
	}
}

// Close stops accepting render jobs and waits for queued ones to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, p := range d.pipelines {
		p.closeQueue()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

type renderJob struct {
	event types.DomainEvent
}

func (d *Dispatcher) renderLoop(p *Pipeline) {
	defer d.wg.Done()
	for job := range p.queue {
		err := d.cfg.Renderer.RenderEvent(context.Background(), job.event)
		d.cfg.Stats.RecordRender(p.sourceID, err)
		if err != nil {
			p.logger.Warn("render failed", "kind", job.event.Kind, "error", err)
		}
	}
}
