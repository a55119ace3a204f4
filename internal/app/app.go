// Package app wires the killfeed components into one process: a poll task
// per source feeding the dispatcher, the economy and casino behind it, the
// housekeeping daemon, and the HTTP and gRPC surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	grpcapi "github.com/killfeed/killfeed/internal/api/grpc"
	httpapi "github.com/killfeed/killfeed/internal/api/http"
	"github.com/killfeed/killfeed/internal/archive"
	"github.com/killfeed/killfeed/internal/config"
	"github.com/killfeed/killfeed/internal/dedup"
	"github.com/killfeed/killfeed/internal/dispatch"
	"github.com/killfeed/killfeed/internal/economy"
	"github.com/killfeed/killfeed/internal/gambling"
	"github.com/killfeed/killfeed/internal/housekeeping"
	"github.com/killfeed/killfeed/internal/journal"
	"github.com/killfeed/killfeed/internal/logging"
	"github.com/killfeed/killfeed/internal/notify"
	"github.com/killfeed/killfeed/internal/observability"
	"github.com/killfeed/killfeed/internal/parser"
	"github.com/killfeed/killfeed/internal/reader"
	"github.com/killfeed/killfeed/internal/render"
	"github.com/killfeed/killfeed/internal/server"
	"github.com/killfeed/killfeed/internal/storage"
	"github.com/killfeed/killfeed/internal/store"
	"github.com/killfeed/killfeed/internal/telemetry"
	"github.com/killfeed/killfeed/internal/transport"
)

const (
	journalSegmentSize = 8 << 20
	notifyBuffer       = 256
	pruneInterval      = time.Hour
	checkpointInterval = 10 * time.Minute
)

// App owns every long-lived component.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store      store.Store
	journal    *journal.Journal
	notifier   *notify.Notifier
	stats      *observability.Stats
	economy    *economy.Engine
	casino     *gambling.Engine
	dedup      *dedup.Deduplicator
	recovery   *journal.Recovery
	dispatcher *dispatch.Dispatcher
	archive    *archive.Archive
	shutdown   *server.ShutdownManager

	// ready is closed once the listeners are bound.
	ready    chan struct{}
	httpAddr net.Addr
	grpcAddr net.Addr
}

// New validates cfg and creates the data directories.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		stats:  observability.NewStats(),
		ready:  make(chan struct{}),
		shutdown: server.NewShutdownManager(server.ShutdownConfig{
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, logger),
	}, nil
}

// Run opens every resource, replays the journal, then serves until ctx is
// cancelled or a signal arrives. Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := a.shutdown.Notify(ctx)
	defer cancel()

	if err := a.open(ctx); err != nil {
		return errors.Join(err, a.shutdown.Shutdown(ctx))
	}
	if err := a.resume(ctx); err != nil {
		return errors.Join(err, a.shutdown.Shutdown(ctx))
	}

	httpLis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return errors.Join(fmt.Errorf("listen http: %w", err), a.shutdown.Shutdown(ctx))
	}
	a.httpAddr = httpLis.Addr()
	var grpcLis net.Listener
	if a.cfg.GRPC.Enabled {
		grpcLis, err = net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			_ = httpLis.Close()
			return errors.Join(fmt.Errorf("listen grpc: %w", err), a.shutdown.Shutdown(ctx))
		}
		a.grpcAddr = grpcLis.Addr()
	}

	g, gctx := errgroup.WithContext(ctx)
	a.startSources(gctx, g)

	jobs := []housekeeping.Job{
		housekeeping.ExpireBountiesJob(a.economy, a.cfg.Economy.ExpiryCheckInterval),
		housekeeping.PruneFingerprintsJob(a.dedup, pruneInterval),
		housekeeping.CheckpointJournalJob(a.recovery, checkpointInterval),
	}
	if a.archive != nil && a.cfg.Archive.Retention > 0 {
		ids := make([]string, 0, len(a.cfg.Sources))
		for _, src := range a.cfg.Sources {
			ids = append(ids, src.ID)
		}
		jobs = append(jobs, housekeeping.PruneArchiveJob(a.archive, ids, a.cfg.Archive.Retention, pruneInterval))
	}
	daemon := housekeeping.NewDaemon(a.logger, jobs...)
	g.Go(func() error { return daemon.Run(gctx) })

	sub := a.notifier.Subscribe()
	g.Go(func() error {
		defer a.notifier.Unsubscribe(sub.ID)
		a.dispatcher.ForwardNotifications(gctx, sub)
		return nil
	})

	httpSrv := &http.Server{
		Handler:      a.shutdown.Middleware(httpapi.NewServer(a.economy, a.store, a.stats, a.logger).Router()),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}
	g.Go(func() error { return a.shutdown.ServeHTTP(gctx, httpSrv, httpLis) })

	if grpcLis != nil {
		cmds := grpcapi.NewCommands(a.economy, a.casino, a.logger)
		grpcSrv := grpcapi.NewServer(cmds, a.cfg.GRPC.JWTSecret, a.logger)
		g.Go(func() error { return a.shutdown.ServeGRPC(gctx, grpcSrv, grpcLis) })
	}

	a.logger.Info("killfeed started",
		"mode", a.cfg.Mode,
		"sources", len(a.cfg.Sources),
		"http", a.httpAddr.String(),
		"grpc_enabled", grpcLis != nil,
	)
	close(a.ready)

	runErr := g.Wait()
	return errors.Join(runErr, a.shutdown.Shutdown(context.WithoutCancel(ctx)))
}

// Replay re-parses a source's archived chunks and applies anything the
// economy has not seen. It runs without the servers or poll tasks.
func (a *App) Replay(ctx context.Context, sourceID string) (int, error) {
	if err := a.open(ctx); err != nil {
		return 0, errors.Join(err, a.shutdown.Shutdown(ctx))
	}
	n, err := a.dispatcher.Replay(ctx, sourceID)
	return n, errors.Join(err, a.shutdown.Shutdown(context.WithoutCancel(ctx)))
}

// open builds the components in dependency order, registering each with
// the shutdown manager so they close in reverse.
func (a *App) open(ctx context.Context) error {
	telemetryShutdown, err := telemetry.Setup(ctx, a.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.shutdown.Register("telemetry", telemetryShutdown)

	st, err := store.OpenSQLite(a.cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.shutdown.Register("store", func(context.Context) error { return st.Close() })

	a.journal, err = journal.Open(a.cfg.JournalDir(), journalSegmentSize, a.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	a.shutdown.Register("journal", func(context.Context) error { return a.journal.Close() })

	a.notifier = notify.NewNotifier(notifyBuffer)
	a.economy = economy.New(a.store, a.cfg.Economy, a.notifier, a.logger)
	a.casino = gambling.New(a.economy, a.cfg.Gambling, a.logger)
	a.dedup = dedup.New(a.store, a.cfg.Dedup.WindowSize, a.cfg.Dedup.Retention, a.logger)
	a.recovery = journal.NewRecovery(a.journal, a.store, a.economy, a.logger)

	arch, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	a.archive = arch
	dcfg := dispatch.Config{
		Parser:    parser.New(),
		Journal:   a.journal,
		Dedup:     a.dedup,
		Economy:   a.economy,
		Renderer:  a.renderer(),
		Stats:     a.stats,
		QueueSize: a.cfg.Render.QueueSize,
		Logger:    a.logger,
	}
	if arch != nil {
		dcfg.Archive = arch
	}
	a.dispatcher = dispatch.New(dcfg)
	a.shutdown.Register("dispatcher", func(context.Context) error {
		a.dispatcher.Close()
		return nil
	})
	return nil
}

// resume restores in-memory state from the store and journal before any
// new chunk is read.
func (a *App) resume(ctx context.Context) error {
	if _, err := a.dedup.Warm(ctx); err != nil {
		return fmt.Errorf("warm dedup: %w", err)
	}
	if _, err := a.recovery.Recover(ctx); err != nil {
		return fmt.Errorf("journal recovery: %w", err)
	}
	if _, err := a.casino.Resume(ctx); err != nil {
		return fmt.Errorf("resume sessions: %w", err)
	}
	return nil
}

func (a *App) openArchive(ctx context.Context) (*archive.Archive, error) {
	if !a.cfg.Archive.Enabled {
		return nil, nil
	}
	var (
		objects storage.ObjectStorage
		err     error
	)
	switch a.cfg.Archive.Type {
	case "local":
		objects, err = storage.NewLocalStorage(a.cfg.Archive.Path)
	case "s3":
		objects, err = storage.NewS3Storage(ctx, a.cfg.Archive.S3.Bucket, storage.S3Config{
			Region:       a.cfg.Archive.S3.Region,
			Endpoint:     a.cfg.Archive.S3.Endpoint,
			UsePathStyle: a.cfg.Archive.S3.Endpoint != "",
		})
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", a.cfg.Archive.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	a.logger.Info("archive enabled", "type", a.cfg.Archive.Type)
	return archive.New(objects, a.logger), nil
}

func (a *App) renderer() render.Renderer {
	if a.cfg.Render.WebhookURL != "" {
		return render.NewWebhook(a.cfg.Render.WebhookURL, a.cfg.Render.Timeout, a.logger)
	}
	return render.NewLog(a.logger)
}

// startSources launches one poll task per source. A source with bad
// settings, or one that halts on a fatal error, stops alone.
func (a *App) startSources(ctx context.Context, g *errgroup.Group) {
	for _, src := range a.cfg.Sources {
		logger := a.logger.With("source", src.ID)
		if err := src.Validate(); err != nil {
			a.haltSource(src.ID, err, logger)
			continue
		}
		t, err := transport.New(src)
		if err != nil {
			a.haltSource(src.ID, err, logger)
			continue
		}
		r := reader.New(src.ID, t, a.store, a.cfg.Reader.MaxChunkBytes)
		task := reader.NewTask(r, t, a.dispatcher.Pipeline(src.ID), reader.NewRetryPolicy(a.cfg.Reader),
			reader.TaskConfig{Interval: src.PollInterval, Timeout: src.PollTimeout}, a.stats, a.logger)

		g.Go(func() error {
			defer t.Close()
			if err := task.Run(ctx); err != nil {
				logger.Error("source task ended", "error", err)
			}
			return nil
		})
	}
}

func (a *App) haltSource(id string, err error, logger *slog.Logger) {
	a.stats.RecordPollError(id, err)
	a.stats.SetState(id, observability.StateHalted)
	logger.Error("source disabled", "error", err)
}

// Ready is closed once Run has bound its listeners.
func (a *App) Ready() <-chan struct{} { return a.ready }

// HTTPAddr is the bound status API address, valid after Ready.
func (a *App) HTTPAddr() net.Addr { return a.httpAddr }

// GRPCAddr is the bound command service address, or nil when disabled.
func (a *App) GRPCAddr() net.Addr { return a.grpcAddr }

// Stop requests shutdown as a signal would.
func (a *App) Stop() { a.shutdown.Stop("stop requested") }
