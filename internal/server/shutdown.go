// Package server provides process lifecycle management: signal handling,
// in-flight request draining and ordered release of resources.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/killfeed/killfeed/internal/logging"
)

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown, closers included.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout is the time to wait for in-flight requests to complete.
	// Default: half of ShutdownTimeout
	DrainTimeout time.Duration
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// ShutdownManager turns a signal into a cancelled context, then releases
// registered resources in reverse order of registration.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	logger          *slog.Logger

	stopping  chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
	inFlight  atomic.Int64
	draining  atomic.Bool

	mu      sync.Mutex
	closers []closer
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(cfg ShutdownConfig, logger *slog.Logger) *ShutdownManager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = cfg.ShutdownTimeout / 2
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &ShutdownManager{
		shutdownTimeout: cfg.ShutdownTimeout,
		drainTimeout:    cfg.DrainTimeout,
		logger:          logging.Component(logger, "shutdown"),
		stopping:        make(chan struct{}),
	}
}

// Register adds a resource to release during Shutdown. Closers run LIFO,
// so register what others depend on first.
func (sm *ShutdownManager) Register(name string, fn func(context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, closer{name: name, fn: fn})
}

// Notify returns a context that is cancelled on SIGINT or SIGTERM, when
// Stop is called, or when parent ends.
func (sm *ShutdownManager) Notify(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			sm.Stop(fmt.Sprintf("received signal: %v", sig))
		case <-sm.stopping:
		case <-ctx.Done():
		}
		cancel()
	}()
	return ctx, cancel
}

// Stop begins shutdown without a signal.
func (sm *ShutdownManager) Stop(reason string) {
	sm.stopOnce.Do(func() {
		sm.logger.Info("shutdown requested", "reason", reason)
		close(sm.stopping)
	})
}

// Stopping is closed once shutdown has been requested.
func (sm *ShutdownManager) Stopping() <-chan struct{} {
	return sm.stopping
}

// Shutdown waits for in-flight requests and then runs every closer. It is
// safe to call more than once; later calls return the first result.
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.closeOnce.Do(func() {
		sm.draining.Store(true)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sm.shutdownTimeout)
		defer cancel()

		var errs []error
		if err := sm.drain(ctx); err != nil {
			errs = append(errs, err)
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.fn(ctx); err != nil {
				sm.logger.Warn("close failed", "resource", c.name, "error", err)
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
				continue
			}
			sm.logger.Debug("closed", "resource", c.name)
		}
		sm.closeErr = errors.Join(errs...)
	})
	return sm.closeErr
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if sm.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if n := sm.inFlight.Load(); n > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight requests", n)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// TrackRequest increments the in-flight counter. It returns false once
// draining has begun and the request should be rejected.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.draining.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// UntrackRequest decrements the in-flight counter.
func (sm *ShutdownManager) UntrackRequest() {
	sm.inFlight.Add(-1)
}

// InFlightCount returns the current number of in-flight requests.
func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// Middleware tracks in-flight HTTP requests and rejects new ones while
// draining.
func (sm *ShutdownManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sm.TrackRequest() {
			w.Header().Set("Connection", "close")
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer sm.UntrackRequest()
		next.ServeHTTP(w, r)
	})
}

// ServeHTTP serves srv on lis until ctx ends, then shuts it down within the
// drain timeout.
func (sm *ShutdownManager) ServeHTTP(ctx context.Context, srv *http.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sm.drainTimeout)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

// ServeGRPC serves srv on lis until ctx ends, then stops it gracefully,
// forcing the stop after the drain timeout.
func (sm *ShutdownManager) ServeGRPC(ctx context.Context, srv *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(sm.drainTimeout):
		sm.logger.Warn("grpc graceful stop timed out, forcing")
		srv.Stop()
	}
	return <-errCh
}
