// Package housekeeping runs periodic maintenance jobs: bounty expiry,
// fingerprint pruning and journal checkpoints.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/killfeed/killfeed/internal/logging"
)

// Job is a named task run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	// Run returns the number of items it handled, used only for logging.
	Run func(ctx context.Context) (int, error)
}

// Daemon runs a set of jobs until stopped. Each job has its own ticker and
// a failing run never stops the job.
type Daemon struct {
	jobs   []Job
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDaemon creates a daemon for jobs. Jobs with a non-positive interval
// are ignored.
func NewDaemon(logger *slog.Logger, jobs ...Job) *Daemon {
	d := &Daemon{logger: logging.Component(logger, "housekeeping")}
	for _, j := range jobs {
		if j.Interval <= 0 || j.Run == nil {
			continue
		}
		d.jobs = append(d.jobs, j)
	}
	return d
}

// Start launches every job. It returns immediately.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("housekeeping: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	for _, j := range d.jobs {
		d.wg.Add(1)
		go d.run(ctx, j)
	}
	return nil
}

// Stop cancels all jobs and waits for in-flight runs to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.cancel()
	d.wg.Wait()
	d.running = false
	return nil
}

// Run starts the daemon and blocks until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

func (d *Daemon) run(ctx context.Context, j Job) {
	defer d.wg.Done()

	d.runOnce(ctx, j)

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx, j)
		}
	}
}

func (d *Daemon) runOnce(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	n, err := j.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("job failed", "job", j.Name, "error", err)
		return
	}
	if n > 0 {
		d.logger.Info("job completed", "job", j.Name, "items", n, "duration", time.Since(start))
	}
}
