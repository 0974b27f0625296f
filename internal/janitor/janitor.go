// Package janitor implements background cleanup of the document spool:
// documents older than the retention period and temporaries left behind by
// interrupted writes. It runs beside the channels and never blocks them.
package janitor

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/teleprint/internal/app"
	"github.com/haukened/teleprint/internal/domain"
)

// Metric names emitted per cycle.
const (
	CounterDocumentsExpired = "documents_expired_total"
	CounterIncomingRemoved  = "incoming_removed_total"
	SummaryExpiredPerCycle  = "janitor_expired_per_cycle"
)

// staleIncoming is how old a temporary must be before it counts as
// abandoned.
const staleIncoming = time.Hour

// Store is the subset of document storage the Janitor needs.
type Store interface {
	List() ([]domain.DocumentName, error)
	ModTime(name domain.DocumentName) (time.Time, error)
	Delete(name domain.DocumentName) error
	// Reconcile removes temporaries older than cutoff.
	Reconcile(cutoff time.Time) (int, error)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval  time.Duration // how often a cycle begins
	Retention time.Duration // 0 keeps documents forever
	Logger    *slog.Logger
	Now       func() time.Time // optional clock
}

// Janitor encapsulates the background cleanup loop.
type Janitor struct {
	store   Store
	cfg     Config
	metrics app.Metrics

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor.
func New(store Store, m app.Metrics, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if m == nil {
		m = app.NopMetrics{}
	}
	return &Janitor{
		store:   store,
		cfg:     cfg,
		metrics: m,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the janitor loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context) {
	if j.ticker != nil {
		return
	} // already started
	j.ticker = time.NewTicker(j.cfg.Interval)
	go j.loop(ctx)
}

// Stop signals the loop to exit and waits for completion. Calling Stop
// without Start returns immediately.
func (j *Janitor) Stop() {
	j.once.Do(func() { close(j.stopCh) })
	if j.ticker == nil {
		return
	}
	<-j.doneCh
}

func (j *Janitor) loop(ctx context.Context) {
	log := j.cfg.Logger.With("domain", "janitor")
	defer func() {
		j.ticker.Stop()
		close(j.doneCh)
	}()
	j.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-j.ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle performs one expiry + temporary cleanup pass. Failures are
// logged and the next cycle retries.
func (j *Janitor) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "cycle")
	now := j.cfg.Now()

	expired, err := j.expire(now)
	if err != nil {
		log.Error("expire", "error", err)
	}
	removed, rerr := j.store.Reconcile(now.Add(-staleIncoming))
	if rerr != nil {
		log.Error("reconcile", "error", rerr)
	}

	j.metrics.Inc(CounterDocumentsExpired, int64(expired))
	j.metrics.Inc(CounterIncomingRemoved, int64(removed))
	j.metrics.Observe(SummaryExpiredPerCycle, int64(expired))
	log.Debug("cycle complete", "expired", expired, "incoming_removed", removed, "ms", time.Since(start).Milliseconds())
}

// expire deletes documents written before now minus the retention period.
// A document that vanishes mid-cycle is not an error.
func (j *Janitor) expire(now time.Time) (int, error) {
	if j.cfg.Retention <= 0 {
		return 0, nil
	}
	names, err := j.store.List()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-j.cfg.Retention)
	deleted := 0
	var errs []error
	for _, name := range names {
		mt, err := j.store.ModTime(name)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if !mt.Before(cutoff) {
			continue
		}
		if err := j.store.Delete(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
