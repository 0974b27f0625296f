// Package metrics keeps the relay's operational counters. Observations are
// queued on a buffered channel, folded into in-memory deltas by a single
// goroutine and periodically flushed to the SQLite database, so counts
// survive restarts. Only monotonic counters and (count,sum,min,max)
// summaries are supported.
package metrics

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names.
const (
	CounterDocumentsStored      = "documents_stored_total"
	CounterFetchFailed          = "fetch_failed_total"
	CounterPrintsSubmitted      = "prints_submitted_total"
	CounterPrintsFailed         = "prints_failed_total"
	CounterChatUpdates          = "chat_updates_total"
	CounterAuthRequests         = "auth_requests_total"
	CounterUnauthorized         = "unauthorized_attempts_total"
	CounterMailRelayed          = "mail_relayed_total"
	CounterMailDropped          = "mail_dropped_total"
	CounterMailReconnects       = "mail_reconnects_total"
	CounterMetricsEventsDropped = "metrics_events_dropped_total"
)

// Summary names.
const (
	SummaryDocumentBytes    = "document_bytes"
	SummaryMailPerCycle     = "mail_messages_per_cycle"
	SummaryChatHandleMillis = "chat_handle_ms"
)

// Summary is an aggregate of observed values.
type Summary struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
	Min   int64 `json:"min"`
	Max   int64 `json:"max"`
}

func (s *Summary) merge(o Summary) {
	if s.Count == 0 {
		*s = o
		return
	}
	s.Count += o.Count
	s.Sum += o.Sum
	s.Min = min(s.Min, o.Min)
	s.Max = max(s.Max, o.Max)
}

// Config controls flush cadence and logging.
type Config struct {
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Manager aggregates metric events and flushes them.
type Manager struct {
	cfg      Config
	db       *sql.DB
	events   chan event
	stop     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	dropped  atomic.Int64

	mu        sync.Mutex
	counters  map[string]int64
	summaries map[string]Summary
}

type eventKind int

const (
	eventInc eventKind = iota + 1
	eventObserve
)

type event struct {
	kind eventKind
	name string
	v    int64
}

// New creates a Manager. Call Start to begin background flushing.
func New(db *sql.DB, cfg Config) *Manager {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		db:        db,
		events:    make(chan event, 1024),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		counters:  make(map[string]int64),
		summaries: make(map[string]Summary),
	}
}

// InitSchema ensures metrics tables exist.
func (m *Manager) InitSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS metrics_counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS metrics_summaries (
	name  TEXT PRIMARY KEY,
	count INTEGER NOT NULL,
	sum   INTEGER NOT NULL,
	min   INTEGER NOT NULL,
	max   INTEGER NOT NULL
);`
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

// Start launches the background loop. Subsequent calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.loop(ctx)
}

// Stop ends the loop, drains queued events and performs a final flush.
// It is safe to call more than once and without Start.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		if m.started.Load() {
			close(m.stop)
			<-m.done
		}
	})
	m.drain()
	return m.flush(ctx)
}

// Inc increments a counter. Non-positive deltas are ignored. Never blocks;
// when the queue is full the event is dropped and counted.
func (m *Manager) Inc(name string, delta int64) {
	if delta <= 0 {
		return
	}
	m.enqueue(event{kind: eventInc, name: name, v: delta})
}

// Observe records a summary observation.
func (m *Manager) Observe(name string, value int64) {
	m.enqueue(event{kind: eventObserve, name: name, v: value})
}

func (m *Manager) enqueue(ev event) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

func (m *Manager) loop(ctx context.Context) {
	log := m.cfg.Logger.With("domain", "metrics")
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer func() {
		ticker.Stop()
		close(m.done)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("metrics stop", "reason", "context_cancel")
			return
		case <-m.stop:
			log.Info("metrics stop", "reason", "stop_signal")
			return
		case ev := <-m.events:
			m.apply(ev)
		case <-ticker.C:
			if err := m.flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("flush", "error", err)
			}
		}
	}
}

// drain applies every queued event without blocking.
func (m *Manager) drain() {
	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		default:
			return
		}
	}
}

func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.kind {
	case eventInc:
		m.counters[ev.name] += ev.v
	case eventObserve:
		s := m.summaries[ev.name]
		s.merge(Summary{Count: 1, Sum: ev.v, Min: ev.v, Max: ev.v})
		m.summaries[ev.name] = s
	}
}

// Snapshot returns persisted values with unflushed deltas layered on top.
func (m *Manager) Snapshot(ctx context.Context) (map[string]int64, map[string]Summary, error) {
	counters := make(map[string]int64)
	summaries := make(map[string]Summary)

	rows, err := m.db.QueryContext(ctx, `SELECT name, value FROM metrics_counters`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var n string
		var v int64
		if err := rows.Scan(&n, &v); err != nil {
			return nil, nil, err
		}
		counters[n] = v
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	srows, err := m.db.QueryContext(ctx, `SELECT name, count, sum, min, max FROM metrics_summaries`)
	if err != nil {
		return nil, nil, err
	}
	defer srows.Close()
	for srows.Next() {
		var n string
		var s Summary
		if err := srows.Scan(&n, &s.Count, &s.Sum, &s.Min, &s.Max); err != nil {
			return nil, nil, err
		}
		summaries[n] = s
	}
	if err := srows.Err(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	for n, v := range m.counters {
		counters[n] += v
	}
	for n, s := range m.summaries {
		cur := summaries[n]
		cur.merge(s)
		summaries[n] = cur
	}
	m.mu.Unlock()
	if d := m.dropped.Load(); d > 0 {
		counters[CounterMetricsEventsDropped] += d
	}
	return counters, summaries, nil
}

// flush writes in-memory deltas to SQLite in a single transaction and resets
// them. On failure the deltas are merged back so nothing is lost.
func (m *Manager) flush(ctx context.Context) error {
	m.mu.Lock()
	if len(m.counters) == 0 && len(m.summaries) == 0 {
		m.mu.Unlock()
		return nil
	}
	counters, summaries := m.counters, m.summaries
	m.counters = make(map[string]int64)
	m.summaries = make(map[string]Summary)
	m.mu.Unlock()

	if err := m.write(ctx, counters, summaries); err != nil {
		m.mu.Lock()
		for n, v := range counters {
			m.counters[n] += v
		}
		for n, s := range summaries {
			cur := m.summaries[n]
			cur.merge(s)
			m.summaries[n] = cur
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) write(ctx context.Context, counters map[string]int64, summaries map[string]Summary) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for name, delta := range counters {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metrics_counters(name,value) VALUES(?,?) ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`, name, delta); err != nil {
			return err
		}
	}
	for name, s := range summaries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO metrics_summaries(name,count,sum,min,max) VALUES(?,?,?,?,?) ON CONFLICT(name) DO UPDATE SET count = metrics_summaries.count + excluded.count, sum = metrics_summaries.sum + excluded.sum, min = MIN(metrics_summaries.min, excluded.min), max = MAX(metrics_summaries.max, excluded.max)`, name, s.Count, s.Sum, s.Min, s.Max); err != nil {
			return err
		}
	}
	return tx.Commit()
}
