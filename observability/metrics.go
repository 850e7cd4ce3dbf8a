// Package observability records what the deck server does: an audit trail
// of controls, profile changes, plugin and auth events and access attempts,
// in-memory performance counters for the diagnostics endpoint, and a
// buffered timeseries of the same figures in SQLite.
//
// Call Init on the server database first, then pass it to the constructors.
// Persistence is asynchronous: a failing store is logged and never blocks
// the protocol path.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/controldeck/dbopen"
	"github.com/hazyhaar/controldeck/executor"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string // "milliseconds", "count", "bytes"
}

// Metric names.
const (
	MetricActionLatencyMs  = "action_latency_ms"
	MetricMessageLatencyMs = "ws_message_latency_ms"
	MetricGoroutines       = "goroutines_count"
	MetricMemoryAllocMB    = "memory_alloc_mb"
	MetricConnections      = "ws_connections"
)

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger
	buffer        []*Metric
	mu            sync.Mutex
	stop          chan struct{}
	done          chan struct{}
}

// NewMetricsManager starts a manager. Recommended: bufferSize 100,
// flushInterval 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a metric. A full buffer is flushed inline.
func (mm *MetricsManager) Record(m *Metric) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// RecordSimple queues a metric without labels.
func (mm *MetricsManager) RecordSimple(name string, value float64, unit string) {
	mm.Record(&Metric{Name: name, Timestamp: time.Now(), Value: value, Unit: unit})
}

// Query returns metrics, newest first. An empty name matches all metrics;
// nil times are unbounded.
func (mm *MetricsManager) Query(ctx context.Context, name string, since, until *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]any, 0, 4)

	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if since != nil {
		q += " AND timestamp >= ?"
		args = append(args, since.UnixMilli())
	}
	if until != nil {
		q += " AND timestamp <= ?"
		args = append(args, until.UnixMilli())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var (
			m      Metric
			ts     int64
			labels sql.NullString
			unit   sql.NullString
		)
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		m.Unit = unit.String
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes metrics older than retention.
func (mm *MetricsManager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	res, err := dbopen.Exec(ctx, mm.db, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes and stops the background goroutine.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mm.stop:
			mm.mu.Lock()
			mm.flushLocked()
			mm.mu.Unlock()
			return
		case <-ticker.C:
			mm.mu.Lock()
			mm.flushLocked()
			mm.mu.Unlock()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range mm.buffer {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
				return fmt.Errorf("insert %s: %w", m.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("metrics: flush failed", "error", err, "metrics", len(mm.buffer))
	}
	mm.buffer = mm.buffer[:0]
}

// LatencyStats summarises observed durations in milliseconds.
type LatencyStats struct {
	Count  int64   `json:"count"`
	Errors int64   `json:"errors,omitempty"`
	AvgMs  float64 `json:"avgMs"`
	MinMs  float64 `json:"minMs"`
	MaxMs  float64 `json:"maxMs"`
	LastMs float64 `json:"lastMs"`
}

func (s *LatencyStats) add(d time.Duration, failed bool) {
	ms := float64(d) / float64(time.Millisecond)
	if s.Count == 0 || ms < s.MinMs {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	s.AvgMs = (s.AvgMs*float64(s.Count) + ms) / float64(s.Count+1)
	s.Count++
	s.LastMs = ms
	if failed {
		s.Errors++
	}
}

// PerformanceReport is the diagnostics view of Performance.
type PerformanceReport struct {
	Actions  map[string]LatencyStats `json:"actions"`
	Messages map[string]LatencyStats `json:"messages"`
}

// Performance keeps latency statistics per action verb and per inbound
// message kind. It implements executor.Observer. When a MetricsManager is
// attached every observation is also written to the timeseries.
type Performance struct {
	mu       sync.Mutex
	actions  map[string]*LatencyStats
	messages map[string]*LatencyStats
	sink     *MetricsManager
}

var _ executor.Observer = (*Performance)(nil)

// NewPerformance returns an empty tracker. sink may be nil.
func NewPerformance(sink *MetricsManager) *Performance {
	return &Performance{
		actions:  make(map[string]*LatencyStats),
		messages: make(map[string]*LatencyStats),
		sink:     sink,
	}
}

// ObserveAction records one executor call. The key is the verb of a
// builtin or namespace:verb of a plugin.
func (p *Performance) ObserveAction(actionID string, d time.Duration, err error) {
	p.observe(p.actions, actionID, d, err != nil)
	if p.sink != nil {
		p.sink.Record(&Metric{
			Name:      MetricActionLatencyMs,
			Timestamp: time.Now(),
			Value:     float64(d) / float64(time.Millisecond),
			Labels:    map[string]string{"action": actionID},
			Unit:      "milliseconds",
		})
	}
}

// ObserveMessage records the handling time of one WebSocket frame.
func (p *Performance) ObserveMessage(kind string, d time.Duration) {
	if kind == "" {
		kind = "unknown"
	}
	p.observe(p.messages, kind, d, false)
	if p.sink != nil {
		p.sink.Record(&Metric{
			Name:      MetricMessageLatencyMs,
			Timestamp: time.Now(),
			Value:     float64(d) / float64(time.Millisecond),
			Labels:    map[string]string{"kind": kind},
			Unit:      "milliseconds",
		})
	}
}

func (p *Performance) observe(m map[string]*LatencyStats, key string, d time.Duration, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := m[key]
	if !ok {
		s = &LatencyStats{}
		m[key] = s
	}
	s.add(d, failed)
}

// Report snapshots every counter.
func (p *Performance) Report() PerformanceReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := PerformanceReport{
		Actions:  make(map[string]LatencyStats, len(p.actions)),
		Messages: make(map[string]LatencyStats, len(p.messages)),
	}
	for k, s := range p.actions {
		r.Actions[k] = *s
	}
	for k, s := range p.messages {
		r.Messages[k] = *s
	}
	return r
}

// Slowest returns up to n action ids ordered by descending average latency.
func (r PerformanceReport) Slowest(n int) []string {
	ids := slices.Collect(maps.Keys(r.Actions))
	slices.SortFunc(ids, func(a, b string) int {
		if d := r.Actions[b].AvgMs - r.Actions[a].AvgMs; d != 0 {
			if d > 0 {
				return 1
			}
			return -1
		}
		return strings.Compare(a, b)
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// Reset clears every counter.
func (p *Performance) Reset() {
	p.mu.Lock()
	clear(p.actions)
	clear(p.messages)
	p.mu.Unlock()
}
