package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/controldeck/dbopen"
	"github.com/hazyhaar/controldeck/idgen"
	"github.com/hazyhaar/controldeck/kit"
	"github.com/hazyhaar/controldeck/protocol"
)

// Audit categories.
const (
	CategoryControl = "control"
	CategoryPlugin  = "plugin"
	CategoryProfile = "profile"
	CategoryAuth    = "auth"
	CategoryAccess  = "access"
)

// Audit statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusIgnored = "ignored"
	StatusDenied  = "denied"
)

// AuditEntry is one row of the audit trail.
type AuditEntry struct {
	EntryID   string    `json:"entryId"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
	Operation string    `json:"operation"` // e.g. "execute", "select", "token_issued"

	Actor     string `json:"actor,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Target    string `json:"target,omitempty"` // control, profile, plugin or path

	Details      string `json:"details,omitempty"` // JSON
	ErrorMessage string `json:"error,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	Status       string `json:"status"`
}

// AuditFilter selects entries for Query.
type AuditFilter struct {
	Since     *time.Time
	Until     *time.Time
	Category  string
	Operation string
	Status    string
	Limit     int // default 100
	Offset    int
	OrderDir  string // "ASC" or "DESC" (default)
}

// AuditLogger persists audit entries in batches from a background
// goroutine. It implements protocol.Recorder.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
	ch     chan *AuditEntry
	stop   chan struct{}
	done   chan struct{}
	flush  time.Duration
}

var _ protocol.Recorder = (*AuditLogger)(nil)

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets the entry id generator.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// WithAuditClock replaces time.Now.
func WithAuditClock(fn func() time.Time) AuditOption {
	return func(a *AuditLogger) { a.now = fn }
}

// WithAuditLogger sets the logger.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// WithFlushInterval sets how often queued entries are written. Default: 5s.
func WithFlushInterval(d time.Duration) AuditOption {
	return func(a *AuditLogger) { a.flush = d }
}

// NewAuditLogger starts an audit logger over db, which must carry Schema.
// Recommended bufferSize: 1000.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		db:     db,
		newID:  idgen.Prefixed("audit_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
		ch:     make(chan *AuditEntry, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		flush:  5 * time.Second,
	}
	for _, o := range opts {
		o(a)
	}
	go a.flushLoop()
	return a
}

// Log inserts an entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fillDefaults(e)
	return a.insert(ctx, e)
}

// LogAsync queues an entry. A full buffer falls back to a synchronous insert.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fillDefaults(e)
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("audit: buffer full, sync fallback", "category", e.Category)
		if err := a.insert(context.Background(), e); err != nil {
			a.logger.Error("audit: sync fallback failed", "error", err)
		}
	}
}

// RecordControl audits one dispatched, rejected or ignored control.
func (a *AuditLogger) RecordControl(ctx context.Context, ev protocol.ControlEvent) {
	category := CategoryControl
	if strings.Contains(ev.ActionID, ":") {
		category = CategoryPlugin
	}
	a.LogAsync(&AuditEntry{
		Category:     category,
		Operation:    "execute",
		Actor:        actor(ctx, ev.ClientID),
		SessionID:    ev.SessionID,
		Target:       ev.ControlID,
		Details:      marshal(map[string]any{"actionId": ev.ActionID, "value": ev.Value}),
		ErrorMessage: ev.Error,
		DurationMs:   ev.Latency.Milliseconds(),
		Status:       ackStatus(ev.Status),
	})
}

// RecordProfile audits a profile selection or update.
func (a *AuditLogger) RecordProfile(ctx context.Context, ev protocol.ProfileEvent) {
	details := map[string]any{
		"version":       ev.Version,
		"conflict":      ev.Conflict,
		"mappingsCount": ev.MappingsCount,
	}
	if ev.PreviousVersion != nil {
		details["previousVersion"] = *ev.PreviousVersion
	}
	status := StatusSuccess
	if ev.Error != "" {
		status = StatusError
	}
	a.LogAsync(&AuditEntry{
		Category:     CategoryProfile,
		Operation:    ev.Op,
		Actor:        actor(ctx, ev.ClientID),
		SessionID:    ev.SessionID,
		Target:       ev.ProfileID,
		Details:      marshal(details),
		ErrorMessage: ev.Error,
		Status:       status,
	})
}

// RecordAuth audits a token or pairing event. err marks a failure.
func (a *AuditLogger) RecordAuth(ctx context.Context, op, clientID string, err error) {
	e := &AuditEntry{
		Category:  CategoryAuth,
		Operation: op,
		Actor:     actor(ctx, clientID),
		Status:    StatusSuccess,
	}
	if err != nil {
		e.Status = StatusError
		e.ErrorMessage = err.Error()
	}
	a.LogAsync(e)
}

// RecordAccess audits a connection attempt.
func (a *AuditLogger) RecordAccess(ctx context.Context, remoteAddr, target string, allowed bool, reason string) {
	e := &AuditEntry{
		Category:  CategoryAccess,
		Operation: "connect",
		Actor:     remoteAddr,
		Target:    target,
		Status:    StatusSuccess,
	}
	if !allowed {
		e.Status = StatusDenied
		e.ErrorMessage = reason
	}
	a.LogAsync(e)
}

// RecordPlugin audits a plugin state change.
func (a *AuditLogger) RecordPlugin(ctx context.Context, name, op string, err error) {
	e := &AuditEntry{
		Category:  CategoryPlugin,
		Operation: op,
		Actor:     kit.Actor(ctx),
		Target:    name,
		Status:    StatusSuccess,
	}
	if err != nil {
		e.Status = StatusError
		e.ErrorMessage = err.Error()
	}
	a.LogAsync(e)
}

// Query returns entries matching f, newest first unless OrderDir is ASC.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	q := `SELECT entry_id, timestamp, category, operation, actor, session_id,
		target, details, error_message, duration_ms, status
		FROM audit_log WHERE 1=1`
	var args []any

	if f.Since != nil {
		q += " AND timestamp >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	if f.Until != nil {
		q += " AND timestamp <= ?"
		args = append(args, f.Until.UnixMilli())
	}
	if f.Category != "" {
		q += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Operation != "" {
		q += " AND operation = ?"
		args = append(args, f.Operation)
	}
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, f.Status)
	}

	dir := "DESC"
	if f.OrderDir != "" {
		switch strings.ToUpper(f.OrderDir) {
		case "ASC", "DESC":
			dir = strings.ToUpper(f.OrderDir)
		default:
			return nil, fmt.Errorf("observability: invalid order_dir: %q", f.OrderDir)
		}
	}
	q += " ORDER BY timestamp " + dir + ", entry_id " + dir

	limit := 100
	if f.Limit > 0 {
		limit = f.Limit
	}
	q += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e                      AuditEntry
			ts                     int64
			actor, session, target sql.NullString
			errMsg                 sql.NullString
			duration               sql.NullInt64
		)
		if err := rows.Scan(&e.EntryID, &ts, &e.Category, &e.Operation,
			&actor, &session, &target, &e.Details, &errMsg, &duration, &e.Status); err != nil {
			return nil, fmt.Errorf("observability: scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Actor = actor.String
		e.SessionID = session.String
		e.Target = target.String
		e.ErrorMessage = errMsg.String
		e.DurationMs = duration.Int64
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Cleanup deletes entries older than retention.
func (a *AuditLogger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := a.now().Add(-retention).UnixMilli()
	res, err := dbopen.Exec(ctx, a.db, "DELETE FROM audit_log WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (a *AuditLogger) Close() error {
	close(a.stop)
	<-a.done
	return nil
}

func (a *AuditLogger) fillDefaults(e *AuditEntry) {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.now()
	}
	if e.Details == "" {
		e.Details = "{}"
	}
	if e.Status == "" {
		if e.ErrorMessage != "" {
			e.Status = StatusError
		} else {
			e.Status = StatusSuccess
		}
	}
}

const insertAudit = `INSERT INTO audit_log
	(entry_id, timestamp, category, operation, actor, session_id,
	 target, details, error_message, duration_ms, status)
	VALUES (?,?,?,?,?,?,?,?,?,?,?)`

func auditArgs(e *AuditEntry) []any {
	return []any{
		e.EntryID, e.Timestamp.UnixMilli(), e.Category, e.Operation, e.Actor, e.SessionID,
		e.Target, e.Details, e.ErrorMessage, e.DurationMs, e.Status,
	}
}

func (a *AuditLogger) insert(ctx context.Context, e *AuditEntry) error {
	_, err := dbopen.Exec(ctx, a.db, insertAudit, auditArgs(e)...)
	return err
}

func (a *AuditLogger) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.flush)
	defer ticker.Stop()
	batch := make([]*AuditEntry, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := dbopen.RunTx(ctx, a.db, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, insertAudit)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for _, e := range batch {
				if _, err := stmt.ExecContext(ctx, auditArgs(e)...); err != nil {
					return fmt.Errorf("insert %s: %w", e.EntryID, err)
				}
			}
			return nil
		})
		if err != nil {
			a.logger.Error("audit: flush failed", "error", err, "entries", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			for {
				select {
				case e := <-a.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-a.ch:
			batch = append(batch, e)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func actor(ctx context.Context, clientID string) string {
	if clientID != "" {
		return clientID
	}
	return kit.Actor(ctx)
}

func ackStatus(s string) string {
	switch s {
	case protocol.StatusOK:
		return StatusSuccess
	case protocol.StatusIgnored:
		return StatusIgnored
	default:
		return StatusError
	}
}

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
