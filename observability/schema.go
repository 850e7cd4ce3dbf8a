package observability

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/controldeck/dbopen"
)

// Schema holds the observability tables. It lives in the server database;
// a deck produces few enough rows that a separate file buys nothing.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS audit_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    category TEXT NOT NULL,
    operation TEXT NOT NULL,
    actor TEXT,
    session_id TEXT,
    target TEXT,
    details TEXT NOT NULL DEFAULT '{}',
    error_message TEXT,
    duration_ms INTEGER,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_log(category, operation);
CREATE INDEX IF NOT EXISTS idx_audit_status ON audit_log(status);
`

// Init applies Schema.
func Init(db *sql.DB) error {
	return dbopen.Migrate(context.Background(), db, "observability", Schema)
}
