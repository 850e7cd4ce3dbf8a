package executor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/controldeck/dbopen"
)

// Schema stores the enabled flag of each plugin. The updated_at column lets
// a watch.MaxColumnDetector pick up edits made by another process.
const Schema = `
CREATE TABLE IF NOT EXISTS plugins (
    name       TEXT PRIMARY KEY,
    enabled    INTEGER NOT NULL DEFAULT 1,
    updated_at INTEGER NOT NULL DEFAULT 0
);
`

// Init creates the plugins table if it doesn't exist.
func Init(db *sql.DB) error {
	return dbopen.Migrate(context.Background(), db, "executor", Schema)
}

func saveState(ctx context.Context, db *sql.DB, name string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := dbopen.Exec(ctx, db,
		`INSERT INTO plugins (name, enabled, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
		name, v, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("executor: save plugin state %s: %w", name, err)
	}
	return nil
}

func loadStates(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, enabled FROM plugins`)
	if err != nil {
		return nil, fmt.Errorf("executor: query plugins: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			name    string
			enabled int
		)
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, fmt.Errorf("executor: scan plugin: %w", err)
		}
		out[name] = enabled == 1
	}
	return out, rows.Err()
}
