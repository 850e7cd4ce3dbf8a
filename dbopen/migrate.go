package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const migrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    component  TEXT PRIMARY KEY,
    version    INTEGER NOT NULL,
    applied_at INTEGER NOT NULL
);
`

// Migrate brings component's tables up to len(steps). steps[i] takes the
// schema from version i to i+1; only steps past the recorded version run, each
// in its own transaction together with the version bump. Components sharing
// one database (profiles, tokens, rate rules, plugin states, audit) keep
// independent version counters.
//
// Steps should still be idempotent DDL: a database created before
// schema_migrations existed starts at version 0 and replays step 0.
func Migrate(ctx context.Context, db *sql.DB, component string, steps ...string) error {
	if _, err := Exec(ctx, db, migrationsTable); err != nil {
		return fmt.Errorf("dbopen: migrations table: %w", err)
	}
	current, err := SchemaVersion(ctx, db, component)
	if err != nil {
		return err
	}
	if current > len(steps) {
		return fmt.Errorf("dbopen: %s schema is at version %d, this build knows %d", component, current, len(steps))
	}
	for v := current; v < len(steps); v++ {
		err := RunTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, steps[v]); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (component, version, applied_at) VALUES (?, ?, ?)
				 ON CONFLICT(component) DO UPDATE SET version = excluded.version, applied_at = excluded.applied_at`,
				component, v+1, time.Now().UnixMilli())
			return err
		})
		if err != nil {
			return fmt.Errorf("dbopen: migrate %s to v%d: %w", component, v+1, err)
		}
	}
	return nil
}

// SchemaVersion returns the recorded version of component, 0 when none.
func SchemaVersion(ctx context.Context, db *sql.DB, component string) (int, error) {
	var v int
	err := db.QueryRowContext(ctx,
		`SELECT version FROM schema_migrations WHERE component = ?`, component).Scan(&v)
	switch {
	case err == sql.ErrNoRows:
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("dbopen: schema version %s: %w", component, err)
	}
	return v, nil
}
