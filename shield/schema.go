package shield

import (
	"context"
	"database/sql"

	"github.com/hazyhaar/controldeck/dbopen"
)

// Schema holds the rate_limits table. Rows override the Limiter's configured
// rules; updated_at lets a watch.MaxColumnDetector notice edits.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    scope        TEXT PRIMARY KEY,
    max_requests INTEGER NOT NULL DEFAULT 60,
    window_ms    INTEGER NOT NULL DEFAULT 60000,
    enabled      INTEGER NOT NULL DEFAULT 1,
    updated_at   INTEGER NOT NULL DEFAULT 0
);
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	return dbopen.Migrate(context.Background(), db, "shield", Schema)
}
