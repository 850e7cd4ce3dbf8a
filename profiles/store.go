package profiles

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/controldeck/dbopen"
	"github.com/hazyhaar/controldeck/watch"
)

// Store persists profiles keyed by id. Read returns *ErrProfileNotFound for
// unknown ids; Write replaces the whole profile atomically.
type Store interface {
	Read(ctx context.Context, id string) (*Profile, error)
	Write(ctx context.Context, p *Profile) error
	List(ctx context.Context) ([]*Profile, error)
	Delete(ctx context.Context, id string) error
}

// Notifier is implemented by stores that can report changes made outside
// this process. Watch blocks until ctx ends, calling onChange after each
// external change.
type Notifier interface {
	Watch(ctx context.Context, onChange func()) error
}

// Schema is the SQLite layout of SQLiteStore. body holds the full JSON
// document; the other columns serve listing and change detection.
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    version    INTEGER NOT NULL,
    checksum   TEXT NOT NULL DEFAULT '',
    body       TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_profiles_name ON profiles(name);
`

// SQLiteStore keeps profiles in the profiles table.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// NewSQLiteStore wraps db. The schema is created if missing.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := dbopen.Migrate(context.Background(), db, "profiles", Schema); err != nil {
		return nil, fmt.Errorf("profiles: init schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now, logger: logger}, nil
}

func (s *SQLiteStore) Read(ctx context.Context, id string) (*Profile, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM profiles WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrProfileNotFound{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("profiles: read %s: %w", id, err)
	}
	var p Profile
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("profiles: decode %s: %w", id, err)
	}
	return &p, nil
}

func (s *SQLiteStore) Write(ctx context.Context, p *Profile) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("profiles: encode %s: %w", p.ID, err)
	}
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO profiles (id, name, version, checksum, body, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, version = excluded.version,
			   checksum = excluded.checksum, body = excluded.body, updated_at = excluded.updated_at`,
			p.ID, p.Name, p.Version, p.Checksum, string(body), s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("profiles: write %s: %w", p.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM profiles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("profiles: list: %w", err)
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("profiles: scan: %w", err)
		}
		var p Profile
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			s.logger.Warn("profiles: unreadable row skipped", "id", id, "error", err)
			continue
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("profiles: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrProfileNotFound{ID: id}
	}
	return nil
}

// Watch polls PRAGMA data_version, which moves when another connection
// commits to the database file.
func (s *SQLiteStore) Watch(ctx context.Context, onChange func()) error {
	w := watch.New(s.db, watch.Options{
		Interval: time.Second,
		Debounce: 250 * time.Millisecond,
		Logger:   s.logger,
		Name:     "profiles",
	})
	w.OnChange(ctx, func() error {
		onChange()
		return nil
	})
	return ctx.Err()
}
