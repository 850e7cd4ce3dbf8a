package watch

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE rules (scope TEXT PRIMARY KEY, updated_at INTEGER NOT NULL)`); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func touch(t *testing.T, db *sql.DB, scope string, at int64) {
	t.Helper()
	if _, err := db.Exec(`INSERT OR REPLACE INTO rules (scope, updated_at) VALUES (?, ?)`, scope, at); err != nil {
		t.Fatal(err)
	}
}

func TestPragmaDataVersion(t *testing.T) {
	db := testDB(t)
	v, err := PragmaDataVersion(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if v < 0 {
		t.Fatalf("expected non-negative version, got %d", v)
	}
}

func TestMaxColumnDetector(t *testing.T) {
	db := testDB(t)
	det := MaxColumnDetector("rules", "updated_at")

	v, err := det(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("expected 0 for empty table, got %d", v)
	}

	touch(t, db, "action", 100)
	if v, _ = det(context.Background(), db); v != 100 {
		t.Fatalf("expected 100, got %d", v)
	}
}

func TestMaxColumnDetector_IgnoresOtherTables(t *testing.T) {
	db := testDB(t)
	det := MaxColumnDetector("rules", "updated_at")
	touch(t, db, "action", 100)
	before, err := det(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := db.Exec(`CREATE TABLE audit (id INTEGER PRIMARY KEY, updated_at INTEGER)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO audit (updated_at) VALUES (999)`); err != nil {
		t.Fatal(err)
	}
	if after, _ := det(context.Background(), db); after != before {
		t.Fatalf("write to another table moved the detector: %d -> %d", before, after)
	}
}

func TestOnChange_FiresOncePerChange(t *testing.T) {
	db := testDB(t)
	var reloads atomic.Int32
	w := New(db, Options{
		Interval: 20 * time.Millisecond,
		Detector: MaxColumnDetector("rules", "updated_at"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		reloads.Add(1)
		return nil
	})
	time.Sleep(50 * time.Millisecond)

	touch(t, db, "action", 1)
	time.Sleep(100 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected 1 reload, got %d", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected still 1 reload without changes, got %d", got)
	}
	if w.Version() != 1 {
		t.Fatalf("version: got %d, want 1", w.Version())
	}
}

func TestOnChange_Debounce(t *testing.T) {
	db := testDB(t)
	var reloads atomic.Int32
	w := New(db, Options{
		Interval: 20 * time.Millisecond,
		Debounce: 120 * time.Millisecond,
		Detector: MaxColumnDetector("rules", "updated_at"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		reloads.Add(1)
		return nil
	})
	time.Sleep(50 * time.Millisecond)

	for i := int64(1); i <= 4; i++ {
		touch(t, db, "ip", i)
		time.Sleep(25 * time.Millisecond)
	}
	if got := reloads.Load(); got != 0 {
		t.Fatalf("expected 0 reloads inside the debounce window, got %d", got)
	}

	time.Sleep(300 * time.Millisecond)
	if got := reloads.Load(); got != 1 {
		t.Fatalf("expected exactly 1 debounced reload, got %d", got)
	}
}

func TestOnChange_FailedActionRetries(t *testing.T) {
	db := testDB(t)
	var calls atomic.Int32
	w := New(db, Options{
		Interval: 20 * time.Millisecond,
		Detector: MaxColumnDetector("rules", "updated_at"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	time.Sleep(50 * time.Millisecond)

	touch(t, db, "action", 7)
	time.Sleep(150 * time.Millisecond)

	if got := calls.Load(); got < 2 {
		t.Fatalf("expected the action to be retried, got %d calls", got)
	}
	if w.Version() != 7 {
		t.Fatalf("version: got %d, want 7", w.Version())
	}
	if s := w.Stats(); s.Errors < 1 || s.Reloads != 1 {
		t.Fatalf("stats: %+v", s)
	}
}
