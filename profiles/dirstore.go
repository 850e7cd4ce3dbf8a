package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DirStore keeps one <id>.json file per profile. Writes go to a temp file in
// the same directory and are renamed over the target, so readers never see a
// partial document.
type DirStore struct {
	dir    string
	logger *slog.Logger
}

// NewDirStore creates dir if needed.
func NewDirStore(dir string, logger *slog.Logger) (*DirStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("profiles: mkdir %s: %w", dir, err)
	}
	return &DirStore{dir: dir, logger: logger}, nil
}

func (s *DirStore) path(id string) (string, error) {
	if !ValidID(id) {
		return "", &ErrInvalidProfile{Field: "id", Reason: "not usable as a file name"}
	}
	return filepath.Join(s.dir, id+".json"), nil
}

func (s *DirStore) Read(ctx context.Context, id string) (*Profile, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, &ErrProfileNotFound{ID: id}
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &ErrProfileNotFound{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("profiles: read %s: %w", id, err)
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("profiles: decode %s: %w", id, err)
	}
	return &p, nil
}

func (s *DirStore) Write(ctx context.Context, p *Profile) error {
	path, err := s.path(p.ID)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("profiles: encode %s: %w", p.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+p.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("profiles: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("profiles: write %s: %w", p.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("profiles: sync %s: %w", p.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("profiles: close %s: %w", p.ID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("profiles: rename %s: %w", p.ID, err)
	}
	return nil
}

func (s *DirStore) List(ctx context.Context) ([]*Profile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("profiles: list: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*Profile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isProfileFile(name) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("profiles: unreadable file skipped", "file", name, "error", err)
			continue
		}
		var p Profile
		if err := json.Unmarshal(b, &p); err != nil {
			s.logger.Warn("profiles: unreadable file skipped", "file", name, "error", err)
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

func (s *DirStore) Delete(ctx context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return &ErrProfileNotFound{ID: id}
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &ErrProfileNotFound{ID: id}
		}
		return fmt.Errorf("profiles: delete %s: %w", id, err)
	}
	return nil
}

// Watch reports edits to *.json files in the directory, debounced by 200ms so
// an editor's burst of writes triggers one callback.
func (s *DirStore) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("profiles: fsnotify: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("profiles: watch %s: %w", s.dir, err)
	}

	const debounce = 200 * time.Millisecond
	var (
		timer  *time.Timer
		fireCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isProfileFile(filepath.Base(ev.Name)) || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("profiles: file event", "file", ev.Name, "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			fireCh = timer.C

		case <-fireCh:
			fireCh = nil
			onChange()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("profiles: fsnotify error", "error", err)
		}
	}
}

func isProfileFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
