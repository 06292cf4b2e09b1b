package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"pricelane/pkg/canonhash"
	"pricelane/pkg/logger"

	"golang.org/x/exp/slog"
)

const fileExt = ".json"

// File stores one canonical JSON file per document under a base directory.
// Writes go to a temp file in the same directory which is then renamed over
// the target, so a crash mid-write leaves the previous document intact.
type File struct {
	dir   string
	locks *KeyLock
	log   *slog.Logger
	now   func() time.Time

	// beforeRename runs after a temp file is fully written; tests use it to
	// simulate a crash between write and rename.
	beforeRename func(tmpPath string) error
}

func NewFile(dir string, log *slog.Logger) (*File, error) {
	const op = "store.NewFile"

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &File{dir: abs, locks: NewKeyLock(), log: log, now: time.Now}, nil
}

func (f *File) path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(f.dir, name+fileExt), nil
}

func (f *File) Load(ctx context.Context, name string, def json.RawMessage) (json.RawMessage, error) {
	const op = "store.File.Load"

	p, err := f.path(name)
	if err != nil {
		return nil, err
	}
	// no lock: rename makes every committed version visible all at once
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return def, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !json.Valid(b) {
		f.log.Error("stored document is corrupt", slog.String("op", op), slog.String("path", p))
		return nil, fmt.Errorf("%s: %w: %s", op, ErrCorrupt, name)
	}
	return b, nil
}

func (f *File) Save(ctx context.Context, name string, doc json.RawMessage) error {
	return f.SaveAll(ctx, map[string]json.RawMessage{name: doc})
}

type stagedFile struct {
	path  string
	tmp   string
	prior []byte
	had   bool
}

func (f *File) SaveAll(ctx context.Context, docs map[string]json.RawMessage) error {
	const op = "store.File.SaveAll"

	paths := make([]string, 0, len(docs))
	rendered := make(map[string][]byte, len(docs))
	for name, doc := range docs {
		p, err := f.path(name)
		if err != nil {
			return err
		}
		c, err := canonhash.Canonical(doc)
		if err != nil {
			return fmt.Errorf("%s: %w: %s", op, ErrInvalidDocument, name)
		}
		paths = append(paths, p)
		rendered[p] = c
	}
	sort.Strings(paths)

	unlock, err := f.locks.Lock(ctx, paths...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	staged := make([]stagedFile, 0, len(paths))
	cleanup := func() {
		for _, s := range staged {
			_ = os.Remove(s.tmp)
		}
	}
	for _, p := range paths {
		tmp, err := f.writeTemp(p, rendered[p])
		if err != nil {
			cleanup()
			return fmt.Errorf("%s: %w", op, err)
		}
		s := stagedFile{path: p, tmp: tmp}
		if prior, err := os.ReadFile(p); err == nil {
			s.prior, s.had = prior, true
		} else if !errors.Is(err, fs.ErrNotExist) {
			staged = append(staged, s)
			cleanup()
			return fmt.Errorf("%s: %w", op, err)
		}
		staged = append(staged, s)
	}

	for i, s := range staged {
		err := f.rename(s.tmp, s.path)
		if err == nil {
			continue
		}
		for _, rest := range staged[i:] {
			_ = os.Remove(rest.tmp)
		}
		f.restore(staged[:i])
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (f *File) rename(tmp, target string) error {
	if f.beforeRename != nil {
		if err := f.beforeRename(tmp); err != nil {
			return err
		}
	}
	return os.Rename(tmp, target)
}

// restore puts back documents that were already renamed when a later rename
// in the same SaveAll failed.
func (f *File) restore(done []stagedFile) {
	for _, s := range done {
		if !s.had {
			if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				f.log.Error("rollback remove failed", slog.String("path", s.path), logger.Err(err))
			}
			continue
		}
		tmp, err := f.writeTemp(s.path, s.prior)
		if err == nil {
			err = os.Rename(tmp, s.path)
		}
		if err != nil {
			_ = os.Remove(tmp)
			f.log.Error("rollback restore failed", slog.String("path", s.path), logger.Err(err))
		}
	}
}

func (f *File) writeTemp(target string, b []byte) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(target), fileExt)
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+stem+"_*"+fileExt+".tmp")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func (f *File) Exists(ctx context.Context, name string) (bool, error) {
	p, err := f.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (f *File) Delete(ctx context.Context, name string) (bool, error) {
	const op = "store.File.Delete"

	p, err := f.path(name)
	if err != nil {
		return false, err
	}
	unlock, err := f.locks.Lock(ctx, p)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	f.log.Info("document deleted", slog.String("name", name))
	return true, nil
}

func (f *File) Backup(ctx context.Context, name string) (string, error) {
	const op = "store.File.Backup"

	p, err := f.path(name)
	if err != nil {
		return "", err
	}
	unlock, err := f.locks.Lock(ctx, p)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	dst := backupName(name, f.now().UTC().Format(backupLayout))
	target := filepath.Join(f.dir, dst+fileExt)
	tmp, err := f.writeTemp(target, b)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	f.log.Info("backup created", slog.String("name", name), slog.String("backup", dst))
	return dst, nil
}

func (f *File) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || strings.HasPrefix(n, ".") || !strings.HasSuffix(n, fileExt) {
			continue
		}
		out = append(out, strings.TrimSuffix(n, fileExt))
	}
	sort.Strings(out)
	return out, nil
}

func (f *File) Info() Info {
	return Info{Mode: ModeFile, Location: f.dir}
}
