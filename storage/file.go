package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	fileLockTimeout       = 5 * time.Second
	fileLockRetryInterval = 50 * time.Millisecond
)

// FileStorage persists values as a JSON object in a single file. Access is
// serialized across processes with a lock file next to it, so it survives
// process restarts and can be shared by several processes on one machine.
type FileStorage struct {
	// Path to the JSON file. Required. The parent directory is created on
	// first write.
	Path string
}

var _ Storage = (*FileStorage)(nil)

func (f *FileStorage) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	err := f.locked(ctx, false, func(m map[string]string) (bool, error) {
		v, ok = m[key]
		return false, nil
	})
	if err != nil {
		return "", false, err
	}
	return v, ok, nil
}

func (f *FileStorage) Set(ctx context.Context, key, value string) error {
	return f.locked(ctx, true, func(m map[string]string) (bool, error) {
		m[key] = value
		return true, nil
	})
}

func (f *FileStorage) Remove(ctx context.Context, key string) error {
	return f.locked(ctx, true, func(m map[string]string) (bool, error) {
		if _, ok := m[key]; !ok {
			return false, nil
		}
		delete(m, key)
		return true, nil
	})
}

// locked loads the file under the lock and calls fn with its contents. If fn
// reports a change, the contents are written back before the lock is released.
func (f *FileStorage) locked(ctx context.Context, write bool, fn func(map[string]string) (bool, error)) error {
	if f.Path == "" {
		return fmt.Errorf("file storage: path not set")
	}

	if write {
		if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
			return fmt.Errorf("creating storage directory: %w", err)
		}
	}

	fileLock := flock.New(f.Path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, fileLockTimeout)
	defer cancel()

	var (
		locked bool
		err    error
	)
	if write {
		locked, err = fileLock.TryLockContext(lockCtx, fileLockRetryInterval)
	} else {
		locked, err = fileLock.TryRLockContext(lockCtx, fileLockRetryInterval)
	}
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire lock: timeout after %v", fileLockTimeout)
	}
	defer func() { _ = fileLock.Unlock() }()

	m, err := f.load()
	if err != nil {
		return err
	}

	changed, err := fn(m)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	return f.save(m)
}

func (f *FileStorage) load() (map[string]string, error) {
	m := make(map[string]string)

	b, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.Path, err)
	}
	if len(b) == 0 {
		return m, nil
	}

	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", f.Path, err)
	}
	return m, nil
}

func (f *FileStorage) save(m map[string]string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding storage: %w", err)
	}

	// write to a temp file and rename, so readers never see a partial file.
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("replacing %s: %w", f.Path, err)
	}
	return nil
}
