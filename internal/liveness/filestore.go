package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const fileLockRetry = 25 * time.Millisecond

// FileStore keeps all keys in one JSON document guarded by an advisory file
// lock, so separate actor processes can share it.
type FileStore struct {
	path string
	lock *flock.Flock

	mu     sync.Mutex
	closed bool
}

type fileDocument struct {
	Version int               `json:"version"`
	Entries map[string][]byte `json:"entries"`
}

func OpenFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("liveness: file store path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("liveness: create store dir: %w", err)
	}
	return &FileStore{
		path: abs,
		lock: flock.New(abs + ".lock"),
	}, nil
}

// Path returns the document path; watchers use it to observe writes.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	var (
		out []byte
		ok  bool
	)
	err = f.withLock(ctx, false, func() error {
		doc, err := f.read()
		if err != nil {
			return err
		}
		out, ok = doc.Entries[key]
		return nil
	})
	return out, ok, err
}

func (f *FileStore) Put(ctx context.Context, key string, value []byte) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	return f.withLock(ctx, true, func() error {
		doc, err := f.read()
		if err != nil {
			return err
		}
		v := make([]byte, len(value))
		copy(v, value)
		doc.Entries[key] = v
		return f.write(doc)
	})
}

func (f *FileStore) Delete(ctx context.Context, key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	return f.withLock(ctx, true, func() error {
		doc, err := f.read()
		if err != nil {
			return err
		}
		if _, ok := doc.Entries[key]; !ok {
			return nil
		}
		delete(doc.Entries, key)
		return f.write(doc)
	})
}

func (f *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := f.withLock(ctx, false, func() error {
		doc, err := f.read()
		if err != nil {
			return err
		}
		for k := range doc.Entries {
			if prefix == "" || strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.lock.Close()
}

func (f *FileStore) withLock(ctx context.Context, exclusive bool, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}

	var (
		locked bool
		err    error
	)
	if exclusive {
		locked, err = f.lock.TryLockContext(ctx, fileLockRetry)
	} else {
		locked, err = f.lock.TryRLockContext(ctx, fileLockRetry)
	}
	if err != nil {
		return fmt.Errorf("liveness: lock %s: %w", f.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("liveness: lock %s not acquired", f.lock.Path())
	}
	defer func() { _ = f.lock.Unlock() }()
	return fn()
}

func (f *FileStore) read() (fileDocument, error) {
	doc := fileDocument{Version: 1, Entries: make(map[string][]byte)}
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return doc, fmt.Errorf("liveness: read %s: %w", f.path, err)
	}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("liveness: parse %s: %w", f.path, err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string][]byte)
	}
	return doc, nil
}

// write replaces the document atomically via rename.
func (f *FileStore) write(doc fileDocument) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("liveness: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("liveness: replace %s: %w", f.path, err)
	}
	return nil
}
