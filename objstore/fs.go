package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/florinutz/icetable/metrics"
)

const (
	lockSuffix       = ".lock"
	breakSuffix      = ".break" + lockSuffix
	tmpMarker        = ".tmp-"
	defaultLockWait  = 10 * time.Second
	defaultStaleLock = 30 * time.Second
	lockPollInterval = 5 * time.Millisecond
)

// FS is a Store on an afero filesystem. Writes go to a temporary file that is
// renamed into place, so readers never see partial objects. ConditionalPut
// takes an exclusive lock file next to the key; the lock is created with
// O_EXCL so it also serializes writers in other processes sharing the
// directory.
type FS struct {
	fs        afero.Fs
	root      string
	lockWait  time.Duration
	staleLock time.Duration
	// mu serializes conditional puts within this process; afero's in-memory
	// filesystem does not make O_EXCL atomic on its own.
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFS returns a store rooted at root on fsys. A nil fsys means the OS filesystem.
func NewFS(fsys afero.Fs, root string, logger *slog.Logger) *FS {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FS{
		fs:        fsys,
		root:      filepath.Clean(root),
		lockWait:  defaultLockWait,
		staleLock: defaultStaleLock,
		logger:    logger.With("store", "fs"),
	}
}

func (s *FS) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FS) URI(key string) string {
	return "file://" + filepath.ToSlash(s.path(key))
}

func (s *FS) Put(_ context.Context, key string, data []byte) error {
	err := s.write(key, data)
	observe("fs", "put", err, len(data), "out")
	return err
}

func (s *FS) write(key string, data []byte) error {
	p := s.path(key)
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}
	tmp := p + tmpMarker + uuid.NewString()
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

func (s *FS) Get(_ context.Context, key string) (*Object, error) {
	data, err := afero.ReadFile(s.fs, s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			observe("fs", "get", ErrNotFound, 0, "in")
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		observe("fs", "get", err, 0, "in")
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	observe("fs", "get", nil, len(data), "in")
	return &Object{Key: key, Data: data, Version: contentVersion(data)}, nil
}

func contentVersion(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *FS) ConditionalPut(ctx context.Context, key, expectedVersion string, data []byte) (string, error) {
	version, err := s.conditionalPut(ctx, key, expectedVersion, data)
	observe("fs", "conditional_put", err, len(data), "out")
	return version, err
}

func (s *FS) conditionalPut(ctx context.Context, key, expectedVersion string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx, key)
	if err != nil {
		return "", err
	}
	defer unlock()

	current, err := afero.ReadFile(s.fs, s.path(key))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if expectedVersion != "" {
			return "", fmt.Errorf("%s: expected version %s, object is absent: %w", key, expectedVersion, ErrVersionMismatch)
		}
	case err != nil:
		return "", fmt.Errorf("read %s: %w", key, err)
	default:
		if expectedVersion == "" {
			return "", fmt.Errorf("%s: object already exists: %w", key, ErrVersionMismatch)
		}
		if v := contentVersion(current); v != expectedVersion {
			return "", fmt.Errorf("%s: expected version %s, found %s: %w", key, expectedVersion, v, ErrVersionMismatch)
		}
	}

	if err := s.write(key, data); err != nil {
		return "", err
	}
	return contentVersion(data), nil
}

// lock creates key's lock file exclusively, polling until it is free. A lock
// older than staleLock is assumed abandoned by a crashed writer and broken
// with breakStaleLock.
func (s *FS) lock(ctx context.Context, key string) (func(), error) {
	p := s.path(key) + lockSuffix
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", key, err)
	}
	deadline := time.Now().Add(s.lockWait)
	for {
		f, err := s.fs.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return func() { _ = s.fs.Remove(p) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if fi, statErr := s.fs.Stat(p); statErr == nil && time.Since(fi.ModTime()) > s.staleLock {
			if s.breakStaleLock(key, p) {
				continue
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: timed out after %s", key, s.lockWait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// breakStaleLock removes the lock file p if it is still stale while holding
// key's break lock. Only one writer breaks a lock at a time, and the stat is
// repeated under the break lock because another writer may have removed the
// stale lock and taken a fresh one in between. A break lock itself older than
// staleLock belongs to a crashed breaker and is removed.
func (s *FS) breakStaleLock(key, p string) bool {
	b := s.path(key) + breakSuffix
	f, err := s.fs.OpenFile(b, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if fi, statErr := s.fs.Stat(b); statErr == nil && time.Since(fi.ModTime()) > s.staleLock {
			s.logger.Warn("removing stale break lock", "key", key, "age", time.Since(fi.ModTime()))
			_ = s.fs.Remove(b)
		}
		return false
	}
	_ = f.Close()
	defer func() { _ = s.fs.Remove(b) }()

	fi, err := s.fs.Stat(p)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	if age := time.Since(fi.ModTime()); age > s.staleLock {
		s.logger.Warn("removing stale lock", "key", key, "age", age)
		return s.fs.Remove(p) == nil
	}
	return false
}

func (s *FS) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if _, err := s.fs.Stat(s.root); errors.Is(err, fs.ErrNotExist) {
			return
		}
		stop := errors.New("stop")
		err := afero.Walk(s.fs, s.root, func(p string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if strings.HasSuffix(key, lockSuffix) || strings.Contains(path.Base(key), tmpMarker) {
				return nil
			}
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			if !yield(key, nil) {
				return stop
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) {
			yield("", fmt.Errorf("list %s: %w", prefix, err))
		}
	}
}

func (s *FS) Delete(_ context.Context, key string) error {
	err := s.fs.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	observe("fs", "delete", err, 0, "")
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func observe(store, op string, err error, n int, direction string) {
	outcome := metrics.Outcome(err)
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, ErrVersionMismatch):
		outcome = "mismatch"
	}
	metrics.ObjectStoreOperations.WithLabelValues(store, op, outcome).Inc()
	if err == nil && n > 0 && direction != "" {
		metrics.ObjectStoreBytes.WithLabelValues(store, direction).Add(float64(n))
	}
}
