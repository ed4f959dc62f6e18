// Package workdir validates run working directories and serializes runs that
// share one.
package workdir

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 100 * time.Millisecond

var (
	// ErrLocked is returned when another run holds the directory's lock.
	ErrLocked = errors.New("working directory is in use by another run")

	// ErrInvalid is returned for a working directory that does not exist or
	// is not a directory.
	ErrInvalid = errors.New("invalid working directory")
)

// Validate checks that dir exists and is a directory, and returns its
// absolute path.
func Validate(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s does not exist", ErrInvalid, dir)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalid, dir)
	}
	return abs, nil
}

// Lock is an advisory, cross-process lock on one working directory.
type Lock struct {
	fl  *flock.Flock
	dir string
}

// Dir returns the locked directory.
func (l *Lock) Dir() string { return l.dir }

// Unlock releases the lock. It is safe to call more than once.
func (l *Lock) Unlock() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// TryLock takes the lock for dir without waiting.
func TryLock(dir string) (*Lock, error) {
	fl, err := newFlock(dir)
	if err != nil {
		return nil, err
	}
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return &Lock{fl: fl, dir: dir}, nil
}

// LockContext waits for the lock on dir until ctx is done.
func LockContext(ctx context.Context, dir string) (*Lock, error) {
	fl, err := newFlock(dir)
	if err != nil {
		return nil, err
	}
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}
	return &Lock{fl: fl, dir: dir}, nil
}

// newFlock places the lock file outside dir so the run's own tree stays
// untouched. Lock files are keyed by the directory's absolute path.
func newFlock(dir string) (*flock.Flock, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory %s: %w", dir, err)
	}
	lockDir := filepath.Join(os.TempDir(), "sessionctl-locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	return flock.New(filepath.Join(lockDir, hex.EncodeToString(sum[:12])+".lock")), nil
}
