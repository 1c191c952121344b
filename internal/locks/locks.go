package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	// DefaultRetryDelay is the polling interval while waiting for a held lock.
	DefaultRetryDelay = 100 * time.Millisecond
	lockFileName      = "login.lock"
	holderSuffix      = ".json"
)

var (
	// ErrConflict indicates another login session holds the run lock.
	ErrConflict = errors.New("login lock conflict")
)

// Holder describes the session that owns the run lock.
type Holder struct {
	SessionID  string    `json:"sessionId"`
	PID        int       `json:"pid"`
	Command    string    `json:"command,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// ConflictError reports the current holder when acquisition fails.
type ConflictError struct {
	Path   string
	Holder *Holder
}

func (e *ConflictError) Error() string {
	if e.Holder == nil || e.Holder.SessionID == "" {
		return fmt.Sprintf("%s: %s is held by another process", ErrConflict, e.Path)
	}
	return fmt.Sprintf(
		"%s: session %s (pid %d) has held %s since %s",
		ErrConflict,
		e.Holder.SessionID,
		e.Holder.PID,
		e.Path,
		e.Holder.AcquiredAt.Format(time.RFC3339),
	)
}

// Is lets errors.Is match ErrConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// RunLock is an advisory per-user lock that keeps two logins from driving
// gcloud at the same time.
type RunLock struct {
	lock   *flock.Flock
	holder Holder
}

// DefaultPath returns ~/.gcauth/login.lock.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".gcauth", lockFileName), nil
}

// Acquire takes the lock at path. With wait <= 0 it fails immediately when
// the lock is held; otherwise it retries until wait elapses or ctx ends.
func Acquire(ctx context.Context, path string, holder Holder, wait time.Duration) (*RunLock, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("lock path must not be empty")
	}
	if strings.TrimSpace(holder.SessionID) == "" {
		return nil, errors.New("session id must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lock := flock.New(path)
	locked, err := tryLock(ctx, lock, wait)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !locked {
		current, _ := ReadHolder(path)
		return nil, &ConflictError{Path: path, Holder: current}
	}

	if holder.PID == 0 {
		holder.PID = os.Getpid()
	}
	if holder.AcquiredAt.IsZero() {
		holder.AcquiredAt = time.Now().UTC()
	}
	if err := writeHolder(path, holder); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &RunLock{lock: lock, holder: holder}, nil
}

func tryLock(ctx context.Context, lock *flock.Flock, wait time.Duration) (bool, error) {
	if wait <= 0 {
		return lock.TryLock()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	locked, err := lock.TryLockContext(waitCtx, DefaultRetryDelay)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return false, nil
	}
	return locked, err
}

// Holder returns the metadata recorded for this lock.
func (l *RunLock) Holder() Holder {
	if l == nil {
		return Holder{}
	}
	return l.holder
}

// Path returns the lock file path.
func (l *RunLock) Path() string {
	if l == nil || l.lock == nil {
		return ""
	}
	return l.lock.Path()
}

// Release drops the lock and its holder record. Releasing twice is a no-op.
func (l *RunLock) Release() error {
	if l == nil || l.lock == nil || !l.lock.Locked() {
		return nil
	}
	if err := os.Remove(l.lock.Path() + holderSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = l.lock.Unlock()
		return fmt.Errorf("remove lock holder: %w", err)
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.lock.Path(), err)
	}
	return nil
}

// Inspect reports whether the lock at path is currently held and by whom.
// A holder record left behind by a crashed session does not count as held.
func Inspect(path string) (bool, *Holder, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("stat lock %s: %w", path, err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return false, nil, fmt.Errorf("probe lock %s: %w", path, err)
	}
	if locked {
		_ = lock.Unlock()
		return false, nil, nil
	}
	holder, err := ReadHolder(path)
	return true, holder, err
}

// ReadHolder returns the recorded holder of the lock at path, or nil when
// none is recorded.
func ReadHolder(path string) (*Holder, error) {
	// #nosec G304 -- path is derived from the lock location.
	raw, err := os.ReadFile(path + holderSuffix)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock holder: %w", err)
	}
	var holder Holder
	if err := json.Unmarshal(raw, &holder); err != nil {
		return nil, fmt.Errorf("parse lock holder: %w", err)
	}
	return &holder, nil
}

func writeHolder(path string, holder Holder) error {
	payload, err := json.Marshal(holder)
	if err != nil {
		return fmt.Errorf("marshal lock holder: %w", err)
	}
	if err := os.WriteFile(path+holderSuffix, payload, 0o600); err != nil {
		return fmt.Errorf("write lock holder: %w", err)
	}
	return nil
}
