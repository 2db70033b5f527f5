// Package lease guards file access with advisory file locks. The process
// lease serializes marcut instances against one registry; document leases
// grant exclusive access to one source file, held from intake until the
// document settles on a terminal path.
package lease

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"marcut/internal/services"
)

const leaseFileName = "marcut.lock"

// Manager acquires process leases under a fixed directory.
type Manager struct {
	dir string
}

// NewManager returns a manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Acquire takes the process lease without blocking. A held lease returns
// services.ErrInvalidInput so callers can report the conflict to the user.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrPermissionDenied, "lease", "acquire", "lease directory is not writable", err)
	}
	path := filepath.Join(m.dir, leaseFileName)
	lock := flock.New(path)

	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, services.Wrap(services.ErrInvalidInput, "lease", "acquire", "lease acquisition failed", err)
	}
	if !locked {
		return nil, services.Wrap(services.ErrInvalidInput, "lease", "acquire",
			fmt.Sprintf("another instance holds the lease at %s", path), nil)
	}
	return &Lease{lock: lock}, nil
}

// TryAcquire attempts the lease exactly once without waiting. held reports
// whether another process owns it.
func (m *Manager) TryAcquire() (lease *Lease, held bool, err error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, false, services.Wrap(services.ErrPermissionDenied, "lease", "acquire", "lease directory is not writable", err)
	}
	lock := flock.New(filepath.Join(m.dir, leaseFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, false, services.Wrap(services.ErrInvalidInput, "lease", "acquire", "lease acquisition failed", err)
	}
	if !locked {
		return nil, true, nil
	}
	return &Lease{lock: lock}, false, nil
}

// AcquireDocument takes the exclusive file-access lease for one document
// without waiting. A lease held elsewhere surfaces as
// services.ErrPermissionDenied, the same class as any other access denial.
func (m *Manager) AcquireDocument(id int64) (*Lease, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrPermissionDenied, "lease", "acquire", "lease directory is not writable", err)
	}
	lock := flock.New(filepath.Join(m.dir, documentLeaseName(id)))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrPermissionDenied, "lease", "acquire",
			fmt.Sprintf("document %d lease acquisition failed", id), err)
	}
	if !locked {
		return nil, services.Wrap(services.ErrPermissionDenied, "lease", "acquire",
			fmt.Sprintf("document %d lease is held by another owner", id), nil)
	}
	return &Lease{lock: lock}, nil
}

func documentLeaseName(id int64) string {
	return fmt.Sprintf("doc-%d.lock", id)
}

// Lease is a held process lease. Release is idempotent; the underlying lock
// is dropped exactly once no matter how many teardown paths run.
type Lease struct {
	lock    *flock.Flock
	release sync.Once
	err     error
}

// Path returns the lock file backing the lease.
func (l *Lease) Path() string { return l.lock.Path() }

// Release drops the lease. Safe to call from multiple teardown paths; only
// the first call unlocks.
func (l *Lease) Release() error {
	l.release.Do(func() {
		l.err = l.lock.Unlock()
	})
	return l.err
}
