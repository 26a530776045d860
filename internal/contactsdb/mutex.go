package contactsdb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// processMutexSlots is the size of the named-semaphore array the engine uses
// to serialise cross-process writes (spec §4.A). There is no portable named
// semaphore in Go's standard library or anywhere in this module's dependency
// set, so the three slots are modelled as three whole-file flock handles
// (github.com/gofrs/flock) on one lock file. Only slot 0 is ever locked; no
// connection count is kept.
const processMutexSlots = 3

const processMutexFilePermissions = 0o644

// ProcessMutex serialises writes to one contacts database across processes,
// standing in for the three-slot named semaphore array of spec §4.A. A
// single *ProcessMutex instance is shared by every writer goroutine within
// this process; acquiring slot 0 additionally guards against other processes
// on the same machine via the underlying flock.
type ProcessMutex struct {
	locks [processMutexSlots]*flock.Flock
	path  string
}

// newProcessMutex opens (creating if necessary) the lock file alongside the
// database at dbPath and prepares one flock handle per slot.
func newProcessMutex(dbPath string) (*ProcessMutex, error) {
	path := dbPath + "-writelock"

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("contactsdb: create write-lock directory: %w", err)
	}

	if f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, processMutexFilePermissions); err != nil {
		return nil, fmt.Errorf("contactsdb: create write-lock file: %w", err)
	} else {
		f.Close()
	}

	pm := &ProcessMutex{path: path}

	for i := range pm.locks {
		pm.locks[i] = flock.New(path)
	}

	return pm, nil
}

// Lock acquires slot 0, the single write-serialisation slot used by the
// Writer. It blocks until acquired or ctx is cancelled, and polls at the
// interval the original engine uses for its named semaphore wait loop.
func (pm *ProcessMutex) Lock(ctx context.Context) error {
	ok, err := pm.locks[0].TryLockContext(ctx, 25*time.Millisecond)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("contactsdb: acquire write lock: %w", err)
	}

	if !ok {
		return newErr("ProcessMutex.Lock", Locked, ctx.Err())
	}

	return nil
}

// Unlock releases slot 0.
func (pm *ProcessMutex) Unlock() error {
	if err := pm.locks[0].Unlock(); err != nil {
		return fmt.Errorf("contactsdb: release write lock: %w", err)
	}

	return nil
}

// TryLock attempts a non-blocking acquisition of slot 0. Open uses it as a
// best-effort probe around running migrations.
func (pm *ProcessMutex) TryLock() (bool, error) {
	ok, err := pm.locks[0].TryLock()
	if err != nil {
		return false, fmt.Errorf("contactsdb: try write lock: %w", err)
	}

	return ok, nil
}

// Close releases all slots and drops the in-process handles. It does not
// remove the lock file: other processes may still hold it open.
func (pm *ProcessMutex) Close() error {
	var firstErr error

	for _, l := range pm.locks {
		if l.Locked() {
			if err := l.Unlock(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	return firstErr
}
