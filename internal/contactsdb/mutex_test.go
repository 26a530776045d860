package contactsdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessMutex_LockThenUnlockAllowsReacquire(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "contacts.db")

	pm, err := newProcessMutex(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })

	ctx := context.Background()

	require.NoError(t, pm.Lock(ctx))
	require.NoError(t, pm.Unlock())
	require.NoError(t, pm.Lock(ctx))
	require.NoError(t, pm.Unlock())
}

func TestProcessMutex_TryLockFailsWhileHeldBySeparateHandle(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "contacts.db")

	holder, err := newProcessMutex(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })

	require.NoError(t, holder.Lock(context.Background()))

	contender, err := newProcessMutex(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = contender.Close() })

	ok, err := contender.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "a second handle on the same lock file must not acquire slot 0 while held")
}

func TestProcessMutex_LockRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "contacts.db")

	holder, err := newProcessMutex(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })
	require.NoError(t, holder.Lock(context.Background()))

	contender, err := newProcessMutex(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = contender.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 75*time.Millisecond)
	defer cancel()

	err = contender.Lock(ctx)
	require.Error(t, err)

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, Locked, ce.Code)
}
