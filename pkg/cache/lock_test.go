package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscart/nfit/pkg/models"
)

func TestAcquireLockTimesOut(t *testing.T) {
	LockPollInterval = 10 * time.Millisecond
	path := filepath.Join(t.TempDir(), ".lock")

	held, err := AcquireLock(context.Background(), path, time.Second)
	require.NoError(t, err)

	_, err = AcquireLock(context.Background(), path, 100*time.Millisecond)
	require.ErrorIs(t, err, models.ErrLockTimeout)

	var lockErr *models.LockTimeoutError
	require.ErrorAs(t, err, &lockErr)
	assert.Equal(t, path, lockErr.Path)

	require.NoError(t, held.Release())

	again, err := AcquireLock(context.Background(), path, time.Second)
	require.NoError(t, err)
	assert.NoError(t, again.Release())
	assert.NoError(t, again.Release())
}

func TestAcquireLockHonoursCancellation(t *testing.T) {
	LockPollInterval = 10 * time.Millisecond
	path := filepath.Join(t.TempDir(), ".lock")

	held, err := AcquireLock(context.Background(), path, time.Second)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = AcquireLock(ctx, path, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
