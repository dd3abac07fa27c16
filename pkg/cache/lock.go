package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/opscart/nfit/pkg/models"
)

// LockPollInterval is how often a blocked builder retries the lock
var LockPollInterval = 100 * time.Millisecond

// Lock is an exclusive advisory lock on a cache directory
type Lock struct {
	f    *os.File
	path string
}

// AcquireLock takes an exclusive flock on path, waiting at most timeout.
// A lock still held by another builder when the timeout expires yields a
// *models.LockTimeoutError.
func AcquireLock(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	start := time.Now()
	err = wait.PollUntilContextTimeout(ctx, LockPollInterval, timeout, true, func(context.Context) (bool, error) {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
			return false, nil
		}
		return false, err
	})
	if err != nil {
		f.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if wait.Interrupted(err) {
			return nil, &models.LockTimeoutError{Path: path, Waited: time.Since(start)}
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	// Holder pid is informational only
	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{f: f, path: path}, nil
}

// Path of the lock file
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. The lock file is left in place so that a waiter
// never locks an unlinked inode.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	uerr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	return errors.Join(uerr, cerr)
}
