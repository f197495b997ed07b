package daemon

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codefionn/resident/internal/lockfile"
	"github.com/codefionn/resident/internal/registry"
)

var errStillRunning = errors.New("still running")

// Terminate sends SIGTERM to the server of entry, which checkpoints and
// exits, and waits for the process to go away. It is the way to stop a
// server that does not speak the client's protocol.
func Terminate(ctx context.Context, entry registry.Entry) error {
	if err := syscall.Kill(entry.PID, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to signal pid %d: %w", entry.PID, err)
	}
	return WaitExit(ctx, entry.PID)
}

// WaitExit blocks until pid is gone or ctx ends.
func WaitExit(ctx context.Context, pid int) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if lockfile.ProcessAlive(pid) {
			return errStillRunning
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("pid %d did not exit: %w", pid, err)
	}
	return nil
}
