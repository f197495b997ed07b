// Package daemon starts session servers in the background and waits for
// them to become reachable.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/resident/internal/consts"
	"github.com/codefionn/resident/internal/logger"
	"github.com/codefionn/resident/internal/registry"
)

// pollInterval backs up the watcher for events it coalesces or misses.
const pollInterval = 100 * time.Millisecond

// ErrExited is returned when the spawned server exits before publishing
// its entry.
var ErrExited = errors.New("session server exited during startup")

// SpawnOptions describe the server to start.
type SpawnOptions struct {
	// RuntimeDir is the registry directory the server publishes into.
	RuntimeDir string
	Key        string
	// Name is the explicit session name; empty for directory sessions.
	Name        string
	WorkDir     string
	IdleTimeout time.Duration
	ConfigPath  string
	Files       []string
	// Executable defaults to the running binary.
	Executable string
	// Timeout bounds the wait for the entry; zero means ten seconds.
	Timeout time.Duration
}

// Args are the command line arguments of the spawned server.
func (o SpawnOptions) Args() []string {
	args := []string{"--server", "--workdir", o.WorkDir, "--idle-timeout", o.IdleTimeout.String()}
	if o.Name != "" {
		args = append(args, "--session-name", o.Name)
	}
	if o.ConfigPath != "" {
		args = append(args, "--config", o.ConfigPath)
	}
	for _, f := range o.Files {
		args = append(args, "--open", f)
	}
	return args
}

// Spawn starts a detached server for the session and returns its registry
// entry once it is reachable.
func Spawn(ctx context.Context, opts SpawnOptions) (registry.Entry, error) {
	exe := opts.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return registry.Entry{}, fmt.Errorf("failed to locate executable: %w", err)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = consts.Timeout10Seconds
	}

	cmd := exec.Command(exe, opts.Args()...)
	cmd.Dir = opts.WorkDir
	// nil stdio is /dev/null; the server logs to its log file.
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return registry.Entry{}, fmt.Errorf("failed to start session server: %w", err)
	}
	logger.Global().WithPrefix("daemon").Info("spawned server for %s (pid %d)", opts.Key, cmd.Process.Pid)

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	entry, err := wait(waitCtx, registry.New(opts.RuntimeDir), opts.Key, exited)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = cmd.Process.Kill()
			return registry.Entry{}, fmt.Errorf("session server did not come up within %s", opts.Timeout)
		}
		return registry.Entry{}, err
	}
	return entry, nil
}

// WaitForEntry blocks until a live server has published key, or ctx ends.
func WaitForEntry(ctx context.Context, reg *registry.Registry, key string) (registry.Entry, error) {
	return wait(ctx, reg, key, nil)
}

func wait(ctx context.Context, reg *registry.Registry, key string, exited <-chan error) (registry.Entry, error) {
	if err := os.MkdirAll(reg.Dir(), 0o700); err != nil {
		return registry.Entry{}, fmt.Errorf("failed to create runtime directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Global().Warn("failed to create registry watcher, polling: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(reg.Dir()); err != nil {
			logger.Global().Warn("failed to watch %s, polling: %v", reg.Dir(), err)
		}
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		events, errs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	entryName := filepath.Base(reg.EntryPath(key))

	for {
		if entry, err := reg.Resolve(key); err == nil {
			return entry, nil
		}

		select {
		case <-ctx.Done():
			return registry.Entry{}, ctx.Err()
		case err := <-exited:
			// a server that lost the race for the key exits right away
			if entry, rerr := reg.Resolve(key); rerr == nil {
				return entry, nil
			}
			if err != nil {
				return registry.Entry{}, fmt.Errorf("%w: %v", ErrExited, err)
			}
			return registry.Entry{}, ErrExited
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != entryName {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Global().Warn("registry watcher error: %v", err)
		case <-ticker.C:
		}
	}
}
