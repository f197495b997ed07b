package daemon

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/resident/internal/registry"
	"github.com/codefionn/resident/internal/transport"
)

func runtimeDir(t *testing.T) string {
	t.Helper()
	// unix socket paths are short; t.TempDir can be too deep
	dir, err := os.MkdirTemp("", "rd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestArgs(t *testing.T) {
	opts := SpawnOptions{
		Key:         "work",
		Name:        "work",
		WorkDir:     "/srv/work",
		IdleTimeout: 30 * time.Minute,
		ConfigPath:  "/etc/resident.toml",
		Files:       []string{"a.txt", "b.txt"},
	}
	assert.Equal(t, []string{
		"--server", "--workdir", "/srv/work", "--idle-timeout", "30m0s",
		"--session-name", "work",
		"--config", "/etc/resident.toml",
		"--open", "a.txt", "--open", "b.txt",
	}, opts.Args())

	dirSession := SpawnOptions{Key: "srv_work", WorkDir: "/srv/work"}
	assert.NotContains(t, dirSession.Args(), "--session-name")
}

func TestWaitForEntrySeesLateServer(t *testing.T) {
	reg := registry.New(runtimeDir(t))

	go func() {
		time.Sleep(150 * time.Millisecond)
		claim, err := reg.Claim("late")
		if err != nil {
			return
		}
		l, err := transport.Listen(reg.Endpoint("late"))
		if err != nil {
			return
		}
		t.Cleanup(func() {
			l.Close()
			claim.Release()
		})
		ep := l.Endpoint()
		_ = claim.Publish(registry.Entry{WorkDir: "/tmp", ControlPath: ep.Control, DataPath: ep.Data})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry, err := WaitForEntry(ctx, reg, "late")
	require.NoError(t, err)
	assert.Equal(t, "late", entry.Key)
	assert.Equal(t, os.Getpid(), entry.PID)
}

func TestWaitForEntryTimesOut(t *testing.T) {
	reg := registry.New(runtimeDir(t))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := WaitForEntry(ctx, reg, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSpawnReportsEarlyExit(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no true binary")
	}

	_, err = Spawn(context.Background(), SpawnOptions{
		RuntimeDir: runtimeDir(t),
		Key:        "gone",
		WorkDir:    t.TempDir(),
		Executable: truePath,
		Timeout:    5 * time.Second,
	})
	assert.True(t, errors.Is(err, ErrExited), "got %v", err)
}

func TestSpawnMissingExecutable(t *testing.T) {
	_, err := Spawn(context.Background(), SpawnOptions{
		RuntimeDir: runtimeDir(t),
		Key:        "missing",
		WorkDir:    t.TempDir(),
		Executable: "/nonexistent/resident",
	})
	assert.Error(t, err)
}

func TestTerminate(t *testing.T) {
	sleepPath, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("no sleep binary")
	}
	cmd := exec.Command(sleepPath, "30")
	require.NoError(t, cmd.Start())
	go func() { _ = cmd.Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, Terminate(ctx, registry.Entry{Key: "sleepy", PID: cmd.Process.Pid}))
}

func TestWaitExitHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := WaitExit(ctx, os.Getpid())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
