package ptymgr

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"github.com/creack/pty"
)

// Process is a running child attached to a pseudo terminal. Reads return
// the child's output; writes are its input.
type Process interface {
	io.ReadWriteCloser
	Pid() int
	Setsize(size Size) error
	Signal(sig os.Signal) error
	// Wait blocks until the child exits and returns its exit code.
	Wait() (int, error)
}

// Spawner starts processes. The local pty spawner is the default; tests
// and remote backends provide their own.
type Spawner interface {
	Start(spec Spec) (Process, error)
}

// LocalSpawner runs commands on this machine behind a creack/pty master.
type LocalSpawner struct{}

// Start launches spec.Command under a new pty of spec.Size.
func (LocalSpawner) Start(spec Spec) (Process, error) {
	if spec.Command == "" {
		return nil, errors.New("empty command")
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)

	ptmx, err := pty.StartWithSize(cmd, winsize(spec.Size))
	if err != nil {
		return nil, fmt.Errorf("pty start: %w", err)
	}
	return &localProcess{cmd: cmd, pty: ptmx}, nil
}

func winsize(size Size) *pty.Winsize {
	size = size.normalize()
	return &pty.Winsize{Cols: uint16(size.Cols), Rows: uint16(size.Rows)}
}

// mergeEnv overlays extra onto base. Keys are applied in sorted order so
// the resulting environment is deterministic.
func mergeEnv(base []string, extra map[string]string) []string {
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

type localProcess struct {
	cmd *exec.Cmd
	pty *os.File
}

func (p *localProcess) Read(b []byte) (int, error)  { return p.pty.Read(b) }
func (p *localProcess) Write(b []byte) (int, error) { return p.pty.Write(b) }
func (p *localProcess) Close() error                { return p.pty.Close() }
func (p *localProcess) Pid() int                    { return p.cmd.Process.Pid }

func (p *localProcess) Setsize(size Size) error {
	return pty.Setsize(p.pty, winsize(size))
}

func (p *localProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *localProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	default:
		return -1, err
	}
}
