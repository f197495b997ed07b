// Package ptymgr owns the long-lived child processes of a session. Each
// pane is a process behind a pseudo terminal whose output is drained
// continuously into a capped ring, with evicted history moved to a spill
// store. Panes outlive client connections; they go away only when closed.
package ptymgr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/codefionn/resident/internal/consts"
	"github.com/codefionn/resident/internal/logger"
	"github.com/google/uuid"
)

var (
	// ErrUnknownPane is returned for ids that were never opened or are closed.
	ErrUnknownPane = errors.New("unknown pane")
	// ErrShutdown is returned by Open after Shutdown.
	ErrShutdown = errors.New("pty manager is shut down")
)

// ID identifies a pane.
type ID string

// Size is a terminal size in cells.
type Size struct {
	Cols int
	Rows int
}

func (s Size) normalize() Size {
	if s.Cols <= 0 {
		s.Cols = consts.DefaultCols
	}
	if s.Rows <= 0 {
		s.Rows = consts.DefaultRows
	}
	return s
}

// Spec describes the process to open.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Size    Size
}

// Info is a point-in-time view of a pane.
type Info struct {
	ID        ID
	Command   string
	Args      []string
	Dir       string
	Pid       int
	Size      Size
	Alive     bool
	ExitCode  int
	CreatedAt time.Time
	ExitedAt  time.Time
	Buffered  int
	Spilled   bool
}

// EventKind distinguishes pane events.
type EventKind int

const (
	// EventOutput reports new output; Data holds the chunk.
	EventOutput EventKind = iota
	// EventExited reports that the child exited; ExitCode is set.
	EventExited
)

func (k EventKind) String() string {
	if k == EventExited {
		return "exited"
	}
	return "output"
}

// Event is delivered on Manager.Events.
type Event struct {
	Pane     ID
	Kind     EventKind
	Data     []byte
	ExitCode int
}

// Options configures a Manager.
type Options struct {
	// Spawner defaults to LocalSpawner.
	Spawner Spawner
	// Spill receives evicted scrollback. Nil discards it.
	Spill SpillStore
	// ScrollbackBytes is the per-pane ring size.
	ScrollbackBytes int
	// Now defaults to time.Now.
	Now func() time.Time
}

type pane struct {
	id        ID
	spec      Spec
	proc      Process
	pid       int
	createdAt time.Time
	closeOnce sync.Once

	mu       sync.Mutex
	size     Size
	ring     *Ring
	pending  []byte
	spilled  bool
	dropped  bool
	alive    bool
	exitCode int
	exitedAt time.Time
	closed   bool
}

func (p *pane) closeProc() {
	p.closeOnce.Do(func() { _ = p.proc.Close() })
}

// Manager is the pane arena. It is safe for concurrent use.
type Manager struct {
	spawner  Spawner
	spill    SpillStore
	ringSize int
	now      func() time.Time
	log      *logger.Logger

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.RWMutex
	panes    map[ID]*pane
	shutdown bool
	stopOnce sync.Once
}

// NewManager returns an empty manager.
func NewManager(opts Options) *Manager {
	if opts.Spawner == nil {
		opts.Spawner = LocalSpawner{}
	}
	if opts.ScrollbackBytes <= 0 {
		opts.ScrollbackBytes = consts.BufferSize1MB
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		spawner:  opts.Spawner,
		spill:    opts.Spill,
		ringSize: opts.ScrollbackBytes,
		now:      opts.Now,
		log:      logger.Global().WithPrefix("ptymgr"),
		events:   make(chan Event, consts.PaneEventBuffer),
		done:     make(chan struct{}),
		panes:    make(map[ID]*pane),
	}
}

// Events returns the channel of pane events. Output events are dropped
// when nobody keeps up; the bytes stay available through Scrollback. Exit
// events are always delivered until Shutdown.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Open starts spec and returns the new pane's id.
func (m *Manager) Open(spec Spec) (ID, error) {
	spec.Size = spec.Size.normalize()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return "", ErrShutdown
	}

	proc, err := m.spawner.Start(spec)
	if err != nil {
		return "", fmt.Errorf("failed to open pane: %w", err)
	}

	p := &pane{
		id:        ID(uuid.NewString()),
		spec:      spec,
		proc:      proc,
		pid:       proc.Pid(),
		createdAt: m.now(),
		size:      spec.Size,
		ring:      NewRing(m.ringSize),
		alive:     true,
	}
	m.panes[p.id] = p
	m.wg.Add(1)
	go m.pump(p)

	m.log.Debug("opened pane %s: %s (pid %d)", p.id, spec.Command, p.pid)
	return p.id, nil
}

func (m *Manager) get(id ID) (*pane, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.panes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPane, id)
	}
	return p, nil
}

// pump drains the child's output until it exits.
func (m *Manager) pump(p *pane) {
	defer m.wg.Done()

	buf := make([]byte, consts.BufferSize32KB)
	var held []byte
	for {
		n, err := p.proc.Read(buf)
		if n > 0 {
			chunk := append(held, buf[:n]...)
			held = nil
			// Keep a split UTF-8 sequence back until its remaining bytes
			// arrive.
			if tail := incompleteUTF8Tail(chunk); tail > 0 && err == nil {
				held = append([]byte(nil), chunk[len(chunk)-tail:]...)
				chunk = chunk[:len(chunk)-tail]
			}
			if len(chunk) > 0 {
				m.record(p, chunk)
			}
		}
		if err != nil {
			if len(held) > 0 {
				m.record(p, held)
			}
			break
		}
	}

	code, err := p.proc.Wait()
	if err != nil {
		m.log.Warn("wait for pane %s: %v", p.id, err)
	}
	m.exited(p, code)
}

func (m *Manager) record(p *pane, chunk []byte) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	evicted := p.ring.Write(chunk)
	if len(evicted) > 0 {
		if m.spill == nil {
			p.dropped = true
		} else {
			p.pending = append(p.pending, evicted...)
			if len(p.pending) >= consts.BufferSize32KB {
				m.flushLocked(p, p.pending)
				p.pending = nil
			}
		}
	}
	p.mu.Unlock()

	m.emit(Event{Pane: p.id, Kind: EventOutput, Data: chunk}, false)
}

// flushLocked appends data to the spill store. A failed write loses the
// chunk; the pane is marked so readers know history has a gap.
func (m *Manager) flushLocked(p *pane, data []byte) bool {
	if err := m.spill.Append(p.id, data); err != nil {
		m.log.Warn("spill for pane %s failed, dropping %d bytes: %v", p.id, len(data), err)
		p.dropped = true
		return false
	}
	p.spilled = true
	return true
}

func (m *Manager) exited(p *pane, code int) {
	p.mu.Lock()
	p.alive = false
	p.exitCode = code
	p.exitedAt = m.now()
	closed := p.closed
	if !closed && m.spill != nil {
		data := append(p.pending, p.ring.Bytes()...)
		if len(data) > 0 {
			if err := m.spill.Append(p.id, data); err != nil {
				m.log.Warn("drain of exited pane %s failed, keeping it in memory: %v", p.id, err)
			} else {
				p.spilled = true
				p.pending = nil
				p.ring.Drain()
			}
		}
	}
	p.mu.Unlock()

	m.log.Debug("pane %s exited with %d", p.id, code)
	if !closed {
		m.emit(Event{Pane: p.id, Kind: EventExited, ExitCode: code}, true)
	}
}

func (m *Manager) emit(ev Event, wait bool) {
	if !wait {
		select {
		case m.events <- ev:
		default:
		}
		return
	}
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Write sends input to the pane. Input for an exited pane is ignored.
func (m *Manager) Write(id ID, data []byte) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	alive := p.alive && !p.closed
	p.mu.Unlock()
	if !alive {
		return nil
	}
	if _, err := p.proc.Write(data); err != nil {
		p.mu.Lock()
		alive = p.alive
		p.mu.Unlock()
		if !alive {
			return nil
		}
		return fmt.Errorf("failed to write to pane %s: %w", id, err)
	}
	return nil
}

// Resize changes the pane's terminal size.
func (m *Manager) Resize(id ID, size Size) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	size = size.normalize()
	p.mu.Lock()
	p.size = size
	alive := p.alive
	p.mu.Unlock()
	if !alive {
		return nil
	}
	if err := p.proc.Setsize(size); err != nil {
		return fmt.Errorf("failed to resize pane %s: %w", id, err)
	}
	return nil
}

// Close terminates the pane if it is still running and forgets it along
// with its spilled history.
func (m *Manager) Close(id ID) error {
	m.mu.Lock()
	p, ok := m.panes[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPane, id)
	}
	delete(m.panes, id)
	m.mu.Unlock()

	p.mu.Lock()
	p.closed = true
	alive := p.alive
	p.pending = nil
	p.mu.Unlock()

	if alive {
		if err := p.proc.Signal(syscall.SIGHUP); err != nil {
			m.log.Debug("hangup pane %s: %v", id, err)
		}
	}
	p.closeProc()

	if m.spill != nil {
		if err := m.spill.Drop(id); err != nil {
			m.log.Warn("drop spill of pane %s: %v", id, err)
		}
	}
	m.log.Debug("closed pane %s", id)
	return nil
}

// Scrollback returns the pane's full retained output: spilled history,
// pending evictions and the ring, in order.
func (m *Manager) Scrollback(id ID) ([]byte, error) {
	p, err := m.get(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var out []byte
	if p.spilled {
		out, err = m.spill.Load(id)
		if err != nil {
			return nil, err
		}
	}
	out = append(out, p.pending...)
	out = append(out, p.ring.Bytes()...)
	if p.dropped {
		out = skipLeadingContinuationBytes(out)
	}
	return out, nil
}

// Tail returns at most n of the most recent bytes of output.
func (m *Manager) Tail(id ID, n int) ([]byte, error) {
	p, err := m.get(id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	recent := p.ring.Bytes()
	history := p.spilled || len(p.pending) > 0
	p.mu.Unlock()

	if len(recent) < n && history {
		if recent, err = m.Scrollback(id); err != nil {
			return nil, err
		}
	}
	if len(recent) > n {
		recent = skipLeadingContinuationBytes(recent[len(recent)-n:])
	}
	return recent, nil
}

// Info describes one pane.
func (m *Manager) Info(id ID) (Info, error) {
	p, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	return p.info(), nil
}

func (p *pane) info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		ID:        p.id,
		Command:   p.spec.Command,
		Args:      append([]string(nil), p.spec.Args...),
		Dir:       p.spec.Dir,
		Pid:       p.pid,
		Size:      p.size,
		Alive:     p.alive,
		ExitCode:  p.exitCode,
		CreatedAt: p.createdAt,
		ExitedAt:  p.exitedAt,
		Buffered:  p.ring.Len() + len(p.pending),
		Spilled:   p.spilled,
	}
}

// List returns every open pane, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.panes))
	for _, p := range m.panes {
		out = append(out, p.info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SweepDead closes panes that exited more than maxAge ago and that inUse
// does not claim. It returns how many were closed.
func (m *Manager) SweepDead(maxAge time.Duration, inUse func(ID) bool) int {
	now := m.now()
	var dead []ID
	for _, info := range m.List() {
		if info.Alive || info.ExitedAt.IsZero() || now.Sub(info.ExitedAt) <= maxAge {
			continue
		}
		if inUse != nil && inUse(info.ID) {
			continue
		}
		dead = append(dead, info.ID)
	}
	for _, id := range dead {
		_ = m.Close(id)
	}
	return len(dead)
}

// Shutdown hangs up every pane and waits for their pumps until ctx ends.
// Panes still running at that point are killed.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.shutdown = true
	panes := make([]*pane, 0, len(m.panes))
	for _, p := range m.panes {
		panes = append(panes, p)
	}
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.done) })

	for _, p := range panes {
		p.mu.Lock()
		alive := p.alive
		p.mu.Unlock()
		if alive {
			_ = p.proc.Signal(syscall.SIGHUP)
		}
	}

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		for _, p := range panes {
			_ = p.proc.Signal(syscall.SIGKILL)
		}
		m.log.Warn("shutdown: panes did not exit in time, killed")
	}
	for _, p := range panes {
		p.closeProc()
	}
}
