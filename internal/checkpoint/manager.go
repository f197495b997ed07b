package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codefionn/resident/internal/logger"
)

// SnapshotFunc captures the current session state. It is called from the
// manager's goroutine and must hand the work to whoever owns the state.
type SnapshotFunc func(ctx context.Context) (*Snapshot, error)

// Manager decides when to checkpoint: on an interval while state is dirty,
// right after a durable save, and on request before shutdown.
type Manager struct {
	store    *Store
	key      string
	interval time.Duration
	snapshot SnapshotFunc
	now      func() time.Time
	log      *logger.Logger

	mu      sync.Mutex
	dirty   bool
	gen     uint64
	trigger chan struct{}
}

// NewManager returns a manager for key. A non-positive interval disables
// the periodic checkpoint; triggered ones still happen.
func NewManager(store *Store, key string, interval time.Duration, snapshot SnapshotFunc) *Manager {
	return &Manager{
		store:    store,
		key:      key,
		interval: interval,
		snapshot: snapshot,
		now:      time.Now,
		log:      logger.Global().WithPrefix("checkpoint"),
		trigger:  make(chan struct{}, 1),
	}
}

// MarkDirty records that state changed since the last checkpoint.
func (m *Manager) MarkDirty() {
	m.mu.Lock()
	m.dirty = true
	m.gen++
	m.mu.Unlock()
}

// Dirty reports whether there are changes not yet checkpointed.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Saved requests a checkpoint soon, typically after a buffer was written
// to disk. It never blocks.
func (m *Manager) Saved() {
	m.MarkDirty()
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Save stores snap as the session's checkpoint. Changes marked dirty while
// the snapshot was being taken keep the dirty bit set.
func (m *Manager) Save(snap *Snapshot) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	return m.save(snap, gen)
}

func (m *Manager) save(snap *Snapshot, gen uint64) error {
	snap.SessionKey = m.key
	snap.SavedAt = m.now()
	if err := m.store.Save(snap); err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		m.log.Warn("checkpoint of %s failed, will retry: %v", m.key, err)
		return err
	}

	m.mu.Lock()
	if m.gen == gen {
		m.dirty = false
	}
	m.mu.Unlock()
	m.log.Debug("checkpointed %s", m.key)
	return nil
}

// Checkpoint takes a snapshot and stores it, dirty or not.
func (m *Manager) Checkpoint(ctx context.Context) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	snap, err := m.snapshot(ctx)
	if err != nil {
		m.log.Warn("snapshot of %s failed: %v", m.key, err)
		return err
	}
	return m.save(snap, gen)
}

// Restore returns the stored checkpoint, or false when there is none that
// can be used. A corrupt or incompatible file is logged and ignored.
func (m *Manager) Restore() (*Snapshot, bool) {
	snap, err := m.store.Load(m.key)
	if err != nil {
		if err != ErrNoCheckpoint {
			m.log.Warn("ignoring checkpoint of %s: %v", m.key, err)
		}
		return nil, false
	}
	m.log.Info("restoring %s from checkpoint saved at %s", m.key, snap.SavedAt.Format(time.RFC3339))
	return snap, true
}

// Run drives periodic and triggered checkpoints until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	var tick <-chan time.Time
	if m.interval > 0 {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if !m.Dirty() {
				continue
			}
		case <-m.trigger:
		}
		if err := m.Checkpoint(ctx); err != nil && errors.Is(err, context.Canceled) {
			return
		}
	}
}
