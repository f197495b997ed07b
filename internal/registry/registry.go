// Package registry tracks live session servers on this machine. Each live
// server holds a lock file and publishes an entry describing its sockets;
// clients resolve a key to an entry and check that something answers.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/codefionn/resident/internal/consts"
	"github.com/codefionn/resident/internal/lockfile"
	"github.com/codefionn/resident/internal/logger"
	"github.com/codefionn/resident/internal/transport"
)

var (
	// ErrAlive is returned by Claim when a running server owns the key.
	ErrAlive = errors.New("a server is already running for this session")
	// ErrNotFound is returned when no live server owns the key.
	ErrNotFound = errors.New("session not found")
	// ErrUnresponsive is returned when the owning process exists but its
	// control socket does not accept connections.
	ErrUnresponsive = errors.New("session server is not responding")
)

// Entry describes one live server.
type Entry struct {
	Key            string    `json:"key"`
	Name           string    `json:"name,omitempty"`
	WorkDir        string    `json:"workdir"`
	ControlPath    string    `json:"control"`
	DataPath       string    `json:"data"`
	PID            int       `json:"pid"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	LastDisconnect time.Time `json:"last_disconnect"`
	// Clients is how many clients were attached at the last update.
	Clients int `json:"clients"`
}

// IdleFor reports how long the session has had no client, or zero when a
// client is attached.
func (e Entry) IdleFor(now time.Time) time.Duration {
	if e.Clients > 0 {
		return 0
	}
	since := e.LastDisconnect
	if since.IsZero() {
		since = e.CreatedAt
	}
	if since.IsZero() || now.Before(since) {
		return 0
	}
	return now.Sub(since)
}

// Endpoint returns the entry's socket pair.
func (e Entry) Endpoint() transport.Endpoint {
	return transport.Endpoint{Control: e.ControlPath, Data: e.DataPath}
}

// Registry is a directory of lock files and entries, usually the per-user
// runtime directory.
type Registry struct {
	dir          string
	probeTimeout time.Duration
	log          *logger.Logger
}

// New returns a registry rooted at dir.
func New(dir string) *Registry {
	return &Registry{
		dir:          dir,
		probeTimeout: consts.Timeout1Second,
		log:          logger.Global().WithPrefix("registry"),
	}
}

// Dir returns the registry directory.
func (r *Registry) Dir() string {
	return r.dir
}

// EntryPath returns where the entry of key is stored.
func (r *Registry) EntryPath(key string) string {
	return filepath.Join(r.dir, key+".json")
}

func (r *Registry) lockPath(key string) string {
	return filepath.Join(r.dir, key+".lock")
}

// Endpoint returns the socket pair a server for key listens on.
func (r *Registry) Endpoint(key string) transport.Endpoint {
	return transport.EndpointFor(r.dir, key)
}

// Claim takes ownership of key for the calling process. Only one process
// can hold a claim at a time; a claim left behind by a dead process is
// taken over and its entry replaced.
func (r *Registry) Claim(key string) (*Claim, error) {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}

	lock := lockfile.New(r.lockPath(key))
	if err := lock.TryAcquire(); err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			return nil, fmt.Errorf("%w: %s", ErrAlive, key)
		}
		return nil, err
	}

	// Whatever entry is on disk belonged to a dead server.
	if err := os.Remove(r.EntryPath(key)); err == nil {
		r.log.Info("replaced stale entry for %s", key)
	}
	return &Claim{reg: r, key: key, lock: lock}, nil
}

// Resolve returns the entry of a live server for key. An entry whose
// server is gone is forgotten and reported as ErrNotFound.
func (r *Registry) Resolve(key string) (Entry, error) {
	entry, err := r.read(key)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("unreadable entry for %s: %v", key, err)
			r.Forget(key)
		}
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	if transport.Probe(entry.Endpoint(), r.probeTimeout) {
		return entry, nil
	}
	if lockfile.ProcessAlive(entry.PID) && r.lockHeldBy(key, entry.PID) {
		return entry, fmt.Errorf("%w: %s (pid %d)", ErrUnresponsive, key, entry.PID)
	}

	r.log.Info("forgetting dead session %s (pid %d)", key, entry.PID)
	r.Forget(key)
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (r *Registry) lockHeldBy(key string, pid int) bool {
	holder, err := lockfile.Holder(r.lockPath(key))
	return err == nil && holder == pid
}

func (r *Registry) read(key string) (Entry, error) {
	data, err := os.ReadFile(r.EntryPath(key))
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("failed to parse entry: %w", err)
	}
	if entry.Key != key {
		return Entry{}, fmt.Errorf("entry names key %q", entry.Key)
	}
	return entry, nil
}

// Enumerate returns every live entry sorted by key. Dead ones are
// forgotten along the way.
func (r *Registry) Enumerate() ([]Entry, error) {
	files, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read runtime directory: %w", err)
	}

	var out []Entry
	for _, f := range files {
		key, ok := strings.CutSuffix(f.Name(), ".json")
		if !ok || f.IsDir() {
			continue
		}
		entry, err := r.Resolve(key)
		if err != nil && !errors.Is(err, ErrUnresponsive) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Forget removes what a dead server left behind for key: its entry, its
// lock and its sockets. The lock of a live process is never removed.
func (r *Registry) Forget(key string) {
	if holder, err := lockfile.Holder(r.lockPath(key)); err == nil && lockfile.ProcessAlive(holder) && holder != os.Getpid() {
		r.log.Warn("not forgetting %s: pid %d still holds it", key, holder)
		return
	}

	ep := r.Endpoint(key)
	if entry, err := r.read(key); err == nil {
		ep = entry.Endpoint()
	}
	for _, path := range []string{r.EntryPath(key), r.lockPath(key), ep.Control, ep.Data} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.log.Warn("failed to remove %s: %v", path, err)
		}
	}
}

// Claim is a held registration.
type Claim struct {
	reg   *Registry
	key   string
	lock  *lockfile.Lockfile
	entry Entry
}

// Key returns the claimed key.
func (c *Claim) Key() string {
	return c.key
}

// Publish writes the entry so clients can find the server. The key and
// pid are filled in from the claim.
func (c *Claim) Publish(entry Entry) error {
	entry.Key = c.key
	entry.PID = os.Getpid()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	c.entry = entry
	return c.write()
}

// SetClients records the number of attached clients. When it drops to
// zero, at becomes the last disconnect time.
func (c *Claim) SetClients(n int, at time.Time) error {
	if n == 0 && c.entry.Clients > 0 {
		c.entry.LastDisconnect = at
	}
	c.entry.Clients = n
	return c.write()
}

func (c *Claim) write() error {
	data, err := json.MarshalIndent(c.entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	if err := atomic.WriteFile(c.reg.EntryPath(c.key), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

// Release removes the entry and the lock.
func (c *Claim) Release() error {
	if err := os.Remove(c.reg.EntryPath(c.key)); err != nil && !os.IsNotExist(err) {
		c.reg.log.Warn("failed to remove entry of %s: %v", c.key, err)
	}
	return c.lock.Release()
}
