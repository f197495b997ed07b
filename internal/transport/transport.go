// Package transport provides the pair of unix sockets a session server
// listens on: a control socket for JSON messages and a data socket for the
// raw terminal stream. A client opens both and pairs them by sending its
// client id as the first line on the data socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/codefionn/resident/internal/consts"
	"github.com/codefionn/resident/internal/logger"
)

// maxSocketPath keeps socket paths under the sun_path limit of every
// platform we run on.
const maxSocketPath = 100

// ErrClosed is returned by a Listener after Close.
var ErrClosed = errors.New("listener closed")

// Endpoint names the two sockets of one session.
type Endpoint struct {
	Control string `json:"control"`
	Data    string `json:"data"`
}

// EndpointFor returns the socket paths of the session with the given key.
// Keys that would overflow the socket path limit are shortened with a hash
// suffix so distinct keys keep distinct sockets.
func EndpointFor(runtimeDir, key string) Endpoint {
	name := key
	if len(filepath.Join(runtimeDir, name))+len(".data") > maxSocketPath {
		sum := fmt.Sprintf("%016x", xxhash.Sum64String(key))
		keep := maxSocketPath - len(runtimeDir) - len(".data") - len(sum) - 2
		if keep < 0 {
			keep = 0
		}
		if keep > len(key) {
			keep = len(key)
		}
		name = key[:keep] + "-" + sum
	}
	base := filepath.Join(runtimeDir, name)
	return Endpoint{Control: base + ".ctl", Data: base + ".data"}
}

// Listener accepts control connections and pairs data connections to
// them.
type Listener struct {
	ep      Endpoint
	control net.Listener
	data    net.Listener

	mu      sync.Mutex
	pending map[string]net.Conn
	waiters map[string]chan net.Conn
	closed  bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *logger.Logger
}

// Listen creates both sockets, replacing stale socket files left by a
// server that died without cleaning up.
func Listen(ep Endpoint) (*Listener, error) {
	if err := os.MkdirAll(filepath.Dir(ep.Control), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create runtime directory: %w", err)
	}

	control, err := listenUnix(ep.Control)
	if err != nil {
		return nil, err
	}
	data, err := listenUnix(ep.Data)
	if err != nil {
		control.Close()
		return nil, err
	}

	l := &Listener{
		ep:       ep,
		control:  control,
		data:     data,
		pending:  make(map[string]net.Conn),
		waiters:  make(map[string]chan net.Conn),
		stopChan: make(chan struct{}),
		log:      logger.Global().WithPrefix("transport"),
	}

	l.wg.Add(1)
	go l.acceptData()

	l.log.Info("Listening on %s and %s", ep.Control, ep.Data)
	return l, nil
}

func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket file: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on Unix socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// Endpoint returns the socket paths.
func (l *Listener) Endpoint() Endpoint {
	return l.ep
}

// Accept waits for the next control connection.
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.control.Accept()
	if err != nil {
		if l.isClosed() {
			return nil, ErrClosed
		}
		return nil, err
	}
	return conn, nil
}

// ClaimData waits for the data connection announced with clientID.
func (l *Listener) ClaimData(ctx context.Context, clientID string) (net.Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if conn, ok := l.pending[clientID]; ok {
		delete(l.pending, clientID)
		l.mu.Unlock()
		return conn, nil
	}
	ch := make(chan net.Conn, 1)
	l.waiters[clientID] = ch
	l.mu.Unlock()

	select {
	case conn, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		return conn, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.waiters, clientID)
		l.mu.Unlock()
		// a connection may have been delivered while we gave up
		select {
		case conn, ok := <-ch:
			if ok {
				conn.Close()
			}
		default:
		}
		return nil, ctx.Err()
	}
}

func (l *Listener) acceptData() {
	defer l.wg.Done()
	for {
		conn, err := l.data.Accept()
		if err != nil {
			if l.isClosed() {
				return
			}
			l.log.Error("Error accepting data connection: %v", err)
			continue
		}
		l.wg.Add(1)
		go l.pairData(conn)
	}
}

func (l *Listener) pairData(conn net.Conn) {
	defer l.wg.Done()

	id, err := readPreamble(conn, consts.Timeout5Seconds)
	if err != nil {
		l.log.Warn("Dropping data connection without valid preamble: %v", err)
		conn.Close()
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return
	}
	if ch, ok := l.waiters[id]; ok {
		delete(l.waiters, id)
		l.mu.Unlock()
		ch <- conn
		return
	}
	if old, ok := l.pending[id]; ok {
		old.Close()
	}
	l.pending[id] = conn
	l.mu.Unlock()

	// unclaimed data connections are dropped
	select {
	case <-time.After(consts.Timeout10Seconds):
	case <-l.stopChan:
	}
	l.mu.Lock()
	if l.pending[id] == conn {
		delete(l.pending, id)
		conn.Close()
	}
	l.mu.Unlock()
}

// readPreamble reads the client id line one byte at a time so that no
// terminal input following it is consumed.
func readPreamble(conn net.Conn, timeout time.Duration) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	var id []byte
	b := make([]byte, 1)
	for len(id) <= consts.MaxClientIDLength {
		if _, err := conn.Read(b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			s := strings.TrimSpace(string(id))
			if s == "" {
				return "", fmt.Errorf("empty client id")
			}
			return s, nil
		}
		id = append(id, b[0])
	}
	return "", fmt.Errorf("client id exceeds %d bytes", consts.MaxClientIDLength)
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting, drops unclaimed data connections and removes
// the socket files.
func (l *Listener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		for id, conn := range l.pending {
			conn.Close()
			delete(l.pending, id)
		}
		for id, ch := range l.waiters {
			close(ch)
			delete(l.waiters, id)
		}
		l.mu.Unlock()

		close(l.stopChan)
		err = errors.Join(l.control.Close(), l.data.Close())
		l.wg.Wait()

		for _, path := range []string{l.ep.Control, l.ep.Data} {
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				l.log.Warn("Failed to remove socket file %s: %v", path, removeErr)
			}
		}
	})
	return err
}

// DialControl connects to a session's control socket.
func DialControl(ctx context.Context, ep Endpoint) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", ep.Control)
}

// DialData connects to a session's data socket and announces clientID.
func DialData(ctx context.Context, ep Endpoint, clientID string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", ep.Data)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte(clientID + "\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send client id: %w", err)
	}
	return conn, nil
}

// Probe reports whether a server is accepting on the control socket.
func Probe(ep Endpoint, timeout time.Duration) bool {
	conn, err := net.DialTimeout("unix", ep.Control, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
