package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/resident/internal/checkpoint"
	"github.com/codefionn/resident/internal/config"
	"github.com/codefionn/resident/internal/core"
	"github.com/codefionn/resident/internal/inputparse"
	"github.com/codefionn/resident/internal/logger"
	"github.com/codefionn/resident/internal/protocol"
	"github.com/codefionn/resident/internal/ptymgr"
	"github.com/codefionn/resident/internal/registry"
	"github.com/codefionn/resident/internal/render"
	"github.com/codefionn/resident/internal/transport"
)

const testKey = "home_user_proj"

// lineCore shows the typed text on the first row. Ctrl-Q quits, Ctrl-D
// detaches, Ctrl-G rings the bell and Enter marks the state dirty.
type lineCore struct {
	mu     sync.Mutex
	text   []rune
	events []inputparse.Event
	cols   int
	rows   int
}

func (c *lineCore) Resize(cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cols, c.rows = cols, rows
}

func (c *lineCore) HandleEvent(ev inputparse.Event) core.Effects {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	switch {
	case ev.IsRune('q', inputparse.ModCtrl):
		return core.Effects{Quit: true}
	case ev.IsRune('d', inputparse.ModCtrl):
		return core.Effects{Detach: true}
	case ev.IsRune('g', inputparse.ModCtrl):
		return core.Effects{Bell: true, Title: "rung"}
	case ev.Is(inputparse.KeyEnter, 0):
		return core.Effects{Dirty: true}
	case ev.Kind == inputparse.KindKey && ev.Key == inputparse.KeyRune && ev.Mod == 0:
		c.text = append(c.text, ev.Rune)
	}
	return core.Effects{}
}

func (c *lineCore) Render(canvas *render.Canvas) {
	c.mu.Lock()
	defer c.mu.Unlock()
	canvas.SetString(0, 0, "> "+string(c.text), render.DefaultStyle)
	canvas.SetCursor(2+len(c.text), 0)
}

func (c *lineCore) OnPane(ptymgr.Event) bool { return false }

func (c *lineCore) Snapshot() *checkpoint.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &checkpoint.Snapshot{SearchHistory: []string{string(c.text)}}
}

func (c *lineCore) Restore(s *checkpoint.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(s.SearchHistory) > 0 {
		c.text = []rune(s.SearchHistory[0])
	}
}

func (c *lineCore) keys() []inputparse.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]inputparse.Event(nil), c.events...)
}

func (c *lineCore) size() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

type harness struct {
	cfg  *config.Config
	core *lineCore
	srv  *Server
	done chan struct{}
	err  error
	stop context.CancelFunc
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	runtimeDir, err := os.MkdirTemp("", "rs")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(runtimeDir) })

	cfg := config.DefaultConfig()
	cfg.Paths.RuntimeDir = runtimeDir
	cfg.Paths.StateDir = t.TempDir()
	cfg.Terminal.SpillEnabled = false
	return cfg
}

func start(t *testing.T, cfg *config.Config, idleTimeout time.Duration, with ...func(*Options)) *harness {
	t.Helper()
	h := &harness{cfg: cfg, core: &lineCore{}, done: make(chan struct{})}
	opts := Options{
		Config:      cfg,
		Key:         testKey,
		WorkDir:     "/home/user/proj",
		Version:     "test",
		IdleTimeout: idleTimeout,
		Core:        func(core.Options) core.Core { return h.core },
	}
	for _, f := range with {
		f(&opts)
	}
	h.srv = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go func() {
		h.err = h.srv.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(15 * time.Second):
		}
	})

	reg := registry.New(cfg.Paths.RuntimeDir)
	require.Eventually(t, func() bool {
		_, err := reg.Resolve(testKey)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "server never registered")
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(15 * time.Second):
		t.Fatal("server did not exit")
		return nil
	}
}

type testClient struct {
	control *protocol.Conn
	data    net.Conn
	hello   *protocol.ServerHello
}

func (h *harness) endpoint() transport.Endpoint {
	return transport.EndpointFor(h.cfg.Paths.RuntimeDir, testKey)
}

func (h *harness) dialControl(t *testing.T, hello *protocol.ClientHello) (*protocol.Conn, protocol.Payload) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.DialControl(ctx, h.endpoint())
	require.NoError(t, err)
	pc := protocol.NewConn(conn)
	t.Cleanup(func() { pc.Close() })

	require.NoError(t, pc.Send(hello, time.Second))
	reply, err := pc.Receive(5 * time.Second)
	require.NoError(t, err)
	return pc, reply
}

func (h *harness) attach(t *testing.T, cols, rows uint16) *testClient {
	t.Helper()
	pc, reply := h.dialControl(t, &protocol.ClientHello{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientVersion:   "test",
		Cols:            cols,
		Rows:            rows,
		Env:             map[string]string{"TERM": "xterm-256color"},
	})
	hello, ok := reply.(*protocol.ServerHello)
	require.True(t, ok, "got %T", reply)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := transport.DialData(ctx, h.endpoint(), hello.ClientID)
	require.NoError(t, err)
	t.Cleanup(func() { data.Close() })
	return &testClient{control: pc, data: data, hello: hello}
}

// readUntil reads the data channel until want shows up.
func (c *testClient) readUntil(t *testing.T, want string) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	for !bytes.Contains(got, []byte(want)) {
		require.True(t, time.Now().Before(deadline), "never saw %q in %q", want, got)
		_ = c.data.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := c.data.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil && !protocol.IsTimeout(err) {
			require.NoError(t, err)
		}
	}
	return got
}

// readQuiet reads until the data channel has been silent for a while.
func (c *testClient) readQuiet(t *testing.T) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 4096)
	for {
		_ = c.data.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := c.data.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			if protocol.IsTimeout(err) {
				return got
			}
			require.NoError(t, err)
		}
	}
}

// receive skips pings and returns the next control message.
func (c *testClient) receive(t *testing.T) protocol.Payload {
	t.Helper()
	for {
		p, err := c.control.Receive(5 * time.Second)
		require.NoError(t, err)
		if _, ok := p.(*protocol.Ping); !ok {
			return p
		}
	}
}

func TestHandshakeAndInputRoundTrip(t *testing.T) {
	h := start(t, testConfig(t), 0)
	c := h.attach(t, 40, 10)
	assert.Equal(t, testKey, c.hello.SessionKey)
	assert.Equal(t, protocol.ProtocolVersion, c.hello.ProtocolVersion)
	assert.NotEmpty(t, c.hello.ClientID)

	first := c.readUntil(t, ">")
	assert.Contains(t, string(first), "\x1b[2J", "first frame is a full repaint")

	_, err := c.data.Write([]byte("ls\n"))
	require.NoError(t, err)
	c.readUntil(t, "s")

	require.Eventually(t, func() bool { return len(h.core.keys()) == 3 }, 5*time.Second, 10*time.Millisecond)
	keys := h.core.keys()
	assert.True(t, keys[0].IsRune('l', 0))
	assert.True(t, keys[1].IsRune('s', 0))
	assert.True(t, keys[2].Is(inputparse.KeyEnter, 0))

	cols, rows := h.core.size()
	assert.Equal(t, 40, cols)
	assert.Equal(t, 10, rows)
}

func TestEachBatchIsRenderedBeforeTheNext(t *testing.T) {
	h := start(t, testConfig(t), 0)
	c := h.attach(t, 40, 10)
	c.readUntil(t, ">")

	for _, r := range "abc" {
		_, err := c.data.Write([]byte(string(r)))
		require.NoError(t, err)
		c.readUntil(t, string(r))
	}
	h.stop()
	require.NoError(t, h.wait(t))
}

func TestVersionMismatch(t *testing.T) {
	h := start(t, testConfig(t), 0)

	tests := []struct {
		version uint
		action  protocol.Action
	}{
		{protocol.ProtocolVersion + 1, protocol.ActionRestartServer},
		{0, protocol.ActionAbort},
	}
	for _, tt := range tests {
		pc, reply := h.dialControl(t, &protocol.ClientHello{ProtocolVersion: tt.version, Cols: 80, Rows: 24})
		mismatch, ok := reply.(*protocol.VersionMismatch)
		require.True(t, ok, "got %T", reply)
		assert.Equal(t, tt.action, mismatch.Action)

		_, err := pc.Receive(2 * time.Second)
		assert.Error(t, err, "connection is closed after a mismatch")
	}
	assert.Empty(t, h.core.keys())
}

func TestGarbageBeforeHelloIsRejected(t *testing.T) {
	h := start(t, testConfig(t), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.DialControl(ctx, h.endpoint())
	require.NoError(t, err)
	pc := protocol.NewConn(conn)
	defer pc.Close()
	require.NoError(t, pc.Send(&protocol.Ping{}, time.Second))
	reply, err := pc.Receive(5 * time.Second)
	require.NoError(t, err)
	perr, ok := reply.(*protocol.Error)
	require.True(t, ok, "got %T", reply)
	assert.Equal(t, ErrorCodeProtocol, perr.Code)
}

func TestHangupBeforeHelloIsNotAWarning(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "server.log")
	log, err := logger.New(logger.LevelInfo, logPath, "server")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	h := start(t, testConfig(t), 0, func(o *Options) { o.Logger = log })
	for i := 0; i < 5; i++ {
		assert.True(t, transport.Probe(h.endpoint(), time.Second))
	}

	// a connection that sends something else first still warns
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.DialControl(ctx, h.endpoint())
	require.NoError(t, err)
	pc := protocol.NewConn(conn)
	defer pc.Close()
	require.NoError(t, pc.Send(&protocol.Ping{}, time.Second))
	_, err = pc.Receive(5 * time.Second)
	require.NoError(t, err)

	var text string
	require.Eventually(t, func() bool {
		_ = log.Sync()
		data, err := os.ReadFile(logPath)
		if err != nil {
			return false
		}
		text = string(data)
		return strings.Contains(text, "unexpected ping before hello")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, strings.Count(text, "handshake failed"))
	assert.NotContains(t, text, "EOF")

	c := h.attach(t, 40, 10)
	c.readUntil(t, ">")
}

func TestUnknownControlMessageGetsError(t *testing.T) {
	h := start(t, testConfig(t), 0)
	c := h.attach(t, 40, 10)
	c.readUntil(t, ">")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := transport.DialControl(ctx, h.endpoint())
	require.NoError(t, err)
	defer conn.Close()
	pc := protocol.NewConn(conn)
	require.NoError(t, pc.Send(&protocol.ClientHello{ProtocolVersion: protocol.ProtocolVersion, ControlOnly: true}, time.Second))
	_, err = pc.Receive(5 * time.Second)
	require.NoError(t, err)

	// an unknown type, written directly on the socket
	_, err = conn.Write([]byte(`{"type":"teleport"}` + "\n"))
	require.NoError(t, err)
	reply, err := pc.Receive(5 * time.Second)
	require.NoError(t, err)
	perr, ok := reply.(*protocol.Error)
	require.True(t, ok, "got %T", reply)
	assert.Equal(t, ErrorCodeUnknownMessage, perr.Code)

	require.NoError(t, pc.Send(&protocol.Ping{}, time.Second))
	reply, err = pc.Receive(5 * time.Second)
	require.NoError(t, err)
	assert.IsType(t, &protocol.Pong{}, reply, "connection survives a bad message")
}

func TestResizeRepaintsAtNewSize(t *testing.T) {
	h := start(t, testConfig(t), 0)
	c := h.attach(t, 40, 10)
	c.readQuiet(t)

	require.NoError(t, c.control.Send(&protocol.Resize{Cols: 30, Rows: 6}, time.Second))
	frame := c.readUntil(t, ">")
	assert.Contains(t, string(frame), "\x1b[2J")

	cols, rows := h.core.size()
	assert.Equal(t, 30, cols)
	assert.Equal(t, 6, rows)
}

func TestReattachRepaintsTheSameFrame(t *testing.T) {
	h := start(t, testConfig(t), 0)
	c := h.attach(t, 40, 10)
	c.readUntil(t, ">")
	_, err := c.data.Write([]byte("hi"))
	require.NoError(t, err)
	c.readUntil(t, "i")
	c.readQuiet(t)

	require.NoError(t, c.control.Send(&protocol.Detach{}, time.Second))

	a := h.attach(t, 40, 10)
	frameA := a.readQuiet(t)
	require.NoError(t, a.control.Send(&protocol.Detach{}, time.Second))

	b := h.attach(t, 40, 10)
	frameB := b.readQuiet(t)
	assert.Contains(t, string(frameA), "hi")
	assert.Equal(t, frameA, frameB)
}

func TestMirrorReceivesFramesButCannotType(t *testing.T) {
	h := start(t, testConfig(t), 0)
	primary := h.attach(t, 40, 10)
	primary.readUntil(t, ">")
	mirror := h.attach(t, 60, 20)
	mirror.readUntil(t, ">")

	_, err := mirror.data.Write([]byte("x"))
	require.NoError(t, err)
	_, err = primary.data.Write([]byte("y"))
	require.NoError(t, err)
	mirror.readUntil(t, "y")

	for _, ev := range h.core.keys() {
		assert.False(t, ev.IsRune('x', 0), "mirror input must be ignored")
	}
	cols, _ := h.core.size()
	assert.Equal(t, 40, cols, "primary size governs")

	require.NoError(t, primary.control.Send(&protocol.Detach{}, time.Second))
	require.Eventually(t, func() bool {
		cols, _ := h.core.size()
		return cols == 60
	}, 5*time.Second, 10*time.Millisecond, "mirror becomes primary")
	_, err = mirror.data.Write([]byte("z"))
	require.NoError(t, err)
	mirror.readUntil(t, "z")
}

func TestCoreEffects(t *testing.T) {
	h := start(t, testConfig(t), 0)
	c := h.attach(t, 40, 10)
	c.readUntil(t, ">")

	_, err := c.data.Write([]byte{0x07}) // Ctrl-G
	require.NoError(t, err)
	seen := map[protocol.Type]protocol.Payload{}
	for len(seen) < 2 {
		p := c.receive(t)
		seen[p.Type()] = p
	}
	assert.Contains(t, seen, protocol.TypeBell)
	require.Contains(t, seen, protocol.TypeSetTitle)
	assert.Equal(t, "rung", seen[protocol.TypeSetTitle].(*protocol.SetTitle).Title)

	_, err = c.data.Write([]byte{0x04}) // Ctrl-D
	require.NoError(t, err)
	detach, ok := c.receive(t).(*protocol.Detach)
	require.True(t, ok)
	assert.Equal(t, "detached", detach.Reason)
}

func TestQuitCheckpointsAndRestores(t *testing.T) {
	cfg := testConfig(t)
	h := start(t, cfg, 0)
	c := h.attach(t, 40, 10)
	c.readUntil(t, ">")
	_, err := c.data.Write([]byte("saved"))
	require.NoError(t, err)
	c.readUntil(t, "d")

	_, err = c.data.Write([]byte{0x11}) // Ctrl-Q
	require.NoError(t, err)
	quit, ok := c.receive(t).(*protocol.Quit)
	require.True(t, ok)
	assert.Equal(t, "quit by user", quit.Reason)
	require.NoError(t, h.wait(t))

	_, err = registry.New(cfg.Paths.RuntimeDir).Resolve(testKey)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.FileExists(t, filepath.Join(cfg.CheckpointDir(), testKey+".ckpt"))

	h2 := start(t, cfg, 0)
	c2 := h2.attach(t, 40, 10)
	c2.readUntil(t, "saved")
}

func TestKillOverControlOnlyConnection(t *testing.T) {
	h := start(t, testConfig(t), 0)
	c := h.attach(t, 40, 10)
	c.readUntil(t, ">")

	pc, reply := h.dialControl(t, &protocol.ClientHello{ProtocolVersion: protocol.ProtocolVersion, ControlOnly: true})
	require.IsType(t, &protocol.ServerHello{}, reply)
	require.NoError(t, pc.Send(&protocol.Quit{Reason: "killed"}, time.Second))

	quit, ok := c.receive(t).(*protocol.Quit)
	require.True(t, ok)
	assert.Equal(t, "killed", quit.Reason)
	require.NoError(t, h.wait(t))
}

func TestIdleTimeoutCheckpointsAndExits(t *testing.T) {
	cfg := testConfig(t)
	h := start(t, cfg, 500*time.Millisecond)
	require.NoError(t, h.wait(t))
	assert.FileExists(t, filepath.Join(cfg.CheckpointDir(), testKey+".ckpt"))
}

func TestAttachedClientHoldsOffIdleTimeout(t *testing.T) {
	h := start(t, testConfig(t), 200*time.Millisecond)
	c := h.attach(t, 40, 10)
	c.readUntil(t, ">")

	select {
	case <-h.done:
		t.Fatalf("server exited while a client was attached: %v", h.err)
	case <-time.After(500 * time.Millisecond):
	}

	require.NoError(t, c.control.Send(&protocol.Detach{}, time.Second))
	require.NoError(t, h.wait(t))
}

func TestSecondServerForSameKey(t *testing.T) {
	cfg := testConfig(t)
	start(t, cfg, 0)

	other := New(Options{Config: cfg, Key: testKey, Core: func(core.Options) core.Core { return &lineCore{} }})
	err := other.Run(context.Background())
	assert.True(t, errors.Is(err, registry.ErrAlive), "got %v", err)
}

func TestSilentClientIsDropped(t *testing.T) {
	cfg := testConfig(t)
	cfg.Session.PingInterval = 0
	cfg.Session.LivenessTimeout = config.Duration(200 * time.Millisecond)
	h := start(t, cfg, 0)
	c := h.attach(t, 40, 10)
	c.readUntil(t, ">")

	_, err := c.control.Receive(5 * time.Second)
	assert.Error(t, err, "server closes a silent client")
}
