// Package relay is the client side of a session: it connects the local
// terminal to a session server and copies bytes in both directions
// without interpreting them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/codefionn/resident/internal/consts"
	"github.com/codefionn/resident/internal/logger"
	"github.com/codefionn/resident/internal/protocol"
	"github.com/codefionn/resident/internal/render"
	"github.com/codefionn/resident/internal/transport"
)

// forwardedEnv is the part of the local environment the server uses to
// pick colors and encodings.
var forwardedEnv = []string{"TERM", "COLORTERM", "LANG", "LC_ALL", "LC_CTYPE", "NO_COLOR", "TERM_PROGRAM", "CLICOLOR_FORCE"}

// dataClosedGrace is how long a closed data channel waits for the control
// channel to say why.
const dataClosedGrace = 2 * time.Second

// Options configure Attach.
type Options struct {
	Endpoint transport.Endpoint
	Version  string
	// In and Out are the local terminal. Raw mode and size tracking are
	// only used when In is a terminal.
	In  *os.File
	Out io.Writer
	// DialTimeout bounds connection retries; zero tries once.
	DialTimeout time.Duration
	// Env overrides the forwarded environment, for tests.
	Env map[string]string
}

// Result describes how an attachment ended.
type Result struct {
	// Reason is what the server said, or what happened locally.
	Reason string
	// Quit is set when the session itself ended.
	Quit bool
}

// Session is an established control connection.
type Session struct {
	Control *protocol.Conn
	Hello   *protocol.ServerHello
}

// Close closes the control connection.
func (s *Session) Close() error {
	return s.Control.Close()
}

// Connect dials the control socket, retrying until timeout, and performs
// the handshake. A rejected hello is returned as *protocol.MismatchError;
// anything else that goes wrong is a *protocol.RemoteError.
func Connect(ctx context.Context, ep transport.Endpoint, hello *protocol.ClientHello, timeout time.Duration) (*Session, error) {
	conn, err := dial(ctx, ep, timeout)
	if err != nil {
		return nil, &protocol.RemoteError{Op: "connect", Err: err}
	}

	pc := protocol.NewConn(conn)
	if err := pc.Send(hello, consts.Timeout5Seconds); err != nil {
		pc.Close()
		return nil, &protocol.RemoteError{Op: "handshake", Err: err}
	}
	reply, err := pc.Receive(consts.Timeout10Seconds)
	if err != nil {
		pc.Close()
		return nil, &protocol.RemoteError{Op: "handshake", Err: err}
	}

	switch m := reply.(type) {
	case *protocol.ServerHello:
		return &Session{Control: pc, Hello: m}, nil
	case *protocol.VersionMismatch:
		pc.Close()
		return nil, &protocol.MismatchError{VersionMismatch: m}
	case *protocol.Error:
		pc.Close()
		return nil, &protocol.RemoteError{Op: "handshake", Err: fmt.Errorf("%s: %s", m.Code, m.Message)}
	default:
		pc.Close()
		return nil, &protocol.RemoteError{Op: "handshake", Err: fmt.Errorf("unexpected %s", reply.Type())}
	}
}

func dial(ctx context.Context, ep transport.Endpoint, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		return transport.DialControl(ctx, ep)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = timeout

	var conn net.Conn
	err := backoff.Retry(func() error {
		c, err := transport.DialControl(ctx, ep)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, ctx))
	return conn, err
}

// Attach relays the local terminal to the session until the client
// detaches, the session quits or the connection drops.
func Attach(ctx context.Context, opts Options) (Result, error) {
	log := logger.Global().WithPrefix("relay")
	fd := -1
	if opts.In != nil && term.IsTerminal(int(opts.In.Fd())) {
		fd = int(opts.In.Fd())
	}

	cols, rows := consts.DefaultCols, consts.DefaultRows
	if fd >= 0 {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
	}

	env := opts.Env
	if env == nil {
		env = localEnv()
	}
	sess, err := Connect(ctx, opts.Endpoint, &protocol.ClientHello{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientVersion:   opts.Version,
		Cols:            uint16(cols),
		Rows:            uint16(rows),
		Env:             env,
	}, opts.DialTimeout)
	if err != nil {
		return Result{}, err
	}
	defer sess.Close()

	data, err := transport.DialData(ctx, opts.Endpoint, sess.Hello.ClientID)
	if err != nil {
		return Result{}, &protocol.RemoteError{Op: "open data channel", Err: err}
	}
	defer data.Close()

	if fd >= 0 {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return Result{}, fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}

	out := &syncWriter{w: opts.Out}
	defer out.Write(render.ResetSequence())

	log.Info("attached to %s as %s", sess.Hello.SessionKey, sess.Hello.ClientID)

	ended := make(chan Result, 4)
	finish := func(r Result) {
		select {
		case ended <- r:
		default:
		}
	}

	returned := make(chan struct{})
	defer close(returned)

	go func() {
		if _, err := io.Copy(out, data); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug("data channel: %v", err)
		}
		// The server closes the data channel right after its Detach or Quit,
		// and the control channel carries the reason.
		select {
		case <-time.After(dataClosedGrace):
			finish(Result{Reason: "connection lost"})
		case <-returned:
		}
	}()
	if opts.In != nil {
		go func() {
			_, _ = io.Copy(data, opts.In)
		}()
	}
	go func() {
		finish(readControl(sess.Control, out, log))
	}()

	winch := make(chan os.Signal, 1)
	stop := make(chan os.Signal, 1)
	signal.Notify(winch, unix.SIGWINCH)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(winch)
	defer signal.Stop(stop)

	for {
		select {
		case r := <-ended:
			log.Info("relay ended: %s", r.Reason)
			return r, nil
		case <-winch:
			if fd < 0 {
				continue
			}
			w, h, err := term.GetSize(fd)
			if err != nil {
				continue
			}
			if err := sess.Control.Send(&protocol.Resize{Cols: uint16(w), Rows: uint16(h)}, consts.Timeout5Seconds); err != nil {
				log.Warn("failed to send resize: %v", err)
			}
		case sig := <-stop:
			_ = sess.Control.Send(&protocol.Detach{Reason: sig.String()}, consts.Timeout1Second)
			return Result{Reason: "detached (" + sig.String() + ")"}, nil
		case <-ctx.Done():
			_ = sess.Control.Send(&protocol.Detach{}, consts.Timeout1Second)
			return Result{Reason: "detached"}, nil
		}
	}
}

// readControl handles server messages until the session says goodbye or
// the connection drops.
func readControl(pc *protocol.Conn, out io.Writer, log *logger.Logger) Result {
	for {
		p, err := pc.Receive(0)
		if err != nil {
			if protocol.IsDecodeError(err) {
				log.Warn("ignoring control message: %v", err)
				continue
			}
			return Result{Reason: "connection lost"}
		}

		switch m := p.(type) {
		case *protocol.Ping:
			if err := pc.Send(&protocol.Pong{}, consts.Timeout5Seconds); err != nil {
				return Result{Reason: "connection lost"}
			}
		case *protocol.SetTitle:
			_, _ = out.Write(render.TitleSequence(m.Title))
		case *protocol.Bell:
			_, _ = out.Write(render.BellSequence())
		case *protocol.Detach:
			return Result{Reason: orDefault(m.Reason, "detached")}
		case *protocol.Quit:
			return Result{Reason: orDefault(m.Reason, "session ended"), Quit: true}
		case *protocol.Error:
			log.Warn("server error %s: %s", m.Code, m.Message)
		}
	}
}

// Kill asks the server behind ep to checkpoint and exit, and waits until
// it has hung up.
func Kill(ctx context.Context, ep transport.Endpoint, version, reason string) error {
	sess, err := Connect(ctx, ep, &protocol.ClientHello{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientVersion:   version,
		ControlOnly:     true,
	}, 0)
	if err != nil {
		var mismatch *protocol.MismatchError
		if errors.As(err, &mismatch) && mismatch.Action == protocol.ActionReconnect {
			// already on its way out
			return nil
		}
		return err
	}
	defer sess.Close()

	if err := sess.Control.Send(&protocol.Quit{Reason: reason}, consts.Timeout5Seconds); err != nil {
		return &protocol.RemoteError{Op: "send quit", Err: err}
	}
	for {
		p, err := sess.Control.Receive(consts.Timeout30Seconds)
		if err != nil {
			if protocol.IsTimeout(err) {
				return &protocol.RemoteError{Op: "wait for exit", Err: err}
			}
			return nil
		}
		if _, ok := p.(*protocol.Quit); ok {
			return nil
		}
	}
}

func localEnv() map[string]string {
	env := make(map[string]string)
	for _, k := range forwardedEnv {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// syncWriter serializes frames and out-of-band sequences on the terminal.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
