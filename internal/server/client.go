package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/resident/internal/consts"
	"github.com/codefionn/resident/internal/inputparse"
	"github.com/codefionn/resident/internal/protocol"
	"github.com/codefionn/resident/internal/render"
)

// Error codes sent in protocol.Error.
const (
	ErrorCodeProtocol       = "protocol"
	ErrorCodeUnknownMessage = "unknown_message"
	ErrorCodeUnavailable    = "unavailable"
)

var errDetached = errors.New("client detached")

// client is one attached terminal: a control connection and, unless the
// client asked for control only, a paired data connection.
type client struct {
	id      string
	control *protocol.Conn
	data    net.Conn
	backend *render.Backend
	cols    int
	rows    int

	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.control.Close()
		if c.data != nil {
			_ = c.data.Close()
		}
	})
}

// deadlineWriter bounds every frame write so a stuck client cannot stall
// the loop.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w deadlineWriter) Write(p []byte) (int, error) {
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.Write(p)
}

// serve runs one control connection from handshake to disconnect.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	c, err := s.handshake(ctx, conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			// liveness probes connect and hang up without a hello
			s.log.Debug("connection closed before hello")
		} else {
			s.log.Warn("handshake failed: %v", err)
		}
		_ = conn.Close()
		return
	}
	if c == nil {
		_ = conn.Close()
		return
	}
	if c.data != nil {
		defer s.idle.Disconnected()
	}

	attached := &attachMsg{client: c, done: make(chan struct{})}
	if err := s.loop.Post(ctx, attached); err != nil {
		c.close()
		return
	}
	select {
	case <-attached.done:
	case <-s.loop.Done():
		c.close()
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readControl(gctx, c) })
	g.Go(func() error { return s.pingLoop(gctx, c) })
	if c.data != nil {
		g.Go(func() error { return s.readData(gctx, c) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-c.done:
		}
		c.close()
		return nil
	})

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, errDetached):
		s.log.Info("client %s detached", c.id)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.log.Info("client %s disconnected", c.id)
	case protocol.IsTimeout(err):
		s.log.Warn("client %s went silent, dropping it", c.id)
	default:
		s.log.Warn("client %s: %v", c.id, err)
	}
	_ = s.loop.Post(context.Background(), &detachMsg{client: c})
}

// handshake reads the client hello and answers it. A nil client with a nil
// error means the client was turned away.
func (s *Server) handshake(ctx context.Context, conn net.Conn) (*client, error) {
	pc := protocol.NewConn(conn)
	p, err := pc.Receive(consts.Timeout5Seconds)
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	hello, ok := p.(*protocol.ClientHello)
	if !ok {
		_ = pc.Send(&protocol.Error{Code: ErrorCodeProtocol, Message: "expected client_hello, got " + string(p.Type())}, consts.Timeout1Second)
		return nil, fmt.Errorf("unexpected %s before hello", p.Type())
	}

	accepted := !s.shuttingDown.Load()
	if accepted && !hello.ControlOnly {
		accepted = s.idle.Connected()
	}

	id := uuid.NewString()
	reply := protocol.Negotiate(hello, s.opts.Version, s.opts.Key, id, !accepted)
	if err := pc.Send(reply, consts.Timeout5Seconds); err != nil {
		if accepted && !hello.ControlOnly {
			s.idle.Disconnected()
		}
		return nil, err
	}
	if mismatch, ok := reply.(*protocol.VersionMismatch); ok {
		s.log.Info("turned away client %s (protocol %d): %s", hello.ClientVersion, hello.ProtocolVersion, mismatch.Action)
		if accepted && !hello.ControlOnly {
			s.idle.Disconnected()
		}
		return nil, nil
	}

	c := &client{id: id, control: pc, done: make(chan struct{})}
	c.cols, c.rows = normalizeSize(int(hello.Cols), int(hello.Rows))
	if hello.ControlOnly {
		return c, nil
	}

	claimCtx, cancel := context.WithTimeout(ctx, consts.Timeout10Seconds)
	defer cancel()
	data, err := s.listener.ClaimData(claimCtx, id)
	if err != nil {
		s.idle.Disconnected()
		_ = pc.Send(&protocol.Error{Code: ErrorCodeUnavailable, Message: "data channel was not opened"}, consts.Timeout1Second)
		return nil, fmt.Errorf("pairing data channel of %s: %w", id, err)
	}
	c.data = data
	c.backend = render.NewBackend(deadlineWriter{conn: data, timeout: consts.Timeout5Seconds}, render.DetectProfile(hello.Env))
	return c, nil
}

// readControl handles control messages until the client leaves or stays
// silent for longer than the liveness timeout.
func (s *Server) readControl(ctx context.Context, c *client) error {
	liveness := s.cfg.Session.LivenessTimeout.D()
	for {
		p, err := c.control.Receive(liveness)
		if err != nil {
			if protocol.IsDecodeError(err) {
				_ = c.control.Send(&protocol.Error{Code: ErrorCodeUnknownMessage, Message: err.Error()}, consts.Timeout1Second)
				continue
			}
			return err
		}

		switch m := p.(type) {
		case *protocol.Resize:
			if err := s.loop.Post(ctx, &resizeMsg{client: c, cols: int(m.Cols), rows: int(m.Rows)}); err != nil {
				return err
			}
		case *protocol.Ping:
			if err := c.control.Send(&protocol.Pong{}, consts.Timeout5Seconds); err != nil {
				return err
			}
		case *protocol.Pong:
		case *protocol.Detach:
			return errDetached
		case *protocol.Quit:
			reason := m.Reason
			if reason == "" {
				reason = "quit requested"
			}
			s.requestQuit(reason)
		default:
			_ = c.control.Send(&protocol.Error{Code: ErrorCodeProtocol, Message: "unexpected " + string(p.Type())}, consts.Timeout1Second)
		}
	}
}

// readData parses the client's input and hands it to the loop. The next
// read happens only after the loop has rendered the previous batch.
func (s *Server) readData(ctx context.Context, c *client) error {
	parser := inputparse.NewParser()
	buf := make([]byte, consts.BufferSize4KB)
	for {
		if parser.Pending() {
			_ = c.data.SetReadDeadline(time.Now().Add(consts.Timeout25Milliseconds))
		} else {
			_ = c.data.SetReadDeadline(time.Time{})
		}

		n, err := c.data.Read(buf)
		var events []inputparse.Event
		if n > 0 {
			events = parser.Feed(buf[:n])
		}
		if err != nil {
			if !protocol.IsTimeout(err) {
				return err
			}
			events = append(events, parser.Flush()...)
		}
		if len(events) == 0 {
			continue
		}

		m := &inputMsg{client: c, events: events, done: make(chan struct{})}
		if err := s.loop.Post(ctx, m); err != nil {
			return err
		}
		select {
		case <-m.done:
		case <-c.done:
			return net.ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) pingLoop(ctx context.Context, c *client) error {
	interval := s.cfg.Session.PingInterval.D()
	if interval <= 0 {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-ticker.C:
			if err := c.control.Send(&protocol.Ping{}, consts.Timeout5Seconds); err != nil {
				return err
			}
		}
	}
}
