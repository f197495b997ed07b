// Package server is the session daemon. It owns the session's core, its
// terminal panes and its checkpoint, and serves any number of clients
// over the session's control and data sockets. All state changes run on
// one loop goroutine; connection, pane and timer goroutines only post to
// it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/resident/internal/actor"
	"github.com/codefionn/resident/internal/checkpoint"
	"github.com/codefionn/resident/internal/config"
	"github.com/codefionn/resident/internal/consts"
	"github.com/codefionn/resident/internal/core"
	"github.com/codefionn/resident/internal/idle"
	"github.com/codefionn/resident/internal/logger"
	"github.com/codefionn/resident/internal/ptymgr"
	"github.com/codefionn/resident/internal/registry"
	"github.com/codefionn/resident/internal/transport"
)

// sweepInterval is how often exited panes are checked for removal.
const sweepInterval = time.Minute

// Options configure a Server.
type Options struct {
	Config *config.Config
	// Key is the session key; Name is the user facing name, if any.
	Key     string
	Name    string
	WorkDir string
	Version string
	// IdleTimeout ends the session after this long without clients. Zero
	// keeps it running.
	IdleTimeout time.Duration
	// Core builds the hosted application.
	Core core.Factory
	// Files are opened by the core when there is no checkpoint.
	Files []string
	// Spawner starts pane processes; nil uses local pseudo terminals.
	Spawner ptymgr.Spawner
	// Logger receives the server log; nil uses the global logger.
	Logger *logger.Logger
}

// Server is one session daemon.
type Server struct {
	opts Options
	cfg  *config.Config
	log  *logger.Logger

	reg      *registry.Registry
	claim    *registry.Claim
	listener *transport.Listener
	spill    ptymgr.SpillStore
	panes    *ptymgr.Manager
	ckpt     *checkpoint.Manager
	idle     *idle.Controller
	loop     *actor.ActorRef

	// stop cancels every connection and background goroutine.
	stop         context.CancelFunc
	shuttingDown atomic.Bool
	quit         chan struct{}
	quitOnce     sync.Once
	quitReason   string
	conns        sync.WaitGroup
}

// New returns a server that has not started yet.
func New(opts Options) *Server {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	log := opts.Logger
	if log == nil {
		log = logger.Global().WithPrefix("server")
	}
	return &Server{
		opts: opts,
		cfg:  opts.Config,
		log:  log,
		reg:  registry.New(opts.Config.Paths.RuntimeDir),
		quit: make(chan struct{}),
	}
}

// Key returns the session key.
func (s *Server) Key() string {
	return s.opts.Key
}

// Run serves the session until a client quits it, the idle timeout
// expires or ctx is cancelled. Every way out takes a final checkpoint. It
// returns an error wrapping registry.ErrAlive when another server owns the
// key.
func (s *Server) Run(ctx context.Context) error {
	if s.opts.Core == nil {
		return errors.New("no core configured")
	}

	claim, err := s.reg.Claim(s.opts.Key)
	if err != nil {
		return err
	}
	s.claim = claim
	defer func() {
		if err := claim.Release(); err != nil {
			s.log.Warn("failed to release session lock: %v", err)
		}
	}()

	s.openPanes()
	defer func() {
		if s.spill != nil {
			_ = s.spill.Close()
		}
	}()

	app := s.opts.Core(core.Options{
		Host:    s.panes,
		WorkDir: s.opts.WorkDir,
		Shell:   s.cfg.Terminal.Shell,
		Files:   s.opts.Files,
	})

	store := checkpoint.NewStore(s.cfg.CheckpointDir())
	s.ckpt = checkpoint.NewManager(store, s.opts.Key, s.cfg.Session.CheckpointInterval.D(), s.snapshot)
	if snap, ok := s.ckpt.Restore(); ok {
		app.Restore(snap)
	}

	listener, err := transport.Listen(s.reg.Endpoint(s.opts.Key))
	if err != nil {
		s.panes.Shutdown(context.Background())
		return fmt.Errorf("failed to create session endpoint: %w", err)
	}
	s.listener = listener

	s.loop = actor.NewActorRef("loop-"+s.opts.Key, newLoop(s, app, s.cfg.Terminal.MaxFPS), consts.LoopMailboxSize)
	if err := s.loop.Start(context.Background()); err != nil {
		listener.Close()
		s.panes.Shutdown(context.Background())
		return fmt.Errorf("failed to start session loop: %w", err)
	}

	ep := listener.Endpoint()
	if err := claim.Publish(registry.Entry{
		Name:        s.opts.Name,
		WorkDir:     s.opts.WorkDir,
		ControlPath: ep.Control,
		DataPath:    ep.Data,
		Version:     s.opts.Version,
	}); err != nil {
		s.stop = func() {}
		s.shutdown("failed to register")
		return fmt.Errorf("failed to register session: %w", err)
	}

	s.idle = idle.New(s.opts.IdleTimeout, func() { s.requestQuit("idle timeout") })

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.stop = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error {
		s.ckpt.Run(gctx)
		return nil
	})
	g.Go(func() error { return s.forwardPanes(gctx) })
	g.Go(func() error { return s.sweepLoop(gctx) })

	s.log.Info("session %s serving %s (pid %d, idle timeout %s)", s.opts.Key, s.opts.WorkDir, os.Getpid(), s.opts.IdleTimeout)

	var reason string
	select {
	case <-ctx.Done():
		reason = "server terminated"
	case <-s.quit:
		reason = s.quitReason
	case <-gctx.Done():
		reason = "server failed"
	}

	s.shutdown(reason)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) openPanes() {
	if s.cfg.Terminal.SpillEnabled {
		spill, err := ptymgr.OpenSQLiteSpill(s.cfg.SpillPath(s.opts.Key))
		if err != nil {
			s.log.Warn("scrollback spill disabled: %v", err)
		} else {
			s.spill = spill
		}
	}
	s.panes = ptymgr.NewManager(ptymgr.Options{
		Spawner:         s.opts.Spawner,
		Spill:           s.spill,
		ScrollbackBytes: s.cfg.Terminal.ScrollbackBytes,
	})
}

// requestQuit ends Run. Only the first reason is kept.
func (s *Server) requestQuit(reason string) {
	s.quitOnce.Do(func() {
		s.quitReason = reason
		close(s.quit)
	})
}

// shutdown checkpoints, says goodbye to every client and stops the
// background work.
func (s *Server) shutdown(reason string) {
	s.log.Info("session %s shutting down: %s", s.opts.Key, reason)
	s.shuttingDown.Store(true)
	if s.idle != nil {
		s.idle.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout10Seconds)
	defer cancel()

	if err := s.ckpt.Checkpoint(ctx); err != nil {
		s.log.Error("final checkpoint failed: %v", err)
	}

	bye := &quitMsg{reason: reason, done: make(chan struct{})}
	if err := s.loop.Post(ctx, bye); err == nil {
		select {
		case <-bye.done:
		case <-ctx.Done():
		}
	}

	_ = s.listener.Close()
	s.requestQuit(reason)
	s.stop()
	s.conns.Wait()

	if err := s.loop.Stop(ctx); err != nil {
		s.log.Warn("session loop did not stop: %v", err)
	}

	paneCtx, paneCancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
	defer paneCancel()
	s.panes.Shutdown(paneCtx)
}

// snapshot asks the loop for the core's state.
func (s *Server) snapshot(ctx context.Context) (*checkpoint.Snapshot, error) {
	m := &snapshotMsg{reply: make(chan *checkpoint.Snapshot, 1)}
	if err := s.loop.Post(ctx, m); err != nil {
		return nil, err
	}
	select {
	case snap := <-m.reply:
		return snap, nil
	case <-s.loop.Done():
		return nil, actor.ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("Error accepting connection: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(consts.Timeout25Milliseconds):
			}
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serve(ctx, conn)
		}()
	}
}

// forwardPanes moves pane events onto the loop.
func (s *Server) forwardPanes(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.panes.Events():
			if err := s.loop.Post(ctx, &paneMsg{event: ev}); err != nil {
				return nil
			}
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = s.loop.Send(&sweepMsg{})
		}
	}
}
