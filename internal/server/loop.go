package server

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/codefionn/resident/internal/actor"
	"github.com/codefionn/resident/internal/consts"
	"github.com/codefionn/resident/internal/core"
	"github.com/codefionn/resident/internal/logger"
	"github.com/codefionn/resident/internal/protocol"
	"github.com/codefionn/resident/internal/ptymgr"
	"github.com/codefionn/resident/internal/render"
)

// deadPaneGrace is how long an exited pane nobody shows is kept around.
const deadPaneGrace = 5 * time.Minute

// loop is the single writer over the core. Every client, pane and timer
// goroutine talks to it through its mailbox.
type loop struct {
	s    *Server
	core core.Core
	log  *logger.Logger

	// clients in attach order. The first one with a data channel is the
	// primary: its input drives the core and its size governs the frame.
	clients []*client
	canvas  *render.Canvas
	cols    int
	rows    int
	title   string

	limiter       *rate.Limiter
	redrawPending bool
}

func newLoop(s *Server, c core.Core, maxFPS int) *loop {
	return &loop{
		s:       s,
		core:    c,
		log:     logger.Global().WithPrefix("loop"),
		cols:    consts.DefaultCols,
		rows:    consts.DefaultRows,
		limiter: rate.NewLimiter(rate.Limit(maxFPS), 1),
	}
}

func (l *loop) ID() string { return "session-loop" }

func (l *loop) Start(ctx context.Context) error {
	l.core.Resize(l.cols, l.rows)
	return nil
}

func (l *loop) Stop(ctx context.Context) error { return nil }

func (l *loop) Receive(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case *attachMsg:
		l.attach(m.client)
		close(m.done)
	case *detachMsg:
		l.remove(m.client)
	case *inputMsg:
		l.input(m.client, m)
		close(m.done)
	case *resizeMsg:
		m.client.cols, m.client.rows = normalizeSize(m.cols, m.rows)
		if l.primary() == m.client {
			l.resize(m.client.cols, m.client.rows)
			l.render()
		}
	case *paneMsg:
		if l.core.OnPane(m.event) {
			l.scheduleRedraw()
		}
	case *redrawMsg:
		l.redrawPending = false
		l.render()
	case *snapshotMsg:
		m.reply <- l.core.Snapshot()
	case *sweepMsg:
		l.sweep()
	case *quitMsg:
		l.quit(m.reason)
		close(m.done)
	default:
		return fmt.Errorf("unexpected message %s", msg.Type())
	}
	return nil
}

func (l *loop) primary() *client {
	for _, c := range l.clients {
		if c.data != nil {
			return c
		}
	}
	return nil
}

func (l *loop) attachedCount() int {
	n := 0
	for _, c := range l.clients {
		if c.data != nil {
			n++
		}
	}
	return n
}

func (l *loop) attach(c *client) {
	l.clients = append(l.clients, c)
	if c.data == nil {
		return
	}
	role := "mirror"
	if l.primary() == c {
		role = "primary"
		l.resize(c.cols, c.rows)
	}
	l.log.Info("client %s attached as %s (%dx%d, %s)", c.id, role, c.cols, c.rows, c.backend.Profile())
	if l.title != "" {
		l.send(c, &protocol.SetTitle{Title: l.title})
	}
	l.publishClients()
	l.render()
}

// remove forgets c. When the primary leaves, the next client in attach
// order takes over and the frame is redrawn at its size.
func (l *loop) remove(c *client) {
	idx := -1
	for i, other := range l.clients {
		if other == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	wasPrimary := l.primary() == c
	l.clients = append(l.clients[:idx], l.clients[idx+1:]...)
	c.close()
	if c.data == nil {
		return
	}

	l.log.Info("client %s left", c.id)
	l.publishClients()
	if next := l.primary(); wasPrimary && next != nil {
		l.log.Info("client %s is now primary", next.id)
		l.resize(next.cols, next.rows)
		l.render()
	}
}

func (l *loop) publishClients() {
	if err := l.s.claim.SetClients(l.attachedCount(), time.Now()); err != nil {
		l.log.Warn("failed to update registry entry: %v", err)
	}
}

func (l *loop) resize(cols, rows int) {
	if cols == l.cols && rows == l.rows {
		return
	}
	l.cols, l.rows = cols, rows
	l.core.Resize(cols, rows)
}

// input applies one batch read from c. Input from anyone but the primary
// is dropped.
func (l *loop) input(c *client, m *inputMsg) {
	if l.primary() != c {
		return
	}
	var fx core.Effects
	for _, ev := range m.events {
		fx.Merge(l.core.HandleEvent(ev))
	}
	l.apply(c, fx)
}

func (l *loop) apply(origin *client, fx core.Effects) {
	if fx.Dirty {
		l.s.ckpt.MarkDirty()
	}
	if fx.Saved {
		l.s.ckpt.Saved()
	}
	if fx.Title != "" && fx.Title != l.title {
		l.title = fx.Title
		for _, c := range l.clients {
			if c.data != nil {
				l.send(c, &protocol.SetTitle{Title: fx.Title})
			}
		}
	}
	if fx.Bell {
		l.send(origin, &protocol.Bell{})
	}
	if fx.Clipboard != "" {
		if err := origin.backend.Write(render.ClipboardSequence(fx.Clipboard)); err != nil {
			l.drop(origin, err)
		}
	}

	l.render()

	if fx.Detach {
		l.send(origin, &protocol.Detach{Reason: "detached"})
		l.remove(origin)
	}
	if fx.Quit {
		l.s.requestQuit("quit by user")
	}
}

// render draws the core once and brings every attached client up to date.
func (l *loop) render() {
	if l.primary() == nil {
		return
	}
	if l.canvas == nil {
		l.canvas = render.NewCanvas(l.cols, l.rows)
	} else if cols, rows := l.canvas.Size(); cols != l.cols || rows != l.rows {
		l.canvas = render.NewCanvas(l.cols, l.rows)
	}
	l.canvas.Clear()
	l.core.Render(l.canvas)

	var failed []*client
	var errs []error
	for _, c := range l.clients {
		if c.backend == nil {
			continue
		}
		if _, err := c.backend.Present(l.canvas); err != nil {
			failed = append(failed, c)
			errs = append(errs, err)
		}
	}
	for i, c := range failed {
		l.drop(c, errs[i])
	}
}

// drop disconnects a client whose data channel failed.
func (l *loop) drop(c *client, err error) {
	l.log.Warn("dropping client %s: %v", c.id, err)
	l.remove(c)
}

func (l *loop) send(c *client, p protocol.Payload) {
	if err := c.control.Send(p, consts.Timeout1Second); err != nil {
		l.log.Debug("failed to send %s to %s: %v", p.Type(), c.id, err)
	}
}

// scheduleRedraw renders pane driven changes at most MaxFPS times a
// second, coalescing whatever arrives in between.
func (l *loop) scheduleRedraw() {
	if l.redrawPending {
		return
	}
	delay := l.limiter.Reserve().Delay()
	if delay <= 0 {
		l.render()
		return
	}
	l.redrawPending = true
	ref := l.s.loop
	time.AfterFunc(delay, func() {
		_ = ref.Post(context.Background(), &redrawMsg{})
	})
}

func (l *loop) sweep() {
	used := make(map[ptymgr.ID]bool)
	if pu, ok := l.core.(core.PaneUser); ok {
		for _, id := range pu.Panes() {
			used[id] = true
		}
	}
	if n := l.s.panes.SweepDead(deadPaneGrace, func(id ptymgr.ID) bool { return used[id] }); n > 0 {
		l.log.Info("swept %d exited panes", n)
	}
}

// quit tells every client the session is over and disconnects them.
func (l *loop) quit(reason string) {
	for _, c := range l.clients {
		l.send(c, &protocol.Quit{Reason: reason})
		c.close()
	}
	l.clients = nil
}

func normalizeSize(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = consts.DefaultCols
	}
	if rows <= 0 {
		rows = consts.DefaultRows
	}
	return cols, rows
}
