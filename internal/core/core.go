// Package core defines what the session server needs from the interactive
// application it hosts. The server owns input, rendering and persistence
// plumbing; a Core owns everything the user actually edits.
package core

import (
	"github.com/codefionn/resident/internal/checkpoint"
	"github.com/codefionn/resident/internal/inputparse"
	"github.com/codefionn/resident/internal/ptymgr"
	"github.com/codefionn/resident/internal/render"
)

// Host gives a core access to the session's terminal panes.
type Host interface {
	Open(spec ptymgr.Spec) (ptymgr.ID, error)
	Write(id ptymgr.ID, data []byte) error
	Resize(id ptymgr.ID, size ptymgr.Size) error
	Close(id ptymgr.ID) error
	Tail(id ptymgr.ID, n int) ([]byte, error)
	Info(id ptymgr.ID) (ptymgr.Info, error)
}

var _ Host = (*ptymgr.Manager)(nil)

// Effects are the side effects of handling one event that the server acts
// on after the event was applied.
type Effects struct {
	// Quit ends the session after a final checkpoint.
	Quit bool
	// Detach disconnects the client that sent the event.
	Detach bool
	// Saved means a buffer was written to disk.
	Saved bool
	// Dirty means checkpointed state changed.
	Dirty bool
	// Bell rings the client's terminal.
	Bell bool
	// Title, when set, becomes the client's window title.
	Title string
	// Clipboard, when set, is copied to the client's clipboard.
	Clipboard string
}

// Merge folds o into e. Later titles and clipboard contents win.
func (e *Effects) Merge(o Effects) {
	e.Quit = e.Quit || o.Quit
	e.Detach = e.Detach || o.Detach
	e.Saved = e.Saved || o.Saved
	e.Dirty = e.Dirty || o.Dirty
	e.Bell = e.Bell || o.Bell
	if o.Title != "" {
		e.Title = o.Title
	}
	if o.Clipboard != "" {
		e.Clipboard = o.Clipboard
	}
}

// Core is the hosted application. All methods are called from the
// server's single loop goroutine, never concurrently.
type Core interface {
	// Resize sets the size the next Render draws at.
	Resize(cols, rows int)
	// HandleEvent applies one input event.
	HandleEvent(ev inputparse.Event) Effects
	// Render draws the current state onto c, which has the last Resize size.
	Render(c *render.Canvas)
	// OnPane is told about pane output and exits. It returns true when the
	// screen needs a redraw.
	OnPane(ev ptymgr.Event) bool
	// Snapshot captures the state to checkpoint.
	Snapshot() *checkpoint.Snapshot
	// Restore rebuilds state from a checkpoint. It is called at most once,
	// before the first client attaches.
	Restore(s *checkpoint.Snapshot)
}

// PaneUser is implemented by cores that keep exited panes on screen. The
// server does not sweep panes the core still uses.
type PaneUser interface {
	Panes() []ptymgr.ID
}

// Options are handed to a Factory.
type Options struct {
	Host    Host
	WorkDir string
	Shell   string
	// Files are opened as buffers when nothing is restored.
	Files []string
}

// Factory builds the core for a new session.
type Factory func(opts Options) Core
