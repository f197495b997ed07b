// Package scratch is the built-in application core: a small multi-window
// text editor with shell panes. It exists so a session is useful without
// an external editor engine and so the server can be exercised end to end.
//
// Bindings: typing edits, arrows/Home/End/PageUp/PageDown move, Ctrl-S
// saves, Ctrl-F searches, Ctrl-T opens a shell, Ctrl-W closes a window,
// Ctrl-N/Ctrl-P switch windows, Ctrl-B toggles a bookmark, Ctrl-G jumps to
// the next bookmark, Ctrl-Y copies the current line, Ctrl-\ detaches and
// Ctrl-Q quits.
package scratch

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/codefionn/resident/internal/checkpoint"
	"github.com/codefionn/resident/internal/core"
	"github.com/codefionn/resident/internal/inputparse"
	"github.com/codefionn/resident/internal/logger"
	"github.com/codefionn/resident/internal/ptymgr"
)

const maxSearchHistory = 50

type windowKind int

const (
	windowBuffer windowKind = iota
	windowTerminal
	// windowPlaceholder stands for a terminal of a previous server whose
	// process is gone.
	windowPlaceholder
)

type window struct {
	kind   windowKind
	buffer *buffer
	pane   ptymgr.ID
	term   checkpoint.Terminal
	exited bool
	code   int
}

// Editor implements core.Core.
type Editor struct {
	host    core.Host
	workDir string
	shell   string
	log     *logger.Logger

	cols, rows int
	windows    []*window
	focus      int

	bookmarks map[string]map[int]bool
	history   []string

	prompting bool
	prompt    []rune
	status    string
}

var (
	_ core.Core     = (*Editor)(nil)
	_ core.PaneUser = (*Editor)(nil)
)

// New returns an editor with opts.Files open, or a scratch buffer when
// there are none.
func New(opts core.Options) *Editor {
	e := &Editor{
		host:      opts.Host,
		workDir:   opts.WorkDir,
		shell:     opts.Shell,
		log:       logger.Global().WithPrefix("scratch"),
		cols:      80,
		rows:      24,
		bookmarks: make(map[string]map[int]bool),
	}
	for _, path := range opts.Files {
		if !filepath.IsAbs(path) {
			path = filepath.Join(e.workDir, path)
		}
		b, err := loadBuffer(path)
		if err != nil {
			e.status = err.Error()
			continue
		}
		e.windows = append(e.windows, &window{kind: windowBuffer, buffer: b})
	}
	e.ensureWindow()
	return e
}

// Factory builds an Editor as a core.Core.
func Factory(opts core.Options) core.Core {
	return New(opts)
}

func (e *Editor) ensureWindow() {
	if len(e.windows) == 0 {
		e.windows = []*window{{kind: windowBuffer, buffer: newBuffer("")}}
		e.focus = 0
	}
}

func (e *Editor) current() *window {
	return e.windows[e.focus]
}

// contentSize is the area above the status line.
func (e *Editor) contentSize() ptymgr.Size {
	return ptymgr.Size{Cols: e.cols, Rows: max(e.rows-1, 1)}
}

// Resize implements core.Core.
func (e *Editor) Resize(cols, rows int) {
	e.cols, e.rows = max(cols, 1), max(rows, 1)
	for _, w := range e.windows {
		if w.kind == windowTerminal && !w.exited {
			if err := e.host.Resize(w.pane, e.contentSize()); err != nil {
				e.log.Debug("resize pane %s: %v", w.pane, err)
			}
		}
	}
}

// HandleEvent implements core.Core.
func (e *Editor) HandleEvent(ev inputparse.Event) core.Effects {
	if e.prompting {
		return e.handlePrompt(ev)
	}

	if fx, ok := e.handleGlobal(ev); ok {
		return fx
	}

	w := e.current()
	switch w.kind {
	case windowTerminal:
		return e.handleTerminal(w, ev)
	case windowBuffer:
		return e.handleBuffer(w.buffer, ev)
	}
	return core.Effects{}
}

func (e *Editor) handleGlobal(ev inputparse.Event) (core.Effects, bool) {
	if ev.Kind != inputparse.KindKey || ev.Mod != inputparse.ModCtrl || ev.Key != inputparse.KeyRune {
		return core.Effects{}, false
	}
	switch ev.Rune {
	case 'q':
		return core.Effects{Quit: true}, true
	case '\\':
		return core.Effects{Detach: true}, true
	case 'n':
		return e.switchWindow(1), true
	case 'p':
		return e.switchWindow(-1), true
	case 't':
		return e.openShell(), true
	case 'w':
		return e.closeWindow(), true
	}
	return core.Effects{}, false
}

func (e *Editor) switchWindow(delta int) core.Effects {
	if len(e.windows) < 2 {
		return core.Effects{Bell: true}
	}
	e.focus = (e.focus + delta + len(e.windows)) % len(e.windows)
	e.status = ""
	return core.Effects{Dirty: true, Title: e.title()}
}

func (e *Editor) title() string {
	w := e.current()
	switch w.kind {
	case windowBuffer:
		return "resident: " + w.buffer.name()
	default:
		return "resident: " + filepath.Base(w.term.Command)
	}
}

func (e *Editor) openShell() core.Effects {
	spec := ptymgr.Spec{
		Command: e.shell,
		Dir:     e.workDir,
		Env:     map[string]string{"TERM": "dumb"},
		Size:    e.contentSize(),
	}
	id, err := e.host.Open(spec)
	if err != nil {
		e.status = err.Error()
		return core.Effects{Bell: true}
	}
	e.windows = append(e.windows, &window{
		kind: windowTerminal,
		pane: id,
		term: checkpoint.Terminal{Pane: string(id), Command: spec.Command, Dir: spec.Dir},
	})
	e.focus = len(e.windows) - 1
	return core.Effects{Dirty: true, Title: e.title()}
}

func (e *Editor) closeWindow() core.Effects {
	w := e.current()
	switch w.kind {
	case windowBuffer:
		if w.buffer.dirty {
			e.status = "unsaved changes in " + w.buffer.name() + " (Ctrl-S to save)"
			return core.Effects{Bell: true}
		}
	case windowTerminal:
		if err := e.host.Close(w.pane); err != nil {
			e.log.Debug("close pane %s: %v", w.pane, err)
		}
	}
	e.windows = append(e.windows[:e.focus], e.windows[e.focus+1:]...)
	e.focus = min(e.focus, len(e.windows)-1)
	e.ensureWindow()
	e.status = ""
	return core.Effects{Dirty: true, Title: e.title()}
}

func (e *Editor) handleTerminal(w *window, ev inputparse.Event) core.Effects {
	if w.exited || len(ev.Raw) == 0 || ev.Kind == inputparse.KindMouse || ev.Kind == inputparse.KindFocus {
		return core.Effects{}
	}
	if err := e.host.Write(w.pane, ev.Raw); err != nil {
		e.status = err.Error()
		return core.Effects{Bell: true}
	}
	return core.Effects{}
}

func (e *Editor) handleBuffer(b *buffer, ev inputparse.Event) core.Effects {
	height := e.contentSize().Rows
	fx := core.Effects{Dirty: true}

	switch ev.Kind {
	case inputparse.KindPaste:
		b.insert(ev.Text)
	case inputparse.KindMouse:
		if ev.Mouse.Action == inputparse.MousePress && ev.Mouse.Button == inputparse.MouseLeft && ev.Mouse.Y < height {
			b.cursor.Line = b.scroll + ev.Mouse.Y
			// text starts after the one column gutter
			b.cursor.Col = columnToIndex(b.lines[min(b.cursor.Line, len(b.lines)-1)], ev.Mouse.X-1)
			b.clamp()
		} else {
			return core.Effects{}
		}
	case inputparse.KindFocus:
		return core.Effects{}
	default:
		return e.handleBufferKey(b, ev, height)
	}
	b.scrollTo(height)
	return fx
}

func (e *Editor) handleBufferKey(b *buffer, ev inputparse.Event, height int) core.Effects {
	fx := core.Effects{Dirty: true}
	switch {
	case ev.IsRune('s', inputparse.ModCtrl):
		if err := b.save(); err != nil {
			e.status = err.Error()
			return core.Effects{Bell: true}
		}
		e.status = "saved " + b.path
		fx.Saved = true
	case ev.IsRune('f', inputparse.ModCtrl):
		e.prompting = true
		e.prompt = e.prompt[:0]
		e.status = ""
		return core.Effects{}
	case ev.IsRune('b', inputparse.ModCtrl):
		e.toggleBookmark(b)
	case ev.IsRune('g', inputparse.ModCtrl):
		if !e.nextBookmark(b) {
			return core.Effects{Bell: true}
		}
	case ev.IsRune('y', inputparse.ModCtrl):
		e.status = "copied line " + fmt.Sprint(b.cursor.Line+1)
		return core.Effects{Clipboard: string(b.line())}
	case ev.Key == inputparse.KeyRune && ev.Mod&(inputparse.ModCtrl|inputparse.ModAlt|inputparse.ModMeta) == 0:
		b.insert(string(ev.Rune))
	case ev.Is(inputparse.KeyEnter, 0):
		b.newline()
	case ev.Is(inputparse.KeyTab, 0):
		b.insert(strings.Repeat(" ", 4-b.cursor.Col%4))
	case ev.Is(inputparse.KeyBackspace, 0):
		if !b.backspace() {
			return core.Effects{Bell: true}
		}
	case ev.Is(inputparse.KeyDelete, 0):
		if !b.deleteForward() {
			return core.Effects{Bell: true}
		}
	case ev.Is(inputparse.KeyUp, 0):
		b.move(-1, 0)
	case ev.Is(inputparse.KeyDown, 0):
		b.move(1, 0)
	case ev.Is(inputparse.KeyLeft, 0):
		b.move(0, -1)
	case ev.Is(inputparse.KeyRight, 0):
		b.move(0, 1)
	case ev.Is(inputparse.KeyHome, 0):
		b.cursor.Col = 0
	case ev.Is(inputparse.KeyEnd, 0):
		b.cursor.Col = len(b.line())
	case ev.Is(inputparse.KeyPageUp, 0):
		b.move(-height, 0)
	case ev.Is(inputparse.KeyPageDown, 0):
		b.move(height, 0)
	default:
		return core.Effects{}
	}
	b.scrollTo(height)
	return fx
}

func (e *Editor) handlePrompt(ev inputparse.Event) core.Effects {
	switch {
	case ev.Is(inputparse.KeyEscape, 0), ev.IsRune('c', inputparse.ModCtrl):
		e.prompting = false
	case ev.Is(inputparse.KeyEnter, 0):
		e.prompting = false
		return e.search(string(e.prompt))
	case ev.Is(inputparse.KeyBackspace, 0):
		if len(e.prompt) > 0 {
			e.prompt = e.prompt[:len(e.prompt)-1]
		}
	case ev.Is(inputparse.KeyUp, 0):
		if n := len(e.history); n > 0 {
			e.prompt = []rune(e.history[n-1])
		}
	case ev.Kind == inputparse.KindPaste:
		e.prompt = append(e.prompt, []rune(strings.ReplaceAll(ev.Text, "\n", " "))...)
	case ev.Key == inputparse.KeyRune && ev.Mod&(inputparse.ModCtrl|inputparse.ModAlt|inputparse.ModMeta) == 0:
		e.prompt = append(e.prompt, ev.Rune)
	}
	return core.Effects{}
}

func (e *Editor) search(query string) core.Effects {
	if query == "" {
		return core.Effects{}
	}
	e.history = append(e.history, query)
	if len(e.history) > maxSearchHistory {
		e.history = e.history[len(e.history)-maxSearchHistory:]
	}

	fx := core.Effects{Dirty: true}
	w := e.current()
	if w.kind != windowBuffer || !w.buffer.find(query) {
		e.status = "not found: " + query
		fx.Bell = true
		return fx
	}
	w.buffer.scrollTo(e.contentSize().Rows)
	e.status = ""
	return fx
}

func (e *Editor) toggleBookmark(b *buffer) {
	key := b.path
	lines := e.bookmarks[key]
	if lines == nil {
		lines = make(map[int]bool)
		e.bookmarks[key] = lines
	}
	line := b.cursor.Line
	if lines[line] {
		delete(lines, line)
		e.status = fmt.Sprintf("bookmark removed at line %d", line+1)
		return
	}
	lines[line] = true
	e.status = fmt.Sprintf("bookmark set at line %d", line+1)
}

func (e *Editor) nextBookmark(b *buffer) bool {
	marks := sortedLines(e.bookmarks[b.path])
	if len(marks) == 0 {
		return false
	}
	next := marks[0]
	for _, l := range marks {
		if l > b.cursor.Line {
			next = l
			break
		}
	}
	b.cursor = checkpoint.Position{Line: next}
	b.clamp()
	b.scrollTo(e.contentSize().Rows)
	return true
}

func sortedLines(set map[int]bool) []int {
	out := make([]int, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

// OnPane implements core.Core.
func (e *Editor) OnPane(ev ptymgr.Event) bool {
	for i, w := range e.windows {
		if w.kind != windowTerminal || w.pane != ev.Pane {
			continue
		}
		if ev.Kind == ptymgr.EventExited {
			w.exited = true
			w.code = ev.ExitCode
			return true
		}
		return i == e.focus
	}
	return false
}

// Panes implements core.PaneUser.
func (e *Editor) Panes() []ptymgr.ID {
	var out []ptymgr.ID
	for _, w := range e.windows {
		if w.kind == windowTerminal {
			out = append(out, w.pane)
		}
	}
	return out
}

// Snapshot implements core.Core.
func (e *Editor) Snapshot() *checkpoint.Snapshot {
	snap := &checkpoint.Snapshot{
		SearchHistory: append([]string(nil), e.history...),
		Layout:        checkpoint.Layout{Focus: e.focus},
	}
	for _, w := range e.windows {
		switch w.kind {
		case windowBuffer:
			b := w.buffer
			stored := checkpoint.Buffer{Path: b.path, Dirty: b.dirty, Cursor: b.cursor, Scroll: b.scroll}
			if b.dirty || b.path == "" {
				stored.Unsaved = b.content()
			}
			snap.Layout.Windows = append(snap.Layout.Windows, checkpoint.Window{Kind: checkpoint.WindowBuffer, Buffer: len(snap.Buffers)})
			snap.Buffers = append(snap.Buffers, stored)
		default:
			snap.Layout.Windows = append(snap.Layout.Windows, checkpoint.Window{Kind: checkpoint.WindowTerminal, Terminal: w.term.Pane})
			snap.Terminals = append(snap.Terminals, w.term)
		}
	}

	paths := make([]string, 0, len(e.bookmarks))
	for path := range e.bookmarks {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		for _, line := range sortedLines(e.bookmarks[path]) {
			snap.Bookmarks = append(snap.Bookmarks, checkpoint.Bookmark{Path: path, Line: line})
		}
	}
	return snap
}

// Restore implements core.Core. Terminal windows come back as inert
// placeholders; their processes died with the previous server.
func (e *Editor) Restore(s *checkpoint.Snapshot) {
	terms := make(map[string]checkpoint.Terminal, len(s.Terminals))
	for _, t := range s.Terminals {
		terms[t.Pane] = t
	}

	var windows []*window
	for _, sw := range s.Layout.Windows {
		switch sw.Kind {
		case checkpoint.WindowBuffer:
			if sw.Buffer < 0 || sw.Buffer >= len(s.Buffers) {
				continue
			}
			windows = append(windows, &window{kind: windowBuffer, buffer: e.restoreBuffer(s.Buffers[sw.Buffer])})
		case checkpoint.WindowTerminal:
			t, ok := terms[sw.Terminal]
			if !ok {
				t = checkpoint.Terminal{Pane: sw.Terminal}
			}
			windows = append(windows, &window{kind: windowPlaceholder, term: t, exited: true})
		}
	}
	if len(windows) == 0 {
		return
	}

	e.windows = windows
	e.focus = min(max(s.Layout.Focus, 0), len(windows)-1)
	e.history = append([]string(nil), s.SearchHistory...)
	e.bookmarks = make(map[string]map[int]bool)
	for _, bm := range s.Bookmarks {
		if e.bookmarks[bm.Path] == nil {
			e.bookmarks[bm.Path] = make(map[int]bool)
		}
		e.bookmarks[bm.Path][bm.Line] = true
	}
	e.status = "restored from checkpoint"
}

func (e *Editor) restoreBuffer(sb checkpoint.Buffer) *buffer {
	var b *buffer
	if sb.Unsaved != nil {
		b = newBuffer(sb.Path)
		b.setContent(sb.Unsaved)
	} else {
		var err error
		if b, err = loadBuffer(sb.Path); err != nil {
			e.log.Warn("restore %s: %v", sb.Path, err)
			b = newBuffer(sb.Path)
		}
	}
	b.dirty = sb.Dirty
	b.cursor = sb.Cursor
	b.scroll = sb.Scroll
	b.clamp()
	return b
}
