package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/resident/internal/core"
	"github.com/codefionn/resident/internal/inputparse"
	"github.com/codefionn/resident/internal/ptymgr"
	"github.com/codefionn/resident/internal/render"
)

type fakeHost struct {
	next    int
	output  map[ptymgr.ID][]byte
	written map[ptymgr.ID][]byte
	sizes   map[ptymgr.ID]ptymgr.Size
	closed  []ptymgr.ID
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		output:  make(map[ptymgr.ID][]byte),
		written: make(map[ptymgr.ID][]byte),
		sizes:   make(map[ptymgr.ID]ptymgr.Size),
	}
}

func (h *fakeHost) Open(spec ptymgr.Spec) (ptymgr.ID, error) {
	h.next++
	id := ptymgr.ID(fmt.Sprintf("pane-%d", h.next))
	h.sizes[id] = spec.Size
	return id, nil
}

func (h *fakeHost) Write(id ptymgr.ID, data []byte) error {
	h.written[id] = append(h.written[id], data...)
	return nil
}

func (h *fakeHost) Resize(id ptymgr.ID, size ptymgr.Size) error {
	h.sizes[id] = size
	return nil
}

func (h *fakeHost) Close(id ptymgr.ID) error {
	h.closed = append(h.closed, id)
	return nil
}

func (h *fakeHost) Tail(id ptymgr.ID, n int) ([]byte, error) {
	out := h.output[id]
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (h *fakeHost) Info(id ptymgr.ID) (ptymgr.Info, error) {
	return ptymgr.Info{ID: id}, nil
}

func typeText(e *Editor, s string) core.Effects {
	var fx core.Effects
	p := inputparse.NewParser()
	for _, ev := range append(p.Feed([]byte(s)), p.Flush()...) {
		fx.Merge(e.HandleEvent(ev))
	}
	return fx
}

func ctrl(r rune) inputparse.Event {
	return inputparse.Event{Kind: inputparse.KindKey, Key: inputparse.KeyRune, Rune: r, Mod: inputparse.ModCtrl, Raw: []byte{byte(r - 'a' + 1)}}
}

func key(k inputparse.Key) inputparse.Event {
	return inputparse.Event{Kind: inputparse.KindKey, Key: k}
}

func screenText(e *Editor) []string {
	c := render.NewCanvas(e.cols, e.rows)
	e.Render(c)
	rows := make([]string, e.rows)
	for y := range rows {
		var b strings.Builder
		for _, cell := range c.Row(y) {
			if !cell.IsContinuation() {
				b.WriteRune(cell.Rune)
			}
		}
		rows[y] = strings.TrimRight(b.String(), " ")
	}
	return rows
}

func newEditor(t *testing.T, files ...string) (*Editor, *fakeHost, string) {
	t.Helper()
	dir := t.TempDir()
	host := newFakeHost()
	e := New(core.Options{Host: host, WorkDir: dir, Shell: "/bin/sh", Files: files})
	e.Resize(40, 8)
	return e, host, dir
}

func TestTypingEditsScratchBuffer(t *testing.T) {
	e, _, _ := newEditor(t)
	fx := typeText(e, "hello\rworld")
	assert.True(t, fx.Dirty)

	rows := screenText(e)
	assert.Equal(t, " hello", rows[0])
	assert.Equal(t, " world", rows[1])
	assert.Equal(t, "~", rows[2])
	assert.Contains(t, rows[7], "[scratch] [+]  2:6")

	c := render.NewCanvas(40, 8)
	e.Render(c)
	x, y, visible := c.Cursor()
	assert.True(t, visible)
	assert.Equal(t, 6, x)
	assert.Equal(t, 1, y)
}

func TestEditingKeys(t *testing.T) {
	e, _, _ := newEditor(t)
	typeText(e, "abc\rdef")
	e.HandleEvent(key(inputparse.KeyHome))
	e.HandleEvent(key(inputparse.KeyBackspace)) // joins lines
	assert.Equal(t, "abcdef", string(e.current().buffer.line()))

	e.HandleEvent(key(inputparse.KeyDelete))
	assert.Equal(t, "abcef", string(e.current().buffer.line()))

	e.HandleEvent(key(inputparse.KeyEnd))
	e.HandleEvent(key(inputparse.KeyLeft))
	typeText(e, "X")
	assert.Equal(t, "abceXf", string(e.current().buffer.line()))

	fx := e.HandleEvent(key(inputparse.KeyUp))
	assert.True(t, fx.Dirty, "cursor moves are checkpointed")
}

func TestSaveWritesFileAndReportsSaved(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\n"), 0o644))

	e := New(core.Options{Host: newFakeHost(), WorkDir: dir, Files: []string{"notes.txt"}})
	e.Resize(40, 8)
	typeText(e, "zero ")
	assert.True(t, e.current().buffer.dirty)

	fx := e.HandleEvent(ctrl('s'))
	assert.True(t, fx.Saved)
	assert.False(t, e.current().buffer.dirty)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "zero one\ntwo\n", string(data))
}

func TestSaveScratchBufferFails(t *testing.T) {
	e, _, _ := newEditor(t)
	fx := e.HandleEvent(ctrl('s'))
	assert.True(t, fx.Bell)
	assert.False(t, fx.Saved)
}

func TestGlobalBindings(t *testing.T) {
	e, _, _ := newEditor(t)
	assert.True(t, e.HandleEvent(ctrl('q')).Quit)
	assert.True(t, e.HandleEvent(inputparse.Event{Kind: inputparse.KindKey, Key: inputparse.KeyRune, Rune: '\\', Mod: inputparse.ModCtrl}).Detach)
}

func TestCopyLine(t *testing.T) {
	e, _, _ := newEditor(t)
	typeText(e, "first\rsecond")
	fx := e.HandleEvent(ctrl('y'))
	assert.Equal(t, "second", fx.Clipboard)
}

func TestShellPane(t *testing.T) {
	e, host, _ := newEditor(t)
	fx := e.HandleEvent(ctrl('t'))
	assert.True(t, fx.Dirty)
	assert.Equal(t, "resident: sh", fx.Title)
	require.Len(t, e.windows, 2)
	id := e.current().pane
	assert.Equal(t, ptymgr.Size{Cols: 40, Rows: 7}, host.sizes[id])

	typeText(e, "ls\r")
	assert.Equal(t, "ls\r", string(host.written[id]))

	host.output[id] = []byte("$ ls\r\n\x1b[1;34mdir\x1b[0m  file\r\n$ ")
	assert.True(t, e.OnPane(ptymgr.Event{Pane: id, Kind: ptymgr.EventOutput}))
	rows := screenText(e)
	assert.Equal(t, "$ ls", rows[0])
	assert.Equal(t, "dir  file", rows[1])
	assert.Equal(t, "$", rows[2])
	assert.Contains(t, rows[7], "[running]")

	e.Resize(60, 10)
	assert.Equal(t, ptymgr.Size{Cols: 60, Rows: 9}, host.sizes[id])

	assert.True(t, e.OnPane(ptymgr.Event{Pane: id, Kind: ptymgr.EventExited, ExitCode: 2}))
	assert.Contains(t, screenText(e)[9], "[exited 2]")
	typeText(e, "ignored")
	assert.Equal(t, "ls\r", string(host.written[id]))

	assert.False(t, e.OnPane(ptymgr.Event{Pane: "other", Kind: ptymgr.EventOutput}))
	assert.Equal(t, []ptymgr.ID{id}, e.Panes())

	e.HandleEvent(ctrl('w'))
	assert.Equal(t, []ptymgr.ID{id}, host.closed)
	assert.Len(t, e.windows, 1)
	assert.Empty(t, e.Panes())
}

func TestOutputOfBackgroundPaneNeedsNoRedraw(t *testing.T) {
	e, _, _ := newEditor(t)
	e.HandleEvent(ctrl('t'))
	id := e.current().pane
	e.HandleEvent(ctrl('n'))
	assert.Equal(t, windowBuffer, e.current().kind)
	assert.False(t, e.OnPane(ptymgr.Event{Pane: id, Kind: ptymgr.EventOutput}))
}

func TestCloseDirtyBufferRefuses(t *testing.T) {
	e, _, _ := newEditor(t)
	e.Resize(80, 8)
	typeText(e, "x")
	fx := e.HandleEvent(ctrl('w'))
	assert.True(t, fx.Bell)
	assert.Len(t, e.windows, 1)
	assert.Contains(t, screenText(e)[7], "unsaved changes")
}

func TestWindowSwitchingWraps(t *testing.T) {
	e, _, _ := newEditor(t)
	assert.True(t, e.HandleEvent(ctrl('n')).Bell, "nothing to switch to")

	e.HandleEvent(ctrl('t'))
	e.HandleEvent(ctrl('t'))
	assert.Equal(t, 2, e.focus)
	e.HandleEvent(ctrl('n'))
	assert.Equal(t, 0, e.focus)
	e.HandleEvent(ctrl('p'))
	assert.Equal(t, 2, e.focus)
}

func TestSearch(t *testing.T) {
	e, _, _ := newEditor(t)
	typeText(e, "alpha\rbeta\rgamma beta")
	e.current().buffer.cursor.Line = 0
	e.current().buffer.cursor.Col = 0

	e.HandleEvent(ctrl('f'))
	typeText(e, "beta")
	assert.Contains(t, screenText(e)[7], "search: beta")
	fx := e.HandleEvent(key(inputparse.KeyEnter))
	assert.True(t, fx.Dirty)
	assert.Equal(t, 1, e.current().buffer.cursor.Line)

	e.HandleEvent(ctrl('f'))
	e.HandleEvent(key(inputparse.KeyUp))
	e.HandleEvent(key(inputparse.KeyEnter))
	assert.Equal(t, 2, e.current().buffer.cursor.Line)
	assert.Equal(t, 6, e.current().buffer.cursor.Col)

	e.HandleEvent(ctrl('f'))
	typeText(e, "nope")
	fx = e.HandleEvent(key(inputparse.KeyEnter))
	assert.True(t, fx.Bell)
	assert.Equal(t, []string{"beta", "beta", "nope"}, e.history)
}

func TestBookmarks(t *testing.T) {
	e, _, _ := newEditor(t)
	typeText(e, "a\rb\rc\rd")
	b := e.current().buffer
	b.cursor.Line = 1
	e.HandleEvent(ctrl('b'))
	b.cursor.Line = 3
	e.HandleEvent(ctrl('b'))
	b.cursor.Line = 0

	e.HandleEvent(ctrl('g'))
	assert.Equal(t, 1, b.cursor.Line)
	e.HandleEvent(ctrl('g'))
	assert.Equal(t, 3, b.cursor.Line)
	e.HandleEvent(ctrl('g'))
	assert.Equal(t, 1, b.cursor.Line, "wraps to the first bookmark")

	rows := screenText(e)
	assert.Equal(t, "▸b", rows[1])

	e.HandleEvent(ctrl('b'))
	assert.Len(t, e.Snapshot().Bookmarks, 1)
}

func TestScrollFollowsCursor(t *testing.T) {
	e, _, _ := newEditor(t)
	for i := 0; i < 20; i++ {
		typeText(e, fmt.Sprintf("line %d\r", i))
	}
	b := e.current().buffer
	assert.Equal(t, 20, b.cursor.Line)
	assert.Equal(t, 14, b.scroll)
	assert.Equal(t, " line 14", screenText(e)[0])

	e.HandleEvent(key(inputparse.KeyPageUp))
	assert.Equal(t, 13, b.cursor.Line)
	assert.Equal(t, 13, b.scroll)
}

func click(x, y int) inputparse.Event {
	return inputparse.Event{Kind: inputparse.KindMouse, Mouse: inputparse.Mouse{X: x, Y: y, Button: inputparse.MouseLeft, Action: inputparse.MousePress}}
}

func TestColumnToIndex(t *testing.T) {
	line := []rune("a日本b")
	assert.Equal(t, 0, columnToIndex(line, 0))
	assert.Equal(t, 1, columnToIndex(line, 1))
	assert.Equal(t, 1, columnToIndex(line, 2), "second cell of a wide rune")
	assert.Equal(t, 2, columnToIndex(line, 3))
	assert.Equal(t, 3, columnToIndex(line, 5))
	assert.Equal(t, 4, columnToIndex(line, 40))
	assert.Equal(t, 0, columnToIndex(line, -1))
	assert.Equal(t, 0, columnToIndex(nil, 3))
}

func TestClickMovesCursorOverWideRunes(t *testing.T) {
	e, _, _ := newEditor(t)
	typeText(e, "firsta日本b")
	b := e.current().buffer

	// screen column 5 is the second cell of 本
	fx := e.HandleEvent(click(5, 1))
	assert.True(t, fx.Dirty)
	assert.Equal(t, 1, b.cursor.Line)
	assert.Equal(t, 2, b.cursor.Col)

	c := render.NewCanvas(40, 8)
	e.Render(c)
	x, y, _ := c.Cursor()
	assert.Equal(t, 4, x)
	assert.Equal(t, 1, y)

	e.HandleEvent(click(30, 0))
	assert.Equal(t, 0, b.cursor.Line)
	assert.Equal(t, 5, b.cursor.Col)

	// clicks below the last line land on it
	e.HandleEvent(click(1, 5))
	assert.Equal(t, 1, b.cursor.Line)
	assert.Equal(t, 0, b.cursor.Col)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	clean := filepath.Join(dir, "clean.go")
	dirty := filepath.Join(dir, "dirty.txt")
	require.NoError(t, os.WriteFile(clean, []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(dirty, []byte("on disk\n"), 0o644))

	host := newFakeHost()
	e := New(core.Options{Host: host, WorkDir: dir, Shell: "/bin/sh", Files: []string{clean, dirty}})
	e.Resize(40, 8)
	e.current().buffer.cursor.Line = 2
	e.current().buffer.cursor.Col = 5
	e.HandleEvent(ctrl('b'))
	e.HandleEvent(ctrl('n'))
	typeText(e, "edited ")
	e.HandleEvent(ctrl('f'))
	typeText(e, "main\r")
	e.HandleEvent(ctrl('t'))
	e.HandleEvent(ctrl('p'))

	snap := e.Snapshot()
	before := screenText(e)

	restored := New(core.Options{Host: newFakeHost(), WorkDir: dir, Shell: "/bin/sh"})
	restored.Resize(40, 8)
	restored.Restore(snap)

	assert.Equal(t, snap, restored.Snapshot())
	after := screenText(restored)
	assert.Equal(t, before[:7], after[:7], "buffer contents and cursor come back")
	assert.Equal(t, "edited on disk", string(restored.current().buffer.lines[0]))
	assert.True(t, restored.current().buffer.dirty)

	restored.HandleEvent(ctrl('n'))
	assert.Equal(t, windowPlaceholder, restored.current().kind)
	assert.Contains(t, screenText(restored)[0], "ended with")
	assert.Empty(t, restored.Panes())
}

func TestRestoreMissingFileGivesEmptyBuffer(t *testing.T) {
	e, _, dir := newEditor(t)
	snap := e.Snapshot()
	snap.Buffers[0].Path = filepath.Join(dir, "gone.txt")
	snap.Buffers[0].Unsaved = nil
	snap.Buffers[0].Cursor.Line = 10

	e.Restore(snap)
	b := e.current().buffer
	assert.Equal(t, 0, b.cursor.Line)
	assert.Equal(t, "gone.txt", b.name())
}

func TestScreenLines(t *testing.T) {
	assert.Equal(t, []string{"progress 100%"}, screenLines([]byte("progress 10%\rprogress 100%")))
	assert.Equal(t, []string{"ab"}, screenLines([]byte("abc\b \b\b")))
	assert.Equal(t, []string{"title gone", "x"}, screenLines([]byte("\x1b]2;t\x07title gone\n\x1b[Kx")))
	assert.Equal(t, []string{"    tab"}, screenLines([]byte("\ttab")))
}
