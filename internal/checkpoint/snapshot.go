// Package checkpoint persists the logical state of a session so a server
// that died can be brought back to where its user left it. Only editor
// state is kept: processes and undo history are not.
package checkpoint

import "time"

// Version is the current checkpoint format. Files carrying any other
// version are ignored on restore.
const Version = 1

// Snapshot is everything a restored session needs.
type Snapshot struct {
	Version       int
	SessionKey    string
	SavedAt       time.Time
	Layout        Layout
	Buffers       []Buffer
	SearchHistory []string
	Bookmarks     []Bookmark
	Terminals     []Terminal
}

// WindowKind says what a window shows.
type WindowKind string

const (
	WindowBuffer   WindowKind = "buffer"
	WindowTerminal WindowKind = "terminal"
)

// Layout is the ordered list of windows and which one has focus.
type Layout struct {
	Windows []Window
	Focus   int
}

// Window references either a buffer (by index into Snapshot.Buffers) or a
// terminal (by pane id).
type Window struct {
	Kind     WindowKind
	Buffer   int
	Terminal string
}

// Position is a zero-based line and rune column.
type Position struct {
	Line int
	Col  int
}

// Buffer is one open file. Unsaved holds the full content of a dirty
// buffer so edits that never reached disk survive a crash.
type Buffer struct {
	Path    string
	Dirty   bool
	Cursor  Position
	Scroll  int
	Unsaved []byte
}

// Bookmark marks a line in a file.
type Bookmark struct {
	Path string
	Line int
}

// Terminal records what ran in a terminal window. It is informational:
// the process is not restarted.
type Terminal struct {
	Pane    string
	Command string
	Args    []string
	Dir     string
}
