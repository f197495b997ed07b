// Package inputparse turns the raw byte stream typed into a client terminal
// into structured key, mouse, paste and focus events.
package inputparse

import (
	"fmt"
	"strings"
)

// Kind classifies an Event.
type Kind uint8

const (
	KindKey Kind = iota
	KindMouse
	KindPaste
	KindFocus
)

// Key identifies a non-text key. Text input uses KeyRune.
type Key uint16

const (
	KeyRune Key = iota
	KeyEnter
	KeyTab
	KeyBackspace
	KeyEscape
	KeyUp
	KeyDown
	KeyLeft
	KeyRight
	KeyHome
	KeyEnd
	KeyPageUp
	KeyPageDown
	KeyInsert
	KeyDelete
	KeyF1
	KeyF2
	KeyF3
	KeyF4
	KeyF5
	KeyF6
	KeyF7
	KeyF8
	KeyF9
	KeyF10
	KeyF11
	KeyF12
)

var keyNames = map[Key]string{
	KeyRune:      "Rune",
	KeyEnter:     "Enter",
	KeyTab:       "Tab",
	KeyBackspace: "Backspace",
	KeyEscape:    "Escape",
	KeyUp:        "Up",
	KeyDown:      "Down",
	KeyLeft:      "Left",
	KeyRight:     "Right",
	KeyHome:      "Home",
	KeyEnd:       "End",
	KeyPageUp:    "PageUp",
	KeyPageDown:  "PageDown",
	KeyInsert:    "Insert",
	KeyDelete:    "Delete",
}

func (k Key) String() string {
	if name, ok := keyNames[k]; ok {
		return name
	}
	if k >= KeyF1 && k <= KeyF12 {
		return fmt.Sprintf("F%d", k-KeyF1+1)
	}
	return fmt.Sprintf("Key(%d)", k)
}

// Mod is a set of modifier keys.
type Mod uint8

const (
	ModShift Mod = 1 << iota
	ModAlt
	ModCtrl
	ModMeta
)

func (m Mod) String() string {
	var parts []string
	if m&ModCtrl != 0 {
		parts = append(parts, "Ctrl")
	}
	if m&ModAlt != 0 {
		parts = append(parts, "Alt")
	}
	if m&ModShift != 0 {
		parts = append(parts, "Shift")
	}
	if m&ModMeta != 0 {
		parts = append(parts, "Meta")
	}
	return strings.Join(parts, "+")
}

// MouseButton identifies the button of a mouse event.
type MouseButton uint8

const (
	MouseLeft MouseButton = iota
	MouseMiddle
	MouseRight
	MouseNone
	MouseWheelUp
	MouseWheelDown
	MouseWheelLeft
	MouseWheelRight
)

// MouseAction is what happened to the button.
type MouseAction uint8

const (
	MousePress MouseAction = iota
	MouseRelease
	MouseMotion
)

// Mouse describes a mouse report. X and Y are zero based.
type Mouse struct {
	X, Y   int
	Button MouseButton
	Action MouseAction
}

// Event is one unit of input. Raw holds the exact bytes the event was
// parsed from, so concatenating Raw over all events reproduces the input.
type Event struct {
	Kind  Kind
	Key   Key
	Rune  rune
	Mod   Mod
	Mouse Mouse
	// Text is the pasted text of a KindPaste event.
	Text string
	// Focused is set on a KindFocus event when the terminal gained focus.
	Focused bool
	Raw     []byte
}

// String renders the event for logs and test failures.
func (e Event) String() string {
	switch e.Kind {
	case KindMouse:
		return fmt.Sprintf("Mouse{%d,%d button=%d action=%d mod=%s}", e.Mouse.X, e.Mouse.Y, e.Mouse.Button, e.Mouse.Action, e.Mod)
	case KindPaste:
		return fmt.Sprintf("Paste{%q}", e.Text)
	case KindFocus:
		return fmt.Sprintf("Focus{%v}", e.Focused)
	}
	prefix := ""
	if e.Mod != 0 {
		prefix = e.Mod.String() + "+"
	}
	if e.Key == KeyRune {
		return fmt.Sprintf("Key{%s%q}", prefix, e.Rune)
	}
	return fmt.Sprintf("Key{%s%s}", prefix, e.Key)
}

// Is reports whether e is a key event for key with exactly mods.
func (e Event) Is(key Key, mods Mod) bool {
	return e.Kind == KindKey && e.Key == key && e.Mod == mods
}

// IsRune reports whether e is the rune r with exactly mods.
func (e Event) IsRune(r rune, mods Mod) bool {
	return e.Kind == KindKey && e.Key == KeyRune && e.Rune == r && e.Mod == mods
}
