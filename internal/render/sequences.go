package render

import (
	"strings"

	"github.com/aymanbagabas/go-osc52/v2"
	"github.com/muesli/reflow/truncate"
)

// maxTitleWidth bounds window titles; some terminals misbehave on very
// long OSC strings.
const maxTitleWidth = 256

// TitleSequence sets the terminal window title (OSC 2).
func TitleSequence(title string) []byte {
	clean := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, title)
	clean = truncate.StringWithTail(clean, maxTitleWidth, "…")
	return []byte("\x1b]2;" + clean + "\x07")
}

// ClipboardSequence copies text to the client's system clipboard (OSC 52).
func ClipboardSequence(text string) []byte {
	return []byte(osc52.New(text).String())
}

// BellSequence rings the terminal bell.
func BellSequence() []byte {
	return []byte{'\a'}
}

// ResetSequence restores the terminal when a client stops relaying: default
// rendition, visible cursor and a fresh line.
func ResetSequence() []byte {
	return []byte("\x1b[0m\x1b[?25h\r\n")
}

// Truncate shortens s to at most width columns, marking the cut with an
// ellipsis.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return truncate.StringWithTail(s, uint(width), "…")
}
