package scratch

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/codefionn/resident/internal/checkpoint"
	"github.com/codefionn/resident/internal/render"
)

// buffer is an open file held as lines of runes.
type buffer struct {
	path   string
	lines  [][]rune
	cursor checkpoint.Position
	scroll int
	dirty  bool
}

func newBuffer(path string) *buffer {
	return &buffer{path: path, lines: [][]rune{{}}}
}

// loadBuffer reads path. A missing file yields an empty buffer that is
// created on first save.
func loadBuffer(path string) (*buffer, error) {
	b := newBuffer(path)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return b, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	b.setContent(data)
	return b, nil
}

func (b *buffer) setContent(data []byte) {
	text := strings.TrimSuffix(string(data), "\n")
	parts := strings.Split(text, "\n")
	b.lines = make([][]rune, len(parts))
	for i, p := range parts {
		b.lines[i] = []rune(strings.TrimSuffix(p, "\r"))
	}
}

func (b *buffer) content() []byte {
	var buf bytes.Buffer
	for _, line := range b.lines {
		buf.WriteString(string(line))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func (b *buffer) name() string {
	if b.path == "" {
		return "[scratch]"
	}
	return filepath.Base(b.path)
}

func (b *buffer) save() error {
	if b.path == "" {
		return errors.New("buffer has no file name")
	}
	if err := atomic.WriteFile(b.path, bytes.NewReader(b.content())); err != nil {
		return fmt.Errorf("failed to save %s: %w", b.path, err)
	}
	b.dirty = false
	return nil
}

// clamp keeps the cursor inside the text.
func (b *buffer) clamp() {
	b.cursor.Line = min(max(b.cursor.Line, 0), len(b.lines)-1)
	b.cursor.Col = min(max(b.cursor.Col, 0), len(b.lines[b.cursor.Line]))
	b.scroll = min(max(b.scroll, 0), len(b.lines)-1)
}

func (b *buffer) line() []rune {
	return b.lines[b.cursor.Line]
}

func (b *buffer) insert(text string) {
	for _, r := range text {
		switch r {
		case '\n':
			b.newline()
		case '\r':
		default:
			line := b.line()
			col := b.cursor.Col
			line = append(line[:col], append([]rune{r}, line[col:]...)...)
			b.lines[b.cursor.Line] = line
			b.cursor.Col++
		}
	}
	b.dirty = true
}

func (b *buffer) newline() {
	line := b.line()
	col := b.cursor.Col
	head := append([]rune(nil), line[:col]...)
	tail := append([]rune(nil), line[col:]...)
	b.lines[b.cursor.Line] = head
	b.lines = append(b.lines[:b.cursor.Line+1], append([][]rune{tail}, b.lines[b.cursor.Line+1:]...)...)
	b.cursor.Line++
	b.cursor.Col = 0
	b.dirty = true
}

// backspace deletes the rune before the cursor, joining lines at column 0.
func (b *buffer) backspace() bool {
	if b.cursor.Col > 0 {
		line := b.line()
		b.lines[b.cursor.Line] = append(line[:b.cursor.Col-1], line[b.cursor.Col:]...)
		b.cursor.Col--
		b.dirty = true
		return true
	}
	if b.cursor.Line == 0 {
		return false
	}
	prev := b.lines[b.cursor.Line-1]
	b.cursor.Col = len(prev)
	b.lines[b.cursor.Line-1] = append(prev, b.line()...)
	b.lines = append(b.lines[:b.cursor.Line], b.lines[b.cursor.Line+1:]...)
	b.cursor.Line--
	b.dirty = true
	return true
}

// deleteForward deletes the rune under the cursor, joining lines at the end.
func (b *buffer) deleteForward() bool {
	line := b.line()
	if b.cursor.Col < len(line) {
		b.lines[b.cursor.Line] = append(line[:b.cursor.Col], line[b.cursor.Col+1:]...)
		b.dirty = true
		return true
	}
	if b.cursor.Line == len(b.lines)-1 {
		return false
	}
	b.lines[b.cursor.Line] = append(line, b.lines[b.cursor.Line+1]...)
	b.lines = append(b.lines[:b.cursor.Line+1], b.lines[b.cursor.Line+2:]...)
	b.dirty = true
	return true
}

func (b *buffer) move(dLine, dCol int) {
	if dCol != 0 {
		col := b.cursor.Col + dCol
		switch {
		case col < 0 && b.cursor.Line > 0:
			b.cursor.Line--
			col = len(b.line())
		case col > len(b.line()) && b.cursor.Line < len(b.lines)-1:
			b.cursor.Line++
			col = 0
		}
		b.cursor.Col = col
	}
	b.cursor.Line += dLine
	b.clamp()
}

// find moves the cursor to the next occurrence of query after it,
// wrapping around. It reports whether anything matched.
func (b *buffer) find(query string) bool {
	if query == "" {
		return false
	}
	needle := []rune(query)
	n := len(b.lines)
	for i := 0; i <= n; i++ {
		idx := (b.cursor.Line + i) % n
		line := b.lines[idx]
		start := 0
		if i == 0 {
			start = b.cursor.Col + 1
		}
		if i == n {
			line = line[:min(b.cursor.Col+len(needle), len(line))]
		}
		if col := indexRunes(line, needle, start); col >= 0 {
			b.cursor = checkpoint.Position{Line: idx, Col: col}
			return true
		}
	}
	return false
}

func indexRunes(line, needle []rune, start int) int {
	for i := start; i+len(needle) <= len(line); i++ {
		match := true
		for j, r := range needle {
			if line[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// scrollTo adjusts the scroll offset so the cursor is within height rows.
func (b *buffer) scrollTo(height int) {
	if height <= 0 {
		return
	}
	if b.cursor.Line < b.scroll {
		b.scroll = b.cursor.Line
	}
	if b.cursor.Line >= b.scroll+height {
		b.scroll = b.cursor.Line - height + 1
	}
}

// columnToIndex maps display column x of line to the rune under it. Both
// cells of a wide rune map to that rune; columns past the end map to the
// end of the line.
func columnToIndex(line []rune, x int) int {
	col := 0
	for i, r := range line {
		w := render.RuneWidth(r)
		if x < col+w {
			return i
		}
		col += w
	}
	return len(line)
}
