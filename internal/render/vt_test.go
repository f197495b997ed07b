package render

import (
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"
)

// vtScreen is a tiny terminal emulator understanding the sequences the
// backend emits. Tests apply payloads to it and compare with the canvas.
type vtScreen struct {
	cols, rows  int
	runes       [][]rune
	x, y        int
	pendingWrap bool
	cursorShown bool
}

func newVTScreen(cols, rows int) *vtScreen {
	s := &vtScreen{cols: cols, rows: rows}
	s.clear()
	return s
}

func (s *vtScreen) clear() {
	s.runes = make([][]rune, s.rows)
	for y := range s.runes {
		s.runes[y] = []rune(strings.Repeat(" ", s.cols))
	}
}

func (s *vtScreen) apply(t *testing.T, data []byte) {
	t.Helper()
	for i := 0; i < len(data); {
		switch {
		case data[i] == 0x1b && i+1 < len(data) && data[i+1] == '[':
			j := i + 2
			for j < len(data) && (data[j] < 0x40 || data[j] > 0x7e) {
				j++
			}
			if j == len(data) {
				t.Fatalf("unterminated CSI at %d", i)
			}
			s.csi(t, string(data[i+2:j]), data[j])
			i = j + 1
		case data[i] == 0x1b && i+1 < len(data) && data[i+1] == ']':
			j := i + 2
			for j < len(data) && data[j] != 0x07 {
				j++
			}
			i = j + 1
		case data[i] == '\a':
			i++
		case data[i] < 0x20:
			t.Fatalf("unexpected control byte %#x at %d", data[i], i)
		default:
			r, size := utf8.DecodeRune(data[i:])
			s.put(r)
			i += size
		}
	}
}

func (s *vtScreen) csi(t *testing.T, params string, final byte) {
	t.Helper()
	switch final {
	case 'H':
		row, col := 1, 1
		if params != "" {
			parts := strings.Split(params, ";")
			row, _ = strconv.Atoi(parts[0])
			if len(parts) > 1 {
				col, _ = strconv.Atoi(parts[1])
			}
		}
		s.x, s.y, s.pendingWrap = col-1, row-1, false
	case 'J':
		if params == "2" {
			s.clear()
		}
	case 'm':
	case 'h', 'l':
		if params == "?25" {
			s.cursorShown = final == 'h'
		}
	default:
		t.Fatalf("unexpected CSI %q%c", params, final)
	}
}

func (s *vtScreen) put(r rune) {
	if s.pendingWrap {
		s.x, s.y, s.pendingWrap = 0, s.y+1, false
	}
	if s.y >= s.rows {
		return
	}
	w := RuneWidth(r)
	s.runes[s.y][s.x] = r
	if w == 2 && s.x+1 < s.cols {
		s.runes[s.y][s.x+1] = 0
	}
	s.x += w
	if s.x >= s.cols {
		s.x = s.cols - 1
		s.pendingWrap = true
	}
}

func (s *vtScreen) assertMatches(t *testing.T, c *Canvas) {
	t.Helper()
	cols, rows := c.Size()
	if cols != s.cols || rows != s.rows {
		t.Fatalf("size mismatch: canvas %dx%d screen %dx%d", cols, rows, s.cols, s.rows)
	}
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			cell := c.Cell(x, y)
			want := cell.Rune
			if cell.IsContinuation() && (x == 0 || c.Cell(x-1, y).Width != 2) {
				want = ' '
			}
			if cell.Width == 2 && (x+1 >= cols || !c.Cell(x+1, y).IsContinuation()) {
				want = ' '
			}
			if got := s.runes[y][x]; got != want {
				t.Fatalf("cell %d,%d: screen %q canvas %q\nscreen row: %q", x, y, got, want, string(s.runes[y]))
			}
		}
	}
	_, _, visible := c.Cursor()
	if visible != s.cursorShown {
		t.Fatalf("cursor visibility: screen %v canvas %v", s.cursorShown, visible)
	}
	if visible {
		cx, cy, _ := c.Cursor()
		if s.x != cx || s.y != cy {
			t.Fatalf("cursor at %d,%d, want %d,%d", s.x, s.y, cx, cy)
		}
	}
}
