package scratch

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/codefionn/resident/internal/render"
)

// tailBytes is how much pane output is fetched to fill a screen.
const tailBytes = 64 * 1024

var (
	statusStyle = render.Style{Attrs: render.AttrReverse}
	gutterStyle = render.Style{Fg: render.Indexed(8)}
	markStyle   = render.Style{Fg: render.Indexed(3), Attrs: render.AttrBold}
	noteStyle   = render.Style{Fg: render.Indexed(8), Attrs: render.AttrItalic}
)

// Render implements core.Core.
func (e *Editor) Render(c *render.Canvas) {
	c.Clear()
	w := e.current()
	height := e.contentSize().Rows

	switch w.kind {
	case windowBuffer:
		e.renderBuffer(c, w.buffer, height)
	case windowTerminal:
		e.renderTerminal(c, w, height)
	case windowPlaceholder:
		c.SetString(0, 0, fmt.Sprintf("terminal %s (%s) ended with the previous server", shortID(w.term.Pane), w.term.Command), noteStyle)
		c.SetString(0, 1, "Ctrl-W closes this window, Ctrl-T opens a new shell", noteStyle)
	}
	e.renderStatus(c)
}

func (e *Editor) renderBuffer(c *render.Canvas, b *buffer, height int) {
	marks := e.bookmarks[b.path]
	for row := 0; row < height; row++ {
		idx := b.scroll + row
		if idx >= len(b.lines) {
			c.SetString(0, row, "~", gutterStyle)
			continue
		}
		if marks[idx] {
			c.SetString(0, row, "▸", markStyle)
		}
		c.SetString(1, row, string(b.lines[idx]), render.DefaultStyle)
	}
	if e.prompting {
		return
	}
	cy := b.cursor.Line - b.scroll
	if cy >= 0 && cy < height {
		cx := 1 + render.StringWidth(string(b.line()[:b.cursor.Col]))
		c.SetCursor(min(cx, e.cols-1), cy)
	}
}

func (e *Editor) renderTerminal(c *render.Canvas, w *window, height int) {
	out, err := e.host.Tail(w.pane, tailBytes)
	if err != nil {
		c.SetString(0, 0, err.Error(), noteStyle)
		return
	}
	lines := screenLines(out)
	if len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	for row, line := range lines {
		c.SetString(0, row, line, render.DefaultStyle)
	}
	if !w.exited && len(lines) > 0 {
		last := len(lines) - 1
		c.SetCursor(min(render.StringWidth(lines[last]), e.cols-1), last)
	}
}

func (e *Editor) renderStatus(c *render.Canvas) {
	row := e.rows - 1
	c.Fill(0, row, e.cols, 1, render.Cell{Rune: ' ', Width: 1, Style: statusStyle})

	if e.prompting {
		text := "search: " + string(e.prompt)
		n := c.SetString(0, row, render.Truncate(text, e.cols), statusStyle)
		c.SetCursor(min(n, e.cols-1), row)
		return
	}

	w := e.current()
	var left string
	switch w.kind {
	case windowBuffer:
		b := w.buffer
		mod := ""
		if b.dirty {
			mod = " [+]"
		}
		left = fmt.Sprintf(" %s%s  %d:%d", b.name(), mod, b.cursor.Line+1, b.cursor.Col+1)
	case windowTerminal:
		state := "running"
		if w.exited {
			state = fmt.Sprintf("exited %d", w.code)
		}
		left = fmt.Sprintf(" %s [%s]", w.term.Command, state)
	default:
		left = " " + w.term.Command + " [gone]"
	}
	right := fmt.Sprintf("%d/%d ", e.focus+1, len(e.windows))
	if e.status != "" {
		left += "  " + e.status
	}

	avail := e.cols - render.StringWidth(right)
	c.SetString(0, row, render.Truncate(left, max(avail-1, 0)), statusStyle)
	if avail >= 0 {
		c.SetString(avail, row, right, statusStyle)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// screenLines reduces raw terminal output to plain lines: escape
// sequences are dropped and carriage returns rewind the current line.
func screenLines(data []byte) []string {
	var lines []string
	var cur []rune
	col := 0
	put := func(r rune) {
		if col < len(cur) {
			cur[col] = r
		} else {
			cur = append(cur, r)
		}
		col++
	}

	for i := 0; i < len(data); {
		b := data[i]
		switch {
		case b == 0x1b:
			i += escapeLength(data[i:])
			continue
		case b == '\n':
			lines = append(lines, string(cur))
			cur, col = cur[:0:0], 0
		case b == '\r':
			col = 0
		case b == '\b':
			col = max(col-1, 0)
		case b == '\t':
			for n := 4 - col%4; n > 0; n-- {
				put(' ')
			}
		case b < 0x20 || b == 0x7f:
		default:
			r, size := utf8.DecodeRune(data[i:])
			put(r)
			i += size
			continue
		}
		i++
	}
	if len(cur) > 0 {
		lines = append(lines, string(cur))
	}
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " ")
	}
	return lines
}

// escapeLength returns how many bytes the escape sequence at the start of
// data spans. Truncated sequences consume the rest of data.
func escapeLength(data []byte) int {
	if len(data) < 2 {
		return len(data)
	}
	switch data[1] {
	case '[':
		for j := 2; j < len(data); j++ {
			if data[j] >= 0x40 && data[j] <= 0x7e {
				return j + 1
			}
		}
	case ']', 'P', '_', '^':
		for j := 2; j < len(data); j++ {
			if data[j] == 0x07 {
				return j + 1
			}
			if data[j] == 0x1b && j+1 < len(data) && data[j+1] == '\\' {
				return j + 2
			}
		}
	case '(', ')', '*', '+':
		return min(3, len(data))
	default:
		return 2
	}
	return len(data)
}
