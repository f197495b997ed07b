package render

import (
	"bytes"
	"encoding/binary"
	"io"
	"strconv"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// Backend renders frames for one client. It remembers the last frame the
// client acknowledged by a successful write and sends only the difference.
// After a failed write, Invalidate or a resize, the next frame is a full
// repaint.
//
// A Backend is owned by the core loop and is not safe for concurrent use.
type Backend struct {
	w    io.Writer
	conv *converter

	prev     *Canvas
	prevHash []uint64

	buf bytes.Buffer

	// terminal state while encoding one payload
	style      Style
	x, y       int
	posKnown   bool
	cursorShow bool
}

// NewBackend returns a backend that writes to w using profile p.
func NewBackend(w io.Writer, p Profile) *Backend {
	return &Backend{w: w, conv: newConverter(p)}
}

// Profile returns the color profile in use.
func (b *Backend) Profile() Profile {
	return b.conv.profile
}

// Invalidate forgets the client's screen so the next frame repaints fully.
func (b *Backend) Invalidate() {
	b.prev = nil
	b.prevHash = nil
}

// Present brings the client's screen to next. Nothing is written when the
// screen already shows next.
func (b *Backend) Present(next *Canvas) (int, error) {
	payload := b.Encode(next)
	if len(payload) == 0 {
		return 0, nil
	}
	n, err := b.w.Write(payload)
	if err != nil {
		b.Invalidate()
		return n, err
	}
	b.commit(next)
	return n, nil
}

// Write sends a raw sequence, such as a clipboard update, outside of frame
// diffing.
func (b *Backend) Write(seq []byte) error {
	if _, err := b.w.Write(seq); err != nil {
		b.Invalidate()
		return err
	}
	return nil
}

func (b *Backend) commit(next *Canvas) {
	b.prev = next.Clone()
	_, rows := next.Size()
	b.prevHash = make([]uint64, rows)
	for y := 0; y < rows; y++ {
		b.prevHash[y] = hashRow(next.Row(y))
	}
}

// Encode returns the bytes Present would write for next without recording
// next as shown.
func (b *Backend) Encode(next *Canvas) []byte {
	b.buf.Reset()
	cols, rows := next.Size()

	full := b.prev == nil
	if !full {
		pc, pr := b.prev.Size()
		full = pc != cols || pr != rows
	}

	if full {
		b.buf.WriteString("\x1b[0m\x1b[?25l\x1b[H\x1b[2J")
		b.style = DefaultStyle
		b.x, b.y, b.posKnown = 0, 0, true
		b.cursorShow = false
		for y := 0; y < rows; y++ {
			row := next.Row(y)
			for x := 0; x < cols; x++ {
				if row[x] == EmptyCell() {
					continue
				}
				x = b.drawRun(row, y, x, func(i int) bool { return row[i] != EmptyCell() })
			}
		}
		b.finishCursor(next, true)
		return append([]byte(nil), b.buf.Bytes()...)
	}

	_, _, prevVisible := b.prev.Cursor()
	b.cursorShow = prevVisible
	b.posKnown = false
	b.style = DefaultStyle
	styleReset := false
	drew := false

	for y := 0; y < rows; y++ {
		row := next.Row(y)
		if hashRow(row) == b.prevHash[y] {
			continue
		}
		old := b.prev.Row(y)
		for x := 0; x < cols; x++ {
			if row[x] == old[x] {
				continue
			}
			if !drew {
				if b.cursorShow {
					b.buf.WriteString("\x1b[?25l")
					b.cursorShow = false
				}
				drew = true
			}
			if !styleReset {
				// the client's current rendition is unknown between frames
				b.buf.WriteString("\x1b[0m")
				styleReset = true
			}
			if row[x].IsContinuation() && x > 0 && row[x-1].Width == 2 {
				x--
			}
			x = b.drawRun(row, y, x, func(i int) bool { return row[i] != old[i] })
		}
	}

	b.finishCursor(next, drew)
	return append([]byte(nil), b.buf.Bytes()...)
}

// drawRun draws cells from x while changed reports true and returns the
// index of the last column drawn.
func (b *Backend) drawRun(row []Cell, y, x int, changed func(int) bool) int {
	cols := len(row)
	b.moveTo(x, y)
	for x < cols {
		c := row[x]
		w := int(c.Width)
		switch {
		case c.IsContinuation():
			// a continuation without its wide rune
			c, w = Cell{Rune: ' ', Width: 1, Style: c.Style}, 1
		case w == 2 && (x+1 >= cols || !row[x+1].IsContinuation()):
			c, w = Cell{Rune: ' ', Width: 1, Style: c.Style}, 1
		}
		b.setStyle(c.Style)
		b.writeRune(c.Rune)
		b.x += w
		if b.x >= cols {
			// pending wrap leaves the real cursor position undefined
			b.posKnown = false
		}
		x += w
		if x >= cols || !changed(x) {
			break
		}
	}
	return x - 1
}

func (b *Backend) writeRune(r rune) {
	if r < 0x20 || r == 0x7f || !utf8.ValidRune(r) {
		r = ' '
	}
	var tmp [utf8.UTFMax]byte
	n := utf8.EncodeRune(tmp[:], r)
	b.buf.Write(tmp[:n])
}

func (b *Backend) moveTo(x, y int) {
	if b.posKnown && b.x == x && b.y == y {
		return
	}
	b.buf.WriteString("\x1b[")
	b.buf.WriteString(strconv.Itoa(y + 1))
	b.buf.WriteByte(';')
	b.buf.WriteString(strconv.Itoa(x + 1))
	b.buf.WriteByte('H')
	b.x, b.y, b.posKnown = x, y, true
}

func (b *Backend) finishCursor(next *Canvas, drew bool) {
	cx, cy, visible := next.Cursor()
	if !visible {
		if b.cursorShow {
			b.buf.WriteString("\x1b[?25l")
			b.cursorShow = false
		}
		return
	}

	if !drew && b.prev != nil {
		px, py, pv := b.prev.Cursor()
		if pv && px == cx && py == cy {
			return
		}
	}
	b.moveTo(cx, cy)
	b.buf.WriteString("\x1b[?25h")
	b.cursorShow = true
}

func (b *Backend) setStyle(s Style) {
	s.Fg = b.conv.convert(s.Fg)
	s.Bg = b.conv.convert(s.Bg)
	if s == b.style {
		return
	}
	b.buf.WriteString(sgr(s))
	b.style = s
}

// sgr returns the SGR sequence that selects s from any prior state.
func sgr(s Style) string {
	out := []byte("\x1b[0")
	attrs := []struct {
		a    Attr
		code string
	}{
		{AttrBold, "1"}, {AttrDim, "2"}, {AttrItalic, "3"}, {AttrUnderline, "4"},
		{AttrBlink, "5"}, {AttrReverse, "7"}, {AttrStrike, "9"},
	}
	for _, at := range attrs {
		if s.Attrs&at.a != 0 {
			out = append(out, ';')
			out = append(out, at.code...)
		}
	}
	out = appendColor(out, s.Fg, 30, 90, 38)
	out = appendColor(out, s.Bg, 40, 100, 48)
	return string(append(out, 'm'))
}

func appendColor(out []byte, c Color, base, bright, extended int) []byte {
	switch c.Kind {
	case ColorIndexed:
		out = append(out, ';')
		switch {
		case c.Index < 8:
			out = strconv.AppendInt(out, int64(base+int(c.Index)), 10)
		case c.Index < 16:
			out = strconv.AppendInt(out, int64(bright+int(c.Index)-8), 10)
		default:
			out = strconv.AppendInt(out, int64(extended), 10)
			out = append(out, ";5;"...)
			out = strconv.AppendInt(out, int64(c.Index), 10)
		}
	case ColorRGB:
		out = append(out, ';')
		out = strconv.AppendInt(out, int64(extended), 10)
		out = append(out, ";2;"...)
		out = strconv.AppendInt(out, int64(c.R), 10)
		out = append(out, ';')
		out = strconv.AppendInt(out, int64(c.G), 10)
		out = append(out, ';')
		out = strconv.AppendInt(out, int64(c.B), 10)
	}
	return out
}

func hashRow(row []Cell) uint64 {
	d := xxhash.New()
	var tmp [20]byte
	for _, c := range row {
		binary.LittleEndian.PutUint32(tmp[0:], uint32(c.Rune))
		tmp[4] = byte(c.Width)
		binary.LittleEndian.PutUint16(tmp[5:], uint16(c.Style.Attrs))
		tmp[7] = byte(c.Style.Fg.Kind)
		tmp[8] = c.Style.Fg.Index
		tmp[9], tmp[10], tmp[11] = c.Style.Fg.R, c.Style.Fg.G, c.Style.Fg.B
		tmp[12] = byte(c.Style.Bg.Kind)
		tmp[13] = c.Style.Bg.Index
		tmp[14], tmp[15], tmp[16] = c.Style.Bg.R, c.Style.Bg.G, c.Style.Bg.B
		_, _ = d.Write(tmp[:17])
	}
	return d.Sum64()
}
