// Package render draws frames for attached clients. The application core
// paints a Canvas; a Backend per client turns each Canvas into the escape
// sequences that bring that client's screen up to date.
package render

import (
	"github.com/mattn/go-runewidth"
)

// ColorKind tells how a Color is specified.
type ColorKind uint8

const (
	ColorDefault ColorKind = iota
	ColorIndexed
	ColorRGB
)

// Color is a terminal color: the terminal default, a palette index or a
// 24-bit value.
type Color struct {
	Kind    ColorKind
	Index   uint8
	R, G, B uint8
}

// DefaultColor leaves the terminal's own color in place.
var DefaultColor = Color{}

// Indexed returns a palette color.
func Indexed(i uint8) Color {
	return Color{Kind: ColorIndexed, Index: i}
}

// RGB returns a 24-bit color.
func RGB(r, g, b uint8) Color {
	return Color{Kind: ColorRGB, R: r, G: g, B: b}
}

// Attr is a set of text attributes.
type Attr uint16

const (
	AttrBold Attr = 1 << iota
	AttrDim
	AttrItalic
	AttrUnderline
	AttrBlink
	AttrReverse
	AttrStrike
)

// Style is how a cell is drawn.
type Style struct {
	Fg, Bg Color
	Attrs  Attr
}

// DefaultStyle is the terminal's default rendition.
var DefaultStyle = Style{}

// Reverse returns the style with reverse video toggled.
func (s Style) Reverse() Style {
	s.Attrs ^= AttrReverse
	return s
}

// Cell is one screen position. A wide rune occupies its cell and the next
// one; the next one is a continuation cell with Width 0.
type Cell struct {
	Rune  rune
	Width int8
	Style Style
}

// EmptyCell is a blank in the default style.
func EmptyCell() Cell {
	return Cell{Rune: ' ', Width: 1}
}

// ContinuationCell fills the second column of a wide rune.
func ContinuationCell(style Style) Cell {
	return Cell{Rune: 0, Width: 0, Style: style}
}

// IsContinuation reports whether c is the trailing half of a wide rune.
func (c Cell) IsContinuation() bool {
	return c.Width == 0
}

// RuneWidth returns the number of columns r occupies. Control characters
// and other zero-width runes are treated as one column so they never
// collapse the grid.
func RuneWidth(r rune) int {
	w := runewidth.RuneWidth(r)
	if w < 1 {
		return 1
	}
	if w > 2 {
		return 2
	}
	return w
}

// StringWidth returns the column width of s.
func StringWidth(s string) int {
	w := 0
	for _, r := range s {
		w += RuneWidth(r)
	}
	return w
}
