package render

// Canvas is a full frame: a grid of cells plus the cursor.
type Canvas struct {
	cols, rows    int
	cells         []Cell
	cursorX       int
	cursorY       int
	cursorVisible bool
}

// NewCanvas returns a blank canvas. Non-positive sizes yield an empty
// canvas.
func NewCanvas(cols, rows int) *Canvas {
	cols, rows = max(cols, 0), max(rows, 0)
	c := &Canvas{cols: cols, rows: rows, cells: make([]Cell, cols*rows)}
	c.Clear()
	return c
}

// Size returns the canvas dimensions.
func (c *Canvas) Size() (cols, rows int) {
	return c.cols, c.rows
}

func (c *Canvas) inBounds(x, y int) bool {
	return x >= 0 && x < c.cols && y >= 0 && y < c.rows
}

// Clear blanks every cell and hides the cursor.
func (c *Canvas) Clear() {
	empty := EmptyCell()
	for i := range c.cells {
		c.cells[i] = empty
	}
	c.cursorVisible = false
}

// Cell returns the cell at x, y or an empty cell outside the canvas.
func (c *Canvas) Cell(x, y int) Cell {
	if !c.inBounds(x, y) {
		return EmptyCell()
	}
	return c.cells[y*c.cols+x]
}

// Row returns the cells of row y. The slice aliases the canvas.
func (c *Canvas) Row(y int) []Cell {
	if y < 0 || y >= c.rows {
		return nil
	}
	return c.cells[y*c.cols : (y+1)*c.cols]
}

// SetCell sets one cell, ignoring positions outside the canvas.
func (c *Canvas) SetCell(x, y int, cell Cell) {
	if !c.inBounds(x, y) {
		return
	}
	c.put(x, y, cell)
}

// put stores cell and blanks the other half of any wide rune it splits.
func (c *Canvas) put(x, y int, cell Cell) {
	i := y*c.cols + x
	old := c.cells[i]
	if old.IsContinuation() && x > 0 && c.cells[i-1].Width == 2 {
		c.cells[i-1] = Cell{Rune: ' ', Width: 1, Style: c.cells[i-1].Style}
	}
	if old.Width == 2 && cell.Width != 2 && x+1 < c.cols && c.cells[i+1].IsContinuation() {
		c.cells[i+1] = Cell{Rune: ' ', Width: 1, Style: c.cells[i+1].Style}
	}
	c.cells[i] = cell
}

// putWide stores a wide rune at x and its continuation at x+1.
func (c *Canvas) putWide(x, y int, r rune, style Style) {
	c.put(x, y, Cell{Rune: r, Width: 2, Style: style})
	i := y*c.cols + x + 1
	if c.cells[i].Width == 2 && x+2 < c.cols && c.cells[i+1].IsContinuation() {
		c.cells[i+1] = Cell{Rune: ' ', Width: 1, Style: c.cells[i+1].Style}
	}
	c.cells[i] = ContinuationCell(style)
}

// Fill paints a rectangle with cell.
func (c *Canvas) Fill(x, y, w, h int, cell Cell) {
	for row := max(y, 0); row < y+h && row < c.rows; row++ {
		for col := max(x, 0); col < x+w && col < c.cols; col++ {
			c.put(col, row, cell)
		}
	}
}

// SetString writes s starting at x, y and returns the number of columns
// used. Wide runes that would straddle the right edge are replaced by a
// blank.
func (c *Canvas) SetString(x, y int, s string, style Style) int {
	if y < 0 || y >= c.rows {
		return 0
	}
	col := x
	for _, r := range s {
		if col >= c.cols {
			break
		}
		w := RuneWidth(r)
		if col < 0 {
			col += w
			continue
		}
		switch {
		case w == 2 && col+1 >= c.cols:
			c.put(col, y, Cell{Rune: ' ', Width: 1, Style: style})
			return col + 1 - x
		case w == 2:
			c.putWide(col, y, r, style)
		default:
			c.put(col, y, Cell{Rune: r, Width: 1, Style: style})
		}
		col += w
	}
	return col - x
}

// SetCursor shows the cursor at x, y.
func (c *Canvas) SetCursor(x, y int) {
	c.cursorX, c.cursorY = x, y
	c.cursorVisible = c.inBounds(x, y)
}

// HideCursor hides the cursor.
func (c *Canvas) HideCursor() {
	c.cursorVisible = false
}

// Cursor returns the cursor position and visibility.
func (c *Canvas) Cursor() (x, y int, visible bool) {
	return c.cursorX, c.cursorY, c.cursorVisible
}

// Clone returns a deep copy.
func (c *Canvas) Clone() *Canvas {
	out := *c
	out.cells = append([]Cell(nil), c.cells...)
	return &out
}

// Equal reports whether two canvases would look identical.
func (c *Canvas) Equal(o *Canvas) bool {
	if c.cols != o.cols || c.rows != o.rows || c.cursorVisible != o.cursorVisible {
		return false
	}
	if c.cursorVisible && (c.cursorX != o.cursorX || c.cursorY != o.cursorY) {
		return false
	}
	for i := range c.cells {
		if c.cells[i] != o.cells[i] {
			return false
		}
	}
	return true
}
