package inputparse

import (
	"bytes"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/codefionn/resident/internal/consts"
)

// maxPasteChunk bounds how much pasted text is buffered before a partial
// paste event is emitted.
const maxPasteChunk = 1 << 20

var (
	pasteStart = []byte("\x1b[200~")
	pasteEnd   = []byte("\x1b[201~")
)

type status uint8

const (
	statusComplete status = iota
	statusIncomplete
	statusInvalid
	statusPasteStart
)

// Parser is an incremental input decoder. Feed never blocks: a sequence
// split across reads is held back until the next Feed, and the caller
// calls Flush when no more bytes arrived within its lookahead window.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	buf       []byte
	inPaste   bool
	pasteOpen bool // start marker not yet attributed to an emitted event
	paste     []byte
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes data and returns every event that is complete.
func (p *Parser) Feed(data []byte) []Event {
	p.buf = append(p.buf, data...)
	return p.drain(false)
}

// Flush resolves held-back bytes as literal input. A bracketed paste in
// progress stays open.
func (p *Parser) Flush() []Event {
	return p.drain(true)
}

// Pending reports whether bytes are held back waiting for the rest of an
// escape sequence.
func (p *Parser) Pending() bool {
	return !p.inPaste && len(p.buf) > 0
}

func (p *Parser) drain(force bool) []Event {
	var out []Event
	for len(p.buf) > 0 {
		if p.inPaste {
			ev, done := p.drainPaste()
			if ev != nil {
				out = append(out, *ev)
			}
			if !done {
				break
			}
			continue
		}

		ev, n, st := parseOne(p.buf)
		switch st {
		case statusPasteStart:
			p.inPaste = true
			p.pasteOpen = true
			p.paste = p.paste[:0]
			p.buf = p.buf[n:]
			continue
		case statusIncomplete:
			if !force && len(p.buf) < consts.MaxEscapeSequence {
				p.compact()
				return out
			}
			ev, n = literal(p.buf)
		case statusInvalid:
			ev, n = literal(p.buf)
		}
		ev.Raw = append([]byte(nil), p.buf[:n]...)
		out = append(out, ev)
		p.buf = p.buf[n:]
	}
	p.compact()
	return out
}

// drainPaste moves buffered bytes into the paste. It reports done when the
// end marker was consumed.
func (p *Parser) drainPaste() (*Event, bool) {
	if idx := bytes.Index(p.buf, pasteEnd); idx >= 0 {
		p.paste = append(p.paste, p.buf[:idx]...)
		raw := p.pasteRaw(p.paste)
		raw = append(raw, pasteEnd...)
		ev := &Event{Kind: KindPaste, Text: string(p.paste), Raw: raw}
		p.buf = p.buf[idx+len(pasteEnd):]
		p.inPaste = false
		p.paste = p.paste[:0]
		return ev, true
	}

	// hold back a tail that could be the start of the end marker
	keep := 0
	for k := len(pasteEnd) - 1; k > 0; k-- {
		if len(p.buf) >= k && bytes.Equal(p.buf[len(p.buf)-k:], pasteEnd[:k]) {
			keep = k
			break
		}
	}
	p.paste = append(p.paste, p.buf[:len(p.buf)-keep]...)
	p.buf = append(p.buf[:0], p.buf[len(p.buf)-keep:]...)

	if len(p.paste) < maxPasteChunk {
		return nil, false
	}
	ev := &Event{Kind: KindPaste, Text: string(p.paste), Raw: p.pasteRaw(p.paste)}
	p.paste = p.paste[:0]
	return ev, false
}

func (p *Parser) pasteRaw(content []byte) []byte {
	var raw []byte
	if p.pasteOpen {
		raw = append(raw, pasteStart...)
		p.pasteOpen = false
	}
	return append(raw, content...)
}

func (p *Parser) compact() {
	if len(p.buf) == 0 {
		p.buf = p.buf[:0]
		return
	}
	if cap(p.buf) > 4*consts.MaxEscapeSequence && len(p.buf) < consts.MaxEscapeSequence {
		p.buf = append([]byte(nil), p.buf...)
	}
}

// literal consumes the first byte (or rune) of buf as plain input.
func literal(buf []byte) (Event, int) {
	b := buf[0]
	if b == 0x1b {
		return Event{Kind: KindKey, Key: KeyEscape}, 1
	}
	if b < utf8.RuneSelf {
		return byteKey(b), 1
	}
	r, size := utf8.DecodeRune(buf)
	if r == utf8.RuneError {
		size = 1
	}
	return Event{Kind: KindKey, Key: KeyRune, Rune: r}, size
}

func parseOne(buf []byte) (Event, int, status) {
	b := buf[0]
	switch {
	case b == 0x1b:
		return parseEscape(buf)
	case b < utf8.RuneSelf:
		return byteKey(b), 1, statusComplete
	}

	if !utf8.FullRune(buf) {
		return Event{}, 0, statusIncomplete
	}
	r, size := utf8.DecodeRune(buf)
	return Event{Kind: KindKey, Key: KeyRune, Rune: r}, size, statusComplete
}

func byteKey(b byte) Event {
	ev := Event{Kind: KindKey, Key: KeyRune}
	switch {
	case b == '\r' || b == '\n':
		ev.Key = KeyEnter
	case b == '\t':
		ev.Key = KeyTab
	case b == 0x7f || b == 0x08:
		ev.Key = KeyBackspace
	case b == 0x00:
		ev.Rune, ev.Mod = ' ', ModCtrl
	case b >= 0x01 && b <= 0x1a:
		ev.Rune, ev.Mod = rune('a'+b-1), ModCtrl
	case b >= 0x1c && b <= 0x1f:
		ev.Rune, ev.Mod = rune(`\]^_`[b-0x1c]), ModCtrl
	default:
		ev.Rune = rune(b)
	}
	return ev
}

func parseEscape(buf []byte) (Event, int, status) {
	if len(buf) < 2 {
		return Event{}, 0, statusIncomplete
	}

	switch buf[1] {
	case '[':
		return parseCSI(buf)
	case 'O':
		if len(buf) < 3 {
			return Event{}, 0, statusIncomplete
		}
		if key, ok := finalKeys[buf[2]]; ok {
			return Event{Kind: KindKey, Key: key}, 3, statusComplete
		}
		return Event{Kind: KindKey, Key: KeyRune, Rune: 'O', Mod: ModAlt}, 2, statusComplete
	case 0x1b:
		return Event{Kind: KindKey, Key: KeyEscape}, 1, statusComplete
	}

	// ESC followed by a key is that key with Alt held.
	ev, n, st := parseOne(buf[1:])
	if st != statusComplete {
		return Event{}, 0, st
	}
	ev.Mod |= ModAlt
	return ev, n + 1, statusComplete
}

// finalKeys maps CSI and SS3 final bytes to keys.
var finalKeys = map[byte]Key{
	'A': KeyUp,
	'B': KeyDown,
	'C': KeyRight,
	'D': KeyLeft,
	'H': KeyHome,
	'F': KeyEnd,
	'P': KeyF1,
	'Q': KeyF2,
	'R': KeyF3,
	'S': KeyF4,
}

// tildeKeys maps the numeric parameter of "CSI n ~" to keys.
var tildeKeys = map[int]Key{
	1: KeyHome, 2: KeyInsert, 3: KeyDelete, 4: KeyEnd, 5: KeyPageUp, 6: KeyPageDown,
	7: KeyHome, 8: KeyEnd,
	11: KeyF1, 12: KeyF2, 13: KeyF3, 14: KeyF4, 15: KeyF5,
	17: KeyF6, 18: KeyF7, 19: KeyF8, 20: KeyF9, 21: KeyF10,
	23: KeyF11, 24: KeyF12,
}

func parseCSI(buf []byte) (Event, int, status) {
	if len(buf) < 3 {
		return Event{}, 0, statusIncomplete
	}
	if buf[2] == 'M' {
		return parseX10Mouse(buf)
	}

	// parameter bytes, then intermediate bytes, then one final byte
	j := 2
	for j < len(buf) && buf[j] >= 0x30 && buf[j] <= 0x3f {
		j++
	}
	paramEnd := j
	for j < len(buf) && buf[j] >= 0x20 && buf[j] <= 0x2f {
		j++
	}
	if j == len(buf) {
		return Event{}, 0, statusIncomplete
	}
	final := buf[j]
	if final < 0x40 || final > 0x7e || j != paramEnd {
		return Event{}, 0, statusInvalid
	}
	n := j + 1
	params := string(buf[2:paramEnd])

	if strings.HasPrefix(params, "<") {
		if final != 'M' && final != 'm' {
			return Event{}, 0, statusInvalid
		}
		return parseSGRMouse(params[1:], final, n)
	}

	fields := strings.Split(params, ";")
	mod, ok := modifier(fields)
	if !ok {
		return Event{}, 0, statusInvalid
	}

	switch final {
	case '~':
		code, err := strconv.Atoi(fields[0])
		if err != nil {
			return Event{}, 0, statusInvalid
		}
		if code == 200 {
			return Event{}, n, statusPasteStart
		}
		key, ok := tildeKeys[code]
		if !ok {
			return Event{}, 0, statusInvalid
		}
		return Event{Kind: KindKey, Key: key, Mod: mod}, n, statusComplete
	case 'I', 'O':
		if params != "" {
			return Event{}, 0, statusInvalid
		}
		return Event{Kind: KindFocus, Focused: final == 'I'}, n, statusComplete
	case 'Z':
		return Event{Kind: KindKey, Key: KeyTab, Mod: mod | ModShift}, n, statusComplete
	}

	if key, ok := finalKeys[final]; ok {
		return Event{Kind: KindKey, Key: key, Mod: mod}, n, statusComplete
	}
	return Event{}, 0, statusInvalid
}

// modifier decodes the xterm "1;m" modifier parameter.
func modifier(fields []string) (Mod, bool) {
	if len(fields) < 2 {
		return 0, true
	}
	if len(fields) > 2 {
		return 0, false
	}
	m, err := strconv.Atoi(fields[1])
	if err != nil || m < 1 {
		return 0, false
	}
	m--
	var mod Mod
	if m&1 != 0 {
		mod |= ModShift
	}
	if m&2 != 0 {
		mod |= ModAlt
	}
	if m&4 != 0 {
		mod |= ModCtrl
	}
	if m&8 != 0 {
		mod |= ModMeta
	}
	return mod, true
}

func mouseFromCode(code int, release bool) (Mouse, Mod) {
	var mod Mod
	if code&4 != 0 {
		mod |= ModShift
	}
	if code&8 != 0 {
		mod |= ModAlt
	}
	if code&16 != 0 {
		mod |= ModCtrl
	}

	low := code & 3
	m := Mouse{Button: MouseButton(low), Action: MousePress}
	switch {
	case code&64 != 0:
		m.Button = MouseWheelUp + MouseButton(low)
	case code&32 != 0:
		m.Action = MouseMotion
	case release || low == 3:
		m.Action = MouseRelease
	}
	return m, mod
}

func parseSGRMouse(params string, final byte, n int) (Event, int, status) {
	fields := strings.Split(params, ";")
	if len(fields) != 3 {
		return Event{}, 0, statusInvalid
	}
	var v [3]int
	for i, f := range fields {
		x, err := strconv.Atoi(f)
		if err != nil || x < 0 {
			return Event{}, 0, statusInvalid
		}
		v[i] = x
	}
	m, mod := mouseFromCode(v[0], final == 'm')
	m.X, m.Y = max(v[1]-1, 0), max(v[2]-1, 0)
	return Event{Kind: KindMouse, Mouse: m, Mod: mod}, n, statusComplete
}

func parseX10Mouse(buf []byte) (Event, int, status) {
	if len(buf) < 6 {
		return Event{}, 0, statusIncomplete
	}
	if buf[3] < 32 || buf[4] < 33 || buf[5] < 33 {
		return Event{}, 0, statusInvalid
	}
	m, mod := mouseFromCode(int(buf[3])-32, false)
	m.X, m.Y = int(buf[4])-33, int(buf[5])-33
	return Event{Kind: KindMouse, Mouse: m, Mod: mod}, 6, statusComplete
}
