package ptymgr

// Ring is a fixed-size circular byte buffer holding the most recent output
// of a pane. Bytes pushed out by newer writes are handed back to the caller
// so they can be moved to the spill store. Ring is not safe for concurrent
// use; the owning pane serializes access.
type Ring struct {
	buf   []byte
	start int // index of the oldest byte
	n     int // bytes currently held
}

// NewRing returns an empty ring holding at most size bytes.
func NewRing(size int) *Ring {
	return &Ring{buf: make([]byte, max(size, 0))}
}

// Cap returns the ring's capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	return r.n
}

// Write appends p and returns the bytes it evicted, oldest first. The
// returned slice is owned by the caller.
func (r *Ring) Write(p []byte) []byte {
	size := len(r.buf)
	if size == 0 {
		return append([]byte(nil), p...)
	}

	var evicted []byte
	if over := r.n + len(p) - size; over > 0 {
		evicted = r.take(min(over, r.n))
		if len(p) > size {
			evicted = append(evicted, p[:len(p)-size]...)
			p = p[len(p)-size:]
		}
	}

	end := (r.start + r.n) % size
	c := copy(r.buf[end:], p)
	copy(r.buf, p[c:])
	r.n += len(p)
	return evicted
}

// take removes and returns the k oldest bytes.
func (r *Ring) take(k int) []byte {
	out := make([]byte, k)
	c := copy(out, r.buf[r.start:min(r.start+k, len(r.buf))])
	copy(out[c:], r.buf[:k-c])
	r.start = (r.start + k) % len(r.buf)
	r.n -= k
	return out
}

// Bytes returns the buffered bytes in order. The slice is a copy.
func (r *Ring) Bytes() []byte {
	out := make([]byte, r.n)
	if r.n == 0 {
		return out
	}
	c := copy(out, r.buf[r.start:min(r.start+r.n, len(r.buf))])
	copy(out[c:], r.buf[:r.n-c])
	return out
}

// Drain empties the ring and returns what it held.
func (r *Ring) Drain() []byte {
	out := r.Bytes()
	r.start, r.n = 0, 0
	return out
}

// incompleteUTF8Tail returns how many trailing bytes of data form an
// unfinished multi-byte UTF-8 sequence.
func incompleteUTF8Tail(data []byte) int {
	n := len(data)
	if n == 0 || data[n-1] < 0x80 {
		return 0
	}
	for i := 0; i < 4 && i < n; i++ {
		b := data[n-1-i]
		if b&0xC0 == 0x80 {
			continue
		}
		var seqLen int
		switch {
		case b&0xE0 == 0xC0:
			seqLen = 2
		case b&0xF0 == 0xE0:
			seqLen = 3
		case b&0xF8 == 0xF0:
			seqLen = 4
		default:
			return 0
		}
		if have := i + 1; have < seqLen {
			return have
		}
		return 0
	}
	return 0
}

// skipLeadingContinuationBytes drops orphaned UTF-8 continuation bytes left
// at the front when eviction split a character.
func skipLeadingContinuationBytes(data []byte) []byte {
	i := 0
	for i < len(data) && i < 4 && data[i]&0xC0 == 0x80 {
		i++
	}
	return data[i:]
}
