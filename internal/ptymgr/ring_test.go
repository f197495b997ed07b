package ptymgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingUnderCapacity(t *testing.T) {
	r := NewRing(16)
	assert.Empty(t, r.Write([]byte("hello")))
	assert.Equal(t, []byte("hello"), r.Bytes())
	assert.Equal(t, 5, r.Len())
}

func TestRingEvictsOldestFirst(t *testing.T) {
	r := NewRing(5)
	r.Write([]byte("abcde"))
	evicted := r.Write([]byte("fg"))

	assert.Equal(t, []byte("ab"), evicted)
	assert.Equal(t, []byte("cdefg"), r.Bytes())
}

func TestRingWriteLargerThanCapacity(t *testing.T) {
	r := NewRing(4)
	r.Write([]byte("xy"))
	evicted := r.Write([]byte("abcdefghijklmnop"))

	assert.Equal(t, []byte("xyabcdefghijkl"), evicted)
	assert.Equal(t, []byte("mnop"), r.Bytes())
}

func TestRingIncrementalWritesKeepEveryByte(t *testing.T) {
	r := NewRing(6)
	var evicted []byte
	for _, s := range []string{"ab", "cd", "ef", "gh", "ij"} {
		evicted = append(evicted, r.Write([]byte(s))...)
	}
	assert.Equal(t, "abcd", string(evicted))
	assert.Equal(t, "efghij", string(r.Bytes()))
}

func TestRingDrain(t *testing.T) {
	r := NewRing(4)
	r.Write([]byte("abcdef"))
	assert.Equal(t, []byte("cdef"), r.Drain())
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Bytes())

	r.Write([]byte("z"))
	assert.Equal(t, []byte("z"), r.Bytes())
}

func TestRingZeroCapacityEvictsEverything(t *testing.T) {
	r := NewRing(0)
	assert.Equal(t, []byte("abc"), r.Write([]byte("abc")))
	assert.Zero(t, r.Len())
}

func TestIncompleteUTF8Tail(t *testing.T) {
	euro := []byte("€") // 3 bytes
	assert.Equal(t, 0, incompleteUTF8Tail([]byte("abc")))
	assert.Equal(t, 0, incompleteUTF8Tail(append([]byte("a"), euro...)))
	assert.Equal(t, 2, incompleteUTF8Tail(append([]byte("a"), euro[:2]...)))
	assert.Equal(t, 1, incompleteUTF8Tail(euro[:1]))
	assert.Equal(t, 0, incompleteUTF8Tail([]byte{0x80, 0x80, 0x80, 0x80}))
}

func TestSkipLeadingContinuationBytes(t *testing.T) {
	euro := []byte("€")
	assert.Equal(t, []byte("x"), skipLeadingContinuationBytes(append(euro[1:], 'x')))
	assert.Equal(t, []byte("x"), skipLeadingContinuationBytes([]byte("x")))
}
