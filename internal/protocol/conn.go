package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/resident/internal/consts"
)

// ErrLineTooLong is returned when a peer sends a control line larger than
// the protocol allows.
var ErrLineTooLong = errors.New("control message exceeds maximum size")

// Conn reads and writes control messages on a stream. Reads must come from
// a single goroutine; writes may come from any.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, consts.BufferSize4KB),
	}
}

// Send writes one message. A zero timeout means no write deadline.
func (c *Conn) Send(p Payload, timeout time.Duration) error {
	line, err := Marshal(p)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("send %s: %w", p.Type(), err)
	}
	return nil
}

// Receive reads the next message. A zero timeout waits forever.
func (c *Conn) Receive(timeout time.Duration) (Payload, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > consts.BufferSize64KB {
			return nil, ErrLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, err
	}

	return Unmarshal(line)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr identifies the peer in logs.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsTimeout reports whether err is a read or write deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
