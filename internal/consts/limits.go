package consts

import "time"

// Buffer sizes for various operations
const (
	// BufferSize4KB is the read chunk for PTY output and the data channel
	BufferSize4KB = 4 * 1024
	// BufferSize32KB is the minimum spill chunk written to the backing store
	BufferSize32KB = 32 * 1024
	// BufferSize64KB bounds a single control message line
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
)

// Input parsing limits
const (
	// MaxEscapeSequence is the lookahead after which an unterminated
	// escape sequence is given up and emitted as literal input
	MaxEscapeSequence = 64
	// MaxClientIDLength bounds the data channel preamble
	MaxClientIDLength = 64
)

// Timeouts for various operations
const (
	// Timeout25Milliseconds is how long a lone ESC waits for the rest of a sequence
	Timeout25Milliseconds = 25 * time.Millisecond
	// Timeout1Second is a 1 second timeout
	Timeout1Second = 1 * time.Second
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout30Seconds is a 30 second timeout
	Timeout30Seconds = 30 * time.Second
	// Timeout90Seconds is a 90 second timeout
	Timeout90Seconds = 90 * time.Second
)

// Default terminal geometry used when the client cannot report one.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Mailbox sizes
const (
	// LoopMailboxSize is the core loop's queue depth
	LoopMailboxSize = 256
	// PaneEventBuffer is the PTY manager's event channel depth
	PaneEventBuffer = 256
)
