package reactor

import (
	"github.com/ehrlich-b/rxnet/iobuf"
)

// Token range boundaries: listeners occupy the lowest range, timers
// the next, and connections the remainder, so a token's numeric range
// alone classifies the resource it names.
const (
	listenerBase = 0
	listenerCap  = 128
	timerBase    = 129
	timerCap     = 127
	connBase     = 256
)

// Config holds Reactor construction parameters. There is no CLI,
// environment variable, or config-file loader for this struct by
// design: the embedding Go program populates it directly.
type Config struct {
	// QueueSize bounds every inbound delivery channel (listener fan-in
	// and per-connection NetStream receivers).
	QueueSize int

	// ReadBufSize is the initial capacity of a connection's read
	// accumulation buffer.
	ReadBufSize int

	// MinReadBufSize is the spare-capacity floor: after framing, a read
	// buffer with fewer than this many bytes of capacity left is rotated
	// into a fresh one.
	MinReadBufSize int

	// MaxConnections bounds the connection slab's capacity.
	MaxConnections int

	// PollTimeoutMs bounds how long a single epoll_wait call blocks
	// when no timer deadline is sooner and nothing wakes the loop.
	PollTimeoutMs int

	// Allocator backs every connection's read buffer and every RBR
	// handed to a Protocol. If nil, buffers are served from iobuf's
	// pooled heap allocator instead of a mmap.Region.
	Allocator iobuf.Allocator

	Logger   Logger
	Observer Observer
}

// DefaultConfig returns sensible defaults, in the shape of go-ublk's
// DefaultParams.
func DefaultConfig() Config {
	return Config{
		QueueSize:      256,
		ReadBufSize:    4096,
		MinReadBufSize: 512,
		MaxConnections: 1024,
		PollTimeoutMs:  100,
	}
}
