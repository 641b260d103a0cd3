package reactor

import (
	"net"
	"os"

	"github.com/ehrlich-b/rxnet/iobuf"
	"github.com/ehrlich-b/rxnet/internal/slab"
	"github.com/ehrlich-b/rxnet/protocol"
	"github.com/sagernet/sing/common/bufio"
	N "github.com/sagernet/sing/common/network"
	"golang.org/x/sys/unix"
)

// connState is a connection's lifecycle state, matching go-ublk's
// per-tag TagState discipline generalized to a TCP stream's states.
type connState int

const (
	connConnecting connState = iota
	connEstablished
	connHalfClosed
	connClosed
)

func (s connState) String() string {
	switch s {
	case connConnecting:
		return "connecting"
	case connEstablished:
		return "established"
	case connHalfClosed:
		return "half-closed"
	case connClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connection holds all per-connection state the event loop touches. It
// is owned exclusively by the reactor goroutine; only Sender.Send
// crosses goroutine boundaries.
type connection struct {
	fd    int
	tok   slab.Token
	state connState

	proto protocol.Protocol

	// readBuf accumulates raw socket bytes; marker is the offset below
	// which bytes have already been consumed by the Protocol. The bytes
	// in [marker, readBuf.Len()) are what the next framing attempt sees.
	readBuf *iobuf.AB
	marker  int

	writeQueue  []iobuf.RBR
	writeOffset int

	// netConn/vecWriter back the batched write path: a dup'd net.Conn
	// wrapping the same socket fd, used only so drainWrites can hand
	// more than one pending buffer to sing's vectorised writer in a
	// single writev-style syscall. Reads and single-buffer writes still
	// go through fd directly via golang.org/x/sys/unix.
	netConn   net.Conn
	vecWriter N.VectorisedWriter
	vecOK     bool

	// ownsDeliver is true only for Connect-created connections, whose
	// delivery channel is private to them and is closed with them.
	// Accepted connections share their listener's channel, which stays
	// open until the listener itself is torn down.
	ownsDeliver bool

	deliver chan Notification
}

func newConnection(fd int, tok slab.Token, proto protocol.Protocol, alloc iobuf.Allocator, readBufSize int, deliver chan Notification) *connection {
	c := &connection{
		fd:      fd,
		tok:     tok,
		state:   connConnecting,
		proto:   proto,
		readBuf: iobuf.NewAB(alloc, readBufSize),
		deliver: deliver,
	}
	c.setupVectorisedWriter()
	return c
}

// setupVectorisedWriter wraps the connection's fd in a net.Conn purely
// so sing's bufio helpers can probe it for batched-write support; it
// dups the descriptor, so closing netConn never affects fd.
func (c *connection) setupVectorisedWriter() {
	dupFd, err := unix.Dup(c.fd)
	if err != nil {
		return
	}
	f := os.NewFile(uintptr(dupFd), "")
	if f == nil {
		unix.Close(dupFd)
		return
	}
	nc, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return
	}
	c.netConn = nc
	c.vecWriter, c.vecOK = bufio.CreateVectorisedWriter(nc)
}

// queueWrite appends buf to the connection's outbound FIFO.
func (c *connection) queueWrite(buf iobuf.RBR) {
	c.writeQueue = append(c.writeQueue, buf)
}

// hasPendingWrites reports whether the connection still has buffered
// output waiting to be drained to the socket.
func (c *connection) hasPendingWrites() bool {
	return len(c.writeQueue) > 0
}

// rotateReadBuf replaces the connection's read buffer with a fresh one
// seeded with the unconsumed tail bytes, resetting marker to 0. This
// abandons whatever spare capacity the old buffer had left rather than
// trying to slide its contents down in place — a deliberate
// simplicity-over-memory trade-off (see DESIGN.md's Open Question
// resolution for read-path rotation). The old backing stays alive until
// every message snapshot handed downstream has been released.
func (c *connection) rotateReadBuf(tail []byte, alloc iobuf.Allocator, size int) {
	if want := len(tail) * 2; want > size {
		size = want
	}
	fresh := iobuf.NewAB(alloc, size)
	fresh.Append(tail)
	c.readBuf.Release()
	c.readBuf = fresh
	c.marker = 0
}
