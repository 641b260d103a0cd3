package reactor

import (
	"github.com/ehrlich-b/rxnet/iobuf"
	"github.com/ehrlich-b/rxnet/internal/slab"
)

// Notification is the payload routed through a Reactor's cross-thread
// channel: a buffer plus the connection Token it should be written to.
type Notification struct {
	Buf   iobuf.RBR
	Token slab.Token
}

// Sender is a cross-goroutine handle that queues a Notification for the
// reactor's event loop to pick up and write to the named connection. It
// satisfies pipeline.Sendable[Notification], letting a pipeline
// Decoupler target a live connection directly.
type Sender struct {
	ch  chan Notification
	efd int
}

// Send enqueues n for delivery and wakes the event loop out of its
// epoll_wait. A full notification channel means the event loop is
// behind, not gone, so Send blocks until there is room rather than
// dropping — this is the backpressure edge between pipelines and the
// reactor.
func (s Sender) Send(n Notification) bool {
	s.ch <- n
	wakeEventfd(s.efd)
	return true
}

// NetStream is the user-facing handle bundling a connection's Token,
// its dedicated inbound delivery channel, and the shared outbound
// Sender.
type NetStream struct {
	Token slab.Token
	Recv  <-chan Notification
	Send  Sender
}
