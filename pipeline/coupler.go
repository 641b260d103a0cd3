package pipeline

import "github.com/ehrlich-b/rxnet/internal/logging"

// Coupler wraps a bounded receive channel as a Publisher, the bridge
// that lets a reactor connection's delivery channel (or any other
// cross-goroutine producer) feed a user pipeline. Next blocks until a
// value arrives or the channel is closed; TryNext never blocks.
type Coupler[T any] struct {
	rx         <-chan T
	downstream Subscriber[T]
}

// NewCoupler wraps rx as a Publisher.
func NewCoupler[T any](rx <-chan T) *Coupler[T] {
	return &Coupler[T]{rx: rx}
}

// Subscribe implements Publisher.
func (c *Coupler[T]) Subscribe(s Subscriber[T]) {
	c.downstream = s
	if s != nil {
		s.OnSubscribe(0)
	}
}

// Next implements Publisher, blocking on the wrapped channel.
func (c *Coupler[T]) Next() bool {
	if c.downstream == nil {
		return false
	}
	v, ok := <-c.rx
	if !ok {
		c.downstream.OnComplete(false)
		return false
	}
	return c.downstream.OnNext(v)
}

// TryNext implements Publisher without blocking: an empty channel
// returns true (nothing delivered yet, keep driving); a closed
// channel completes the pipeline exactly as Next does.
func (c *Coupler[T]) TryNext() bool {
	if c.downstream == nil {
		return false
	}
	select {
	case v, ok := <-c.rx:
		if !ok {
			c.downstream.OnComplete(false)
			return false
		}
		return c.downstream.OnNext(v)
	default:
		return true
	}
}

// Run implements Publisher.
func (c *Coupler[T]) Run() { RunLoop[T](c) }

// Decoupler is a terminal Subscriber that forwards every value to a
// Sendable, the bridge that lets a user pipeline push back out across
// a goroutine boundary (to another pipeline's Coupler, or straight
// into a reactor connection via reactor.Sender). A send failure stops
// the pipeline by returning false from OnNext.
type Decoupler[T any] struct {
	passDefaults[T]
	sink Sendable[T]
}

// NewDecoupler returns a Decoupler pushing every received value to sink.
func NewDecoupler[T any](sink Sendable[T]) *Decoupler[T] {
	return &Decoupler[T]{sink: sink}
}

// OnNext implements Subscriber.
func (d *Decoupler[T]) OnNext(t T) bool {
	return d.sink.Send(t)
}

// OnComplete implements Subscriber. A Decoupler is a deliberate
// terminal sink; upstream completion just means nothing more will be
// pushed to the wrapped Sendable.
func (d *Decoupler[T]) OnComplete(force bool) {
	logging.Default().Debugf("pipeline: decoupler upstream complete (force=%v)", force)
}
