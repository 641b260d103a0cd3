package pipeline

import "math/rand/v2"

// IterPublisher adapts a slice into a Publisher, emitting one element
// per Next call and calling OnComplete(false) on exhaustion.
type IterPublisher[T any] struct {
	items      []T
	pos        int
	downstream Subscriber[T]
}

// NewIterPublisher returns a Publisher over items, in order.
func NewIterPublisher[T any](items []T) *IterPublisher[T] {
	return &IterPublisher[T]{items: items}
}

// Subscribe implements Publisher.
func (p *IterPublisher[T]) Subscribe(s Subscriber[T]) {
	p.downstream = s
	if s != nil {
		s.OnSubscribe(0)
	}
}

// Next implements Publisher.
func (p *IterPublisher[T]) Next() bool {
	if p.downstream == nil {
		return false
	}
	if p.pos >= len(p.items) {
		p.downstream.OnComplete(false)
		return false
	}
	v := p.items[p.pos]
	p.pos++
	return p.downstream.OnNext(v)
}

// TryNext is identical to Next: an in-memory slice never blocks.
func (p *IterPublisher[T]) TryNext() bool { return p.Next() }

// Run implements Publisher.
func (p *IterPublisher[T]) Run() { RunLoop[T](p) }

// Repeat emits the same value forever, once per Next call. Useful as
// a constant-rate load generator paired with scheduler.FixedLoop.
type Repeat[T any] struct {
	val        T
	downstream Subscriber[T]
}

// NewRepeat returns a Publisher that emits val on every call to Next.
func NewRepeat[T any](val T) *Repeat[T] {
	return &Repeat[T]{val: val}
}

// Subscribe implements Publisher.
func (p *Repeat[T]) Subscribe(s Subscriber[T]) {
	p.downstream = s
	if s != nil {
		s.OnSubscribe(0)
	}
}

// Next implements Publisher.
func (p *Repeat[T]) Next() bool {
	if p.downstream == nil {
		return false
	}
	return p.downstream.OnNext(p.val)
}

// TryNext is identical to Next: emitting a held value never blocks.
func (p *Repeat[T]) TryNext() bool { return p.Next() }

// Run implements Publisher.
func (p *Repeat[T]) Run() { RunLoop[T](p) }

// RndGen emits a pseudo-random uint64 once per Next call, forever.
// Callers wanting other value shapes compose it with Map.
type RndGen struct {
	rng        *rand.Rand
	downstream Subscriber[uint64]
}

// NewRndGen returns a RndGen seeded deterministically from seed, so
// tests built on it are reproducible.
func NewRndGen(seed uint64) *RndGen {
	return &RndGen{rng: rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))}
}

// Subscribe implements Publisher.
func (p *RndGen) Subscribe(s Subscriber[uint64]) {
	p.downstream = s
	if s != nil {
		s.OnSubscribe(0)
	}
}

// Next implements Publisher.
func (p *RndGen) Next() bool {
	if p.downstream == nil {
		return false
	}
	return p.downstream.OnNext(p.rng.Uint64())
}

// TryNext is identical to Next: generating a random value never blocks.
func (p *RndGen) TryNext() bool { return p.Next() }

// Run implements Publisher.
func (p *RndGen) Run() { RunLoop[uint64](p) }
