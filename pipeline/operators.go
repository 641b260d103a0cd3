package pipeline

import "github.com/ehrlich-b/rxnet/internal/logging"

// Map transforms each input with fn before forwarding it downstream.
type Map[I, O any] struct {
	passDefaults[O]
	pushDriven
	fn func(I) O
}

// NewMap returns a Processor applying fn to every input.
func NewMap[I, O any](fn func(I) O) *Map[I, O] {
	return &Map[I, O]{fn: fn}
}

// Subscribe implements Publisher.
func (m *Map[I, O]) Subscribe(s Subscriber[O]) { m.attach(s) }

// OnNext implements Subscriber.
func (m *Map[I, O]) OnNext(t I) bool {
	if m.downstream == nil {
		return true
	}
	return m.downstream.OnNext(m.fn(t))
}

// Reduce folds a running state V across inputs, emitting one output
// per input derived from both the new state and the input.
type Reduce[I, V, O any] struct {
	passDefaults[O]
	pushDriven
	fn    func(V, I) (V, O)
	state V
}

// NewReduce returns a Processor seeded with initial, applying fn to
// fold each input into the running state and an emitted output.
func NewReduce[I, V, O any](initial V, fn func(V, I) (V, O)) *Reduce[I, V, O] {
	return &Reduce[I, V, O]{fn: fn, state: initial}
}

// OnNext implements Subscriber.
func (r *Reduce[I, V, O]) OnNext(t I) bool {
	newState, out := r.fn(r.state, t)
	r.state = newState
	if r.downstream == nil {
		return true
	}
	return r.downstream.OnNext(out)
}

// Subscribe implements Publisher.
func (r *Reduce[I, V, O]) Subscribe(s Subscriber[O]) { r.attach(s) }

// Indexed pairs a value with its zero-based position in the stream,
// the payload Enumerate emits.
type Indexed[T any] struct {
	Value T
	Index uint64
}

// Enumerate tags every input with its zero-based position.
type Enumerate[T any] struct {
	passDefaults[Indexed[T]]
	pushDriven
	count uint64
}

// NewEnumerate returns a Processor that pairs inputs with their index.
func NewEnumerate[T any]() *Enumerate[T] {
	return &Enumerate[T]{}
}

// Subscribe implements Publisher.
func (e *Enumerate[T]) Subscribe(s Subscriber[Indexed[T]]) { e.attach(s) }

// OnNext implements Subscriber.
func (e *Enumerate[T]) OnNext(t T) bool {
	if e.downstream == nil {
		return true
	}
	idx := e.count
	e.count++
	return e.downstream.OnNext(Indexed[T]{Value: t, Index: idx})
}

// Take forwards at most max inputs, calling OnComplete(false) on the
// downstream and returning false on the (max+1)th input.
type Take[T any] struct {
	passDefaults[T]
	pushDriven
	count, max int
}

// NewTake returns a Processor passing through at most max items.
func NewTake[T any](max int) *Take[T] {
	return &Take[T]{max: max}
}

// Subscribe implements Publisher.
func (t *Take[T]) Subscribe(s Subscriber[T]) { t.attach(s) }

// OnNext implements Subscriber.
func (t *Take[T]) OnNext(v T) bool {
	if t.downstream == nil {
		return true
	}
	t.count++
	if t.count > t.max {
		t.downstream.OnComplete(false)
		return false
	}
	return t.downstream.OnNext(v)
}

// TraceWhile logs each input for which pred returns true, then
// forwards it unchanged, logging through internal/logging the way the
// reactor logs its own lifecycle events.
type TraceWhile[T any] struct {
	passDefaults[T]
	pushDriven
	pred   func(T) bool
	logger *logging.Logger
}

// NewTraceWhile returns a Processor that logs (via logger, or the
// package default if nil) every input matching pred before forwarding
// it unchanged.
func NewTraceWhile[T any](pred func(T) bool, logger *logging.Logger) *TraceWhile[T] {
	if logger == nil {
		logger = logging.Default()
	}
	return &TraceWhile[T]{pred: pred, logger: logger}
}

// Subscribe implements Publisher.
func (t *TraceWhile[T]) Subscribe(s Subscriber[T]) { t.attach(s) }

// OnNext implements Subscriber.
func (t *TraceWhile[T]) OnNext(v T) bool {
	if t.pred(v) {
		t.logger.Debugf("pipeline trace: %+v", v)
	}
	if t.downstream == nil {
		return true
	}
	return t.downstream.OnNext(v)
}

// Do runs fn for its side effect on every input, then forwards the
// input unchanged.
type Do[T any] struct {
	passDefaults[T]
	pushDriven
	fn func(T)
}

// NewDo returns a Processor that calls fn on each input before
// forwarding it unchanged.
func NewDo[T any](fn func(T)) *Do[T] {
	return &Do[T]{fn: fn}
}

// Subscribe implements Publisher.
func (d *Do[T]) Subscribe(s Subscriber[T]) { d.attach(s) }

// OnNext implements Subscriber.
func (d *Do[T]) OnNext(v T) bool {
	d.fn(v)
	if d.downstream == nil {
		return true
	}
	return d.downstream.OnNext(v)
}

// Tee sends every input to sink, then forwards it downstream
// unchanged.
type Tee[T any] struct {
	passDefaults[T]
	pushDriven
	sink Sendable[T]
}

// NewTee returns a Processor that forwards every input to both sink
// and its downstream subscriber.
func NewTee[T any](sink Sendable[T]) *Tee[T] {
	return &Tee[T]{sink: sink}
}

// Subscribe implements Publisher.
func (t *Tee[T]) Subscribe(s Subscriber[T]) { t.attach(s) }

// OnNext implements Subscriber.
func (t *Tee[T]) OnNext(v T) bool {
	t.sink.Send(v)
	if t.downstream == nil {
		return true
	}
	return t.downstream.OnNext(v)
}

// Zipped holds a pair of same-typed values, the input shape Unzip
// expects.
type Zipped[T any] struct {
	First, Second T
}

// Unzip splits a Zipped pair into two separate downstream deliveries.
// Both deliveries are attempted regardless of their individual results;
// Unzip only stops the pipeline if both halves decline.
type Unzip[T any] struct {
	passDefaults[T]
	pushDriven
}

// NewUnzip returns a Processor that emits each half of a Zipped pair
// as its own downstream delivery.
func NewUnzip[T any]() *Unzip[T] {
	return &Unzip[T]{}
}

// Subscribe implements Publisher.
func (u *Unzip[T]) Subscribe(s Subscriber[T]) { u.attach(s) }

// OnNext implements Subscriber.
func (u *Unzip[T]) OnNext(t Zipped[T]) bool {
	if u.downstream == nil {
		return true
	}
	first := u.downstream.OnNext(t.First)
	second := u.downstream.OnNext(t.Second)
	return first || second
}
