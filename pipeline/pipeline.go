// Package pipeline implements the reactive-streams style composition
// layer used to build user-facing message processing graphs on top of
// a reactor's per-connection delivery channels: Publisher sources push
// values into a chain of Subscribers, Processors sit in between doing
// both, and Couplers/Decouplers bridge the push model onto the bounded
// channels that cross goroutine boundaries.
package pipeline

import "github.com/ehrlich-b/rxnet/internal/logging"

// Subscriber receives values pushed by an upstream Publisher.
//
// OnNext delivers one value; returning false tells the driving
// Publisher to stop calling it. OnSubscribe announces the subscriber's
// position (always 0 in this single-consumer implementation — nothing
// here fans one Publisher out to more than one Subscriber).
// OnError/OnComplete signal terminal upstream conditions.
type Subscriber[T any] interface {
	OnNext(t T) bool
	OnSubscribe(index int)
	OnError(msg string)
	OnComplete(force bool)
}

// Publisher drives values into whatever Subscriber is attached via
// Subscribe. Next may block; TryNext must not. Run calls Next in a
// loop until it returns false, the default "just run the pipeline to
// completion" entry point.
type Publisher[T any] interface {
	Subscribe(s Subscriber[T])
	Next() bool
	TryNext() bool
	Run()
}

// Processor is both ends of a pipeline stage: a Subscriber[I] that
// transforms or observes input and, as a Publisher[O], pushes results
// to its own downstream. Map, Reduce, Take and the rest of this
// package's operators all satisfy this.
type Processor[I, O any] interface {
	Subscriber[I]
	Publisher[O]
}

// RunLoop drives p to completion by calling Next until it returns
// false, the shared implementation behind every concrete Publisher's
// Run method.
func RunLoop[T any](p Publisher[T]) {
	for p.Next() {
	}
}

// passDefaults supplies the default OnSubscribe/OnError/OnComplete
// behavior shared by every processor in this package: forward to the
// attached downstream if there is one. OnError always logs first; with
// no downstream, OnError and OnComplete log and panic rather than
// silently drop a terminal condition, while OnSubscribe does nothing. A
// stage that is a deliberate terminal sink (Collect, Decoupler)
// overrides OnComplete so that it never panics; the panic here exists to
// catch stages that were simply never wired. Embedding this gives every stage the shared defaults without
// repeating them.
type passDefaults[O any] struct {
	downstream Subscriber[O]
	logger     *logging.Logger
}

func (p *passDefaults[O]) log() *logging.Logger {
	if p.logger != nil {
		return p.logger
	}
	return logging.Default()
}

func (p *passDefaults[O]) attach(s Subscriber[O]) {
	p.downstream = s
	if s != nil {
		s.OnSubscribe(0)
	}
}

func (p *passDefaults[O]) OnSubscribe(index int) {
	if p.downstream != nil {
		p.downstream.OnSubscribe(index)
	}
}

func (p *passDefaults[O]) OnError(msg string) {
	p.log().Errorf("pipeline: upstream error: %s", msg)
	if p.downstream != nil {
		p.downstream.OnError(msg)
		return
	}
	panic("pipeline: unhandled error: " + msg)
}

func (p *passDefaults[O]) OnComplete(force bool) {
	if p.downstream != nil {
		p.downstream.OnComplete(force)
		return
	}
	p.log().Errorf("pipeline: completion (force=%v) reached a stage with no downstream", force)
	panic("pipeline: unhandled completion")
}

// pushDriven stubs the Publisher pull methods for processors that are
// entirely push-driven: they never have their own source to poll, so
// Next/TryNext/Run are never meant to be called on them directly.
type pushDriven struct{}

func (pushDriven) Next() bool {
	panic("pipeline: this stage is push-driven and has no source of its own to pull")
}

func (pushDriven) TryNext() bool {
	panic("pipeline: this stage is push-driven and has no source of its own to pull")
}

func (pushDriven) Run() {
	panic("pipeline: this stage is push-driven and has no source of its own to pull")
}
