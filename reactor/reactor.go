// Package reactor implements a single-threaded, edge-triggered epoll
// event loop that frames TCP byte streams into application messages via
// a pluggable protocol.Protocol and delivers them to consumers over
// bounded channels, while accepting outbound buffers submitted from any
// goroutine through a Sender.
//
// The event loop itself runs on one goroutine pinned to its OS thread
// (runtime.LockOSThread), the way go-ublk's queue.Runner pins its I/O
// loop — epoll file descriptors are usable from other threads, but
// keeping the wait/dispatch/deliver cycle on a single thread avoids any
// need for locking around connection state.
package reactor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/rxnet/internal/logging"
	"github.com/ehrlich-b/rxnet/internal/slab"
	"github.com/ehrlich-b/rxnet/protocol"
	"golang.org/x/sys/unix"
)

// eventfdToken marks epoll events fired by the reactor's wakeup eventfd.
// It sits outside every slab's token range; registering the eventfd
// under its raw descriptor number would collide with the listener range,
// which starts at 0.
const eventfdToken slab.Token = -2

type listenerRec struct {
	fd      int
	tok     slab.Token
	proto   func() protocol.Protocol
	deliver chan Notification
}

// Reactor is a single event loop driving any number of listening and
// connected TCP sockets.
type Reactor struct {
	cfg     Config
	logger  Logger
	obs     Observer
	metrics *Metrics

	epfd     int
	eventFd  int
	notifyCh chan Notification
	scratch  []byte

	listeners *slab.Slab[*listenerRec]
	timers    *slab.Slab[*timerEntry]
	conns     *slab.Slab[*connection]

	// mu guards the timer slab, the one piece of reactor state mutated
	// from outside the event loop goroutine (Timeout may be called from
	// anywhere). Listener and connection slabs are loop-owned.
	mu      sync.Mutex
	running atomic.Bool
	stop    atomic.Bool
}

// New creates a Reactor ready to have listeners and outbound
// connections registered on it, but does not start the event loop —
// call Run for that.
func New(cfg Config) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	eventFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	metrics := NewMetrics()
	obs := cfg.Observer
	if obs == nil {
		obs = NewMetricsObserver(metrics)
	}

	r := &Reactor{
		cfg:       cfg,
		logger:    logger,
		obs:       obs,
		metrics:   metrics,
		epfd:      epfd,
		eventFd:   eventFd,
		notifyCh:  make(chan Notification, cfg.QueueSize),
		scratch:   make([]byte, cfg.ReadBufSize),
		listeners: slab.New[*listenerRec](slab.Token(listenerBase), listenerCap),
		timers:    slab.New[*timerEntry](slab.Token(timerBase), timerCap),
		conns:     slab.New[*connection](slab.Token(connBase), cfg.MaxConnections),
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, eventFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(eventfdToken),
	}); err != nil {
		unix.Close(eventFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: epoll_ctl add eventfd: %w", err)
	}

	return r, nil
}

// Metrics returns the reactor's live metrics counters.
func (r *Reactor) Metrics() *Metrics { return r.metrics }

// Channel returns the Sender used to route Notifications (an outbound
// buffer plus the Token of the connection it belongs to) into the
// reactor from any goroutine.
func (r *Reactor) Channel() Sender {
	return Sender{ch: r.notifyCh, efd: r.eventFd}
}

// Listen binds addr and begins accepting connections on it. Every
// message any accepted connection frames via protoFactory() is
// delivered to the single returned channel, fanned in across all
// connections on this listener; there is one receiver per listening
// socket, not one per accepted connection.
func (r *Reactor) Listen(addr string, protoFactory func() protocol.Protocol) (<-chan Notification, error) {
	fd, err := listenSocket(addr)
	if err != nil {
		return nil, err
	}
	rec := &listenerRec{fd: fd, proto: protoFactory, deliver: make(chan Notification, r.cfg.QueueSize)}
	tok := r.listeners.Insert(rec)
	if tok == slab.Invalid {
		unix.Close(fd)
		return nil, NewError("listen", ErrCodeSlabExhausted, "listener slab exhausted")
	}
	rec.tok = tok

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(tok),
	}); err != nil {
		unix.Close(fd)
		r.listeners.Remove(tok)
		return nil, fmt.Errorf("reactor: epoll_ctl add listener: %w", err)
	}
	return rec.deliver, nil
}

// Connect establishes an outbound TCP connection to addr, returning a
// NetStream bundling its Token, a dedicated inbound delivery channel,
// and the reactor's shared outbound Sender.
func (r *Reactor) Connect(addr string, protoFactory func() protocol.Protocol) (*NetStream, error) {
	fd, err := connectSocket(addr)
	if err != nil {
		return nil, err
	}
	deliver := make(chan Notification, r.cfg.QueueSize)
	conn := newConnection(fd, slab.Invalid, protoFactory(), r.cfg.Allocator, r.cfg.ReadBufSize, deliver)
	conn.state = connConnecting
	conn.ownsDeliver = true
	tok := r.conns.Insert(conn)
	if tok == slab.Invalid {
		unix.Close(fd)
		return nil, NewError("connect", ErrCodeSlabExhausted, "connection slab exhausted")
	}
	conn.tok = tok

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(tok),
	}); err != nil {
		unix.Close(fd)
		r.conns.Remove(tok)
		return nil, fmt.Errorf("reactor: epoll_ctl add connection: %w", err)
	}

	return &NetStream{Token: tok, Recv: deliver, Send: r.Channel()}, nil
}

// Timeout registers a callback to run no sooner than d from now. The
// callback returning true reschedules it another d out; returning false
// clears the registration. Callbacks run on the event loop goroutine and
// may mutate reactor state freely, including registering further timers
// or calling Shutdown.
func (r *Reactor) Timeout(d time.Duration, cb func(*Reactor) bool) slab.Token {
	r.mu.Lock()
	tok := r.timers.Insert(&timerEntry{deadline: time.Now().Add(d), period: d, cb: cb})
	r.mu.Unlock()
	wakeEventfd(r.eventFd)
	return tok
}

// Shutdown requests the event loop stop at its next iteration. Safe to
// call from any goroutine, and safe to call more than once. Outstanding
// timers are not cancelled or run early; they simply never fire because
// the loop stops before their deadline is reached.
func (r *Reactor) Shutdown() {
	if r.stop.CompareAndSwap(false, true) {
		wakeEventfd(r.eventFd)
	}
}

// wakeEventfd kicks an eventfd so a blocked epoll_wait returns. The
// write is the host-order uint64 increment eventfd(2) expects.
func wakeEventfd(efd int) {
	var buf [8]byte
	buf[0] = 1
	unix.Write(efd, buf[:])
}

// Run pins the calling goroutine to its OS thread and blocks, driving
// the epoll loop until Shutdown is called.
func (r *Reactor) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if !r.running.CompareAndSwap(false, true) {
		return NewError("run", ErrCodeInvalidParameters, "reactor already running")
	}
	defer func() {
		r.running.Store(false)
		r.metrics.Stop()
	}()

	events := make([]unix.EpollEvent, 256)
	for !r.stop.Load() {
		if err := r.tick(events); err != nil {
			return err
		}
	}
	r.closeAll()
	return nil
}

// RunOnce drives a single poll/dispatch cycle: one epoll_wait bounded by
// PollTimeoutMs (or the soonest timer), dispatch of everything it
// returned, and one timer sweep. Callers embedding the reactor in their
// own loop alternate RunOnce with their other work.
func (r *Reactor) RunOnce() error {
	events := make([]unix.EpollEvent, 256)
	return r.tick(events)
}

func (r *Reactor) tick(events []unix.EpollEvent) error {
	timeout := r.cfg.PollTimeoutMs
	if deadline, ok := r.nextDeadline(); ok {
		if ms := int(time.Until(deadline).Milliseconds()); ms < timeout {
			if ms < 0 {
				ms = 0
			}
			timeout = ms
		}
	}

	n, err := unix.EpollWait(r.epfd, events, timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("reactor: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := events[i]
		tok := slab.Token(ev.Fd)
		switch {
		case tok == eventfdToken:
			r.onNotify()
		case r.listeners.Contains(tok):
			r.onAcceptable(tok)
		case r.conns.Contains(tok):
			r.onConnEvent(tok, ev.Events)
		}
	}

	r.fireExpiredTimers()
	return nil
}

func (r *Reactor) fireExpiredTimers() {
	now := time.Now()
	type firing struct {
		tok slab.Token
		t   *timerEntry
	}
	var due []firing
	r.mu.Lock()
	r.timers.Each(func(tok slab.Token, t *timerEntry) {
		if !now.Before(t.deadline) {
			due = append(due, firing{tok, t})
		}
	})
	r.mu.Unlock()

	// Callbacks run unlocked: they may re-enter Timeout to register
	// further timers.
	for _, f := range due {
		reschedule := f.t.cb(r)
		r.mu.Lock()
		if reschedule {
			f.t.deadline = time.Now().Add(f.t.period)
		} else {
			r.timers.Remove(f.tok)
		}
		r.mu.Unlock()
	}
}

func (r *Reactor) closeAll() {
	var toks []slab.Token
	r.conns.Each(func(tok slab.Token, _ *connection) {
		toks = append(toks, tok)
	})
	for _, tok := range toks {
		if c, ok := r.conns.Get(tok); ok {
			r.closeConn(c)
		}
	}
	r.listeners.Each(func(tok slab.Token, l *listenerRec) {
		unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, l.fd, nil)
		unix.Close(l.fd)
		close(l.deliver)
	})
	// epfd and eventFd stay open deliberately: Senders handed out via
	// Channel may outlive Run and still write the eventfd, and a write
	// landing on a recycled descriptor would be far worse than carrying
	// two descriptors until process exit.
}
