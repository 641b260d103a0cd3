package reactor

import (
	"errors"
	"os"
	"time"

	"github.com/ehrlich-b/rxnet/internal/slab"
	"github.com/sagernet/sing/common/bufio"
	"golang.org/x/sys/unix"
)

// onAcceptable drains every pending connection on a listening socket:
// epoll is edge-triggered here, so a single readiness notification can
// represent more than one queued connection.
func (r *Reactor) onAcceptable(tok slab.Token) {
	rec, ok := r.listeners.Get(tok)
	if !ok {
		return
	}
	for {
		fd, _, err := unix.Accept4(rec.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.logger.Printf("reactor: accept on listener %d: %v", tok, err)
			return
		}

		conn := newConnection(fd, slab.Invalid, rec.proto(), r.cfg.Allocator, r.cfg.ReadBufSize, rec.deliver)
		conn.state = connEstablished
		ctok := r.conns.Insert(conn)
		if ctok == slab.Invalid {
			r.logger.Printf("reactor: connection slab exhausted, dropping accepted connection")
			unix.Close(fd)
			continue
		}
		conn.tok = ctok

		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET,
			Fd:     int32(ctok),
		}); err != nil {
			r.logger.Printf("reactor: epoll_ctl add accepted connection: %v", err)
			unix.Close(fd)
			r.conns.Remove(ctok)
			continue
		}

		r.obs.ObserveAccept()
	}
}

// onConnEvent dispatches a single epoll readiness notification for a
// connected (or connecting) socket. Reads are handled before hang-up so
// bytes the peer sent just before closing still reach the framer.
func (r *Reactor) onConnEvent(tok slab.Token, events uint32) {
	conn, ok := r.conns.Get(tok)
	if !ok {
		return
	}

	if conn.state == connConnecting {
		if events&(unix.EPOLLOUT|unix.EPOLLERR) != 0 {
			if err := socketError(conn.fd); err != nil {
				r.logger.Printf("reactor: connect failed on token %d: %v", tok, err)
				r.closeConn(conn)
				return
			}
			conn.state = connEstablished
			r.obs.ObserveConnect()
			if !conn.hasPendingWrites() {
				r.rearm(conn, false)
			}
		}
	}

	if events&unix.EPOLLERR != 0 {
		r.closeConn(conn)
		return
	}

	hup := events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0
	if events&unix.EPOLLIN != 0 {
		r.onReadable(conn, hup)
		if conn.state == connClosed {
			return
		}
	} else if hup {
		conn.state = connHalfClosed
		if conn.hasPendingWrites() {
			r.drainWrites(conn)
		} else {
			r.closeConn(conn)
		}
		return
	}

	if events&unix.EPOLLOUT != 0 && conn.hasPendingWrites() {
		r.drainWrites(conn)
	}
}

// onReadable drains a connection's socket into its read buffer until
// WOULD_BLOCK or EOF, then feeds the accumulated bytes through its
// Protocol. On EOF the connection goes half-closed: whatever the framer
// produced is delivered, pending outbound writes are drained, and only
// then is the record torn down.
func (r *Reactor) onReadable(conn *connection, hupHint bool) {
	eof := false
	for {
		start := time.Now()
		n, err := unix.Read(conn.fd, r.scratch)
		if n > 0 {
			conn.readBuf.Append(r.scratch[:n])
			r.obs.ObserveRead(uint64(n), uint64(time.Since(start).Nanoseconds()), true)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			// Stop reading this tick; re-arming decides whether the
			// connection gets another chance or the error repeats and
			// the peer-closure path fires.
			r.obs.ObserveRead(0, 0, false)
			r.logger.Printf("%v", WrapError("read", conn.tok, err))
			break
		}
		if n == 0 {
			eof = true
			break
		}
	}

	r.parseMessages(conn)

	if eof || hupHint {
		conn.state = connHalfClosed
		if conn.hasPendingWrites() {
			r.drainWrites(conn)
		} else {
			r.closeConn(conn)
		}
		return
	}
	r.rearm(conn, conn.hasPendingWrites())
}

// parseMessages runs the framing loop: snapshot the unconsumed suffix
// of the read buffer, offer it to the Protocol, advance the marker by
// whatever it consumed, and repeat until the Protocol reports it needs
// more data. Afterwards the buffer is rotated if its spare capacity has
// fallen below the configured floor.
func (r *Reactor) parseMessages(conn *connection) {
	for {
		snap := conn.readBuf.Snapshot()
		seen, unparsed := snap.SplitAt(conn.marker)
		seen.Release()
		snap.Release()

		msg, consumed, ok := conn.proto.Append(unparsed)
		unparsed.Release()
		if !ok {
			break
		}
		conn.marker += consumed
		r.obs.ObserveMessage()
		// A full delivery channel blocks the loop: bounded channels are
		// the engine's one flow-control mechanism, and dropping here
		// would break per-connection ordering.
		conn.deliver <- Notification{Buf: msg, Token: conn.tok}
	}

	if conn.readBuf.Cap()-conn.readBuf.Len() < r.cfg.MinReadBufSize {
		snap := conn.readBuf.Snapshot()
		tail := append([]byte(nil), snap.Bytes()[conn.marker:]...)
		snap.Release()
		conn.rotateReadBuf(tail, r.cfg.Allocator, r.cfg.ReadBufSize)
	}
}

// drainWrites flushes as much of a connection's outbound FIFO as the
// socket will currently accept, batching more than one queued buffer
// into a single vectorised write the way SagerNet/smux batches pending
// stream frames onto the wire. A half-closed connection whose queue
// empties here is torn down; otherwise the connection is re-armed with
// or without write interest depending on what remains.
func (r *Reactor) drainWrites(conn *connection) {
	if conn.state == connConnecting {
		// Not writable yet; the pending EPOLLOUT for connect completion
		// re-enters here once the socket is actually connected.
		return
	}
	blocked := false
	for conn.hasPendingWrites() && !blocked {
		data := conn.writeQueue[0].Bytes()[conn.writeOffset:]

		if conn.vecOK && len(conn.writeQueue) > 1 {
			vecs := make([][]byte, 0, len(conn.writeQueue))
			vecs = append(vecs, data)
			for _, b := range conn.writeQueue[1:] {
				vecs = append(vecs, b.Bytes())
			}
			// The dup'd net.Conn write path goes through the runtime
			// poller, which would park this goroutine on a full socket
			// buffer; a short deadline bounds that stall and a deadline
			// miss is treated exactly like WOULD_BLOCK.
			conn.netConn.SetWriteDeadline(time.Now().Add(time.Millisecond))
			n, err := bufio.WriteVectorised(conn.vecWriter, vecs)
			if n > 0 {
				r.obs.ObserveWrite(uint64(n), 0, true)
				r.advanceWriteQueue(conn, n)
			}
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					blocked = true
					continue
				}
				r.obs.ObserveWrite(0, 0, false)
				r.logger.Printf("%v", WrapError("write", conn.tok, err))
				r.closeConn(conn)
				return
			}
			if n == 0 {
				blocked = true
			}
			continue
		}

		n, err := unix.Write(conn.fd, data)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				blocked = true
				continue
			}
			r.obs.ObserveWrite(0, 0, false)
			r.logger.Printf("%v", WrapError("write", conn.tok, err))
			r.closeConn(conn)
			return
		}
		r.obs.ObserveWrite(uint64(n), 0, true)
		r.advanceWriteQueue(conn, n)
		if n < len(data) {
			blocked = true
		}
	}

	if !conn.hasPendingWrites() {
		if conn.state == connHalfClosed {
			r.closeConn(conn)
			return
		}
		r.rearm(conn, false)
		return
	}
	r.rearm(conn, true)
}

func (r *Reactor) advanceWriteQueue(conn *connection, n int) {
	for n > 0 && len(conn.writeQueue) > 0 {
		head := conn.writeQueue[0]
		remaining := head.Len() - conn.writeOffset
		if n < remaining {
			conn.writeOffset += n
			return
		}
		n -= remaining
		head.Release()
		conn.writeQueue = conn.writeQueue[1:]
		conn.writeOffset = 0
	}
}

// rearm re-registers a connection's epoll interest, with or without
// EPOLLOUT. Edge-triggered registration means interest must be restated
// after every handled event for the poller to report the next one.
func (r *Reactor) rearm(conn *connection, writable bool) {
	events := uint32(unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLET)
	if writable {
		events |= unix.EPOLLOUT
	}
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, conn.fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(conn.tok),
	})
}

// onNotify drains the cross-goroutine notification channel, routing
// each Notification's buffer to its target connection's outbound FIFO
// and attempting an immediate write-through; whatever does not fit is
// left queued with EPOLLOUT armed. A token that no longer resolves to a
// live connection is a silent drop, not an error: the peer may simply
// have closed between the submit and this tick.
func (r *Reactor) onNotify() {
	var ack [8]byte
	unix.Read(r.eventFd, ack[:])

	for {
		select {
		case n := <-r.notifyCh:
			conn, ok := r.conns.Get(n.Token)
			if !ok {
				n.Buf.Release()
				continue
			}
			conn.queueWrite(n.Buf)
			r.obs.ObserveQueueDepth(uint32(len(conn.writeQueue)))
			r.drainWrites(conn)
		default:
			return
		}
	}
}

func (r *Reactor) closeConn(conn *connection) {
	if conn.state == connClosed {
		return
	}
	conn.state = connClosed
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, conn.fd, nil)
	unix.Close(conn.fd)
	for _, b := range conn.writeQueue {
		b.Release()
	}
	conn.writeQueue = nil
	conn.readBuf.Release()
	if conn.netConn != nil {
		conn.netConn.Close()
	}
	if conn.ownsDeliver {
		close(conn.deliver)
	}
	r.conns.Remove(conn.tok)
	r.obs.ObserveClose()
}
