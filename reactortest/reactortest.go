// Package reactortest helps tests and examples stand up a loopback
// Reactor without repeating the listen/dial boilerplate, mirroring the
// role go-ublk's testing.go plays for Backend consumers: a reusable
// support type with no *testing.T coupling, usable from any caller.
package reactortest

import (
	"net"

	"github.com/ehrlich-b/rxnet/protocol"
	"github.com/ehrlich-b/rxnet/reactor"
)

// FreeAddr binds an ephemeral loopback TCP port, releases it
// immediately, and returns its address for a Reactor to Listen on.
func FreeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := l.Addr().String()
	l.Close()
	return addr, nil
}

// Loopback picks a fresh ephemeral address, Listens on it with
// protoFactory, and starts r.Run() on its own goroutine. The caller is
// responsible for Dialing addr and for calling r.Shutdown() when done.
func Loopback(r *reactor.Reactor, protoFactory func() protocol.Protocol) (addr string, recv <-chan reactor.Notification, err error) {
	addr, err = FreeAddr()
	if err != nil {
		return "", nil, err
	}
	recv, err = r.Listen(addr, protoFactory)
	if err != nil {
		return "", nil, err
	}
	go r.Run()
	return addr, recv, nil
}
