package reactor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// sockaddrFromTCPAddr converts a resolved *net.TCPAddr into the
// unix.Sockaddr golang.org/x/sys/unix expects, supporting both IPv4 and
// IPv6 the way go-ublk's raw-syscall paths build their own sockaddr
// structs by hand instead of going through net.Dial.
func sockaddrFromTCPAddr(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	ip4 := addr.IP.To4()
	if ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa, unix.AF_INET, nil
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		return nil, 0, fmt.Errorf("reactor: unsupported address %v", addr)
	}
	var sa unix.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], ip16)
	return &sa, unix.AF_INET6, nil
}

// listenSocket creates, binds, and listens on a non-blocking TCP socket
// for addr (host:port), returning its file descriptor.
func listenSocket(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("reactor: resolve %s: %w", addr, err)
	}
	sa, family, err := sockaddrFromTCPAddr(tcpAddr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("reactor: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, 255); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: listen %s: %w", addr, err)
	}
	return fd, nil
}

// connectSocket creates a non-blocking TCP socket and begins connecting
// to addr, returning the file descriptor immediately; completion (or
// failure) is observed later via an EPOLLOUT/SO_ERROR check, since the
// connect itself returns EINPROGRESS on a non-blocking socket.
func connectSocket(addr string) (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("reactor: resolve %s: %w", addr, err)
	}
	sa, family, err := sockaddrFromTCPAddr(tcpAddr)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("reactor: socket: %w", err)
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: connect %s: %w", addr, err)
	}
	return fd, nil
}

// socketError reads and clears SO_ERROR on fd, used after an EPOLLOUT
// event on a connecting socket to learn whether connect() succeeded.
func socketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
