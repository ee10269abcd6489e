//go:build unix

package ftp

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// IPv4AddressFromSockaddr converts a raw socket address. It reports false
// for anything other than an AF_INET address.
func IPv4AddressFromSockaddr(sa unix.Sockaddr) (IPv4Address, IPPort, bool) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return IPv4Address{}, 0, false
	}
	return IPv4Address(sa4.Addr), IPPort(sa4.Port), true
}

// socketEndpoints reads the local and remote endpoints of conn straight from
// the socket, falling back to the net.Addr values when the connection does
// not expose its descriptor.
func socketEndpoints(conn net.Conn) (local, remote endpoint) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return addrEndpoints(conn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return addrEndpoints(conn)
	}
	var lsa, rsa unix.Sockaddr
	var lerr, rerr error
	if err := rc.Control(func(fd uintptr) {
		lsa, lerr = unix.Getsockname(int(fd))
		rsa, rerr = unix.Getpeername(int(fd))
	}); err != nil || lerr != nil || rerr != nil {
		return addrEndpoints(conn)
	}
	local.addr, local.port, local.ok = IPv4AddressFromSockaddr(lsa)
	remote.addr, remote.port, remote.ok = IPv4AddressFromSockaddr(rsa)
	if !local.ok || !remote.ok {
		return addrEndpoints(conn)
	}
	return local, remote
}

// reuseAddr sets SO_REUSEADDR on listener sockets so a port released by a
// previous data connection can be bound again while it sits in TIME_WAIT.
func reuseAddr(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}
