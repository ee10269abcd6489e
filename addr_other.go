//go:build !unix

package ftp

import (
	"net"
	"syscall"
)

func socketEndpoints(conn net.Conn) (local, remote endpoint) {
	return addrEndpoints(conn)
}

func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
