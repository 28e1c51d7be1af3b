// Package rawfd hands ownership of a socket's file descriptor from
// Go's net package to raw syscalls. tcpshm drives every socket with
// its own non-blocking read/write/readv loop (ptcpconn.Conn), so once
// a connection is accepted or dialed we no longer want net.Conn's
// Read/Write/Close managing that fd, and we don't want its finalizer
// closing the descriptor out from under us the moment the net.Conn
// value becomes unreachable.
//
// Take solves this the same way higebu/netfd's callers in the
// reference pack only ever read fd state (never hand off ownership):
// here we go one step further and dup the descriptor, then close the
// original net.Conn, so the returned fd's lifetime is fully
// independent of any Go-level connection object.
package rawfd

import (
	"net"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// Take returns an owned, independent copy of conn's file descriptor
// and closes conn.
func Take(conn net.Conn) (int, error) {
	orig := netfd.GetFdFromConn(conn)
	dup, err := unix.Dup(orig)
	if err != nil {
		return -1, err
	}
	_ = conn.Close()
	return dup, nil
}
