package server

import (
	"errors"
	"fmt"
	"net"

	"github.com/ccoveille/go-safecast"
	"golang.org/x/sys/unix"
)

// peerUID returns the user ID of the process on the other end of a unix socket.
func peerUID(conn net.Conn) (int, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("peer credentials are only available for unix sockets, got %T", conn)
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("getting raw connection: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, fmt.Errorf("accessing socket: %w", err)
	}
	if credErr != nil {
		return 0, fmt.Errorf("reading SO_PEERCRED: %w", credErr)
	}
	if cred == nil {
		return 0, errors.New("no peer credentials")
	}
	return safecast.ToInt(cred.Uid)
}
