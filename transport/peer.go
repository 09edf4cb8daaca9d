package transport

import (
	"fmt"
	"net"
	"syscall"
)

// Credentials identify the process on the other end of a unix socket, as
// reported by the kernel
type Credentials struct {
	PID int
	UID int
	GID int
}

// PeerCredentials reads the kernel-verified credentials of conn's peer
func PeerCredentials(conn net.Conn) (Credentials, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return Credentials{}, fmt.Errorf("%T does not expose its socket", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to access socket: %w", err)
	}

	var (
		creds    Credentials
		credsErr error
	)
	if err := raw.Control(func(fd uintptr) {
		creds, credsErr = peerCredentials(int(fd))
	}); err != nil {
		return Credentials{}, fmt.Errorf("failed to access socket: %w", err)
	}
	if credsErr != nil {
		return Credentials{}, fmt.Errorf("failed to read peer credentials: %w", credsErr)
	}
	return creds, nil
}
