//go:build windows

package ipc

import (
	"errors"
	"net"
	"os"
	"time"
)

// PeerCredentials holds the credentials of a peer process. AF_UNIX
// sockets on Windows expose none, so it is always nil there.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// SetSocketPermissions is a no-op; the socket inherits the ACL of its
// directory.
func SetSocketPermissions(string, os.FileMode) error {
	return nil
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// IsSocketListening checks if a socket is already listening
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func checkPeer(net.Conn) (*PeerCredentials, error) {
	return nil, nil
}
