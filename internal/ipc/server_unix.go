//go:build !windows

package ipc

import (
	"fmt"
	"net"
	"os"
	"time"
)

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// SetSocketPermissions sets the socket file permissions
func SetSocketPermissions(path string, mode os.FileMode) error {
	return os.Chmod(path, mode)
}

// CleanupSocket removes a stale socket file
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Only remove if it's a socket
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}

	return fmt.Errorf("path exists but is not a socket: %s", path)
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

// checkPeer accepts connections from the daemon's own user and root.
// Platforms without peer credentials accept every local connection.
func checkPeer(conn net.Conn) (*PeerCredentials, error) {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		if err == errNoPeerCredentials {
			return nil, nil
		}
		return nil, err
	}
	if cred.UID != os.Getuid() && cred.UID != 0 {
		return nil, fmt.Errorf("peer uid %d does not match %d", cred.UID, os.Getuid())
	}
	return cred, nil
}
