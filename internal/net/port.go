package net

import (
	"fmt"
	"net"
)

// EphemeralLoopbackAddr returns "127.0.0.1:<port>" for a port that was free when it was checked.
func EphemeralLoopbackAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return fmt.Sprintf("127.0.0.1:%d", listener.Addr().(*net.TCPAddr).Port), nil
}
