package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort returns a loopback TCP port that was free when checked.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// LocalListenAddr returns a free loopback address for a server to listen on, and its port.
func LocalListenAddr() (string, int, error) {
	port, err := GetEphemeralTCPPort()
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("127.0.0.1:%d", port), port, nil
}
