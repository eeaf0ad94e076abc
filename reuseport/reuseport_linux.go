//go:build linux

// Package reuseport opens UDP sockets with SO_REUSEPORT/SO_REUSEADDR
// set so the discovery and VLAN broadcast listeners can share a port
// with other processes (or other sockets within this process) bound
// to the same address, the way LAN discovery expects.
package reuseport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenUDP opens a UDP socket bound to addr with SO_REUSEPORT set.
func ListenUDP(network, addr string) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				if ctrlErr != nil {
					return
				}
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}
