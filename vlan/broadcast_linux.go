//go:build linux

package vlan

import (
	"net"

	"golang.org/x/sys/unix"
)

// enableBroadcast sets SO_BROADCAST on conn so it is permitted to send
// datagrams to a broadcast destination address.
func enableBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
