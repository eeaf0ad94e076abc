//go:build !linux

package vlan

import "net"

// enableBroadcast is a no-op on platforms where golang.org/x/sys/unix
// does not expose the Linux socket-option path used by the Linux
// build; most other OSes permit UDP broadcast sends without an
// explicit opt-in for our purposes.
func enableBroadcast(conn *net.UDPConn) error {
	return nil
}
