//go:build !linux

// Package reuseport opens UDP sockets with SO_REUSEPORT/SO_REUSEADDR
// set so the discovery and VLAN broadcast listeners can share a port
// with other processes (or other sockets within this process) bound
// to the same address, the way LAN discovery expects.
package reuseport

import "net"

// ListenUDP opens a plain UDP socket. SO_REUSEPORT is Linux-specific;
// on other platforms a single discovery listener per address is
// assumed, matching how this node is normally deployed.
func ListenUDP(network, addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP(network, udpAddr)
}
