package vlan

import (
	"net"

	"github.com/sparxnet/core/identity"
)

// Network is the /16 every peer appears to join.
var Network = net.IPNet{IP: net.IPv4(10, 147, 0, 0), Mask: net.CIDRMask(16, 32)}

// VirtualIP derives a peer's address on the shared 10.147.0.0/16
// overlay network from its node address. It is a pure function: two
// runs of the same node always produce the same virtual IP.
func VirtualIP(addr identity.Address) net.IP {
	third, fourth := addr[0], addr[1]
	// .0 and .255 are reserved network/broadcast addresses on a /24;
	// nudge them into the usable range so every derived IP is a valid
	// unicast host address.
	if fourth == 0 {
		fourth = 1
	}
	if fourth == 255 {
		fourth = 254
	}
	return net.IPv4(10, 147, third, fourth)
}
