package discovery

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"golang.org/x/net/ipv6"
)

// Site-local multicast group used for IPv6 discovery, mirroring the
// IPv4 broadcast mechanism for networks where broadcast is restricted
// but multicast works.
const ipv6MulticastGroup = "ff05::112"

type multicastListener struct {
	socket *net.UDPConn
	pc     *ipv6.PacketConn
	group  net.IP
}

func joinMulticastIPv6(port int) (*multicastListener, error) {
	group := net.ParseIP(ipv6MulticastGroup)

	socket, err := net.ListenUDP("udp6", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}

	pc := ipv6.NewPacketConn(socket)

	ifaces, err := net.Interfaces()
	if err != nil {
		socket.Close()
		return nil, err
	}

	joined := false
	for i := range ifaces {
		if err := pc.JoinGroup(&ifaces[i], &net.UDPAddr{IP: group}); err == nil {
			joined = true
		}
	}
	if !joined {
		socket.Close()
		return nil, err
	}

	if loop, err := pc.MulticastLoopback(); err == nil && !loop {
		_ = pc.SetMulticastLoopback(true)
	}

	return &multicastListener{socket: socket, pc: pc, group: group}, nil
}

func (m *multicastListener) close() error {
	return m.socket.Close()
}

func (m *multicastListener) send(port int, payload []byte) error {
	_, err := m.socket.WriteToUDP(payload, &net.UDPAddr{IP: m.group, Port: port})
	return err
}

func (d *Discovery) startMulticastIPv6(ctx context.Context) {
	listener, err := joinMulticastIPv6(d.port)
	if err != nil {
		d.log.WithError(err).Debug("ipv6 multicast discovery unavailable")
		return
	}
	d.multicast = listener

	go d.multicastListenLoop(ctx, listener)
	go d.multicastAnnounceLoop(ctx, listener)
}

func (d *Discovery) multicastListenLoop(ctx context.Context, listener *multicastListener) {
	buf := make([]byte, maxDatagram)
	for {
		n, sender, err := listener.socket.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		var ann Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			continue
		}
		if ann.PublicKey == d.self.PublicKey {
			continue
		}
		d.handleAnnouncement(ann, sender.IP)
	}
}

func (d *Discovery) multicastAnnounceLoop(ctx context.Context, listener *multicastListener) {
	ticker := time.NewTicker(announceEvery)
	defer ticker.Stop()

	send := func() {
		payload, err := json.Marshal(d.self)
		if err != nil {
			return
		}
		_ = listener.send(d.port, payload)
	}

	send()
	for {
		select {
		case <-ticker.C:
			send()
		case <-ctx.Done():
			return
		}
	}
}
