/*
Package vlan implements a Virtual LAN overlay: a shared 10.147.0.0/16
network that makes connected peers appear to unmodified LAN games and
other broadcast-discovery software as if they were on the same
physical segment.
*/
package vlan

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/peer"
	"github.com/sparxnet/core/protocol"
	"github.com/sparxnet/core/reuseport"
)

// DefaultAnnouncePort and DefaultRelayPort are the ports reserved for
// VLAN signaling.
const (
	DefaultAnnouncePort = 45680
	DefaultRelayPort    = 45681
)

// DefaultMonitoredPorts is the example set of common LAN-game
// discovery ports bridged by the overlay.
var DefaultMonitoredPorts = []int{27015, 7777, 25565, 3478}

// Member is a peer that has joined the virtual LAN.
type Member struct {
	Address      identity.Address
	VirtualIP    net.IP
	Hostname     string
	Capabilities []string
}

// Manager owns virtual LAN membership and the local UDP sockets used
// to bridge broadcast traffic between the physical LAN and the
// overlay.
type Manager struct {
	log   *logrus.Entry
	peers *peer.Manager
	self  identity.Address

	virtualIP      net.IP
	monitoredPorts []int

	mu          sync.RWMutex
	members     map[identity.Address]*Member
	byVirtualIP map[string]identity.Address

	sockets []*net.UDPConn
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	joined          chan *Member
	left            chan identity.Address
	trafficReceived chan protocol.VLanPacket
}

// New creates a virtual LAN manager bound to the given peer manager.
// monitoredPorts defaults to DefaultMonitoredPorts when nil.
func New(log *logrus.Entry, peers *peer.Manager, self identity.Address, monitoredPorts []int) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if monitoredPorts == nil {
		monitoredPorts = DefaultMonitoredPorts
	}
	m := &Manager{
		log:             log.WithField("component", "vlan"),
		peers:           peers,
		self:            self,
		virtualIP:       VirtualIP(self),
		monitoredPorts:  monitoredPorts,
		members:         make(map[identity.Address]*Member),
		byVirtualIP:     make(map[string]identity.Address),
		joined:          make(chan *Member, 32),
		left:            make(chan identity.Address, 32),
		trafficReceived: make(chan protocol.VLanPacket, 64),
	}
	peers.RegisterHandler(protocol.TagVLanAnnounce, m.onAnnounce)
	peers.RegisterHandler(protocol.TagVLanPacket, m.onPacket)
	return m
}

// VirtualIP returns this node's address on the overlay network.
func (m *Manager) VirtualIP() net.IP { return m.virtualIP }

// Joined surfaces peers that joined the virtual LAN.
func (m *Manager) Joined() <-chan *Member { return m.joined }

// Left surfaces peers that left the virtual LAN.
func (m *Manager) Left() <-chan identity.Address { return m.left }

// TrafficReceived surfaces every inbound VLanPacket, broadcast-relay
// and unicast alike, for application-level observation, in addition to
// the automatic local re-injection or forwarding performed internally.
func (m *Manager) TrafficReceived() <-chan protocol.VLanPacket { return m.trafficReceived }

// Start binds a listening socket for every monitored port and
// announces this node to every currently authorized peer.
func (m *Manager) Start(ctx context.Context, hostname string, capabilities []string) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, port := range m.monitoredPorts {
		conn, err := reuseport.ListenUDP("udp4", netJoin(port))
		if err != nil {
			m.log.WithError(err).WithField("port", port).Warn("failed to bind monitored port, skipping")
			continue
		}
		_ = enableBroadcast(conn)
		m.sockets = append(m.sockets, conn)

		m.wg.Add(1)
		go m.relayListenLoop(ctx, conn, port)
	}

	return m.announce(true, hostname, capabilities)
}

// Stop closes every monitored socket and waits for listeners to exit.
func (m *Manager) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	for _, conn := range m.sockets {
		_ = conn.Close()
	}
	m.wg.Wait()
	return nil
}

func netJoin(port int) string {
	return (&net.UDPAddr{IP: net.IPv4zero, Port: port}).String()
}

func (m *Manager) announce(joining bool, hostname string, capabilities []string) error {
	ann := protocol.VLanAnnounce{
		VirtualIP:    m.virtualIP.String(),
		IsJoining:    joining,
		Hostname:     hostname,
		Capabilities: capabilities,
	}
	for _, p := range m.peers.All() {
		if !p.IsAuthorized() {
			continue
		}
		if err := m.peers.Send(p, protocol.TagVLanAnnounce, ann); err != nil {
			m.log.WithError(err).WithField("peer", p.Address.String()).Warn("failed to send vlan announce")
		}
	}
	return nil
}

// relayListenLoop reads raw UDP datagrams arriving on a monitored
// port and relays them to every VLAN member as a broadcast-relay
// VLanPacket.
func (m *Manager) relayListenLoop(ctx context.Context, conn *net.UDPConn, port int) {
	defer m.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				return
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		pkt := protocol.VLanPacket{
			SourceIP:        m.virtualIP.String(),
			DestinationIP:   "255.255.255.255",
			Data:            data,
			PacketType:      protocol.VLanPacketBroadcastRelay,
			SourcePort:      from.Port,
			DestinationPort: port,
		}

		for _, p := range m.authorizedMembers() {
			if err := m.peers.Send(p, protocol.TagVLanPacket, pkt); err != nil {
				m.log.WithError(err).WithField("peer", p.Address.String()).Warn("failed to relay vlan packet")
			}
		}
	}
}

func (m *Manager) authorizedMembers() []*peer.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(m.members))
	for addr := range m.members {
		if p, ok := m.peers.Get(addr); ok {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) onAnnounce(p *peer.Peer, msg protocol.Message) {
	var ann protocol.VLanAnnounce
	if err := protocol.DecodeBody(msg, &ann); err != nil {
		m.log.WithError(err).Debug("malformed vlan announce")
		return
	}

	if !ann.IsJoining {
		m.removeMember(p.Address)
		select {
		case m.left <- p.Address:
		default:
		}
		return
	}

	isNew := m.addMember(p.Address, ann.VirtualIP, ann.Hostname, ann.Capabilities)
	if ann.Hostname != "" {
		p.SetDisplayName(ann.Hostname)
	}

	select {
	case m.joined <- &Member{Address: p.Address, VirtualIP: net.ParseIP(ann.VirtualIP), Hostname: ann.Hostname, Capabilities: ann.Capabilities}:
	default:
	}

	if isNew {
		_ = m.peers.Send(p, protocol.TagVLanAnnounce, protocol.VLanAnnounce{
			VirtualIP: m.virtualIP.String(), IsJoining: true,
		})
	}
}

func (m *Manager) addMember(addr identity.Address, virtualIP, hostname string, capabilities []string) (isNew bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, existed := m.members[addr]
	if owner, taken := m.byVirtualIP[virtualIP]; taken && owner != addr {
		m.log.WithFields(logrus.Fields{"virtual_ip": virtualIP, "peer": addr.String(), "existing_peer": owner.String()}).Warn("vlan virtual ip collision")
	}
	m.members[addr] = &Member{Address: addr, VirtualIP: net.ParseIP(virtualIP), Hostname: hostname, Capabilities: capabilities}
	m.byVirtualIP[virtualIP] = addr
	return !existed
}

func (m *Manager) removeMember(addr identity.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if member, ok := m.members[addr]; ok {
		delete(m.byVirtualIP, member.VirtualIP.String())
	}
	delete(m.members, addr)
}

// Members returns a snapshot of every currently joined peer.
func (m *Manager) Members() []*Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Member, 0, len(m.members))
	for _, mem := range m.members {
		out = append(out, mem)
	}
	return out
}

func (m *Manager) onPacket(p *peer.Peer, msg protocol.Message) {
	var pkt protocol.VLanPacket
	if err := protocol.DecodeBody(msg, &pkt); err != nil {
		m.log.WithError(err).Debug("malformed vlan packet")
		return
	}

	select {
	case m.trafficReceived <- pkt:
	default:
	}

	switch pkt.PacketType {
	case protocol.VLanPacketBroadcastRelay:
		m.reinjectBroadcast(pkt)
	case protocol.VLanPacketUnicast:
		m.forwardUnicast(pkt)
	}
}

// reinjectBroadcast re-emits a remote peer's broadcast payload as a
// local UDP broadcast, so unmodified LAN games discover the remote
// player.
func (m *Manager) reinjectBroadcast(pkt protocol.VLanPacket) {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4bcast, Port: pkt.DestinationPort})
	if err != nil {
		m.log.WithError(err).Warn("failed to open broadcast re-injection socket")
		return
	}
	defer conn.Close()
	_ = enableBroadcast(conn)
	if _, err := conn.Write(pkt.Data); err != nil {
		m.log.WithError(err).Warn("failed to re-inject broadcast packet locally")
	}
}

// forwardUnicast sends the raw payload of a unicast VLanPacket as a
// local UDP datagram to its DestinationIP and DestinationPort. It does
// not consult the member list for the peer owning that virtual IP.
func (m *Manager) forwardUnicast(pkt protocol.VLanPacket) {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP(pkt.DestinationIP), Port: pkt.DestinationPort})
	if err != nil {
		m.log.WithError(err).Warn("failed to open unicast forwarding socket")
		return
	}
	defer conn.Close()
	if _, err := conn.Write(pkt.Data); err != nil {
		m.log.WithError(err).Warn("failed to forward unicast vlan packet")
	}
}
