/*
Package discovery implements LAN peer discovery: periodic
broadcast/multicast announcements, and listeners that report the
announcements of other nodes, to discover peers on the local network
without any bootstrap list. No search message is sent or answered.
*/
package discovery

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/reuseport"
)

const (
	// DefaultPort is the UDP port used for LAN discovery broadcast and
	// IPv6 multicast traffic.
	DefaultPort    = 12912
	announceEvery  = 30 * time.Second
	maxDatagram    = 2048
)

// Announcement is the plain JSON broadcast/multicast payload a node
// sends to advertise itself on the local network.
type Announcement struct {
	Address   string `json:"address"`
	Port      int    `json:"port"`
	PublicKey string `json:"public_key"`
}

// Found is delivered on Discovery.Found for every distinct peer seen
// on the local network.
type Found struct {
	Address identity.Address
	IP      net.IP
	Port    int
}

// Discovery runs the broadcast/multicast announce-and-listen loop.
type Discovery struct {
	log  *logrus.Entry
	self Announcement
	port int

	socket    *net.UDPConn
	multicast *multicastListener
	found     chan Found

	mu   sync.Mutex
	seen map[identity.Address]time.Time
}

// New creates a Discovery for the given self-announcement. Call Start
// to bind the socket and begin announcing/listening.
func New(log *logrus.Entry, self Announcement, port int) *Discovery {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if port == 0 {
		port = DefaultPort
	}
	return &Discovery{
		log:  log.WithField("component", "discovery"),
		self: self,
		port: port,
		found: make(chan Found, 64),
		seen:  make(map[identity.Address]time.Time),
	}
}

// Found surfaces every newly discovered peer.
func (d *Discovery) Found() <-chan Found { return d.found }

// Start binds the broadcast socket and begins the announce and listen
// loops. It returns once the socket is bound; loops run in the
// background until ctx is cancelled.
func (d *Discovery) Start(ctx context.Context) error {
	socket, err := reuseport.ListenUDP("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(d.port)))
	if err != nil {
		return err
	}
	d.socket = socket

	go d.listenLoop(ctx)
	go d.announceLoop(ctx)
	d.startMulticastIPv6(ctx)

	return nil
}

// Stop closes the discovery sockets.
func (d *Discovery) Stop() error {
	if d.multicast != nil {
		_ = d.multicast.close()
	}
	if d.socket != nil {
		return d.socket.Close()
	}
	return nil
}

func (d *Discovery) listenLoop(ctx context.Context) {
	buf := make([]byte, maxDatagram)
	for {
		n, sender, err := d.socket.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				d.log.WithError(err).Warn("discovery receive error")
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		var ann Announcement
		if err := json.Unmarshal(buf[:n], &ann); err != nil {
			continue // malformed announcement, ignore per error policy
		}
		if ann.PublicKey == d.self.PublicKey {
			continue // our own announcement looped back
		}

		d.handleAnnouncement(ann, sender.IP)
	}
}

func (d *Discovery) handleAnnouncement(ann Announcement, fromIP net.IP) {
	addr, err := identity.Decode(ann.Address)
	if err != nil {
		return
	}

	d.mu.Lock()
	_, known := d.seen[addr]
	d.seen[addr] = time.Now()
	d.mu.Unlock()

	if !known {
		select {
		case d.found <- Found{Address: addr, IP: fromIP, Port: ann.Port}:
		default:
			d.log.Warn("discovery found channel full, dropping")
		}
	}
}

func (d *Discovery) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(announceEvery)
	defer ticker.Stop()

	d.announce()
	for {
		select {
		case <-ticker.C:
			d.announce()
		case <-ctx.Done():
			return
		}
	}
}

func (d *Discovery) announce() {
	payload, err := json.Marshal(d.self)
	if err != nil {
		d.log.WithError(err).Warn("failed to encode announcement")
		return
	}

	for _, target := range broadcastTargets() {
		addr := &net.UDPAddr{IP: target, Port: d.port}
		if _, err := d.socket.WriteToUDP(payload, addr); err != nil {
			d.log.WithError(err).WithField("target", target.String()).Debug("broadcast send failed")
		}
	}
}

// broadcastTargets enumerates the limited broadcast address plus each
// local interface's directed broadcast address, so discovery works
// even where 255.255.255.255 is filtered by the OS.
func broadcastTargets() []net.IP {
	targets := []net.IP{net.IPv4bcast}

	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}

	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLinkLocalUnicast() {
				continue
			}
			directed := make(net.IP, len(ip4))
			copy(directed, ip4)
			for i := range ip4 {
				directed[i] |= ^ipnet.Mask[i]
			}
			targets = append(targets, directed)
		}
	}

	return targets
}
