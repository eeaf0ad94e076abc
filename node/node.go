/*
Package node implements the orchestration surface that wires identity,
transports, LAN discovery, the routing table, the peer manager, the
file engine, and the virtual LAN overlay into one lifecycle, and
exposes the small set of operations an application embeds (connect,
send_chat, request_permission, shareable_address).

The startup sequence follows the usual composition order (load config,
init backend, start control surface, connect), generalized from a
mobile bind target into a general-purpose Start/Stop lifecycle.
*/
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sparxnet/core/config"
	"github.com/sparxnet/core/dht"
	"github.com/sparxnet/core/discovery"
	"github.com/sparxnet/core/errkind"
	"github.com/sparxnet/core/fileshare"
	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/peer"
	"github.com/sparxnet/core/protocol"
	"github.com/sparxnet/core/store"
	"github.com/sparxnet/core/transport"
	"github.com/sparxnet/core/transport/reliableudp"
	"github.com/sparxnet/core/transport/tcpframed"
	"github.com/sparxnet/core/upnp"
	"github.com/sparxnet/core/vlan"
)

// Exit codes, universal across applications embedding this module, in
// the spirit of the teacher's own Exit.go.
const (
	ExitSuccess           = 0
	ExitErrorConfigRead   = 1
	ExitErrorConfigParse  = 2
	ExitErrorLogInit      = 3
	ExitPrivateKeyCorrupt = 4
	ExitPrivateKeyCreate  = 5
	ExitStoreCorrupt      = 6
	ExitGraceful          = 7
	ExitErrorStart        = 8
)

const (
	findNodeFanout     = 5
	findNodeTimeout    = 5 * time.Second
	handshakeTimeout   = 10 * time.Second
	pingInterval       = 45 * time.Second
	bucketRefreshEvery = 10 * time.Minute
	bucketStaleAfter   = 15 * time.Minute
	upnpLeaseRenew     = 30 * time.Minute
	storeExpireEvery   = 5 * time.Minute
)

// grantKeyPrefix namespaces persisted permission grants inside the
// node's store. The records are written and deleted but never read
// back: a restart does not restore a grant.
const grantKeyPrefix = "permgrant:"

// ChatMessage is delivered on Node.ChatReceived for every inbound Chat.
type ChatMessage struct {
	Peer      *peer.Peer
	Content   string
	ReplyTo   string
	Timestamp time.Time
}

// PermissionRequest is delivered on Node.PermissionRequests for every
// inbound PermissionRequest; the application decides via
// RespondPermission.
type PermissionRequest struct {
	Peer        *peer.Peer
	RequestID   string
	Type        string
	DisplayName string
}

// PermissionResult is delivered on Node.PermissionResults for every
// inbound PermissionResponse to a request this node made.
type PermissionResult struct {
	Peer       *peer.Peer
	RequestID  string
	Granted    bool
	Duration   time.Duration
}

// Node composes every mesh subsystem behind a single lifecycle and
// operation surface.
type Node struct {
	log  *logrus.Entry
	cfg  *config.Config
	self *identity.KeyPair
	st   store.Store

	peers *peer.Manager
	table *dht.Table
	files *fileshare.Manager
	vlan  *vlan.Manager

	udp *reliableudp.Transport
	tcp *tcpframed.Transport
	ap  *upnp.Mapper

	disc *discovery.Discovery

	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	stopped   chan struct{}

	connWaitersMu sync.Mutex
	connWaiters   map[string]chan *peer.Peer

	lookupMu sync.Mutex
	lookups  map[identity.Address][]chan dht.Node

	chatReceived        chan ChatMessage
	permissionRequests  chan PermissionRequest
	permissionResults   chan PermissionResult

	permMu          sync.Mutex
	pendingRequests map[string]peer.Permission // requestID -> permissions we asked for
	pendingIncoming map[string]peer.Permission // requestID -> permissions a peer asked us for

	pingNonce uint32
}

// New builds a Node for the local identity and configuration. It does
// not touch the network; call Start to bind sockets and join the mesh.
func New(log *logrus.Entry, cfg *config.Config, self *identity.KeyPair, st store.Store) *Node {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "node")

	peers := peer.New(log, self)
	table := dht.NewTable(self.Address())
	files := fileshare.New(log, peers, cfg.ShareDir)

	n := &Node{
		log:   log,
		cfg:   cfg,
		self:  self,
		st:    st,
		peers: peers,
		table: table,
		files: files,
		udp:   reliableudp.New(log),
		tcp:   tcpframed.New(log),

		started: make(chan struct{}),
		stopped: make(chan struct{}),

		connWaiters: make(map[string]chan *peer.Peer),
		lookups:     make(map[identity.Address][]chan dht.Node),

		chatReceived:       make(chan ChatMessage, 64),
		permissionRequests: make(chan PermissionRequest, 16),
		permissionResults:  make(chan PermissionResult, 16),

		pendingRequests: make(map[string]peer.Permission),
		pendingIncoming: make(map[string]peer.Permission),
	}

	if cfg.VLan.Enabled || cfg.VLan.MonitoredPorts != nil {
		n.vlan = vlan.New(log, peers, self.Address(), cfg.VLan.MonitoredPorts)
	}

	peers.RegisterHandler(protocol.TagChat, n.onChat)
	peers.RegisterHandler(protocol.TagPermissionRequest, n.onPermissionRequest)
	peers.RegisterHandler(protocol.TagPermissionResponse, n.onPermissionResponse)
	peers.RegisterHandler(protocol.TagFindNode, n.onFindNode)
	peers.RegisterHandler(protocol.TagFindNodeResponse, n.onFindNodeResponse)
	peers.RegisterHandler(protocol.TagPing, n.onPing)
	peers.RegisterHandler(protocol.TagPong, n.onPong)

	return n
}

// Files returns the file engine backing this node.
func (n *Node) Files() *fileshare.Manager { return n.files }

// VLan returns the virtual LAN overlay, or nil if it was never
// configured.
func (n *Node) VLan() *vlan.Manager { return n.vlan }

// Peers returns the underlying peer manager, for callers that need
// lower-level access (e.g. a control API listing connections).
func (n *Node) Peers() *peer.Manager { return n.peers }

// Table returns the Kademlia routing table.
func (n *Node) Table() *dht.Table { return n.table }

// Address returns this node's own identity address.
func (n *Node) Address() identity.Address { return n.self.Address() }

// Started is closed once Start has finished bringing up every
// subsystem.
func (n *Node) Started() <-chan struct{} { return n.started }

// Stopped is closed once Stop has finished tearing everything down.
func (n *Node) Stopped() <-chan struct{} { return n.stopped }

// ChatReceived surfaces every inbound chat message.
func (n *Node) ChatReceived() <-chan ChatMessage { return n.chatReceived }

// PermissionRequests surfaces every inbound permission request for
// the application to accept or deny via RespondPermission.
func (n *Node) PermissionRequests() <-chan PermissionRequest { return n.permissionRequests }

// PermissionResults surfaces replies to permission requests this node
// made via RequestPermission.
func (n *Node) PermissionResults() <-chan PermissionResult { return n.permissionResults }

// Start instantiates the configured transports, starts them on their
// ports, starts LAN discovery (best-effort), and joins the virtual LAN
// if configured.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	port, err := firstListenPort(n.cfg.Listen)
	if err != nil {
		return err
	}

	if err := n.udp.Start(ctx, port); err != nil {
		return fmt.Errorf("node: starting reliable-udp transport: %w", err)
	}
	// The TCP listener reuses the same port number; UDP and TCP occupy
	// independent namespaces so this never conflicts.
	if err := n.tcp.Start(ctx, n.udp.LocalPort()); err != nil {
		n.log.WithError(err).Warn("tcp transport failed to start, continuing udp-only")
	}

	n.wg.Add(1)
	go n.dispatchPeerEvents(ctx)

	n.wg.Add(1)
	go n.acceptLoop(ctx, n.udp.Events())
	n.wg.Add(1)
	go n.acceptLoop(ctx, n.tcp.Events())

	n.wg.Add(1)
	go n.pingLoop(ctx)
	n.wg.Add(1)
	go n.bucketRefreshLoop(ctx)
	if n.st != nil {
		n.wg.Add(1)
		go n.storeExpiryLoop(ctx)
	}

	n.startDiscovery(ctx)
	n.dialSeedList(ctx)

	if n.vlan != nil {
		hostname, _ := os.Hostname()
		if err := n.vlan.Start(ctx, hostname, nil); err != nil {
			n.log.WithError(err).Warn("virtual lan failed to start")
		}
	}

	if n.cfg.UPnP {
		n.startUPnP(ctx)
	}

	n.startOnce.Do(func() { close(n.started) })
	return nil
}

// Stop stops discovery, the virtual LAN, both transports, and closes
// the embedded store.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.disc != nil {
		_ = n.disc.Stop()
	}
	if n.vlan != nil {
		_ = n.vlan.Stop()
	}
	if n.ap != nil {
		n.ap.Close()
	}
	_ = n.tcp.Stop()
	_ = n.udp.Stop()
	n.wg.Wait()

	if n.st != nil {
		if err := n.st.Close(); err != nil {
			n.log.WithError(err).Warn("error closing store")
		}
	}

	n.stopOnce.Do(func() { close(n.stopped) })
	return nil
}

func firstListenPort(listen []string) (int, error) {
	if len(listen) == 0 {
		return 0, nil
	}
	_, portStr, err := net.SplitHostPort(listen[0])
	if err != nil {
		return 0, fmt.Errorf("node: invalid listen address %q: %w", listen[0], err)
	}
	if portStr == "" {
		return 0, nil
	}
	return strconv.Atoi(portStr)
}

func (n *Node) startDiscovery(ctx context.Context) {
	if n.cfg.DiscoveryPort <= 0 {
		return
	}

	ann := discovery.Announcement{
		Address:   n.self.Address().String(),
		Port:      n.udp.LocalPort(),
		PublicKey: hex.EncodeToString(n.self.Public),
	}
	n.disc = discovery.New(n.log, ann, n.cfg.DiscoveryPort)
	if err := n.disc.Start(ctx); err != nil {
		n.log.WithError(err).Warn("lan discovery failed to start, continuing without it")
		n.disc = nil
		return
	}

	n.wg.Add(1)
	go n.discoveryLoop(ctx)
}

func (n *Node) discoveryLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case found := <-n.disc.Found():
			n.wg.Add(1)
			go func(f discovery.Found) {
				defer n.wg.Done()
				connectCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
				defer cancel()
				if _, err := n.Connect(connectCtx, &net.UDPAddr{IP: f.IP, Port: f.Port}); err != nil {
					n.log.WithError(err).WithField("peer", f.Address.String()).Debug("auto-connect to discovered peer failed")
				}
			}(found)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) dialSeedList(ctx context.Context) {
	for _, seed := range n.cfg.SeedList {
		seed := seed
		pubKey, err := hex.DecodeString(seed.PublicKey)
		if err != nil || len(pubKey) != ed25519.PublicKeySize {
			n.log.WithField("seed", seed.PublicKey).Warn("skipping seed with malformed public key")
			continue
		}
		addr := identity.Derive(ed25519.PublicKey(pubKey)).String()

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for _, hostPort := range seed.Address {
				shareable := fmt.Sprintf("%s@%s", addr, hostPort)
				connectCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
				_, err := n.ConnectByShareable(connectCtx, shareable)
				cancel()
				if err == nil {
					return
				}
				n.log.WithError(err).WithField("seed", hostPort).Debug("seed connect attempt failed")
			}
		}()
	}
}

func (n *Node) startUPnP(ctx context.Context) {
	ip, err := firstNonLoopbackIPv4()
	if err != nil {
		n.log.WithError(err).Debug("no local ipv4 address, skipping upnp")
		return
	}

	mapper, err := upnp.NewMapper(n.log, ip)
	if err != nil {
		n.log.WithError(err).Debug("no upnp gateway found")
		return
	}
	if err := mapper.Map("udp", uint16(n.udp.LocalPort()), "sparxnode"); err != nil {
		n.log.WithError(err).Warn("upnp port mapping failed")
		return
	}
	n.ap = mapper

	stop := make(chan struct{})
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		<-ctx.Done()
		close(stop)
	}()
	go mapper.RenewLoop(upnpLeaseRenew, stop)
}

func (n *Node) acceptLoop(ctx context.Context, events <-chan transport.Event) {
	defer n.wg.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == transport.EventConnectionReceived {
				if err := n.peers.HandleConnection(ev.Connection, false); err != nil {
					n.log.WithError(err).Debug("inbound connection rejected")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) dispatchPeerEvents(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case p := <-n.peers.Connected():
			n.connWaitersMu.Lock()
			if wait, ok := n.connWaiters[p.Conn.ID()]; ok {
				wait <- p
				delete(n.connWaiters, p.Conn.ID())
			}
			n.connWaitersMu.Unlock()
			n.onPeerConnected(p)

		case <-n.peers.Disconnected():
			// No routing-table action needed: entries age out via
			// StaleBuckets/IsStale rather than being evicted eagerly.

		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) onPeerConnected(p *peer.Peer) {
	ip, port := endpointIPPort(p.Conn.RemoteEndpoint())
	if ip == "" {
		return
	}
	n.table.Add(dht.Node{Address: p.Address, IP: ip, Port: port, LastSeen: time.Now()})
}

func endpointIPPort(addr net.Addr) (string, int) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP.String(), a.Port
	case *net.TCPAddr:
		return a.IP.String(), a.Port
	default:
		host, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			return "", 0
		}
		port, _ := strconv.Atoi(portStr)
		return host, port
	}
}

// Connect dials endpoint over the reliable-UDP transport (attempting a
// NAT punch first) and blocks until the application handshake
// completes.
func (n *Node) Connect(ctx context.Context, endpoint *net.UDPAddr) (*peer.Peer, error) {
	conn, err := n.udp.PunchThrough(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	wait := make(chan *peer.Peer, 1)
	n.connWaitersMu.Lock()
	n.connWaiters[conn.ID()] = wait
	n.connWaitersMu.Unlock()

	if err := n.peers.HandleConnection(conn, true); err != nil {
		n.connWaitersMu.Lock()
		delete(n.connWaiters, conn.ID())
		n.connWaitersMu.Unlock()
		return nil, err
	}

	select {
	case p := <-wait:
		return p, nil
	case <-time.After(handshakeTimeout):
		n.connWaitersMu.Lock()
		delete(n.connWaiters, conn.ID())
		n.connWaitersMu.Unlock()
		return nil, errkind.New(errkind.HandshakeTimeout, fmt.Errorf("no application handshake from %s", endpoint))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ConnectByID resolves addr to a network endpoint, via an already
// established connection, the routing table, or a live find_node
// lookup against currently connected peers, then connects to it.
func (n *Node) ConnectByID(ctx context.Context, addr identity.Address) (*peer.Peer, error) {
	if p, ok := n.peers.Get(addr); ok {
		return p, nil
	}

	for _, candidate := range n.table.Closest(addr, 1) {
		if candidate.Address == addr {
			return n.Connect(ctx, &net.UDPAddr{IP: net.ParseIP(candidate.IP), Port: candidate.Port})
		}
	}

	found, err := n.lookupNode(ctx, addr)
	if err != nil {
		return nil, err
	}
	return n.Connect(ctx, &net.UDPAddr{IP: net.ParseIP(found.IP), Port: found.Port})
}

// ConnectByShareable parses a shareable address of the form
// "address@ip:port" and connects to it, verifying the handshaken peer
// identity matches.
func (n *Node) ConnectByShareable(ctx context.Context, shareable string) (*peer.Peer, error) {
	at := strings.LastIndex(shareable, "@")
	if at < 0 {
		return nil, errkind.New(errkind.InvalidAddress, fmt.Errorf("malformed shareable address %q", shareable))
	}
	addrPart, hostPort := shareable[:at], shareable[at+1:]

	addr, err := identity.Decode(addrPart)
	if err != nil {
		return nil, err
	}
	if p, ok := n.peers.Get(addr); ok {
		return p, nil
	}

	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, errkind.New(errkind.InvalidAddress, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errkind.New(errkind.InvalidAddress, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, errkind.New(errkind.InvalidAddress, fmt.Errorf("unparsable host %q", host))
	}

	p, err := n.Connect(ctx, &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return nil, err
	}
	if p.Address != addr {
		_ = p.Conn.Close()
		return nil, errkind.New(errkind.InvalidAddress, fmt.Errorf("peer identity mismatch: expected %s got %s", addr, p.Address))
	}
	return p, nil
}

// ShareableAddress returns "{self.address}@{local_ip}:{udp_port}".
func (n *Node) ShareableAddress() (string, error) {
	ip, err := firstNonLoopbackIPv4()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s@%s:%d", n.self.Address().String(), ip.String(), n.udp.LocalPort()), nil
}

func firstNonLoopbackIPv4() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, errors.New("node: no non-loopback ipv4 address found")
}

// SendChat wraps and sends a Chat message.
func (n *Node) SendChat(p *peer.Peer, content, replyTo string) error {
	return n.peers.Send(p, protocol.TagChat, protocol.Chat{Content: content, ReplyTo: replyTo})
}

func (n *Node) onChat(p *peer.Peer, msg protocol.Message) {
	var chat protocol.Chat
	if err := protocol.DecodeBody(msg, &chat); err != nil {
		n.log.WithError(err).Debug("malformed chat message")
		return
	}
	select {
	case n.chatReceived <- ChatMessage{Peer: p, Content: chat.Content, ReplyTo: chat.ReplyTo, Timestamp: time.Now()}:
	default:
		n.log.Warn("chat received channel full, dropping")
	}
}

// RequestPermission sends a PermissionRequest to p and returns the
// request ID the eventual PermissionResult will echo back. permType is
// a pipe-delimited permission name list, e.g. "Contact|FileTransfer".
func (n *Node) RequestPermission(p *peer.Peer, permType, displayName string) (string, error) {
	requestID := newRequestID()
	permissions := peer.ParsePermissions(permType)

	n.permMu.Lock()
	n.pendingRequests[requestID] = permissions
	n.permMu.Unlock()

	err := n.peers.Send(p, protocol.TagPermissionRequest, protocol.PermissionRequest{
		RequestID:   requestID,
		Type:        permType,
		DisplayName: displayName,
	})
	if err != nil {
		n.permMu.Lock()
		delete(n.pendingRequests, requestID)
		n.permMu.Unlock()
	}
	return requestID, err
}

// RespondPermission replies to a PermissionRequest. Granting calls
// Authorize with the permissions originally carried on that request
// (falling back to PermissionContact if the request is no longer
// tracked), for duration (0 = indefinitely, until revoked or
// disconnect).
func (n *Node) RespondPermission(p *peer.Peer, requestID string, granted bool, duration time.Duration) error {
	n.permMu.Lock()
	permissions, ok := n.pendingIncoming[requestID]
	delete(n.pendingIncoming, requestID)
	n.permMu.Unlock()

	if granted {
		if !ok || permissions == 0 {
			permissions = peer.PermissionContact
		}
		if err := n.peers.Authorize(p.Address, permissions); err != nil {
			return err
		}
		n.persistGrant(p.Address, permissions, duration)
		if duration > 0 {
			time.AfterFunc(duration, func() {
				n.peers.Revoke(p.Address)
				n.clearPersistedGrant(p.Address)
			})
		}
	}

	return n.peers.Send(p, protocol.TagPermissionResponse, protocol.PermissionResponse{
		RequestID:  requestID,
		Granted:    granted,
		DurationMs: duration.Milliseconds(),
	})
}

func (n *Node) onPermissionRequest(p *peer.Peer, msg protocol.Message) {
	var req protocol.PermissionRequest
	if err := protocol.DecodeBody(msg, &req); err != nil {
		n.log.WithError(err).Debug("malformed permission request")
		return
	}
	if req.DisplayName != "" {
		p.SetDisplayName(req.DisplayName)
	}

	n.permMu.Lock()
	n.pendingIncoming[req.RequestID] = peer.ParsePermissions(req.Type)
	n.permMu.Unlock()

	select {
	case n.permissionRequests <- PermissionRequest{Peer: p, RequestID: req.RequestID, Type: req.Type, DisplayName: req.DisplayName}:
	default:
		n.log.Warn("permission request channel full, dropping")
	}
}

func (n *Node) onPermissionResponse(p *peer.Peer, msg protocol.Message) {
	var resp protocol.PermissionResponse
	if err := protocol.DecodeBody(msg, &resp); err != nil {
		n.log.WithError(err).Debug("malformed permission response")
		return
	}
	duration := time.Duration(resp.DurationMs) * time.Millisecond

	n.permMu.Lock()
	permissions, ok := n.pendingRequests[resp.RequestID]
	delete(n.pendingRequests, resp.RequestID)
	n.permMu.Unlock()

	if resp.Granted {
		if !ok || permissions == 0 {
			permissions = peer.PermissionContact
		}
		if err := n.peers.Authorize(p.Address, permissions); err != nil {
			n.log.WithError(err).Debug("authorize after permission grant failed")
		}
		n.persistGrant(p.Address, permissions, duration)
		if duration > 0 {
			time.AfterFunc(duration, func() {
				n.peers.Revoke(p.Address)
				n.clearPersistedGrant(p.Address)
			})
		}
	}

	select {
	case n.permissionResults <- PermissionResult{Peer: p, RequestID: resp.RequestID, Granted: resp.Granted, Duration: duration}:
	default:
		n.log.Warn("permission result channel full, dropping")
	}
}

func newRequestID() string {
	return uuid.NewString()
}

// --- Kademlia routing: find_node request/response and bucket refresh ---

func (n *Node) onFindNode(p *peer.Peer, msg protocol.Message) {
	var req protocol.FindNode
	if err := protocol.DecodeBody(msg, &req); err != nil {
		n.log.WithError(err).Debug("malformed find_node")
		return
	}
	target, err := identity.Decode(req.Target)
	if err != nil {
		return
	}

	closest := n.table.Closest(target, dht.K)
	records := make([]protocol.NodeRecord, 0, len(closest))
	for _, c := range closest {
		records = append(records, protocol.NodeRecord{
			Address:  c.Address.String(),
			IP:       c.IP,
			Port:     c.Port,
			LastSeen: c.LastSeen.UnixMilli(),
		})
	}

	if err := n.peers.Send(p, protocol.TagFindNodeResponse, protocol.FindNodeResponse{Target: req.Target, Nodes: records}); err != nil {
		n.log.WithError(err).Debug("find_node response send failed")
	}
}

func (n *Node) onFindNodeResponse(p *peer.Peer, msg protocol.Message) {
	var resp protocol.FindNodeResponse
	if err := protocol.DecodeBody(msg, &resp); err != nil {
		n.log.WithError(err).Debug("malformed find_node_response")
		return
	}
	target, err := identity.Decode(resp.Target)
	if err != nil {
		return
	}

	for _, rec := range resp.Nodes {
		addr, err := identity.Decode(rec.Address)
		if err != nil {
			continue
		}
		ip := net.ParseIP(rec.IP)
		if ip == nil {
			continue
		}
		node := dht.Node{Address: addr, IP: rec.IP, Port: rec.Port, LastSeen: time.UnixMilli(rec.LastSeen)}
		n.table.Add(node)
		if addr == target {
			n.notifyLookup(target, node)
		}
	}
}

func (n *Node) registerLookupWaiter(target identity.Address, wait chan dht.Node) {
	n.lookupMu.Lock()
	n.lookups[target] = append(n.lookups[target], wait)
	n.lookupMu.Unlock()
}

func (n *Node) removeLookupWaiter(target identity.Address, wait chan dht.Node) {
	n.lookupMu.Lock()
	defer n.lookupMu.Unlock()
	waiters := n.lookups[target]
	for i, w := range waiters {
		if w == wait {
			n.lookups[target] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(n.lookups[target]) == 0 {
		delete(n.lookups, target)
	}
}

func (n *Node) notifyLookup(target identity.Address, node dht.Node) {
	n.lookupMu.Lock()
	waiters := n.lookups[target]
	n.lookupMu.Unlock()
	for _, w := range waiters {
		select {
		case w <- node:
		default:
		}
	}
}

func (n *Node) lookupNode(ctx context.Context, target identity.Address) (dht.Node, error) {
	wait := make(chan dht.Node, 1)
	n.registerLookupWaiter(target, wait)
	defer n.removeLookupWaiter(target, wait)

	candidates := n.peers.All()
	if len(candidates) > findNodeFanout {
		candidates = candidates[:findNodeFanout]
	}
	if len(candidates) == 0 {
		return dht.Node{}, errkind.New(errkind.PeerNotFound, fmt.Errorf("no peers connected to resolve %s", target.String()))
	}

	req := protocol.FindNode{Target: target.String()}
	for _, p := range candidates {
		if err := n.peers.Send(p, protocol.TagFindNode, req); err != nil {
			n.log.WithError(err).WithField("peer", p.Address.String()).Debug("find_node send failed")
		}
	}

	select {
	case node := <-wait:
		return node, nil
	case <-time.After(findNodeTimeout):
		return dht.Node{}, errkind.New(errkind.PeerNotFound, fmt.Errorf("find_node lookup for %s timed out", target.String()))
	case <-ctx.Done():
		return dht.Node{}, ctx.Err()
	}
}

func (n *Node) bucketRefreshLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(bucketRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.refreshStaleBuckets(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) refreshStaleBuckets(ctx context.Context) {
	for _, idx := range n.table.StaleBuckets(bucketStaleAfter) {
		target, err := n.table.RefreshTarget(idx)
		if err != nil {
			continue
		}
		n.wg.Add(1)
		go func(t identity.Address) {
			defer n.wg.Done()
			lookupCtx, cancel := context.WithTimeout(ctx, findNodeTimeout)
			defer cancel()
			_, _ = n.lookupNode(lookupCtx, t)
		}(target)
	}
}

// storeExpiryLoop periodically sweeps expired entries out of the
// node's store, including permission grants persisted by
// persistGrant. Nothing else calls Store.ExpireKeys.
func (n *Node) storeExpiryLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(storeExpireEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.st.ExpireKeys()
		case <-ctx.Done():
			return
		}
	}
}

// persistedGrant is the JSON record kept under grantKeyPrefix+address.
// A time-limited grant is stored with its expiration, so the store's own
// expiration sweep reclaims the record; revoking the live grant is done
// by the in-process timer alone.
type persistedGrant struct {
	Permissions peer.Permission `json:"permissions"`
}

// persistGrant records an authorization in the node's store. A
// duration of 0 means indefinite, and is stored without an expiry.
func (n *Node) persistGrant(addr identity.Address, permissions peer.Permission, duration time.Duration) {
	if n.st == nil {
		return
	}
	key := []byte(grantKeyPrefix + addr.String())
	var err error
	if duration > 0 {
		err = store.PutJSONExpire(n.st, key, persistedGrant{Permissions: permissions}, time.Now().Add(duration))
	} else {
		err = store.PutJSON(n.st, key, persistedGrant{Permissions: permissions})
	}
	if err != nil {
		n.log.WithError(err).Debug("failed to persist permission grant")
	}
}

// clearPersistedGrant removes a persisted grant, called alongside
// peer.Manager.Revoke so the store doesn't keep a record of a
// permission the caller explicitly revoked before it would have
// expired on its own.
func (n *Node) clearPersistedGrant(addr identity.Address) {
	if n.st == nil {
		return
	}
	n.st.Delete([]byte(grantKeyPrefix + addr.String()))
}

// RevokePermission clears addr's permissions on the live peer manager
// and drops any persisted grant for it, for a direct out-of-band revoke
// (e.g. via the control API).
func (n *Node) RevokePermission(addr identity.Address) {
	n.peers.Revoke(addr)
	n.clearPersistedGrant(addr)
}

// --- application-layer keepalive ---

func (n *Node) pingLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.pingAll()
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) pingAll() {
	nonce := atomic.AddUint32(&n.pingNonce, 1)
	for _, p := range n.peers.All() {
		if err := n.peers.Send(p, protocol.TagPing, protocol.Ping{Nonce: nonce}); err != nil {
			n.log.WithError(err).WithField("peer", p.Address.String()).Debug("ping send failed")
		}
	}
}

func (n *Node) onPing(p *peer.Peer, msg protocol.Message) {
	var ping protocol.Ping
	if err := protocol.DecodeBody(msg, &ping); err != nil {
		return
	}
	_ = n.peers.Send(p, protocol.TagPong, protocol.Pong{Nonce: ping.Nonce, EchoedMs: time.Now().UnixMilli()})
}

func (n *Node) onPong(p *peer.Peer, msg protocol.Message) {
	var pong protocol.Pong
	if err := protocol.DecodeBody(msg, &pong); err != nil {
		return
	}
	n.onPeerConnected(p) // refresh the routing-table entry's LastSeen
}
