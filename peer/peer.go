/*
Package peer implements the peer manager: the handshake state machine,
per-peer message dispatch, authorization and block lists, broadcast,
and replay-window enforcement, layered over any transport.Connection.
*/
package peer

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sparxnet/core/cryptobox"
	"github.com/sparxnet/core/errkind"
	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/protocol"
	"github.com/sparxnet/core/transport"
)

// Peer is one remote node this manager has handshaken with.
type Peer struct {
	Address   identity.Address
	PublicKey ed25519.PublicKey
	Conn      transport.Connection

	mu          sync.RWMutex
	status      Status
	permissions Permission
	displayName string
	lastSeen    time.Time

	recent *recentSet
}

// Status reports where this peer currently sits in its lifecycle.
func (p *Peer) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Permissions reports the bitflag set this peer currently holds.
func (p *Peer) Permissions() Permission {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.permissions
}

// HasPermission reports whether this peer holds every bit in flag.
func (p *Peer) HasPermission(flag Permission) bool {
	return p.Permissions().Has(flag)
}

// IsAuthorized reports whether this peer has been granted any
// permissions via the manager's Authorize.
func (p *Peer) IsAuthorized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status == StatusAuthorized
}

// DisplayName returns the peer's last announced display name, if any.
func (p *Peer) DisplayName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.displayName
}

// SetDisplayName records the peer's self-reported display name, as
// announced in a VLanAnnounce or PermissionRequest message.
func (p *Peer) SetDisplayName(name string) {
	p.mu.Lock()
	p.displayName = name
	p.mu.Unlock()
}

// LatencyMs reports the underlying connection's last measured
// round-trip latency.
func (p *Peer) LatencyMs() int64 {
	return p.Conn.LatencyMs()
}

// Handler processes one decoded message from an established peer.
type Handler func(p *Peer, msg protocol.Message)

// Manager owns the set of established peers, dispatches decoded
// messages to registered handlers, and enforces block lists and the
// replay window.
type Manager struct {
	log  *logrus.Entry
	self *identity.KeyPair

	mu    sync.RWMutex
	peers map[identity.Address]*Peer

	blockMu   sync.RWMutex
	blocklist map[identity.Address]bool

	authMu     sync.RWMutex
	authorized map[identity.Address]Permission

	handlersMu sync.RWMutex
	handlers   map[protocol.Tag][]Handler

	connected    chan *Peer
	disconnected chan *Peer
}

// New creates a peer manager for the local identity.
func New(log *logrus.Entry, self *identity.KeyPair) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		log:          log.WithField("component", "peer"),
		self:         self,
		peers:        make(map[identity.Address]*Peer),
		blocklist:    make(map[identity.Address]bool),
		authorized:   make(map[identity.Address]Permission),
		handlers:     make(map[protocol.Tag][]Handler),
		connected:    make(chan *Peer, 64),
		disconnected: make(chan *Peer, 64),
	}
}

// Connected surfaces newly established, handshaken peers.
func (m *Manager) Connected() <-chan *Peer { return m.connected }

// Disconnected surfaces peers that dropped off.
func (m *Manager) Disconnected() <-chan *Peer { return m.disconnected }

// RegisterHandler adds a callback invoked for every decoded message
// of the given tag from any established peer.
func (m *Manager) RegisterHandler(tag protocol.Tag, h Handler) {
	m.handlersMu.Lock()
	m.handlers[tag] = append(m.handlers[tag], h)
	m.handlersMu.Unlock()
}

// Block adds addr to the block list, closes any existing connection,
// and clears its authorization. Authorizing an already-blocked peer
// is rejected; blocking an already-authorized one leaves it blocked
// and disconnected.
func (m *Manager) Block(addr identity.Address) {
	m.blockMu.Lock()
	m.blocklist[addr] = true
	m.blockMu.Unlock()

	m.authMu.Lock()
	delete(m.authorized, addr)
	m.authMu.Unlock()

	m.mu.RLock()
	p, ok := m.peers[addr]
	m.mu.RUnlock()
	if ok {
		p.mu.Lock()
		p.status = StatusBlocked
		p.permissions = 0
		p.mu.Unlock()
		_ = p.Conn.Close()
	}
}

// Unblock removes addr from the block list.
func (m *Manager) Unblock(addr identity.Address) {
	m.blockMu.Lock()
	delete(m.blocklist, addr)
	m.blockMu.Unlock()
}

func (m *Manager) isBlocked(addr identity.Address) bool {
	m.blockMu.RLock()
	defer m.blockMu.RUnlock()
	return m.blocklist[addr]
}

// Authorize grants permissions to the connected peer at addr and
// updates the authorized-peers index. Authorizing a blocked peer is
// rejected.
func (m *Manager) Authorize(addr identity.Address, permissions Permission) error {
	m.mu.RLock()
	p, ok := m.peers[addr]
	m.mu.RUnlock()
	if !ok {
		return errkind.Of(errkind.PeerNotFound)
	}

	p.mu.Lock()
	if p.status == StatusBlocked {
		p.mu.Unlock()
		return errkind.New(errkind.NotAuthorized, fmt.Errorf("peer %s is blocked", addr))
	}
	p.permissions |= permissions
	p.status = StatusAuthorized
	p.mu.Unlock()

	m.authMu.Lock()
	m.authorized[addr] |= permissions
	m.authMu.Unlock()
	return nil
}

// Revoke clears addr's permissions and removes it from the
// authorized-peers index. The peer, if still connected, falls back to
// StatusAuthenticated rather than being disconnected.
func (m *Manager) Revoke(addr identity.Address) {
	m.mu.RLock()
	p, ok := m.peers[addr]
	m.mu.RUnlock()
	if ok {
		p.mu.Lock()
		p.permissions = 0
		if p.status == StatusAuthorized {
			p.status = StatusAuthenticated
		}
		p.mu.Unlock()
	}

	m.authMu.Lock()
	delete(m.authorized, addr)
	m.authMu.Unlock()
}

// AuthorizedPeers returns a snapshot of the authorized-peers index.
func (m *Manager) AuthorizedPeers() map[identity.Address]Permission {
	m.authMu.RLock()
	defer m.authMu.RUnlock()
	out := make(map[identity.Address]Permission, len(m.authorized))
	for addr, perm := range m.authorized {
		out[addr] = perm
	}
	return out
}

// Get returns the established peer for addr, if any.
func (m *Manager) Get(addr identity.Address) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[addr]
	return p, ok
}

// All returns a snapshot of every currently established peer.
func (m *Manager) All() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// HandleConnection drives one transport connection through the
// handshake and then into the dispatch loop. outbound is true when
// this side initiated the connection (it sends Handshake first);
// inbound connections wait for the remote Handshake.
func (m *Manager) HandleConnection(conn transport.Connection, outbound bool) error {
	if outbound {
		if err := m.sendHandshake(conn); err != nil {
			return err
		}
	}

	go m.dispatchLoop(conn, outbound)
	return nil
}

func (m *Manager) sendHandshake(conn transport.Connection) error {
	raw, err := protocol.Encode(protocol.TagHandshake, protocol.Header{
		ID:            newMessageID(),
		Timestamp:     time.Now().UnixMilli(),
		SenderAddress: m.self.Address().String(),
	}, protocol.Handshake{PublicKey: hex.EncodeToString(m.self.Public)})
	if err != nil {
		return err
	}

	return m.sendRawUnencrypted(conn, raw)
}

// sendRawUnencrypted transmits the handshake message in the clear:
// neither side has the other's public key yet, so the envelope cannot
// be encrypted until after this exchange.
func (m *Manager) sendRawUnencrypted(conn transport.Connection, payload []byte) error {
	packet := &protocol.WirePacket{Version: protocol.Version, Payload: payload}
	return conn.Send(packet.Encode(), transport.Reliable)
}

func (m *Manager) dispatchLoop(conn transport.Connection, outbound bool) {
	var p *Peer

	for ev := range conn.Events() {
		switch ev.Kind {
		case transport.EventDataReceived:
			next, err := m.handleRaw(conn, p, ev.Data, outbound)
			if err != nil {
				m.log.WithError(err).Debug("dropping malformed message")
				continue
			}
			if p == nil && next != nil {
				p = next
			}

		case transport.EventDisconnected:
			if p != nil {
				m.removePeer(p)
			}
			return
		}
	}
}

// handleInboundHandshake processes the initiator's Handshake message
// on the accepting side and replies with HandshakeAck.
func (m *Manager) handleInboundHandshake(conn transport.Connection, msg protocol.Message) (*Peer, error) {
	if msg.Type != protocol.TagHandshake {
		return nil, errkind.New(errkind.HandshakeRejected, fmt.Errorf("expected handshake, got %v", msg.Type))
	}

	var hs protocol.Handshake
	if err := protocol.DecodeBody(msg, &hs); err != nil {
		return nil, err
	}

	pubKey, addr, err := decodeHandshakeKey(hs)
	if err != nil {
		return nil, err
	}

	if m.isBlocked(addr) {
		ack, _ := protocol.Encode(protocol.TagHandshakeAck, protocol.Header{
			ID: newMessageID(), Timestamp: time.Now().UnixMilli(), SenderAddress: m.self.Address().String(),
		}, protocol.HandshakeAck{Accepted: false, Reason: "blocked"})
		_ = m.sendRawUnencrypted(conn, ack)
		return nil, errkind.New(errkind.NotAuthorized, fmt.Errorf("peer %s is blocked", addr))
	}

	newPeer := m.registerPeer(addr, pubKey, conn)

	ackRaw, err := protocol.Encode(protocol.TagHandshakeAck, protocol.Header{
		ID: newMessageID(), Timestamp: time.Now().UnixMilli(), SenderAddress: m.self.Address().String(),
	}, protocol.HandshakeAck{Accepted: true, PublicKey: hex.EncodeToString(m.self.Public)})
	if err != nil {
		return nil, err
	}
	if err := m.sendRawUnencrypted(conn, ackRaw); err != nil {
		return nil, err
	}

	m.announceConnected(newPeer)
	return newPeer, nil
}

// handleHandshakeAck processes the accepting side's reply on the
// initiating side.
func (m *Manager) handleHandshakeAck(conn transport.Connection, msg protocol.Message) (*Peer, error) {
	if msg.Type != protocol.TagHandshakeAck {
		return nil, errkind.New(errkind.HandshakeRejected, fmt.Errorf("expected handshake_ack, got %v", msg.Type))
	}

	var ack protocol.HandshakeAck
	if err := protocol.DecodeBody(msg, &ack); err != nil {
		return nil, err
	}
	if !ack.Accepted {
		return nil, errkind.New(errkind.HandshakeRejected, fmt.Errorf("handshake rejected: %s", ack.Reason))
	}

	pubKey, addr, err := decodeHandshakeKey(protocol.Handshake{PublicKey: ack.PublicKey})
	if err != nil {
		return nil, err
	}

	newPeer := m.registerPeer(addr, pubKey, conn)
	m.announceConnected(newPeer)
	return newPeer, nil
}

func decodeHandshakeKey(hs protocol.Handshake) (ed25519.PublicKey, identity.Address, error) {
	pubKey, err := hex.DecodeString(hs.PublicKey)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return nil, identity.Address{}, errkind.New(errkind.HandshakeRejected, fmt.Errorf("malformed handshake public key"))
	}
	key := ed25519.PublicKey(pubKey)
	return key, identity.Derive(key), nil
}

func (m *Manager) registerPeer(addr identity.Address, pubKey ed25519.PublicKey, conn transport.Connection) *Peer {
	p := &Peer{Address: addr, PublicKey: pubKey, Conn: conn, lastSeen: time.Now(), recent: newRecentSet(), status: StatusAuthenticated}
	m.mu.Lock()
	m.peers[addr] = p
	m.mu.Unlock()
	return p
}

func (m *Manager) announceConnected(p *Peer) {
	select {
	case m.connected <- p:
	default:
	}
}

func (m *Manager) handleRaw(conn transport.Connection, p *Peer, raw []byte, outbound bool) (*Peer, error) {
	wire, err := protocol.DecodeWirePacket(raw)
	if err != nil {
		return nil, err
	}

	if p == nil {
		msg, err := protocol.Decode(wire.Payload)
		if err != nil {
			return nil, err
		}

		if outbound {
			return m.handleHandshakeAck(conn, msg)
		}
		return m.handleInboundHandshake(conn, msg)
	}

	envelope := &cryptobox.Envelope{}
	payload, err := protocol.DecodeEncryptedPayload(wire.Payload)
	if err != nil {
		return p, err
	}
	envelope.SenderAddress = identity.Address(payload.SenderAddress)
	envelope.SenderPublicKey = ed25519.PublicKey(payload.SenderPublicKey[:])
	envelope.Ciphertext = payload.NonceAndCipher
	envelope.Signature = payload.Signature[:]

	plaintext, err := cryptobox.DecryptFrom(m.self, envelope)
	if err != nil {
		return p, err
	}

	msg, err := protocol.Decode(plaintext)
	if err != nil {
		return p, err
	}

	if requiresFreshness(msg.Type) {
		if !withinReplayWindow(msg.Header.Timestamp) || p.recent.seenBefore(msg.Header.ID) {
			return p, errkind.Of(errkind.ReplayOrStale)
		}
	}

	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()

	m.dispatch(p, msg)
	return p, nil
}

func requiresFreshness(tag protocol.Tag) bool {
	switch tag {
	case protocol.TagChat, protocol.TagPermissionRequest:
		return true
	default:
		return false
	}
}

func (m *Manager) dispatch(p *Peer, msg protocol.Message) {
	m.handlersMu.RLock()
	handlers := append([]Handler(nil), m.handlers[msg.Type]...)
	m.handlersMu.RUnlock()

	for _, h := range handlers {
		h(p, msg)
	}
}

func (m *Manager) removePeer(p *Peer) {
	p.mu.Lock()
	p.status = StatusDisconnected
	p.permissions = 0
	p.mu.Unlock()

	m.mu.Lock()
	delete(m.peers, p.Address)
	m.mu.Unlock()

	m.authMu.Lock()
	delete(m.authorized, p.Address)
	m.authMu.Unlock()

	select {
	case m.disconnected <- p:
	default:
	}
}

// Send encrypts and signs payload as tag, and transmits it reliably
// to p.
func (m *Manager) Send(p *Peer, tag protocol.Tag, payload interface{}) error {
	raw, err := protocol.Encode(tag, protocol.Header{
		ID:            newMessageID(),
		Timestamp:     time.Now().UnixMilli(),
		SenderAddress: m.self.Address().String(),
	}, payload)
	if err != nil {
		return err
	}

	envelope, err := cryptobox.EncryptFor(m.self, p.PublicKey, raw)
	if err != nil {
		return err
	}

	ep := &protocol.EncryptedPayload{NonceAndCipher: envelope.Ciphertext}
	copy(ep.SenderAddress[:], envelope.SenderAddress[:])
	copy(ep.SenderPublicKey[:], envelope.SenderPublicKey)
	copy(ep.Signature[:], envelope.Signature)

	wire := &protocol.WirePacket{Version: protocol.Version, Flags: protocol.FlagEncrypted, Payload: ep.Encode()}
	return p.Conn.Send(wire.Encode(), transport.Reliable)
}

// Broadcast sends payload as tag to every currently authorized peer.
func (m *Manager) Broadcast(tag protocol.Tag, payload interface{}) {
	for _, p := range m.All() {
		if !p.IsAuthorized() {
			continue
		}
		if err := m.Send(p, tag, payload); err != nil {
			m.log.WithError(err).WithField("peer", p.Address.String()).Warn("broadcast send failed")
		}
	}
}

var messageIDCounter uint64
var messageIDMu sync.Mutex

// newMessageID produces a locally-unique message ID from the current
// time in nanoseconds and a process-wide counter, without calling
// math/rand or crypto/rand per message.
func newMessageID() string {
	messageIDMu.Lock()
	messageIDCounter++
	id := messageIDCounter
	messageIDMu.Unlock()
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), id)
}
