/*
Package reliableudp implements a custom reliable-UDP transport: a
byte-tagged packet format with handshake, ack/retry, ping/pong latency
measurement, and NAT hole punching.
*/
package reliableudp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sparxnet/core/errkind"
	"github.com/sparxnet/core/transport"
)

// Packet type codes, byte 0 of every datagram.
const (
	typeHandshake uint8 = 1
	typeHandshakeAck uint8 = 2
	typeData         uint8 = 3
	typeReliableData uint8 = 4
	typeAck          uint8 = 5
	typePing         uint8 = 6
	typePong         uint8 = 7
	typeDisconnect   uint8 = 8
	typePunch        uint8 = 9
)

const (
	handshakeTimeout = 10 * time.Second
	maxRetries       = 5
	baseBackoff      = 100 * time.Millisecond
	punchCount       = 10
	punchInterval    = 100 * time.Millisecond
	maxPacketSize    = 65536
)

// Transport implements transport.Transport over a raw UDP socket.
type Transport struct {
	log    *logrus.Entry
	socket *net.UDPConn

	mu          sync.Mutex
	connections map[string]*Connection

	events chan transport.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reliable-UDP transport. Call Start to bind the socket.
func New(log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		log:         log.WithField("transport", "reliable-udp"),
		connections: make(map[string]*Connection),
		events:      make(chan transport.Event, 256),
	}
}

func (t *Transport) Kind() transport.Kind { return transport.KindReliableUDP }

func (t *Transport) Events() <-chan transport.Event { return t.events }

// LocalPort returns the UDP port this transport is bound to. Useful
// when Start was called with port 0 to let the OS pick one.
func (t *Transport) LocalPort() int {
	return t.socket.LocalAddr().(*net.UDPAddr).Port
}

// Start binds the UDP socket and begins the receive loop.
func (t *Transport) Start(ctx context.Context, port int) error {
	addr := &net.UDPAddr{Port: port}
	socket, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	t.socket = socket

	t.ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go t.receiveLoop()

	return nil
}

// Stop closes the socket and every connection.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.connections))
	for _, c := range t.connections {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	if t.socket != nil {
		_ = t.socket.Close()
	}
	t.wg.Wait()
	close(t.events)
	return nil
}

func (t *Transport) receiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, maxPacketSize)

	for {
		n, addr, err := t.socket.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.log.WithError(err).Warn("receive error")
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		raw := append([]byte(nil), buf[:n]...)
		t.handlePacket(addr, raw)
	}
}

func (t *Transport) handlePacket(addr *net.UDPAddr, raw []byte) {
	if len(raw) < 1 {
		return
	}

	key := addr.String()

	t.mu.Lock()
	conn, exists := t.connections[key]
	t.mu.Unlock()

	packetType := raw[0]

	if !exists {
		switch packetType {
		case typeHandshake:
			conn = t.acceptConnection(addr)
			conn.handlePacket(raw)
			return
		case typePunch:
			// No application effect beyond traversing the NAT.
			return
		default:
			// Unknown sender sending anything but a handshake is ignored.
			return
		}
	}

	conn.handlePacket(raw)
}

func (t *Transport) acceptConnection(addr *net.UDPAddr) *Connection {
	conn := newConnection(t, addr, true)

	t.mu.Lock()
	t.connections[addr.String()] = conn
	t.mu.Unlock()

	return conn
}

// Connect dials a remote endpoint and blocks until HandshakeAck or
// handshakeTimeout.
func (t *Transport) Connect(ctx context.Context, endpoint *net.UDPAddr) (transport.Connection, error) {
	key := endpoint.String()

	t.mu.Lock()
	if existing, ok := t.connections[key]; ok {
		t.mu.Unlock()
		return existing, nil
	}
	conn := newConnection(t, endpoint, false)
	t.connections[key] = conn
	t.mu.Unlock()

	if err := conn.sendHandshake(); err != nil {
		return nil, err
	}

	select {
	case <-conn.connectedSignal:
		return conn, nil
	case <-time.After(handshakeTimeout):
		t.removeConnection(conn)
		return nil, errkind.New(errkind.HandshakeTimeout, fmt.Errorf("no handshake ack from %s", key))
	case <-ctx.Done():
		t.removeConnection(conn)
		return nil, ctx.Err()
	}
}

// PunchThrough sends punch packets to open the local NAT mapping
// before attempting a normal connect.
func (t *Transport) PunchThrough(ctx context.Context, endpoint *net.UDPAddr) (transport.Connection, error) {
	punch := []byte{typePunch}
	for i := 0; i < punchCount; i++ {
		_, _ = t.socket.WriteToUDP(punch, endpoint)
		select {
		case <-time.After(punchInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return t.Connect(ctx, endpoint)
}

func (t *Transport) removeConnection(c *Connection) {
	t.mu.Lock()
	if existing, ok := t.connections[c.remote.String()]; ok && existing == c {
		delete(t.connections, c.remote.String())
	}
	t.mu.Unlock()
}

func (t *Transport) emit(ev transport.Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("transport event channel full, dropping event")
	}
}

func (t *Transport) write(addr *net.UDPAddr, raw []byte) error {
	_, err := t.socket.WriteToUDP(raw, addr)
	return err
}

// ---- Connection ----

type pendingAck struct {
	payload  []byte
	attempts int
	timer    *time.Timer
}

// Connection is one reliable-UDP link to a remote endpoint.
type Connection struct {
	id        string
	transport *Transport
	remote    *net.UDPAddr

	connected       atomic.Bool
	connectedSignal chan struct{}
	signalOnce      sync.Once

	nextSeq uint32

	mu          sync.Mutex
	pendingAcks map[uint32]*pendingAck

	latencyMs atomic.Int64
	pingNonce uint32

	events chan transport.Event
}

func newConnection(t *Transport, remote *net.UDPAddr, accepted bool) *Connection {
	c := &Connection{
		id:              uuid.NewString(),
		transport:       t,
		remote:          remote,
		pendingAcks:     make(map[uint32]*pendingAck),
		connectedSignal: make(chan struct{}),
		events:          make(chan transport.Event, 64),
	}
	c.latencyMs.Store(-1)
	if accepted {
		// Accepted connections become connected once the inbound
		// Handshake is processed (see handlePacket).
	}
	return c
}

func (c *Connection) ID() string                 { return c.id }
func (c *Connection) RemoteEndpoint() net.Addr   { return c.remote }
func (c *Connection) Kind() transport.Kind       { return transport.KindReliableUDP }
func (c *Connection) IsConnected() bool          { return c.connected.Load() }
func (c *Connection) LatencyMs() int64           { return c.latencyMs.Load() }
func (c *Connection) Events() <-chan transport.Event { return c.events }

func (c *Connection) markConnected() {
	c.connected.Store(true)
	c.signalOnce.Do(func() { close(c.connectedSignal) })
}

func (c *Connection) sendHandshake() error {
	payload := make([]byte, 9)
	payload[0] = typeHandshake
	binary.LittleEndian.PutUint64(payload[1:], uint64(time.Now().UnixMilli()))
	return c.transport.write(c.remote, payload)
}

func (c *Connection) sendHandshakeAck() error {
	payload := make([]byte, 9)
	payload[0] = typeHandshakeAck
	binary.LittleEndian.PutUint64(payload[1:], uint64(time.Now().UnixMilli()))
	return c.transport.write(c.remote, payload)
}

// Send transmits payload with the requested delivery semantics.
func (c *Connection) Send(payload []byte, mode transport.DeliveryMode) error {
	if !c.IsConnected() {
		return errkind.New(errkind.ConnectionLost, errors.New("connection not established"))
	}

	switch mode {
	case transport.Reliable:
		seq := atomic.AddUint32(&c.nextSeq, 1)
		raw := make([]byte, 5+len(payload))
		raw[0] = typeReliableData
		binary.LittleEndian.PutUint32(raw[1:5], seq)
		copy(raw[5:], payload)

		c.mu.Lock()
		pa := &pendingAck{payload: raw}
		c.pendingAcks[seq] = pa
		c.mu.Unlock()

		c.scheduleRetry(seq, 0)
		return c.transport.write(c.remote, raw)

	default: // Unreliable, Sequenced: fire-and-forget
		seq := atomic.AddUint32(&c.nextSeq, 1)
		raw := make([]byte, 5+len(payload))
		raw[0] = typeData
		binary.LittleEndian.PutUint32(raw[1:5], seq)
		copy(raw[5:], payload)
		return c.transport.write(c.remote, raw)
	}
}

func (c *Connection) scheduleRetry(seq uint32, attempt int) {
	backoff := baseBackoff * time.Duration(1<<uint(attempt))

	c.mu.Lock()
	pa, ok := c.pendingAcks[seq]
	if !ok {
		c.mu.Unlock()
		return
	}
	pa.timer = time.AfterFunc(backoff, func() { c.retry(seq) })
	c.mu.Unlock()
}

func (c *Connection) retry(seq uint32) {
	c.mu.Lock()
	pa, ok := c.pendingAcks[seq]
	if !ok {
		c.mu.Unlock()
		return
	}
	pa.attempts++
	if pa.attempts >= maxRetries {
		delete(c.pendingAcks, seq)
		c.mu.Unlock()
		_ = c.Close()
		return
	}
	raw := pa.payload
	attempt := pa.attempts
	c.mu.Unlock()

	_ = c.transport.write(c.remote, raw)
	c.scheduleRetry(seq, attempt)
}

func (c *Connection) ackReceived(seq uint32) {
	c.mu.Lock()
	pa, ok := c.pendingAcks[seq]
	if ok {
		if pa.timer != nil {
			pa.timer.Stop()
		}
		delete(c.pendingAcks, seq)
	}
	c.mu.Unlock()
}

// Ping sends a Ping carrying the current nonce/timestamp for latency
// measurement.
func (c *Connection) Ping() error {
	nonce := atomic.AddUint32(&c.pingNonce, 1)
	payload := make([]byte, 13)
	payload[0] = typePing
	binary.LittleEndian.PutUint32(payload[1:5], nonce)
	binary.LittleEndian.PutUint64(payload[5:], uint64(time.Now().UnixMilli()))
	return c.transport.write(c.remote, payload)
}

func (c *Connection) handlePacket(raw []byte) {
	if len(raw) < 1 {
		return
	}

	switch raw[0] {
	case typeHandshake:
		c.markConnected()
		_ = c.sendHandshakeAck()
		c.transport.emit(transport.Event{Kind: transport.EventConnectionReceived, Connection: c})

	case typeHandshakeAck:
		c.markConnected()

	case typeData, typeReliableData:
		if len(raw) < 5 {
			return
		}
		seq := binary.LittleEndian.Uint32(raw[1:5])
		payload := append([]byte(nil), raw[5:]...)

		if raw[0] == typeReliableData {
			c.sendAck(seq)
		}

		c.emitData(payload)

	case typeAck:
		if len(raw) < 5 {
			return
		}
		seq := binary.LittleEndian.Uint32(raw[1:5])
		c.ackReceived(seq)

	case typePing:
		if len(raw) < 13 {
			return
		}
		echoed := raw[5:13]
		resp := make([]byte, 13)
		resp[0] = typePong
		copy(resp[1:5], raw[1:5])
		copy(resp[5:13], echoed)
		_ = c.transport.write(c.remote, resp)

	case typePong:
		if len(raw) < 13 {
			return
		}
		sentMs := int64(binary.LittleEndian.Uint64(raw[5:13]))
		c.latencyMs.Store(time.Now().UnixMilli() - sentMs)

	case typeDisconnect:
		c.closeLocal()

	case typePunch:
		// no-op

	default:
		// unknown packet type, ignore
	}
}

func (c *Connection) sendAck(seq uint32) {
	raw := make([]byte, 5)
	raw[0] = typeAck
	binary.LittleEndian.PutUint32(raw[1:5], seq)
	_ = c.transport.write(c.remote, raw)
}

func (c *Connection) emitData(data []byte) {
	select {
	case c.events <- transport.Event{Kind: transport.EventDataReceived, Connection: c, Data: data}:
	default:
	}
}

// Close sends a Disconnect notice to the remote side then tears down
// local state.
func (c *Connection) Close() error {
	if c.connected.Load() {
		disc := []byte{typeDisconnect}
		_ = c.transport.write(c.remote, disc)
	}
	c.closeLocal()
	return nil
}

func (c *Connection) closeLocal() {
	wasConnected := c.connected.Swap(false)
	c.transport.removeConnection(c)

	c.mu.Lock()
	for _, pa := range c.pendingAcks {
		if pa.timer != nil {
			pa.timer.Stop()
		}
	}
	c.pendingAcks = make(map[uint32]*pendingAck)
	c.mu.Unlock()

	if wasConnected {
		select {
		case c.events <- transport.Event{Kind: transport.EventDisconnected, Connection: c}:
		default:
		}
		c.transport.emit(transport.Event{Kind: transport.EventConnectionLost, Connection: c})
	}
	close(c.events)
}
