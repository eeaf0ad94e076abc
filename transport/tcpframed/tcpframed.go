/*
Package tcpframed implements a length-prefixed TCP transport: a
4-byte little-endian length prefix followed by the payload, rejecting
frames of zero length or over 100 MiB.
*/
package tcpframed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sparxnet/core/errkind"
	"github.com/sparxnet/core/transport"
)

const (
	lengthPrefixSize = 4
	maxFrameSize     = 100 * 1024 * 1024
	dialTimeout      = 10 * time.Second
)

// Transport implements transport.Transport over TCP with length-prefixed
// framing.
type Transport struct {
	log      *logrus.Entry
	listener net.Listener

	mu          sync.Mutex
	connections map[string]*Connection

	events chan transport.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a framed-TCP transport. Call Start to begin listening.
func New(log *logrus.Entry) *Transport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		log:         log.WithField("transport", "tcp"),
		connections: make(map[string]*Connection),
		events:      make(chan transport.Event, 256),
	}
}

func (t *Transport) Kind() transport.Kind          { return transport.KindTCP }
func (t *Transport) Events() <-chan transport.Event { return t.events }

// Start opens a TCP listener on port and begins accepting connections.
func (t *Transport) Start(ctx context.Context, port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	t.listener = listener
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Stop closes the listener and every connection.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.listener != nil {
		_ = t.listener.Close()
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

	t.wg.Wait()
	close(t.events)
	return nil
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.log.WithError(err).Warn("accept error")
				return
			}
		}

		c := t.wrap(conn)
		t.emit(transport.Event{Kind: transport.EventConnectionReceived, Connection: c})
		t.wg.Add(1)
		go t.readLoop(c)
	}
}

// Connect dials a remote endpoint over TCP and begins its read loop.
func (t *Transport) Connect(ctx context.Context, endpoint *net.UDPAddr) (transport.Connection, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", endpoint.IP.String(), endpoint.Port))
	if err != nil {
		return nil, errkind.New(errkind.HandshakeTimeout, err)
	}

	c := t.wrap(raw)
	t.wg.Add(1)
	go t.readLoop(c)
	return c, nil
}

func (t *Transport) wrap(raw net.Conn) *Connection {
	c := &Connection{
		id:     uuid.NewString(),
		conn:   raw,
		events: make(chan transport.Event, 64),
	}
	c.connected.Store(true)
	c.latencyMs.Store(-1)

	t.mu.Lock()
	t.connections[c.id] = c
	t.mu.Unlock()

	return c
}

func (t *Transport) readLoop(c *Connection) {
	defer t.wg.Done()
	defer t.removeAndNotify(c)

	lengthBuf := make([]byte, lengthPrefixSize)
	for {
		if _, err := io.ReadFull(c.conn, lengthBuf); err != nil {
			return
		}

		length := binary.LittleEndian.Uint32(lengthBuf)
		if length == 0 || length > maxFrameSize {
			t.log.Warn("rejecting out-of-range frame length")
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}

		select {
		case c.events <- transport.Event{Kind: transport.EventDataReceived, Connection: c, Data: payload}:
		default:
			t.log.Warn("connection event channel full, dropping frame")
		}
	}
}

func (t *Transport) removeAndNotify(c *Connection) {
	t.mu.Lock()
	delete(t.connections, c.id)
	t.mu.Unlock()

	if c.connected.Swap(false) {
		select {
		case c.events <- transport.Event{Kind: transport.EventDisconnected, Connection: c}:
		default:
		}
		t.emit(transport.Event{Kind: transport.EventConnectionLost, Connection: c})
	}
	close(c.events)
}

func (t *Transport) emit(ev transport.Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("transport event channel full, dropping event")
	}
}

// Connection is one framed-TCP link.
type Connection struct {
	id        string
	conn      net.Conn
	connected atomic.Bool
	latencyMs atomic.Int64
	writeMu   sync.Mutex
	events    chan transport.Event
}

func (c *Connection) ID() string                     { return c.id }
func (c *Connection) RemoteEndpoint() net.Addr       { return c.conn.RemoteAddr() }
func (c *Connection) Kind() transport.Kind           { return transport.KindTCP }
func (c *Connection) IsConnected() bool              { return c.connected.Load() }
func (c *Connection) LatencyMs() int64               { return c.latencyMs.Load() }
func (c *Connection) Events() <-chan transport.Event { return c.events }

// Send writes a length-prefixed frame. Delivery mode is ignored: TCP
// is inherently reliable and ordered.
func (c *Connection) Send(payload []byte, _ transport.DeliveryMode) error {
	if !c.connected.Load() {
		return errkind.New(errkind.ConnectionLost, errors.New("connection closed"))
	}
	if len(payload) == 0 || len(payload) > maxFrameSize {
		return fmt.Errorf("frame length %d out of range", len(payload))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	header := make([]byte, lengthPrefixSize)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))

	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	_, err := c.conn.Write(payload)
	return err
}

// Close closes the underlying socket. The read loop observes the
// resulting error and emits Disconnected/ConnectionLost.
func (c *Connection) Close() error {
	return c.conn.Close()
}
