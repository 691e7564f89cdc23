// Package transport implements the broker's listeners and the
// per-connection reader/writer task split: TCP, TLS, WebSocket, and
// WebSocket-over-TLS, adapted from mqtt0's net.Listener wrappers and its
// clientLoopV4/clientLoopV5 read-goroutine-plus-select pattern, generalized
// onto pkg/broker's Router instead of mqtt0's in-package Broker.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nimbusmq/broker/pkg/broker"
	"github.com/nimbusmq/broker/pkg/delivery"
	"github.com/nimbusmq/broker/pkg/mqttpacket"
)

// toV4Publish encodes one queued outbound delivery as a 3.1.1 PUBLISH.
func toV4Publish(out delivery.Outbound) *mqttpacket.V4Publish {
	return &mqttpacket.V4Publish{
		Topic: out.Topic, Payload: out.Payload, Retain: out.Retain,
		Dup: out.DUP, QoS: out.QoS, PacketID: out.PacketID,
	}
}

// toV5Publish encodes one queued outbound delivery as a 5.0 PUBLISH.
func toV5Publish(out delivery.Outbound) *mqttpacket.V5Publish {
	return &mqttpacket.V5Publish{
		Topic: out.Topic, Payload: out.Payload, Retain: out.Retain,
		Dup: out.DUP, QoS: out.QoS, PacketID: out.PacketID, Properties: out.Properties,
	}
}

// GracePeriod is how long a writer keeps draining pending acks after a stop
// signal before it closes the transport.
const GracePeriod = 5 * time.Second

// Listen creates a listener for the given network and address.
//
// Network can be "tcp", "tls" (tlsConfig required), "ws", or "wss"
// (tlsConfig required). WebSocket listeners serve path "/mqtt" (and "/")
// with subprotocols "mqtt" and "mqttv3.1".
func Listen(network, addr string, tlsConfig *tls.Config) (net.Listener, error) {
	network = strings.ToLower(network)

	switch network {
	case "tcp", "":
		return net.Listen("tcp", addr)

	case "tls":
		if tlsConfig == nil {
			return nil, fmt.Errorf("transport: tls config required for tls listener")
		}
		return tls.Listen("tcp", addr, tlsConfig)

	case "ws":
		return newWSListener(addr, nil)

	case "wss":
		if tlsConfig == nil {
			return nil, fmt.Errorf("transport: tls config required for wss listener")
		}
		return newWSListener(addr, tlsConfig)

	default:
		return nil, fmt.Errorf("transport: unsupported network: %s", network)
	}
}

// wsListener implements net.Listener for WebSocket connections accepted
// over an http.Server, matching mqtt0's wsListener.
type wsListener struct {
	connCh    chan net.Conn
	errCh     chan error
	closeOnce sync.Once
	closeCh   chan struct{}
	server    *http.Server
	upgrader  websocket.Upgrader
}

func newWSListener(addr string, tlsConfig *tls.Config) (*wsListener, error) {
	l := &wsListener{
		connCh:  make(chan net.Conn, 100),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt", "mqttv3.1"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleWS)
	mux.HandleFunc("/mqtt", l.handleWS)

	l.server = &http.Server{Addr: addr, Handler: mux, TLSConfig: tlsConfig}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case l.errCh <- err:
			default:
			}
		}
	}()

	return l, nil
}

func (l *wsListener) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &wsConn{ws: ws}
	select {
	case l.connCh <- conn:
	case <-l.closeCh:
		conn.Close()
	}
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case err := <-l.errCh:
		return nil, err
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		l.server.Close()
	})
	return nil
}

func (l *wsListener) Addr() net.Addr { return &net.TCPAddr{} }

// wsConn adapts a gorilla/websocket connection to net.Conn. Text frames are
// ignored with a debug log; only binary frames carry MQTT packets.
type wsConn struct {
	ws      *websocket.Conn
	reader  *wsReader
	writeMu sync.Mutex
}

type wsReader struct {
	data []byte
	pos  int
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.reader != nil && c.reader.pos < len(c.reader.data) {
			n := copy(b, c.reader.data[c.reader.pos:])
			c.reader.pos += n
			if c.reader.pos >= len(c.reader.data) {
				c.reader = nil
			}
			return n, nil
		}

		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if kind == websocket.TextMessage {
			slog.Debug("transport: ignoring websocket text frame")
			continue
		}

		n := copy(b, data)
		if n < len(data) {
			c.reader = &wsReader{data: data, pos: n}
		}
		return n, nil
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error                       { return c.ws.Close() }
func (c *wsConn) LocalAddr() net.Addr                 { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr                { return c.ws.RemoteAddr() }
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}
func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*wsConn)(nil)

// Server accepts connections on one or more listeners and runs each
// through the CONNECT handshake and the reader/writer task split.
type Server struct {
	Router        *broker.Router
	MaxPacketSize int

	connIDs  atomic.Uint64
	mu       sync.Mutex
	sockets  map[uint64]net.Conn
}

// NewServer creates a Server bound to router. It wires Router.OnForceClose
// so a broker-initiated takeover or keep-alive eviction closes the actual
// socket, not just the broker-side Conn.
func NewServer(r *broker.Router) *Server {
	maxSize := int(r.Meta.Cluster.MaxPacketSize)
	if maxSize <= 0 {
		maxSize = mqttpacket.MaxPacketSize
	}
	s := &Server{Router: r, MaxPacketSize: maxSize, sockets: make(map[uint64]net.Conn)}
	r.OnForceClose = s.forceClose
	return s
}

// Shutdown closes every live connection after GracePeriod, giving each
// connection's writer loop a chance to drain pending acks first. It does
// not close listeners; callers stop accepting by closing those separately.
func (s *Server) Shutdown() {
	time.Sleep(GracePeriod)
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.sockets))
	for _, c := range s.sockets {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) forceClose(connectionID uint64, reason mqttpacket.ReasonCode) {
	s.mu.Lock()
	conn, ok := s.sockets[connectionID]
	delete(s.sockets, connectionID)
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed during shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		connID := s.connIDs.Add(1)
		s.mu.Lock()
		s.sockets[connID] = conn
		s.mu.Unlock()
		go s.handleConn(connID, conn)
	}
}

func (s *Server) handleConn(connID uint64, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.sockets, connID)
		s.mu.Unlock()
	}()

	reader := bufio.NewReader(conn)
	peek, err := reader.Peek(16)
	if err != nil {
		slog.Debug("transport: peek failed", "error", err)
		return
	}

	version, err := detectProtocolVersion(peek)
	if err != nil {
		slog.Debug("transport: protocol detection failed", "error", err)
		return
	}

	sourceAddr := conn.RemoteAddr().String()
	switch version {
	case mqttpacket.V311:
		s.runV4(connID, conn, reader, sourceAddr)
	case mqttpacket.V5:
		s.runV5(connID, conn, reader, sourceAddr)
	}
}

// detectProtocolVersion reads just enough of the not-yet-consumed CONNECT
// bytes to find the protocol level without fully decoding the packet,
// mirroring mqtt0's own Peek-based sniff.
func detectProtocolVersion(peek []byte) (mqttpacket.ProtocolVersion, error) {
	if len(peek) < 2 || peek[0] != 0x10 {
		return 0, &mqttpacket.ProtocolError{Message: "expected CONNECT packet"}
	}

	headerLen := 1
	for i := 1; i < len(peek) && i < 5; i++ {
		headerLen++
		if peek[i]&0x80 == 0 {
			break
		}
	}

	levelOffset := headerLen + 2 + 4 // remaining-length bytes + protocol name's 2-byte length + "MQTT"
	if len(peek) <= levelOffset {
		return mqttpacket.V311, nil
	}

	switch peek[levelOffset] {
	case byte(mqttpacket.V311):
		return mqttpacket.V311, nil
	case byte(mqttpacket.V5):
		return mqttpacket.V5, nil
	default:
		return 0, &mqttpacket.ProtocolError{Message: fmt.Sprintf("unsupported protocol level: %d", peek[levelOffset])}
	}
}

func (s *Server) runV4(connID uint64, conn net.Conn, reader *bufio.Reader, sourceAddr string) {
	packet, err := mqttpacket.ReadV4Packet(reader, s.MaxPacketSize)
	if err != nil {
		slog.Debug("transport: read connect failed", "error", err)
		return
	}
	connectPkt, ok := packet.(*mqttpacket.V4Connect)
	if !ok {
		slog.Debug("transport: expected CONNECT", "got", mqttpacket.TypeName(packet.PacketType()))
		return
	}

	c, ack := s.Router.HandleConnectV4(context.Background(), connID, sourceAddr, connectPkt)
	if err := mqttpacket.WriteV4Packet(conn, ack); err != nil {
		slog.Debug("transport: write connack failed", "error", err)
		return
	}
	if c == nil {
		return
	}

	readCh := make(chan mqttpacket.V4Packet, 1)
	errCh := make(chan error, 1)
	doneCh := make(chan struct{})
	go func() {
		defer close(errCh)
		for {
			pkt, err := mqttpacket.ReadV4Packet(reader, s.MaxPacketSize)
			if err != nil {
				select {
				case errCh <- err:
				case <-doneCh:
				}
				return
			}
			select {
			case readCh <- pkt:
			case <-doneCh:
				return
			}
		}
	}()
	defer close(doneCh)

	keepAlive := time.Duration(connectPkt.KeepAlive) * 3 / 2 * time.Second
	normalClose := true
	defer func() { c.Close(context.Background(), normalClose) }()

	for {
		var timeoutCh <-chan time.Time
		if keepAlive > 0 {
			timeoutCh = time.After(keepAlive)
		}

		select {
		case out := <-c.Queue().Out():
			if err := mqttpacket.WriteV4Packet(conn, toV4Publish(out)); err != nil {
				slog.Debug("transport: write publish failed", "error", err)
				return
			}

		case pkt := <-readCh:
			responses, closeAfter := c.DispatchV4(context.Background(), pkt)
			for _, resp := range responses {
				if err := mqttpacket.WriteV4Packet(conn, resp); err != nil {
					slog.Debug("transport: write failed", "error", err)
					return
				}
			}
			if closeAfter {
				return
			}

		case err := <-errCh:
			if err != io.EOF {
				slog.Debug("transport: read error", "client_id", c.ClientID(), "error", err)
			}
			normalClose = false
			return

		case <-timeoutCh:
			slog.Debug("transport: keepalive timeout", "client_id", c.ClientID())
			normalClose = false
			return
		}
	}
}

func (s *Server) runV5(connID uint64, conn net.Conn, reader *bufio.Reader, sourceAddr string) {
	packet, err := mqttpacket.ReadV5Packet(reader, s.MaxPacketSize)
	if err != nil {
		slog.Debug("transport: read connect failed", "error", err)
		return
	}
	connectPkt, ok := packet.(*mqttpacket.V5Connect)
	if !ok {
		slog.Debug("transport: expected CONNECT", "got", mqttpacket.TypeName(packet.PacketType()))
		return
	}

	c, ack := s.Router.HandleConnectV5(context.Background(), connID, sourceAddr, connectPkt)
	if err := mqttpacket.WriteV5Packet(conn, ack); err != nil {
		slog.Debug("transport: write connack failed", "error", err)
		return
	}
	if c == nil {
		return
	}

	readCh := make(chan mqttpacket.V5Packet, 1)
	errCh := make(chan error, 1)
	doneCh := make(chan struct{})
	go func() {
		defer close(errCh)
		for {
			pkt, err := mqttpacket.ReadV5Packet(reader, s.MaxPacketSize)
			if err != nil {
				select {
				case errCh <- err:
				case <-doneCh:
				}
				return
			}
			select {
			case readCh <- pkt:
			case <-doneCh:
				return
			}
		}
	}()
	defer close(doneCh)

	keepAlive := time.Duration(connectPkt.KeepAlive) * 3 / 2 * time.Second
	normalClose := true
	defer func() { c.Close(context.Background(), normalClose) }()

	for {
		var timeoutCh <-chan time.Time
		if keepAlive > 0 {
			timeoutCh = time.After(keepAlive)
		}

		select {
		case out := <-c.Queue().Out():
			if err := mqttpacket.WriteV5Packet(conn, toV5Publish(out)); err != nil {
				slog.Debug("transport: write publish failed", "error", err)
				return
			}

		case pkt := <-readCh:
			responses, closeAfter := c.DispatchV5(context.Background(), pkt)
			for _, resp := range responses {
				if err := mqttpacket.WriteV5Packet(conn, resp); err != nil {
					slog.Debug("transport: write failed", "error", err)
					return
				}
			}
			if closeAfter {
				return
			}

		case err := <-errCh:
			if err != io.EOF {
				slog.Debug("transport: read error", "client_id", c.ClientID(), "error", err)
			}
			normalClose = false
			return

		case <-timeoutCh:
			slog.Debug("transport: keepalive timeout", "client_id", c.ClientID())
			normalClose = false
			return
		}
	}
}
