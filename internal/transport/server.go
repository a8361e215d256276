// Server runs the accept loop and the per-connection read/write loop pair.
// It has no knowledge of modules, registries, or hooks -- it hands every
// parsed frame to a Handler and every disconnect to a DisconnectFunc, which
// the broker package supplies. This mirrors the teacher's
// internal/broker/service.go Start/handleConnection split between "accept
// and wire up a Connection" and "what a request means", generalized so the
// meaning side is pluggable.
package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bytesonus/juno/internal/idgen"
	"github.com/bytesonus/juno/internal/metrics"
	"github.com/bytesonus/juno/internal/wire"
)

// Sender is the outbound side of one accepted connection: enqueue a frame,
// or stop accepting further ones. *Peer implements this; it is handed to
// Handler (rather than a bare send func) so the broker package can store it
// on a newly registered module for later, connection-independent delivery
// (forwarded calls, hook fan-out) -- not just the immediate reply.
type Sender interface {
	Send(f wire.Frame) error
	Close() error
}

// Handler processes one parsed frame from connID. sender is that
// connection's outbound side; it never blocks past the connection's
// outbound buffer.
type Handler func(connID idgen.ConnID, parsed wire.Parsed, sender Sender)

// DisconnectFunc is invoked exactly once per connection id when its stream
// closes, whether by peer EOF or a write failure. Server shutdown does not
// close accepted connections (see Serve).
type DisconnectFunc func(connID idgen.ConnID)

// Peer is one accepted connection's outbound side, implementing Sender.
type Peer struct {
	ID       idgen.ConnID
	outbound chan wire.Frame
	conn     Conn

	closeOnce sync.Once
}

// Send enqueues f for delivery. The outbound channel holds up to 256
// frames; when it is full, Send blocks until the write loop has drained a
// frame. See DESIGN.md for this backpressure policy.
func (p *Peer) Send(f wire.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errClosedPeer // sending on a closed channel after Close
		}
	}()
	p.outbound <- f
	return nil
}

// Close stops accepting new outbound frames for this peer. The write loop
// drains whatever was already queued and closes the underlying connection
// when it's done, per §5: "outbound writes drain before closing".
func (p *Peer) Close() error {
	p.closeOnce.Do(func() { close(p.outbound) })
	return nil
}

var errClosedPeer = &closedPeerError{}

type closedPeerError struct{}

func (*closedPeerError) Error() string { return "transport: peer is closed" }

// Server owns the listener and spawns a Peer + read/write loop for each
// accepted connection.
type Server struct {
	listener      Listener
	maxFrameBytes int
	connGen       *idgen.ConnGenerator
	inUse         func(idgen.ConnID) bool
	onFrame       Handler
	onDisconnect  DisconnectFunc
	log           zerolog.Logger
	metrics       *metrics.Metrics // nil-safe

	wg sync.WaitGroup
}

func NewServer(ln Listener, maxFrameBytes int, connGen *idgen.ConnGenerator, inUse func(idgen.ConnID) bool, onFrame Handler, onDisconnect DisconnectFunc, log zerolog.Logger, m *metrics.Metrics) *Server {
	return &Server{
		listener:      ln,
		maxFrameBytes: maxFrameBytes,
		connGen:       connGen,
		inUse:         inUse,
		onFrame:       onFrame,
		onDisconnect:  onDisconnect,
		log:           log,
		metrics:       m,
	}
}

// Serve runs the accept loop until ctx is cancelled. Cancellation stops
// accepting new connections; connections already accepted run to
// completion.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				s.log.Warn().Err(err).Msg("accept error")
				continue
			}
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn Conn) {
	defer s.wg.Done()

	connID := s.connGen.Next(s.inUse)
	peer := &Peer{ID: connID, outbound: make(chan wire.Frame, 256), conn: conn}

	if s.metrics != nil {
		s.metrics.ConnectionsAccepted.Inc()
	}
	s.log.Debug().Str("connectionId", connID.String()).Msg("connection accepted")

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.writeLoop(peer)
	}()
	go func() {
		defer wg.Done()
		s.readLoop(connID, conn, peer)
	}()

	wg.Wait()
	s.onDisconnect(connID)
	s.log.Debug().Str("connectionId", connID.String()).Msg("connection closed")
}

func (s *Server) readLoop(connID idgen.ConnID, conn Conn, peer *Peer) {
	defer peer.Close()

	fr := NewFrameReader(conn, s.maxFrameBytes)
	for {
		line, err := fr.ReadLine()
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}

		parsed, ok := wire.Parse(line)
		if !ok {
			continue // unparseable JSON: dropped silently, per §4.1 step 1
		}
		if !parsed.HasType {
			code := wire.ErrUnknownRequest
			peer.Send(wire.Frame{Type: wire.TypeError, RequestID: wire.UndefinedRequestID, Error: &code})
			continue
		}
		if !parsed.HasRequest {
			code := wire.ErrInvalidRequestID
			peer.Send(wire.Frame{Type: wire.TypeError, RequestID: wire.UndefinedRequestID, Error: &code})
			continue
		}

		s.onFrame(connID, parsed, peer)
	}
}

func (s *Server) writeLoop(peer *Peer) {
	fw := NewFrameWriter(peer.conn)
	defer peer.conn.Close()

	for frame := range peer.outbound {
		data, err := json.Marshal(frame)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to marshal outbound frame")
			continue
		}
		if err := fw.WriteLine(data); err != nil {
			s.log.Warn().Err(err).Str("connectionId", peer.ID.String()).Msg("failed to write frame, peer likely gone")
			return
		}
	}
}
