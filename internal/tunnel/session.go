// Package tunnel implements the post-handshake multiplex engine: the
// channel table, the pending-CONNECT waiter table, the single-writer
// serializer, the frame-receive loop, and channel open/close — spec.md
// §4.6-§4.9, grounded on original_source/smtp_relay.py's TunnelConnection
// and smtp_server.py's TunnelSession.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basinrelay/smtptunnel/internal/frame"
	"github.com/basinrelay/smtptunnel/internal/metrics"
)

// connectOpenTimeout bounds how long OpenChannel waits for a CONNECT_OK/FAIL
// reply (spec.md §4.8 step 5, §5).
const connectOpenTimeout = 20 * time.Second

type connectResult struct {
	ok     bool
	reason string
}

// Session owns one TLS connection post-handshake: the channel table, the
// connect-waiter table, the single write mutex, the channel-id counter, and
// the connected flag (spec.md §3 "Tunnel session").
type Session struct {
	ID   string
	conn net.Conn

	// Username is the authenticated peer's username (server side only; set
	// by internal/server once the handshake resolves an identity). Empty on
	// the relay side, which has no user record of its own.
	Username string
	// LogActivity mirrors the authenticated user's Logging flag (spec.md
	// §3 "User record"): per-connection activity log lines (CONNECT, session
	// end) are gated on it. Defaults to true so a session with no associated
	// user record logs normally.
	LogActivity bool

	Tracer  trace.Tracer
	Metrics *metrics.Registry

	writeMu sync.Mutex

	tableMu  sync.Mutex
	channels map[uint16]*Channel
	waiters  map[uint16]chan connectResult

	nextID atomic.Uint32

	connected atomic.Bool
}

// NewSession wraps an already-handshaken connection (relay: after the TLS
// upgrade and AUTH/BINARY exchange; server: symmetrically) as a live
// multiplex session, connected by construction.
func NewSession(conn net.Conn, tracer trace.Tracer, metricsReg *metrics.Registry) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		conn:        conn,
		LogActivity: true,
		Tracer:      tracer,
		Metrics:     metricsReg,
		channels:    make(map[uint16]*Channel),
		waiters:     make(map[uint16]chan connectResult),
	}
	s.connected.Store(true)
	return s
}

// Connected reports whether the session is still live.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Dispatcher handles the frame types specific to one side of the tunnel
// (spec.md §4.7). CONNECT_OK/CONNECT_FAIL are handled uniformly by Session
// itself, since the waiter table is shared session state, not side-specific
// behavior.
type Dispatcher interface {
	HandleData(ctx context.Context, s *Session, channelID uint16, payload []byte)
	HandleClose(ctx context.Context, s *Session, channelID uint16)
	HandleConnect(ctx context.Context, s *Session, channelID uint16, payload []byte)
}

// Run drives the frame-receive loop (spec.md §4.6) until EOF or a transport
// error. It never returns a non-nil error for a clean EOF.
func (s *Session) Run(ctx context.Context, d Dispatcher) error {
	var dec frame.Decoder
	buf := make([]byte, 65536)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if s.Metrics != nil {
				s.Metrics.BytesTransferred.WithLabelValues("in").Add(float64(n))
			}
			for {
				f, ok := dec.Next()
				if !ok {
					break
				}
				s.dispatch(ctx, d, f)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, d Dispatcher, f frame.Frame) {
	if s.Metrics != nil {
		s.Metrics.FramesByType.WithLabelValues(frameTypeLabel(f.Type)).Inc()
	}

	var span trace.Span
	if s.Tracer != nil {
		ctx, span = s.Tracer.Start(ctx, "tunnel.frame")
		defer span.End()
	}

	switch f.Type {
	case frame.ConnectOK:
		s.resolveWaiter(f.ChannelID, connectResult{ok: true})
	case frame.ConnectFail:
		s.resolveWaiter(f.ChannelID, connectResult{ok: false, reason: string(f.Payload)})
	case frame.Data:
		d.HandleData(ctx, s, f.ChannelID, f.Payload)
	case frame.Close:
		d.HandleClose(ctx, s, f.ChannelID)
	case frame.Connect:
		d.HandleConnect(ctx, s, f.ChannelID, f.Payload)
	default:
		// unknown frame type: ignored, per spec.md §4.1/§4.7 forward compatibility.
	}
}

func (s *Session) resolveWaiter(id uint16, res connectResult) {
	s.tableMu.Lock()
	w, ok := s.waiters[id]
	s.tableMu.Unlock()
	if !ok {
		return
	}
	select {
	case w <- res:
	default:
	}
}

// sendFrame is the single writer serializer (spec.md §5 writer discipline):
// every frame emission takes the write mutex and encodes+writes atomically.
func (s *Session) sendFrame(t frame.Type, channelID uint16, payload []byte) error {
	if !s.connected.Load() {
		return fmt.Errorf("%w", ErrNotConnected)
	}

	encoded, err := frame.Encode(t, channelID, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	_, err = s.conn.Write(encoded)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	if s.Metrics != nil {
		s.Metrics.FramesByType.WithLabelValues(frameTypeLabel(t)).Inc()
		s.Metrics.BytesTransferred.WithLabelValues("out").Add(float64(len(encoded)))
	}
	return nil
}

// SendData emits a DATA frame. Exported so both Forwarder (relay) and
// Dialer (server) can push bytes from their respective local sockets.
func (s *Session) SendData(channelID uint16, payload []byte) error {
	return s.sendFrame(frame.Data, channelID, payload)
}

// SendConnectOK emits a CONNECT_OK frame (server only).
func (s *Session) SendConnectOK(channelID uint16) error {
	return s.sendFrame(frame.ConnectOK, channelID, nil)
}

// SendConnectFail emits a CONNECT_FAIL frame, truncating reason to 120
// bytes per spec.md §4.7 (server only).
func (s *Session) SendConnectFail(channelID uint16, reason string) error {
	b := []byte(reason)
	if len(b) > 120 {
		b = b[:120]
	}
	return s.sendFrame(frame.ConnectFail, channelID, b)
}

// OpenChannel allocates the next channel id, registers localConn as that
// channel's local endpoint, sends CONNECT(host, port), and waits up to
// connectOpenTimeout for CONNECT_OK/CONNECT_FAIL (spec.md §4.8). Relay side
// only. If the session is not connected, it fails immediately rather than
// blocking — callers that need to wait across a reconnect cycle do so one
// layer up (internal/relay.Supervisor), which only hands callers a Session
// once it is known to be ready.
func (s *Session) OpenChannel(ctx context.Context, host string, port uint16, localConn net.Conn) (uint16, error) {
	if !s.connected.Load() {
		return 0, fmt.Errorf("%w", ErrNotConnected)
	}

	id := uint16(s.nextID.Add(1))

	waiter := make(chan connectResult, 1)
	s.tableMu.Lock()
	s.channels[id] = &Channel{ID: id, Conn: localConn, connected: true}
	s.waiters[id] = waiter
	s.tableMu.Unlock()

	defer func() {
		s.tableMu.Lock()
		delete(s.waiters, id)
		s.tableMu.Unlock()
	}()

	payload, err := frame.ConnectPayload(host, port)
	if err != nil {
		s.CloseChannel(id, false)
		return id, err
	}
	if err := s.sendFrame(frame.Connect, id, payload); err != nil {
		s.CloseChannel(id, false)
		return id, err
	}
	if s.Metrics != nil {
		s.Metrics.ChannelsOpened.Inc()
		s.Metrics.ChannelsActive.Inc()
	}

	timer := time.NewTimer(connectOpenTimeout)
	defer timer.Stop()

	select {
	case res := <-waiter:
		if !res.ok {
			s.CloseChannel(id, false)
			return id, fmt.Errorf("%w: %s", ErrDial, res.reason)
		}
		return id, nil
	case <-timer.C:
		s.CloseChannel(id, false)
		return id, fmt.Errorf("%w: CONNECT_OK timeout", ErrDial)
	case <-ctx.Done():
		s.CloseChannel(id, false)
		return id, ctx.Err()
	}
}

// RegisterChannel inserts a channel directly (server side: after a
// successful outbound dial in response to CONNECT, there is no waiter to
// coordinate — the CONNECT_OK reply itself is the signal).
func (s *Session) RegisterChannel(ch *Channel) {
	ch.connected = true
	s.tableMu.Lock()
	s.channels[ch.ID] = ch
	s.tableMu.Unlock()
	if s.Metrics != nil {
		s.Metrics.ChannelsOpened.Inc()
		s.Metrics.ChannelsActive.Inc()
	}
}

// Channel looks up a channel by id.
func (s *Session) Channel(id uint16) (*Channel, bool) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	ch, ok := s.channels[id]
	return ch, ok
}

// CloseChannel removes the channel from the table (no-op if absent — close
// is idempotent, spec.md §4.9), optionally best-effort notifies the remote
// with a CLOSE frame, then closes the local endpoint.
func (s *Session) CloseChannel(id uint16, notifyRemote bool) {
	s.tableMu.Lock()
	ch, ok := s.channels[id]
	if ok {
		delete(s.channels, id)
	}
	s.tableMu.Unlock()
	if !ok {
		return
	}

	ch.connected = false

	if notifyRemote && s.connected.Load() {
		_ = s.sendFrame(frame.Close, id, nil)
	}

	if ch.Conn != nil {
		_ = ch.Conn.Close()
	}

	if s.Metrics != nil {
		s.Metrics.ChannelsClosed.Inc()
		s.Metrics.ChannelsActive.Dec()
	}
}

// Shutdown tears the session down: every outstanding CONNECT waiter
// resolves to failure, every channel is closed locally (no remote CLOSE —
// there is no remote to notify), and the transport is closed. After
// Shutdown returns, channels and connect_waiters are both empty (spec.md §3
// invariant, §8 invariant 6).
func (s *Session) Shutdown() {
	s.connected.Store(false)

	s.tableMu.Lock()
	waiters := s.waiters
	s.waiters = make(map[uint16]chan connectResult)
	channels := s.channels
	s.channels = make(map[uint16]*Channel)
	s.tableMu.Unlock()

	for _, w := range waiters {
		select {
		case w <- connectResult{ok: false, reason: "session closed"}:
		default:
		}
	}

	for _, ch := range channels {
		if ch.Conn != nil {
			_ = ch.Conn.Close()
		}
		if s.Metrics != nil {
			s.Metrics.ChannelsClosed.Inc()
			s.Metrics.ChannelsActive.Dec()
		}
	}

	_ = s.conn.Close()
}

func frameTypeLabel(t frame.Type) string {
	switch t {
	case frame.Data:
		return "data"
	case frame.Connect:
		return "connect"
	case frame.ConnectOK:
		return "connect_ok"
	case frame.ConnectFail:
		return "connect_fail"
	case frame.Close:
		return "close"
	default:
		return "unknown"
	}
}
