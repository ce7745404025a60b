// Package server implements the tunnel server side (Server B): accepting
// inbound handshaken sessions and, per channel, dialing the requested
// remote target and relaying DATA/CLOSE in both directions. Grounded on
// original_source/smtp_server.py's TunnelSession._handle_connect /
// _handle_data / _channel_reader.
package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/basinrelay/smtptunnel/internal/frame"
	"github.com/basinrelay/smtptunnel/internal/metrics"
	"github.com/basinrelay/smtptunnel/internal/tunnel"
)

const (
	dialTimeout      = 15 * time.Second
	channelReadChunk = 32768
)

// Dispatcher is the server side's tunnel.Dispatcher: CONNECT dials the
// requested target (behind a rate limiter, spec.md supplement), DATA writes
// to the dialed socket, and CLOSE tears the channel down. A fresh
// *rate.Limiter should be shared by every session the server accepts, since
// the limit is meant to bound server-wide dial rate, not per-session rate.
type Dispatcher struct {
	Limiter *rate.Limiter
	Metrics *metrics.Registry
}

func (d Dispatcher) HandleConnect(ctx context.Context, s *tunnel.Session, channelID uint16, payload []byte) {
	host, port, err := frame.ParseConnectPayload(payload)
	if err != nil {
		_ = s.SendConnectFail(channelID, "bad connect payload")
		return
	}

	if d.Limiter != nil && !d.Limiter.Allow() {
		if d.Metrics != nil {
			d.Metrics.RateLimited.Inc()
		}
		_ = s.SendConnectFail(channelID, "rate limited")
		return
	}

	if s.LogActivity {
		log.Printf("server: CONNECT user=%s ch=%d -> %s:%d", s.Username, channelID, host, port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.ConnectFailures.Inc()
		}
		reason := err.Error()
		if len(reason) > 120 {
			reason = reason[:120]
		}
		_ = s.SendConnectFail(channelID, reason)
		return
	}

	ch := &tunnel.Channel{ID: channelID, Host: host, Port: port, Conn: conn}
	s.RegisterChannel(ch)

	if err := s.SendConnectOK(channelID); err != nil {
		s.CloseChannel(channelID, false)
		return
	}

	go channelReader(ctx, s, channelID, conn)
}

func (Dispatcher) HandleData(_ context.Context, s *tunnel.Session, channelID uint16, payload []byte) {
	ch, ok := s.Channel(channelID)
	if !ok || ch.Conn == nil {
		return
	}
	if _, err := ch.Conn.Write(payload); err != nil {
		s.CloseChannel(channelID, false)
	}
}

func (Dispatcher) HandleClose(_ context.Context, s *tunnel.Session, channelID uint16) {
	s.CloseChannel(channelID, false)
}

// channelReader pumps bytes read from the dialed remote socket back to the
// tunnel as DATA frames. On reader EOF it sends CLOSE then closes locally;
// on a genuine read (or tunnel write) error it closes without notifying the
// remote (spec.md §4.12, original _channel_reader).
func channelReader(_ context.Context, s *tunnel.Session, channelID uint16, conn net.Conn) {
	buf := make([]byte, channelReadChunk)
	notifyRemote := false
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if sendErr := s.SendData(channelID, buf[:n]); sendErr != nil {
				notifyRemote = false
				break
			}
		}
		if err != nil {
			notifyRemote = errors.Is(err, io.EOF)
			break
		}
	}
	s.CloseChannel(channelID, notifyRemote)
}
