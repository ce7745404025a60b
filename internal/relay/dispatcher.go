package relay

import (
	"context"

	"github.com/basinrelay/smtptunnel/internal/tunnel"
)

// Dispatcher is the relay side's tunnel.Dispatcher: it only ever sees DATA
// and CLOSE frames for channels it opened itself. CONNECT never arrives at
// the relay (spec.md §4.7), so HandleConnect is a defensive no-op.
type Dispatcher struct{}

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

func (Dispatcher) HandleConnect(context.Context, *tunnel.Session, uint16, []byte) {
	// the relay never receives CONNECT frames; the server does.
}
