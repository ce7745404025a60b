package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/basinrelay/smtptunnel/internal/frame"
	"github.com/basinrelay/smtptunnel/internal/tunnel"
)

func TestDispatcherConnectFailsOnBadPayload(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	sess := tunnel.NewSession(a, nil, nil)

	replies := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := b.Read(buf)
		replies <- buf[:n]
	}()

	d := Dispatcher{}
	d.HandleConnect(context.Background(), sess, 1, []byte{0xFF, 0x00})

	select {
	case got := <-replies:
		typ, channelID, _, err := frame.DecodeHeader(got)
		require.NoError(t, err)
		assert.Equal(t, frame.ConnectFail, typ)
		assert.Equal(t, uint16(1), channelID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a CONNECT_FAIL reply")
	}
}

func TestDispatcherConnectRateLimited(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	sess := tunnel.NewSession(a, nil, nil)

	replies := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := b.Read(buf)
		replies <- buf[:n]
	}()

	payload, err := frame.ConnectPayload("127.0.0.1", 1)
	require.NoError(t, err)

	limiter := rate.NewLimiter(rate.Limit(0), 0) // never allows
	d := Dispatcher{Limiter: limiter}
	d.HandleConnect(context.Background(), sess, 2, payload)

	select {
	case got := <-replies:
		typ, _, _, err := frame.DecodeHeader(got)
		require.NoError(t, err)
		assert.Equal(t, frame.ConnectFail, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a rate-limited CONNECT_FAIL reply")
	}
}
