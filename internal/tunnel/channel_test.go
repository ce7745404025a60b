package tunnel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basinrelay/smtptunnel/internal/frame"
)

// pipeDispatcher records every callback it receives; used to assert
// dispatch routing without standing up a real relay or server.
type pipeDispatcher struct {
	data    []dataCall
	closed  []uint16
	connect []connectCall
}

type dataCall struct {
	channelID uint16
	payload   []byte
}

type connectCall struct {
	channelID uint16
	payload   []byte
}

func (p *pipeDispatcher) HandleData(_ context.Context, _ *Session, channelID uint16, payload []byte) {
	cp := append([]byte(nil), payload...)
	p.data = append(p.data, dataCall{channelID, cp})
}

func (p *pipeDispatcher) HandleClose(_ context.Context, _ *Session, channelID uint16) {
	p.closed = append(p.closed, channelID)
}

func (p *pipeDispatcher) HandleConnect(_ context.Context, _ *Session, channelID uint16, payload []byte) {
	cp := append([]byte(nil), payload...)
	p.connect = append(p.connect, connectCall{channelID, cp})
}

func newSessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return NewSession(a, nil, nil), NewSession(b, nil, nil)
}

func TestSessionOpenChannelSucceedsOnConnectOK(t *testing.T) {
	relay, server := newSessionPair(t)

	serverDispatcher := &pipeDispatcher{}
	go server.Run(context.Background(), serverDispatcher)

	var relayCtx = context.Background()
	relayDispatcher := &pipeDispatcher{}
	go relay.Run(relayCtx, relayDispatcher)

	// Drive the server side manually: reply CONNECT_OK to whatever channel
	// id shows up as a CONNECT frame, instead of waiting on the dispatcher
	// (HandleConnect on this fake dispatcher does nothing but record it).
	go func() {
		for {
			time.Sleep(5 * time.Millisecond)
			if len(serverDispatcher.connect) > 0 {
				id := serverDispatcher.connect[0].channelID
				_ = server.SendConnectOK(id)
				return
			}
		}
	}()

	local, remoteLocal := net.Pipe()
	t.Cleanup(func() { local.Close(); remoteLocal.Close() })

	id, err := relay.OpenChannel(relayCtx, "example.internal", 443, local)
	require.NoError(t, err)
	assert.NotZero(t, id)

	ch, ok := relay.Channel(id)
	require.True(t, ok)
	assert.Equal(t, local, ch.Conn)
}

func TestSessionOpenChannelFailsOnConnectFail(t *testing.T) {
	relay, server := newSessionPair(t)
	serverDispatcher := &pipeDispatcher{}
	go server.Run(context.Background(), serverDispatcher)

	relayCtx := context.Background()
	relayDispatcher := &pipeDispatcher{}
	go relay.Run(relayCtx, relayDispatcher)

	go func() {
		for {
			time.Sleep(5 * time.Millisecond)
			if len(serverDispatcher.connect) > 0 {
				id := serverDispatcher.connect[0].channelID
				_ = server.SendConnectFail(id, "connection refused")
				return
			}
		}
	}()

	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close(); remote.Close() })

	_, err := relay.OpenChannel(relayCtx, "example.internal", 443, local)
	require.Error(t, err)

	_, ok := relay.Channel(1)
	assert.False(t, ok, "failed channel must not remain in the table")
}

func TestSessionShutdownResolvesWaitersAndClearsTables(t *testing.T) {
	relay, server := newSessionPair(t)
	_ = server

	local, remote := net.Pipe()
	t.Cleanup(func() { local.Close(); remote.Close() })

	done := make(chan error, 1)
	go func() {
		_, err := relay.OpenChannel(context.Background(), "example.internal", 443, local)
		done <- err
	}()

	// Give OpenChannel time to register its waiter before shutdown.
	time.Sleep(20 * time.Millisecond)
	relay.Shutdown()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OpenChannel did not return after Shutdown")
	}

	relay.tableMu.Lock()
	defer relay.tableMu.Unlock()
	assert.Empty(t, relay.channels)
	assert.Empty(t, relay.waiters)
}

func TestSessionCloseChannelIsIdempotent(t *testing.T) {
	relay, _ := newSessionPair(t)
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })

	relay.RegisterChannel(&Channel{ID: 7, Conn: local})
	relay.CloseChannel(7, false)
	relay.CloseChannel(7, false) // must not panic or double-decrement metrics

	_, ok := relay.Channel(7)
	assert.False(t, ok)
}

func TestSessionSendFrameFailsWhenNotConnected(t *testing.T) {
	relay, _ := newSessionPair(t)
	relay.Shutdown()

	err := relay.SendData(1, []byte("x"))
	require.Error(t, err)
}

func TestDispatchRoutesDataAndClose(t *testing.T) {
	relay, server := newSessionPair(t)
	d := &pipeDispatcher{}

	go relay.Run(context.Background(), d)

	encoded, err := frame.Encode(frame.Data, 3, []byte("hello"))
	require.NoError(t, err)
	_, err = server.conn.Write(encoded)
	require.NoError(t, err)

	closeFrame, err := frame.Encode(frame.Close, 3, nil)
	require.NoError(t, err)
	_, err = server.conn.Write(closeFrame)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(d.data) == 1 && len(d.closed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint16(3), d.data[0].channelID)
	assert.Equal(t, []byte("hello"), d.data[0].payload)
	assert.Equal(t, uint16(3), d.closed[0])
}
