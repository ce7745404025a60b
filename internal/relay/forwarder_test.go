package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basinrelay/smtptunnel/internal/auth"
	"github.com/basinrelay/smtptunnel/internal/config"
	"github.com/basinrelay/smtptunnel/internal/handshake"
)

// TestForwarderRoundTripsLocalConnectionThroughTunnel exercises the full
// relay path: a TCP client connects to a test listener that hands each
// accepted socket to Forwarder.handle, which opens a channel through the
// Supervisor and relays bytes to the fake tunnel server, which echoes them
// back through the tunnel to the client.
func TestForwarderRoundTripsLocalConnectionThroughTunnel(t *testing.T) {
	cert := generateSelfSignedCert(t)
	users := map[string]auth.User{"relay1": {Username: "relay1", Secret: "s3cret"}}
	ln := startFakeServer(t, cert, users)
	t.Cleanup(func() { ln.Close() })

	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", ln.Addr().String())
	}

	sv := NewSupervisor(dial, handshake.ClientConfig{
		Username:   "relay1",
		Secret:     "s3cret",
		DialedHost: "127.0.0.1",
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sv.Run(ctx, Dispatcher{})

	fwd := &Forwarder{
		Rule: config.ForwardRule{
			Listen:     "127.0.0.1:0",
			TargetHost: "example.internal",
			TargetPort: 9000,
		},
		Supervisor: sv,
	}

	fwdReady := make(chan string, 1)
	go func() {
		lc := net.ListenConfig{}
		realLn, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
		if err != nil {
			return
		}
		fwdReady <- realLn.Addr().String()
		for {
			conn, err := realLn.Accept()
			if err != nil {
				return
			}
			go fwd.handle(ctx, conn)
		}
	}()

	addr := <-fwdReady

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}
