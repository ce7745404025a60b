// Package relay implements the relay side (Server A): the reconnect
// supervisor that keeps one authenticated tunnel session alive to the
// server, and the per-rule TCP forwarder that turns local inbound
// connections into multiplexed channels. Grounded on
// original_source/smtp_relay.py's TunnelConnection.run_forever and
// RelayService.
package relay

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basinrelay/smtptunnel/internal/handshake"
	"github.com/basinrelay/smtptunnel/internal/metrics"
	"github.com/basinrelay/smtptunnel/internal/tunnel"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 30 * time.Second
)

// Dialer opens the initial TCP connection to the tunnel server. A plain
// function so tests can substitute an in-memory pipe instead of a real
// net.Dial.
type Dialer func(ctx context.Context) (net.Conn, error)

// Supervisor owns the single tunnel.Session the relay maintains to the
// server, reconnecting with exponential backoff (2s doubling to 30s,
// resetting to 2s after any successful connect) whenever the session drops
// (spec.md §4.10, §9). It hands OpenChannel callers a session only once it
// is known to be live, so callers that need to wait across a reconnect
// cycle simply call Supervisor.OpenChannel instead of racing a *Session
// directly.
type Supervisor struct {
	dial   Dialer
	hsCfg  handshake.ClientConfig
	tracer trace.Tracer
	mr     *metrics.Registry

	mu      sync.Mutex
	session *tunnel.Session
	readyCh chan struct{}
}

// NewSupervisor constructs a Supervisor. Call Run to start the reconnect
// loop; it blocks until ctx is cancelled.
func NewSupervisor(dial Dialer, hsCfg handshake.ClientConfig, tracer trace.Tracer, mr *metrics.Registry) *Supervisor {
	return &Supervisor{
		dial:    dial,
		hsCfg:   hsCfg,
		tracer:  tracer,
		mr:      mr,
		readyCh: make(chan struct{}),
	}
}

// Run drives the connect/handshake/receive-loop/reconnect cycle until ctx
// is cancelled.
func (sv *Supervisor) Run(ctx context.Context, d tunnel.Dispatcher) error {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sess, err := sv.connectOnce(ctx)
		if err != nil {
			if sv.mr != nil {
				sv.mr.Reconnects.Inc()
			}
			log.Printf("relay: tunnel connect failed: %v", err)
			log.Printf("relay: reconnecting in %s", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff
		sv.publish(sess)
		log.Print("relay: tunnel connected")

		runErr := sess.Run(ctx, d)
		sess.Shutdown()
		sv.unpublish()
		log.Print("relay: tunnel disconnected")
		if runErr != nil && ctx.Err() == nil {
			if sv.mr != nil {
				sv.mr.Reconnects.Inc()
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("relay: reconnecting in %s", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (sv *Supervisor) connectOnce(ctx context.Context) (*tunnel.Session, error) {
	conn, err := sv.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", tunnel.ErrTransport, err)
	}

	upgraded, err := handshake.ClientHandshake(ctx, conn, sv.hsCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return tunnel.NewSession(upgraded, sv.tracer, sv.mr), nil
}

func (sv *Supervisor) publish(sess *tunnel.Session) {
	sv.mu.Lock()
	sv.session = sess
	close(sv.readyCh)
	sv.mu.Unlock()
}

func (sv *Supervisor) unpublish() {
	sv.mu.Lock()
	sv.session = nil
	sv.readyCh = make(chan struct{})
	sv.mu.Unlock()
}

// OpenChannel waits for a live session (across reconnects, if necessary)
// and opens a channel on it. It respects ctx for cancellation while
// waiting.
func (sv *Supervisor) OpenChannel(ctx context.Context, host string, port uint16, localConn net.Conn) (*tunnel.Session, uint16, error) {
	for {
		sv.mu.Lock()
		sess := sv.session
		ready := sv.readyCh
		sv.mu.Unlock()

		if sess != nil && sess.Connected() {
			id, err := sess.OpenChannel(ctx, host, port, localConn)
			return sess, id, err
		}

		select {
		case <-ready:
			continue
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}
