package relay

import (
	"context"
	"log"
	"net"

	"golang.org/x/time/rate"

	"github.com/basinrelay/smtptunnel/internal/config"
	"github.com/basinrelay/smtptunnel/internal/metrics"
)

// Forwarder listens on one local address and, for each accepted
// connection, opens a channel through the Supervisor's tunnel session to
// the rule's remote target (spec.md §4.11, grounded on
// original_source/smtp_relay.py's RelayService.handle_local).
type Forwarder struct {
	Rule       config.ForwardRule
	Supervisor *Supervisor

	// AcceptLimiter, if set, bounds how fast this listener hands accepted
	// sockets off for channel opening (abuse/runaway-reconnect protection,
	// supplemented feature — see SPEC_FULL.md "CONNECT-rate limiting").
	// Shared across every Forwarder a relay process runs, since the concern
	// is relay-wide inbound accept rate, not a per-rule budget.
	AcceptLimiter *rate.Limiter
	Metrics       *metrics.Registry
}

// Run listens on Rule.Listen until ctx is cancelled or the listener fails.
func (f *Forwarder) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", f.Rule.Listen)
	if err != nil {
		return err
	}
	log.Printf("relay: listening on %s -> %s:%d", f.Rule.Listen, f.Rule.TargetHost, f.Rule.TargetPort)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if f.AcceptLimiter != nil && !f.AcceptLimiter.Allow() {
			if f.Metrics != nil {
				f.Metrics.AcceptRateLimited.Inc()
			}
			log.Printf("relay: accept rate limited, rejecting inbound connection from %s", conn.RemoteAddr())
			conn.Close()
			continue
		}

		go f.handle(ctx, conn)
	}
}

func (f *Forwarder) handle(ctx context.Context, conn net.Conn) {
	log.Printf("relay: %s -> %s:%d", conn.RemoteAddr(), f.Rule.TargetHost, f.Rule.TargetPort)

	sess, channelID, err := f.Supervisor.OpenChannel(ctx, f.Rule.TargetHost, uint16(f.Rule.TargetPort), conn)
	if err != nil {
		log.Printf("relay: open channel to %s:%d failed: %v", f.Rule.TargetHost, f.Rule.TargetPort, err)
		conn.Close()
		return
	}

	buf := make([]byte, tunnelFrameChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if sendErr := sess.SendData(channelID, buf[:n]); sendErr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	sess.CloseChannel(channelID, true)
}

// tunnelFrameChunk is the local-read chunk size feeding DATA frames,
// matching the 32768-byte reads in the original relay.
const tunnelFrameChunk = 32768
