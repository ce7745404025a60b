package handshake

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/basinrelay/smtptunnel/internal/auth"
	"github.com/basinrelay/smtptunnel/internal/tunnel"
	"github.com/basinrelay/smtptunnel/internal/version"
)

// ClientConfig parameterizes the relay side of the handshake (spec.md
// §4.3).
type ClientConfig struct {
	Username      string
	Secret        string
	TLSServerName string
	CACertPath    string
	DialedHost    string
	ReadTimeout   time.Duration
}

// ClientHandshake drives the seven-step SMTP dialogue that disguises the
// tunnel's session setup, returning the TLS connection ready for binary
// frame traffic. Every failure is wrapped with tunnel.ErrHandshake so
// callers (internal/relay.Supervisor) can distinguish handshake failures
// from transport failures for backoff/logging purposes.
func ClientHandshake(ctx context.Context, conn net.Conn, cfg ClientConfig) (net.Conn, error) {
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	lw := newLineIO(conn, timeout)

	if _, err := lw.expectPrefix("220 "); err != nil {
		return nil, fmt.Errorf("%w: greeting: %v", tunnel.ErrHandshake, err)
	}

	if err := lw.sendLine("EHLO relay.local"); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	if _, err := lw.expectCapabilities(); err != nil {
		return nil, fmt.Errorf("%w: pre-tls ehlo: %v", tunnel.ErrHandshake, err)
	}

	if err := lw.sendLine("STARTTLS"); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	if _, err := lw.expectPrefix("220 "); err != nil {
		return nil, fmt.Errorf("%w: starttls ack: %v", tunnel.ErrHandshake, err)
	}

	tlsConn, err := tunnel.UpgradeClient(ctx, conn, tunnel.TLSClientConfig{
		CACertPath: cfg.CACertPath,
		ServerName: cfg.TLSServerName,
		DialedHost: cfg.DialedHost,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	lw.setReader(tlsConn)

	if err := lw.sendLine("EHLO relay.local"); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	caps, err := lw.expectCapabilities()
	if err != nil {
		return nil, fmt.Errorf("%w: post-tls ehlo: %v", tunnel.ErrHandshake, err)
	}
	for _, line := range caps {
		if strings.Contains(line, "TUNNEL-VERSION") {
			version.CheckCapabilityLine(line)
		}
	}

	authLine, err := (auth.PlainToken{Username: cfg.Username, Secret: cfg.Secret}).Line(true, cfg.DialedHost, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: building auth line: %v", tunnel.ErrHandshake, err)
	}
	if err := lw.sendLine(authLine); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	if _, err := lw.expectPrefix("235 "); err != nil {
		return nil, fmt.Errorf("%w: auth: %v", tunnel.ErrHandshake, err)
	}

	if err := lw.sendLine("BINARY"); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	if _, err := lw.expectPrefix("299 "); err != nil {
		return nil, fmt.Errorf("%w: binary switch: %v", tunnel.ErrHandshake, err)
	}

	return tlsConn, nil
}
