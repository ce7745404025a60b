package handshake

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/basinrelay/smtptunnel/internal/auth"
	"github.com/basinrelay/smtptunnel/internal/tunnel"
	"github.com/basinrelay/smtptunnel/internal/version"
)

// ServerConfig parameterizes the server side of the handshake (spec.md
// §4.4).
type ServerConfig struct {
	Hostname    string
	TLSConfig   *tls.Config
	Users       map[string]auth.User
	MaxAuthAge  time.Duration
	ReadTimeout time.Duration
}

// ServerResult is what a completed handshake hands back to the accept loop:
// the upgraded connection, ready for binary frame traffic, and the
// authenticated username (used for per-user logging, spec.md §6).
type ServerResult struct {
	Conn     net.Conn
	Username string
}

func isHeloLine(line string) bool {
	upper := strings.ToUpper(line)
	return strings.HasPrefix(upper, "EHLO ") || strings.HasPrefix(upper, "HELO ")
}

// sendCapabilities writes the multi-line EHLO reply. preTLS controls
// whether STARTTLS is advertised (only before the upgrade) versus the
// version capability line (only after, since it's purely informational and
// costs nothing to gate behind TLS).
func sendCapabilities(lw *lineIO, hostname string, preTLS bool) error {
	lines := []string{hostname}
	if preTLS {
		lines = append(lines, "STARTTLS", "AUTH PLAIN LOGIN")
	} else {
		lines = append(lines, "AUTH PLAIN LOGIN", version.Capability)
	}

	for _, l := range lines {
		if err := lw.sendLine("250-" + l); err != nil {
			return err
		}
	}
	return lw.sendLine("250 8BITMIME")
}

// ServerHandshake drives the server side of the SMTP-disguised dialogue
// (spec.md §4.4): greeting, pre-TLS EHLO, STARTTLS, TLS upgrade, post-TLS
// EHLO, AUTH PLAIN verification, and the BINARY switch.
func ServerHandshake(ctx context.Context, conn net.Conn, cfg ServerConfig) (*ServerResult, error) {
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	maxAuthAge := cfg.MaxAuthAge
	if maxAuthAge <= 0 {
		maxAuthAge = 5 * time.Minute
	}

	lw := newLineIO(conn, timeout)

	if err := lw.sendLine(fmt.Sprintf("220 %s ESMTP Postfix (Ubuntu)", cfg.Hostname)); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}

	line, err := lw.readLine()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	if !isHeloLine(line) {
		return nil, fmt.Errorf("%w: expected EHLO/HELO, got %q", tunnel.ErrHandshake, line)
	}
	if err := sendCapabilities(lw, cfg.Hostname, true); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}

	line, err = lw.readLine()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	if !strings.EqualFold(line, "STARTTLS") {
		return nil, fmt.Errorf("%w: expected STARTTLS, got %q", tunnel.ErrHandshake, line)
	}
	if err := lw.sendLine("220 2.0.0 Ready to start TLS"); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}

	tlsConn, err := tunnel.UpgradeServer(ctx, conn, cfg.TLSConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	lw.setReader(tlsConn)

	line, err = lw.readLine()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	if !isHeloLine(line) {
		return nil, fmt.Errorf("%w: expected post-tls EHLO/HELO, got %q", tunnel.ErrHandshake, line)
	}
	if err := sendCapabilities(lw, cfg.Hostname, false); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}

	authLine, err := lw.readLine()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	parts := strings.SplitN(authLine, " ", 3)
	if len(parts) != 3 || !strings.EqualFold(parts[0], "AUTH") || !strings.EqualFold(parts[1], "PLAIN") {
		return nil, fmt.Errorf("%w: expected AUTH PLAIN <token>, got %q", tunnel.ErrHandshake, authLine)
	}
	token := parts[2]

	ok, username := auth.Verify(token, cfg.Users, time.Now(), maxAuthAge)
	if !ok {
		_ = lw.sendLine("535 5.7.8 Authentication failed")
		return nil, fmt.Errorf("%w: %w", tunnel.ErrHandshake, tunnel.ErrAuthFailed)
	}
	if err := lw.sendLine("235 2.7.0 Authentication successful"); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}

	line, err = lw.readLine()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}
	if line != "BINARY" {
		return nil, fmt.Errorf("%w: expected BINARY, got %q", tunnel.ErrHandshake, line)
	}
	if err := lw.sendLine("299 Binary mode activated"); err != nil {
		return nil, fmt.Errorf("%w: %v", tunnel.ErrHandshake, err)
	}

	return &ServerResult{Conn: tlsConn, Username: username}, nil
}
