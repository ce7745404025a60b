package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
)

// TLSClientConfig configures the relay side STARTTLS upgrade (spec.md
// §4.5). ServerName overrides the name sent in the ClientHello; if empty,
// DialedHost is used instead (the host the relay was configured to dial).
type TLSClientConfig struct {
	CACertPath string
	ServerName string
	DialedHost string
}

// UpgradeClient performs the mid-stream TLS client handshake on an already
// connected socket, immediately after the server's "220 2.0.0 Ready to
// start TLS" line (spec.md §4.3 step 3, §4.5). With no CACertPath
// configured it accepts any server certificate, matching the Python
// original's ssl.CERT_NONE default for self-signed relay deployments.
func UpgradeClient(ctx context.Context, conn net.Conn, cfg TLSClientConfig) (*tls.Conn, error) {
	serverName := cfg.ServerName
	if serverName == "" {
		serverName = cfg.DialedHost
	}

	tlsCfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CACertPath != "" {
		if _, err := os.Stat(cfg.CACertPath); err == nil {
			pem, err := os.ReadFile(cfg.CACertPath)
			if err != nil {
				return nil, fmt.Errorf("%w: reading ca cert: %v", ErrTransport, err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("%w: ca cert file contains no usable certificates", ErrTransport)
			}
			tlsCfg.RootCAs = pool
		} else {
			tlsCfg.InsecureSkipVerify = true
		}
	} else {
		tlsCfg.InsecureSkipVerify = true
	}

	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: tls handshake: %v", ErrTransport, err)
	}
	return tlsConn, nil
}

// UpgradeServer performs the mid-stream TLS server handshake (spec.md
// §4.4 step 3). tlsConfig carries the server's certificate and key, loaded
// once at startup; UpgradeServer clones it per connection so per-handshake
// state (like session ticket keys) doesn't leak across clients.
func UpgradeServer(ctx context.Context, conn net.Conn, tlsConfig *tls.Config) (*tls.Conn, error) {
	cfg := tlsConfig.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	tlsConn := tls.Server(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: tls handshake: %v", ErrTransport, err)
	}
	return tlsConn, nil
}
