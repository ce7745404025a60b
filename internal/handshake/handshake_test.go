package handshake

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basinrelay/smtptunnel/internal/auth"
)

func generateSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:         true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return cert
}

func TestHandshakeRoundTripSucceedsWithValidCredentials(t *testing.T) {
	cert := generateSelfSignedCert(t)
	users := map[string]auth.User{
		"relay1": {Username: "relay1", Secret: "s3cret", Logging: true},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	serverResult := make(chan *ServerResult, 1)
	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		res, err := ServerHandshake(context.Background(), conn, ServerConfig{
			Hostname:  "mail.example.com",
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
			Users:     users,
		})
		serverResult <- res
		serverErr <- err
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientConn, err := ClientHandshake(ctx, conn, ClientConfig{
		Username:   "relay1",
		Secret:     "s3cret",
		DialedHost: "127.0.0.1",
	})
	require.NoError(t, err)
	require.NotNil(t, clientConn)

	require.NoError(t, <-serverErr)
	res := <-serverResult
	require.NotNil(t, res)
	require.Equal(t, "relay1", res.Username)
}

func TestHandshakeRejectsUnknownUser(t *testing.T) {
	cert := generateSelfSignedCert(t)
	users := map[string]auth.User{
		"relay1": {Username: "relay1", Secret: "s3cret"},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		_, err = ServerHandshake(context.Background(), conn, ServerConfig{
			Hostname:  "mail.example.com",
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
			Users:     users,
		})
		serverErr <- err
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = ClientHandshake(ctx, conn, ClientConfig{
		Username:   "nosuchuser",
		Secret:     "whatever",
		DialedHost: "127.0.0.1",
	})
	require.Error(t, err)
	require.Error(t, <-serverErr)
}
