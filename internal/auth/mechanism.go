package auth

import (
	"errors"
	"strings"
	"time"
)

// PlainToken is the relay-side AUTH mechanism: it turns a (username, secret)
// pair into the literal "AUTH PLAIN <token>" line the handshake sends.
//
// Shaped after the teacher's xoauth2Auth: that type refused to hand an
// access token to a server unless the connection was already TLS-protected
// or the peer was localhost, on the grounds that a SASL capability
// advertisement seen before STARTTLS cannot be trusted. The same downgrade
// concern applies here — the token must never cross the wire before the TLS
// upgrade has happened.
type PlainToken struct {
	Username string
	Secret   string
}

// ErrNotSecure is returned when Line is called before TLS has been
// established and the peer is not loopback.
var ErrNotSecure = errors.New("auth: refusing to send token before STARTTLS")

// Line produces the "AUTH PLAIN <token>" line to send, or ErrNotSecure if
// tlsEstablished is false and host is not a loopback address/name.
func (p PlainToken) Line(tlsEstablished bool, host string, now time.Time) (string, error) {
	if !tlsEstablished && !isLocalhost(host) {
		return "", ErrNotSecure
	}
	token := Generate(p.Username, p.Secret, now)
	return "AUTH PLAIN " + token, nil
}

func isLocalhost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	return h == "localhost" || h == "127.0.0.1" || h == "::1"
}
