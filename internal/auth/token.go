// Package auth implements the deterministic HMAC-based credential exchanged
// during the AUTH step of the handshake, plus the AUTH-line mechanism the
// relay uses to emit it only once the connection is no longer plaintext.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// authPrefix ties the signed message to this protocol, preventing a token
// minted for some other HMAC-authenticated scheme from being replayed here.
const authPrefix = "smtp-tunnel-auth"

// User is the minimal shape auth needs out of a loaded user record: a
// username, its shared secret, and whether to log this user's activity.
// internal/config.User satisfies this by having the same fields.
type User struct {
	Username string
	Secret   string
	Logging  bool
}

// Generate derives a token for (username, secret) at the given timestamp.
// Callers pass time.Now() for live traffic; tests pin a fixed instant.
func Generate(username, secret string, ts time.Time) string {
	unix := ts.Unix()
	msg := fmt.Sprintf("%s:%s:%d", authPrefix, username, unix)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	macB64 := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	inner := fmt.Sprintf("%s:%d:%s", username, unix, macB64)
	return base64.StdEncoding.EncodeToString([]byte(inner))
}

// Verify checks a token against the known user table. now is the verifier's
// current time; maxAge bounds the acceptable clock skew in either direction.
// Any malformed input yields (false, "") rather than an error — auth
// rejection is not itself an exceptional condition.
func Verify(token string, users map[string]User, now time.Time, maxAge time.Duration) (ok bool, username string) {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return false, ""
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 3 {
		return false, ""
	}
	username, tsStr, _ := parts[0], parts[1], parts[2]

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return false, ""
	}

	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > maxAge {
		return false, ""
	}

	user, found := users[username]
	if !found || user.Secret == "" {
		return false, ""
	}

	expected := Generate(username, user.Secret, time.Unix(ts, 0))
	if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1 {
		return true, username
	}
	return false, ""
}
