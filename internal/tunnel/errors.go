package tunnel

import "errors"

// Sentinel errors for the error kinds spec.md §7 enumerates. Concrete
// errors wrap one of these with fmt.Errorf("%w: ...") so callers can branch
// on kind with errors.Is while still getting a descriptive message.
var (
	ErrTransport    = errors.New("tunnel: transport error")
	ErrHandshake    = errors.New("tunnel: handshake error")
	ErrProtocol     = errors.New("tunnel: protocol error")
	ErrDial         = errors.New("tunnel: dial error")
	ErrLocal        = errors.New("tunnel: local channel error")
	ErrNotConnected = errors.New("tunnel: session not connected")
	ErrAuthFailed   = errors.New("tunnel: authentication failed")
)
