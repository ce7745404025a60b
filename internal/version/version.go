// Package version advertises and checks the wire protocol version carried
// as a cosmetic EHLO capability line (spec.md §6: "the SMTP capability
// advertisements are cosmetic; only the status-code prefixes are
// load-bearing"). This is a supplemented feature, not present in the
// original implementation: it exists so a relay talking to a server running
// an incompatible frame dialect finds out from a log line instead of a
// confusing stream of ignored or malformed frames.
package version

import (
	"fmt"
	"log"

	"github.com/Masterminds/semver"
)

// Protocol is the wire format version this build implements. It tracks the
// frame layout and handshake line sequence fixed by spec.md §3/§4, not the
// module's own release version.
const Protocol = "1.0.0"

// Capability is the cosmetic EHLO capability suffix the server appends
// after STARTTLS, without the "250-" reply-code prefix — callers building a
// multi-line EHLO reply add that prefix themselves alongside the other
// capability lines.
const Capability = "TUNNEL-VERSION " + Protocol

// compatible is the range of server protocol versions this relay build
// accepts without complaint.
var compatible = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// CheckCapabilityLine parses a "250-TUNNEL-VERSION x.y.z" capability line
// and logs a warning if the advertised version falls outside the relay's
// compatibility range. Absence or a parse failure is never fatal — the
// capability is cosmetic, per spec.md §6 — so this never returns an error;
// it only ever logs.
func CheckCapabilityLine(line string) {
	const prefix = "250-TUNNEL-VERSION "
	if len(line) <= len(prefix) {
		return
	}
	raw := line[len(prefix):]
	v, err := semver.NewVersion(raw)
	if err != nil {
		log.Printf("version: server advertised unparsable protocol version %q: %v", raw, err)
		return
	}
	if !compatible.Check(v) {
		log.Printf("version: server protocol version %s is outside this relay's compatible range %s", v, compatible)
	}
}

// String reports the protocol version for log lines.
func String() string {
	return fmt.Sprintf("tunnel-protocol/%s", Protocol)
}
