package tunnel

import "net"

// Channel is one multiplexed logical stream within a tunnel session:
// identified by ID, optionally bound to a (Host, Port) target (server side
// only — the relay never records a target, it only forwards to one), and
// wrapping the local peer-local net.Conn (the accepted inbound socket on
// the relay, the outbound dialed socket on the server).
type Channel struct {
	ID   uint16
	Host string
	Port uint16
	Conn net.Conn

	connected bool
}
