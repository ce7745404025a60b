package version

import "testing"

func TestCheckCapabilityLineDoesNotPanicOnGarbage(t *testing.T) {
	CheckCapabilityLine("not a capability line")
	CheckCapabilityLine("250-TUNNEL-VERSION not-a-version")
	CheckCapabilityLine("250-" + Capability)
}
