//go:build linux

package wireguard

import (
	"fmt"
	"net/netip"

	"github.com/docker/docker/libnetwork/iptables"
)

// EnableMasquerade adds an iptables MASQUERADE rule so overlay traffic
// leaving through this host is source-NAT'd, letting peers reach
// services outside the peer CIDR without a route back through the
// overlay. Deletes any stale copy of the rule first so repeated calls
// at router startup never stack duplicates.
func EnableMasquerade(peerCIDR netip.Prefix) error {
	ipt := iptables.GetIptable(iptables.IPv4)
	rule := []string{"--src", peerCIDR.String(), "-j", "MASQUERADE"}

	_ = ipt.ProgramRule(iptables.Nat, "POSTROUTING", iptables.Delete, rule)
	if err := ipt.ProgramRule(iptables.Nat, "POSTROUTING", iptables.Insert, rule); err != nil {
		return fmt.Errorf("insert masquerade rule for %s: %w", peerCIDR, err)
	}
	return nil
}
