//go:build linux

package wireguard

import (
	"fmt"
	"os"
	"strings"
)

// WriteResolvConf overwrites /etc/resolv.conf inside the router's
// container with the cluster DNS address and search domain passed on
// the command line. A plain file write: there is no client library in
// the stack for this, and the format is a handful of fixed-syntax
// lines.
func WriteResolvConf(dns, search string) error {
	if dns == "" {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "nameserver %s\n", dns)
	if search != "" {
		fmt.Fprintf(&b, "search %s\n", search)
	}
	if err := os.WriteFile("/etc/resolv.conf", []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write resolv.conf: %w", err)
	}
	return nil
}
