// Package firewall defines the driver contract for whitelist/blacklist
// set management and reverse-NAT lookup (spec.md §6's "Firewall driver
// contract"). Real PF/NPF/netfilter backends are out of scope per
// spec.md's Non-goals; this package only defines the interface plus the
// in-memory/dummy driver in internal/firewall/dummy.
package firewall

import (
	"context"

	"github.com/mikey-austin/greyd-sub000/internal/addr"
)

// Driver is implemented by every firewall backend. Replace atomically
// swaps the named set's contents (spec.md §6: "building a stage set,
// populating it, then swapping-and-destroying"); callers never see a
// partially-populated set.
type Driver interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// Replace atomically replaces setName's contents with cidrs, for
	// the given address family. setName is the base set name shared by
	// both families; the driver derives the per-family set from setName
	// and family (the dummy driver keys it as setName_inet or
	// setName_inet6).
	Replace(ctx context.Context, setName string, family addr.Family, cidrs []addr.Cidr) error

	// LookupOrigDst resolves the pre-NAT destination of a proxied
	// connection identified by (src, srcPort, proxy, proxyPort).
	LookupOrigDst(ctx context.Context, src string, srcPort uint16, proxy string, proxyPort uint16) (dst string, err error)

	StartLogCapture(ctx context.Context) error
	EndLogCapture(ctx context.Context) error
	CaptureLog(ctx context.Context) ([]string, error)
}
