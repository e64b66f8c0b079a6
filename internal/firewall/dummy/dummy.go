// Package dummy implements firewall.Driver with an in-memory map plus
// structured logging instead of any real packet-filter ioctl/netlink
// call, standing in for the original's pf/npf/netfilter backends (all
// out of scope per spec.md's Non-goals). It is enough to drive the
// rest of the system end to end and to assert against in tests.
package dummy

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikey-austin/greyd-sub000/internal/addr"
	"github.com/mikey-austin/greyd-sub000/internal/firewall"
)

// Driver is a firewall.Driver that only logs and records what a real
// backend would have been asked to do.
type Driver struct {
	log *zap.Logger

	mu       sync.Mutex
	sets     map[string][]addr.Cidr
	origDst  map[string]string // "src:srcPort>proxy:proxyPort" -> dst
	capturing bool
	captured []string
}

// New constructs a Driver with no sets and no reverse-NAT answers.
// Since there is no real conntrack table to query, LookupOrigDst only
// answers what SeedOrigDst has registered; tests seed it, and without
// seeding every lookup fails.
func New(log *zap.Logger) *Driver {
	return &Driver{
		log:     log,
		sets:    make(map[string][]addr.Cidr),
		origDst: make(map[string]string),
	}
}

func (d *Driver) Open(ctx context.Context) error {
	d.log.Info("firewall driver open (dummy)")
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	d.log.Info("firewall driver close (dummy)")
	return nil
}

func (d *Driver) Replace(ctx context.Context, setName string, family addr.Family, cidrs []addr.Cidr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := setName + "_" + family.String()
	cp := make([]addr.Cidr, len(cidrs))
	copy(cp, cidrs)
	d.sets[key] = cp
	d.log.Info("firewall set replaced", zap.String("set", key), zap.Int("cidrs", len(cidrs)))
	return nil
}

// Set returns the current contents of a named set, for tests and
// admin-CLI inspection.
func (d *Driver) Set(setName string, family addr.Family) []addr.Cidr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sets[setName+"_"+family.String()]
}

// SeedOrigDst registers a canned reverse-NAT answer for LookupOrigDst.
func (d *Driver) SeedOrigDst(src string, srcPort uint16, proxy string, proxyPort uint16, dst string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.origDst[origDstKey(src, srcPort, proxy, proxyPort)] = dst
}

func origDstKey(src string, srcPort uint16, proxy string, proxyPort uint16) string {
	return fmt.Sprintf("%s:%d>%s:%d", src, srcPort, proxy, proxyPort)
}

func (d *Driver) LookupOrigDst(ctx context.Context, src string, srcPort uint16, proxy string, proxyPort uint16) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dst, ok := d.origDst[origDstKey(src, srcPort, proxy, proxyPort)]
	if !ok {
		return "", fmt.Errorf("firewall: no orig-dst entry for %s", origDstKey(src, srcPort, proxy, proxyPort))
	}
	return dst, nil
}

func (d *Driver) StartLogCapture(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capturing = true
	d.captured = nil
	return nil
}

func (d *Driver) EndLogCapture(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.capturing = false
	return nil
}

func (d *Driver) CaptureLog(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.captured...), nil
}

var _ firewall.Driver = (*Driver)(nil)
