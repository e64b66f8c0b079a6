package dummy_test

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/mikey-austin/greyd-sub000/internal/addr"
	"github.com/mikey-austin/greyd-sub000/internal/firewall/dummy"
)

func TestReplaceAndLookup(t *testing.T) {
	ctx := context.Background()
	d := dummy.New(zap.NewNop())

	a, err := addr.ParseAddress("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	cidrs := []addr.Cidr{{Addr: a, Bits: 32}}
	if err := d.Replace(ctx, "greyd-whitelist", addr.V4, cidrs); err != nil {
		t.Fatal(err)
	}
	got := d.Set("greyd-whitelist", addr.V4)
	if len(got) != 1 || got[0].Bits != 32 {
		t.Errorf("Set = %v, want one /32", got)
	}

	d.SeedOrigDst("198.51.100.1", 50000, "192.0.2.1", 25, "203.0.113.5")
	dst, err := d.LookupOrigDst(ctx, "198.51.100.1", 50000, "192.0.2.1", 25)
	if err != nil {
		t.Fatal(err)
	}
	if dst != "203.0.113.5" {
		t.Errorf("dst = %q, want 203.0.113.5", dst)
	}

	if _, err := d.LookupOrigDst(ctx, "no", 1, "such", 2); err == nil {
		t.Error("expected error for unseeded lookup")
	}
}
