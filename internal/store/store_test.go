package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/mikey-austin/greyd-sub000/internal/store"
	"github.com/mikey-austin/greyd-sub000/internal/store/memory"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := memory.New()

	k := store.TupleKey(store.Tuple{IP: "192.0.2.1", Helo: "mx", From: "a@example.com", To: "b@example.com"})
	v := store.GreyValue(store.Data{First: 100, Pass: 1600, Expire: 14500, Bcount: 1, Pcount: 0})

	if err := d.Put(ctx, k, v); err != nil {
		t.Fatal(err)
	}
	got, err := d.Get(ctx, k)
	if err != nil {
		t.Fatal(err)
	}
	if got.Grey != v.Grey {
		t.Errorf("got %+v, want %+v", got.Grey, v.Grey)
	}

	if err := d.Del(ctx, k); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Get(ctx, k); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after Del, got %v", err)
	}
}

func TestDomainSuffixLookup(t *testing.T) {
	ctx := context.Background()
	d := memory.New()

	if err := d.Put(ctx, store.DomainKey("example.com"), store.GreyValue(store.Data{})); err != nil {
		t.Fatal(err)
	}

	v, err := d.Get(ctx, store.DomainSuffixKey("mail.example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind != store.ValueMatchSuffix || v.Suffix != "example.com" {
		t.Errorf("got %+v, want suffix match on example.com", v)
	}

	if _, err := d.Get(ctx, store.DomainSuffixKey("otherexample.com")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no suffix match for otherexample.com, got %v", err)
	}
}

func TestScanExpiresAndKeepsWhitelist(t *testing.T) {
	ctx := context.Background()
	d := memory.New()

	expired := store.IPKey("192.0.2.10")
	live := store.IPKey("192.0.2.20")

	if err := d.Put(ctx, expired, store.GreyValue(store.Data{Expire: 100, Pcount: 0})); err != nil {
		t.Fatal(err)
	}
	if err := d.Put(ctx, live, store.GreyValue(store.Data{Expire: 9999, Pcount: 0})); err != nil {
		t.Fatal(err)
	}

	res, err := store.Scan(ctx, d, 500, 3110400)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Expired) != 1 || res.Expired[0] != expired {
		t.Errorf("Expired = %v, want [%v]", res.Expired, expired)
	}
	if len(res.Whitelist) != 1 || res.Whitelist[0] != live {
		t.Errorf("Whitelist = %v, want [%v]", res.Whitelist, live)
	}

	if _, err := d.Get(ctx, expired); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected expired entry to be deleted, got %v", err)
	}
	if _, err := d.Get(ctx, live); err != nil {
		t.Errorf("expected live entry to survive scan, got %v", err)
	}
}

// TestScanPromotesPassedTuple exercises spec.md 4.3 step 2 end to end
// (SPEC_FULL §8 scenario 3): a Tuple entry whose pass has arrived, with
// no trap on its IP, is deleted and replaced by a whitelisted Ip entry.
func TestScanPromotesPassedTuple(t *testing.T) {
	ctx := context.Background()
	d := memory.New()

	tupleKey := store.TupleKey(store.Tuple{IP: "192.0.2.10", Helo: "mx", From: "a@example.com", To: "b@example.com"})
	if err := d.Put(ctx, tupleKey, store.GreyValue(store.Data{First: 100, Pass: 400, Expire: 99999, Bcount: 2, Pcount: 0})); err != nil {
		t.Fatal(err)
	}

	res, err := store.Scan(ctx, d, 500, 3110400)
	if err != nil {
		t.Fatal(err)
	}

	ipKey := store.IPKey("192.0.2.10")
	if len(res.Promoted) != 1 || res.Promoted[0] != ipKey {
		t.Errorf("Promoted = %v, want [%v]", res.Promoted, ipKey)
	}
	if len(res.Whitelist) != 1 || res.Whitelist[0] != ipKey {
		t.Errorf("Whitelist = %v, want [%v]", res.Whitelist, ipKey)
	}

	if _, err := d.Get(ctx, tupleKey); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected promoted tuple to be deleted, got %v", err)
	}
	got, err := d.Get(ctx, ipKey)
	if err != nil {
		t.Fatalf("expected promoted ip entry, got %v", err)
	}
	if got.Grey.Pcount != 1 || got.Grey.Expire != 500+3110400 || got.Grey.Bcount != 2 {
		t.Errorf("promoted entry = %+v, want pcount=1 expire=%d bcount=2", got.Grey, 500+3110400)
	}
}

// TestScanDoesNotPromoteTupleWhenIPIsTrapped ensures the "no trap entry
// exists for the same IP" guard actually suppresses promotion.
func TestScanDoesNotPromoteTupleWhenIPIsTrapped(t *testing.T) {
	ctx := context.Background()
	d := memory.New()

	ipKey := store.IPKey("192.0.2.10")
	tupleKey := store.TupleKey(store.Tuple{IP: "192.0.2.10", Helo: "mx", From: "a@example.com", To: "b@example.com"})

	if err := d.Put(ctx, ipKey, store.GreyValue(store.Data{Expire: 99999, Pcount: store.PcountTrap})); err != nil {
		t.Fatal(err)
	}
	if err := d.Put(ctx, tupleKey, store.GreyValue(store.Data{First: 100, Pass: 400, Expire: 99999, Pcount: 0})); err != nil {
		t.Fatal(err)
	}

	res, err := store.Scan(ctx, d, 500, 3110400)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Promoted) != 0 {
		t.Errorf("Promoted = %v, want none while the IP is trapped", res.Promoted)
	}

	if _, err := d.Get(ctx, tupleKey); err != nil {
		t.Errorf("expected un-promoted tuple to survive (not yet past its own expire), got %v", err)
	}
}

func TestTxnRollbackRestoresState(t *testing.T) {
	ctx := context.Background()
	d := memory.New()

	k := store.IPKey("192.0.2.1")
	if err := d.Put(ctx, k, store.GreyValue(store.Data{Pcount: 0})); err != nil {
		t.Fatal(err)
	}

	if err := d.StartTxn(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Del(ctx, k); err != nil {
		t.Fatal(err)
	}
	if err := d.RollbackTxn(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := d.Get(ctx, k); err != nil {
		t.Errorf("expected rollback to restore key, got %v", err)
	}
}
