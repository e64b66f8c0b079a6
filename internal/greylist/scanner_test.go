package greylist_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/greyd-sub000/internal/addr"
	"github.com/mikey-austin/greyd-sub000/internal/config"
	"github.com/mikey-austin/greyd-sub000/internal/firewall/dummy"
	"github.com/mikey-austin/greyd-sub000/internal/greylist"
	"github.com/mikey-austin/greyd-sub000/internal/store"
	"github.com/mikey-austin/greyd-sub000/internal/store/memory"
)

type fakeSink struct {
	got *config.Message
}

func (f *fakeSink) PushTraplist(ctx context.Context, m *config.Message) error {
	f.got = m
	return nil
}

func TestScannerPushesWhitelistAndTraplist(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	fw := dummy.New(zap.NewNop())
	sink := &fakeSink{}

	now := time.Now()
	if err := st.Put(ctx, store.IPKey("192.0.2.1"), store.GreyValue(store.Data{
		Expire: now.Add(time.Hour).Unix(), Pcount: 1,
	})); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, store.IPKey("192.0.2.2"), store.GreyValue(store.Data{
		Expire: now.Add(time.Hour).Unix(), Pcount: store.PcountTrap,
	})); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, store.IPKey("192.0.2.3"), store.GreyValue(store.Data{
		Expire: now.Add(-time.Hour).Unix(), Pcount: 0,
	})); err != nil {
		t.Fatal(err)
	}

	s := greylist.NewScanner(st, fw, sink, nil, zap.NewNop())
	if err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	white := fw.Set("greyd-whitelist", addr.V4)
	if len(white) != 1 {
		t.Fatalf("whitelist set = %v, want 1 entry", white)
	}

	if sink.got == nil {
		t.Fatal("expected a traplist push")
	}
	ips, ok := sink.got.GetList("ips")
	if !ok || len(ips) != 1 {
		t.Errorf("traplist ips = %v (ok=%v), want 1 entry", ips, ok)
	}

	if _, err := st.Get(ctx, store.IPKey("192.0.2.3")); err == nil {
		t.Error("expected expired entry to be removed by scan")
	}
}

// TestScannerPromotesPassedTupleToWhitelist exercises SPEC_FULL §8
// scenario 3 end to end: a tuple whose pass_time has elapsed is
// promoted to an Ip entry by the scan pass and pushed to the firewall
// as a whitelist entry in the same RunOnce.
func TestScannerPromotesPassedTupleToWhitelist(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	fw := dummy.New(zap.NewNop())
	sink := &fakeSink{}

	now := time.Now()
	tupleKey := store.TupleKey(store.Tuple{IP: "192.0.2.10", Helo: "mx", From: "a@example.com", To: "b@example.com"})
	if err := st.Put(ctx, tupleKey, store.GreyValue(store.Data{
		First: now.Add(-time.Hour).Unix(), Pass: now.Add(-time.Minute).Unix(),
		Expire: now.Add(time.Hour).Unix(), Pcount: 0,
	})); err != nil {
		t.Fatal(err)
	}

	s := greylist.NewScanner(st, fw, sink, nil, zap.NewNop())
	if err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := st.Get(ctx, tupleKey); err == nil {
		t.Error("expected promoted tuple to be deleted")
	}
	promoted, err := st.Get(ctx, store.IPKey("192.0.2.10"))
	if err != nil {
		t.Fatalf("expected promoted ip entry, got %v", err)
	}
	if !promoted.Grey.IsWhite() {
		t.Errorf("promoted entry = %+v, want a whitelisted ip entry", promoted.Grey)
	}

	white := fw.Set("greyd-whitelist", addr.V4)
	if len(white) != 1 {
		t.Fatalf("whitelist set = %v, want the promoted ip pushed in the same pass", white)
	}
}
