package config_test

import (
	"bytes"
	"testing"

	"github.com/mikey-austin/greyd-sub000/internal/config"
)

func TestGreyMessageRoundTrip(t *testing.T) {
	m := config.New()
	m.SetInt("type", 1)
	m.SetStr("dst_ip", "192.0.2.5")
	m.SetStr("ip", "198.51.100.9")
	m.SetStr("helo", "mx.example.com")
	m.SetStr("from", "a@example.com")
	m.SetStr("to", "b@example.com")

	var buf bytes.Buffer
	if err := config.Encode(&buf, m); err != nil {
		t.Fatal(err)
	}

	got, err := config.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}

	for _, f := range []string{"dst_ip", "ip", "helo", "from", "to"} {
		want, _ := m.GetStr(f)
		have, ok := got.GetStr(f)
		if !ok || have != want {
			t.Errorf("field %s: got %q (ok=%v), want %q", f, have, ok, want)
		}
	}
	wantType, _ := m.GetInt("type")
	haveType, ok := got.GetInt("type")
	if !ok || haveType != wantType {
		t.Errorf("field type: got %d (ok=%v), want %d", haveType, ok, wantType)
	}
}

func TestScannerMessageWithListRoundTrip(t *testing.T) {
	m := config.New()
	m.SetStr("name", "greyd-greytrap")
	m.SetStr("message", `You have been blacklisted, see http://x/ for info`)
	m.SetList("ips", []string{"10.0.0.1/32", "2001:db8::/128"})

	var buf bytes.Buffer
	if err := config.Encode(&buf, m); err != nil {
		t.Fatal(err)
	}
	got, err := config.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}

	ips, ok := got.GetList("ips")
	if !ok || len(ips) != 2 || ips[0] != "10.0.0.1/32" || ips[1] != "2001:db8::/128" {
		t.Errorf("ips round-trip = %v (ok=%v)", ips, ok)
	}
}

func TestSectionRoundTrip(t *testing.T) {
	inner := config.New()
	inner.SetInt("port", 8025)

	m := config.New()
	m.Set("sync", config.SectionValue("peer1", inner))

	var buf bytes.Buffer
	if err := config.Encode(&buf, m); err != nil {
		t.Fatal(err)
	}
	got, err := config.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}

	v, ok := got.Get("sync")
	if !ok || v.Kind != config.Section || v.Section == nil {
		t.Fatalf("sync section missing or wrong kind: %+v (ok=%v)", v, ok)
	}
	port, ok := v.Section.GetInt("port")
	if !ok || port != 8025 {
		t.Errorf("nested port = %d (ok=%v), want 8025", port, ok)
	}
}

func TestDecodeStopsAtPercentTerminator(t *testing.T) {
	buf := bytes.NewBufferString("type = 2\nip = \"10.0.0.1\"\n%\ntype = 3\n")
	m, err := config.Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := m.GetInt("type"); n != 2 {
		t.Errorf("type = %d, want 2", n)
	}
	// Remaining input after the terminator must be untouched.
	rest := buf.String()
	if rest != "type = 3\n" {
		t.Errorf("unexpected leftover buffer: %q", rest)
	}
}

func TestDecodeRejectsMalformedExpires(t *testing.T) {
	buf := bytes.NewBufferString("type = 2\nip = \"10.0.0.1\"\nexpires = notanumber\n%\n")
	if _, err := config.Decode(buf); err == nil {
		t.Error("expected error decoding non-integer expires value")
	}
}
