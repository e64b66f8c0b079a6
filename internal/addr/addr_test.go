package addr

import "testing"

func mustAddrMask(t *testing.T, s string) (Address, Mask) {
	t.Helper()
	a, m, err := StrToAddrMask(s)
	if err != nil {
		t.Fatalf("StrToAddrMask(%q): %v", s, err)
	}
	return a, m
}

func TestStrToAddrMaskRejectsBadBits(t *testing.T) {
	cases := []string{"10.0.0.0/0", "10.0.0.0/33", "::1/0", "::1/129"}
	for _, c := range cases {
		if _, _, err := StrToAddrMask(c); err == nil {
			t.Errorf("StrToAddrMask(%q) expected error, got none", c)
		}
	}
}

func TestMatchAddr(t *testing.T) {
	a, m := mustAddrMask(t, "192.0.2.0/24")
	in, err := ParseAddress("192.0.2.200")
	if err != nil {
		t.Fatal(err)
	}
	out, err := ParseAddress("192.0.3.1")
	if err != nil {
		t.Fatal(err)
	}
	if !MatchAddr(a, m, in) {
		t.Errorf("expected 192.0.2.200 to match 192.0.2.0/24")
	}
	if MatchAddr(a, m, out) {
		t.Errorf("expected 192.0.3.1 to not match 192.0.2.0/24")
	}
}

func TestCidrToRangeRoundTrip(t *testing.T) {
	c := Cidr{}
	c.Addr, _ = ParseAddress("10.1.0.0")
	c.Bits = 16

	start, end := CidrToRange(c)
	if start.String() != "10.1.0.0" {
		t.Errorf("start = %s, want 10.1.0.0", start)
	}
	if end.String() != "10.1.255.255" {
		t.Errorf("end = %s, want 10.1.255.255", end)
	}

	list := RangeToCidrList(start, end)
	if len(list) != 1 || list[0].String() != "10.1.0.0/16" {
		t.Errorf("RangeToCidrList(CidrToRange(c)) = %v, want [10.1.0.0/16]", list)
	}
}

func TestRangeToCidrListCoversExactRange(t *testing.T) {
	start, _ := ParseAddress("192.0.2.5")
	end, _ := ParseAddress("192.0.2.20")

	list := RangeToCidrList(start, end)
	if len(list) == 0 {
		t.Fatal("expected at least one CIDR block")
	}

	covered := map[uint32]bool{}
	for _, c := range list {
		s, e := CidrToRange(c)
		for v := s.Words[0]; ; v++ {
			covered[v] = true
			if v == e.Words[0] {
				break
			}
		}
	}
	for v := start.Words[0]; v <= end.Words[0]; v++ {
		if !covered[v] {
			t.Errorf("address %d not covered by %v", v, list)
		}
	}
	for addr := range covered {
		if addr < start.Words[0] || addr > end.Words[0] {
			t.Errorf("CIDR list covers %d, outside [%d,%d]", addr, start.Words[0], end.Words[0])
		}
	}
}

func TestRangeToCidrListSinglePoint(t *testing.T) {
	a, _ := ParseAddress("203.0.113.7")
	list := RangeToCidrList(a, a)
	if len(list) != 1 || list[0].Bits != 32 {
		t.Fatalf("single address range = %v, want a single /32", list)
	}
}
