package addr

import "testing"

func TestTrieContainsInsertedKeys(t *testing.T) {
	tr := NewTrie()
	ranges := []string{"10.0.0.0/8", "192.168.1.0/24", "2001:db8::/32"}
	for _, r := range ranges {
		a, m, err := StrToAddrMask(r)
		if err != nil {
			t.Fatal(err)
		}
		tr.Insert(a.Family, a, m)
	}

	inside := []string{"10.1.2.3", "192.168.1.250"}
	for _, s := range inside {
		a, err := ParseAddress(s)
		if err != nil {
			t.Fatal(err)
		}
		if !tr.Match(a.Family, a) {
			t.Errorf("expected %s to match trie", s)
		}
	}

	outside := []string{"11.0.0.1", "192.168.2.1", "8.8.8.8"}
	for _, s := range outside {
		a, err := ParseAddress(s)
		if err != nil {
			t.Fatal(err)
		}
		if tr.Match(a.Family, a) {
			t.Errorf("expected %s to not match trie", s)
		}
	}

	v6in, _ := ParseAddress("2001:db8::1")
	if !tr.Match(V6, v6in) {
		t.Errorf("expected 2001:db8::1 to match trie")
	}
	v6out, _ := ParseAddress("2001:db9::1")
	if tr.Match(V6, v6out) {
		t.Errorf("expected 2001:db9::1 to not match trie")
	}
}

func TestTrieEmptyNeverMatches(t *testing.T) {
	tr := NewTrie()
	a, _ := ParseAddress("1.2.3.4")
	if tr.Match(V4, a) {
		t.Errorf("empty trie should never match")
	}
}

func TestTrieDistinguishesOverlappingPrefixes(t *testing.T) {
	tr := NewTrie()
	a1, m1, _ := StrToAddrMask("10.0.0.0/9")
	tr.Insert(a1.Family, a1, m1)

	within, _ := ParseAddress("10.0.1.1")
	if !tr.Match(V4, within) {
		t.Errorf("expected 10.0.1.1 to match 10.0.0.0/9")
	}
	outside, _ := ParseAddress("10.128.0.1")
	if tr.Match(V4, outside) {
		t.Errorf("expected 10.128.0.1 (outside /9) to not match")
	}
}
