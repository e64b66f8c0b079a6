// Package blacklist compiles spamd-format address feeds into a
// collapsed CIDR list (for the firewall) and an address trie (for
// connection-time matching), and renders the configured rejection
// message for a matched connection.
package blacklist

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mikey-austin/greyd-sub000/internal/addr"
)

// Set is a single compiled blacklist: a name, a rejection message
// template, and the address ranges it covers (already net of any
// whitelist feeds given at compile time).
type Set struct {
	Name    string
	Message string

	Cidrs []addr.Cidr
	trie  *addr.Trie
}

// Matches reports whether ip is covered by this blacklist.
func (s *Set) Matches(fam addr.Family, ip addr.Address) bool {
	if s.trie == nil {
		return false
	}
	return s.trie.Match(fam, ip)
}

// rangeEndpoint is one half-open endpoint of a black or white range, as
// described in spec.md 4.2: two records are appended per parsed range,
// one at start with a +1 bias and one at end+1 with a -1 bias.
type rangeEndpoint struct {
	address    addr.Address
	blackBias  int
	whiteBias  int
}

// Compile parses blackFeeds and whiteFeeds (each in spamd blacklist
// format: "addr", "addr/bits" or "addr-addr" per non-empty,
// non-comment line) and produces the net coverage: addresses in at
// least one black range and no white range.
func Compile(name, message string, blackFeeds, whiteFeeds []io.Reader) (*Set, error) {
	var endpoints []rangeEndpoint

	for _, f := range blackFeeds {
		ranges, err := parseFeed(f)
		if err != nil {
			return nil, fmt.Errorf("blacklist %s: black feed: %w", name, err)
		}
		for _, r := range ranges {
			endpoints = append(endpoints,
				rangeEndpoint{address: r.start, blackBias: 1},
				rangeEndpoint{address: succ(r.end), blackBias: -1},
			)
		}
	}
	for _, f := range whiteFeeds {
		ranges, err := parseFeed(f)
		if err != nil {
			return nil, fmt.Errorf("blacklist %s: white feed: %w", name, err)
		}
		for _, r := range ranges {
			endpoints = append(endpoints,
				rangeEndpoint{address: r.start, whiteBias: 1},
				rangeEndpoint{address: succ(r.end), whiteBias: -1},
			)
		}
	}

	cidrs := sweep(endpoints)

	s := &Set{Name: name, Message: message, Cidrs: cidrs, trie: addr.NewTrie()}
	for _, c := range cidrs {
		m := addr.MaskFromBits(c.Addr.Family, c.Bits)
		s.trie.Insert(c.Addr.Family, c.Addr, m)
	}
	return s, nil
}

// CompileTrieOnly is the "address-trie variant" from spec.md 4.2: when
// a blacklist never needs to feed the firewall (eg it is only used for
// connection-time matching), each parsed entry is inserted into the
// trie directly, skipping the range-list sweep and CIDR collapse
// entirely.
func CompileTrieOnly(name, message string, feeds []io.Reader) (*Set, error) {
	s := &Set{Name: name, Message: message, trie: addr.NewTrie()}
	for _, f := range feeds {
		ranges, err := parseFeed(f)
		if err != nil {
			return nil, fmt.Errorf("blacklist %s: %w", name, err)
		}
		for _, r := range ranges {
			list := addr.RangeToCidrList(r.start, r.end)
			for _, c := range list {
				m := addr.MaskFromBits(c.Addr.Family, c.Bits)
				s.trie.Insert(c.Addr.Family, c.Addr, m)
			}
		}
	}
	return s, nil
}

// sweep implements spec.md 4.2 step 3: stable-sort by address, then
// walk the endpoints tracking open black/white range counts; a 0->1
// transition in (bs>0 && ws==0) opens a blacklist region, a 1->0
// transition closes it and the closed [start, addr-1] range is handed
// to RangeToCidrList.
func sweep(endpoints []rangeEndpoint) []addr.Cidr {
	if len(endpoints) == 0 {
		return nil
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		return less(endpoints[i].address, endpoints[j].address)
	})

	var out []addr.Cidr
	bs, ws := 0, 0
	state := false
	var bstart addr.Address

	i := 0
	for i < len(endpoints) {
		addrAt := endpoints[i].address
		for i < len(endpoints) && equal(endpoints[i].address, addrAt) {
			bs += endpoints[i].blackBias
			ws += endpoints[i].whiteBias
			i++
		}
		newState := bs > 0 && ws == 0
		if newState && !state {
			bstart = addrAt
		} else if !newState && state {
			end := pred(addrAt)
			out = append(out, addr.RangeToCidrList(bstart, end)...)
		}
		state = newState
	}
	return out
}

type ipRange struct {
	start, end addr.Address
}

// parseFeed reads one spamd-format feed: non-empty, non-comment ('#')
// lines of the form "addr", "addr/bits" or "addr-addr" (IPv4 only for
// the dash-range form, per the original format).
func parseFeed(r io.Reader) ([]ipRange, error) {
	var out []ipRange
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch {
		case strings.Contains(line, "/"):
			a, m, err := addr.StrToAddrMask(line)
			if err != nil {
				return nil, err
			}
			c := addr.Cidr{Addr: a, Bits: bitsOf(m)}
			start, end := addr.CidrToRange(c)
			out = append(out, ipRange{start, end})

		case strings.Contains(line, "-"):
			parts := strings.SplitN(line, "-", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("blacklist: bad range %q", line)
			}
			start, err := addr.ParseAddress(strings.TrimSpace(parts[0]))
			if err != nil {
				return nil, err
			}
			end, err := addr.ParseAddress(strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, err
			}
			out = append(out, ipRange{start, end})

		default:
			a, err := addr.ParseAddress(line)
			if err != nil {
				return nil, err
			}
			out = append(out, ipRange{a, a})
		}
	}
	return out, sc.Err()
}

func bitsOf(m addr.Mask) int {
	n := 1
	if m.Family == addr.V6 {
		n = 4
	}
	bits := 0
	for i := 0; i < n; i++ {
		w := m.Words[i]
		for b := 31; b >= 0; b-- {
			if w&(1<<uint(b)) == 0 {
				return bits
			}
			bits++
		}
	}
	return bits
}

func less(a, b addr.Address) bool {
	if a.Family != b.Family {
		return a.Family < b.Family
	}
	n := 1
	if a.Family == addr.V6 {
		n = 4
	}
	for i := 0; i < n; i++ {
		if a.Words[i] != b.Words[i] {
			return a.Words[i] < b.Words[i]
		}
	}
	return false
}

func equal(a, b addr.Address) bool {
	return !less(a, b) && !less(b, a)
}

func succ(a addr.Address) addr.Address { return addr.Succ(a) }
func pred(a addr.Address) addr.Address { return addr.Pred(a) }
