package memory

import (
	"strings"

	"github.com/mikey-austin/greyd-sub000/internal/store"
)

// keyString flattens a store.Key into a single map key, tagged by kind.
// keyFromString inverts it for every kind, so the iterator can hand
// Scan back tuple, ip, mail and domain keys; domainFromKeyString is the
// cheaper path the suffix search uses for KeyDomain entries.
func keyString(k store.Key) string {
	switch k.Kind {
	case store.KeyTuple:
		return "t\x00" + k.Tuple.IP + "\x00" + k.Tuple.Helo + "\x00" + k.Tuple.From + "\x00" + k.Tuple.To
	case store.KeyIP:
		return "i\x00" + k.IP
	case store.KeyMail:
		return "m\x00" + k.Mail
	case store.KeyDomain:
		return "d\x00" + k.Domain
	default:
		return "?\x00" + k.Domain
	}
}

func keyFromString(s string) store.Key {
	parts := strings.SplitN(s, "\x00", 5)
	if len(parts) == 0 {
		return store.Key{}
	}
	switch parts[0] {
	case "t":
		if len(parts) == 5 {
			return store.TupleKey(store.Tuple{IP: parts[1], Helo: parts[2], From: parts[3], To: parts[4]})
		}
	case "i":
		if len(parts) == 2 {
			return store.IPKey(parts[1])
		}
	case "m":
		if len(parts) == 2 {
			return store.MailKey(parts[1])
		}
	case "d":
		if len(parts) == 2 {
			return store.DomainKey(parts[1])
		}
	}
	return store.Key{}
}

// domainFromKeyString returns the domain name if s encodes a KeyDomain
// entry.
func domainFromKeyString(s string) (string, bool) {
	if !strings.HasPrefix(s, "d\x00") {
		return "", false
	}
	return s[2:], true
}
