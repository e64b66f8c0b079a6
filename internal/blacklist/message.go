package blacklist

import (
	"strconv"
	"strings"
)

// Render expands this set's message template against srcAddr: %A is
// replaced by the source address, \n by a newline, and %%/\\ are the
// escapes for a literal '%'/'\'. The teacher's rule-clause quoting
// (rnodes.go RClause.String) only ever escapes the characters that are
// actually ambiguous in its own syntax; the same discipline applies
// here, where only %A/%%/\n/\\ are special.
func (s *Set) Render(srcAddr string) []string {
	var b strings.Builder
	msg := s.Message
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		switch {
		case c == '%' && i+1 < len(msg) && msg[i+1] == 'A':
			b.WriteString(srcAddr)
			i++
		case c == '%' && i+1 < len(msg) && msg[i+1] == '%':
			b.WriteByte('%')
			i++
		case c == '\\' && i+1 < len(msg) && msg[i+1] == 'n':
			b.WriteByte('\n')
			i++
		case c == '\\' && i+1 < len(msg) && msg[i+1] == '\\':
			b.WriteByte('\\')
			i++
		default:
			b.WriteByte(c)
		}
	}
	return strings.Split(b.String(), "\n")
}

// ReplyLines renders the message and prefixes each line per RFC 5321
// multi-line reply syntax: "CODE-text" for every line but the last,
// "CODE text" for the last.
func (s *Set) ReplyLines(code int, srcAddr string) []string {
	lines := s.Render(srcAddr)
	out := make([]string, len(lines))
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		out[i] = strconv.Itoa(code) + sep + l
	}
	return out
}
