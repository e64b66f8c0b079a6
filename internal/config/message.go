// Package config implements the two configuration surfaces spec.md
// separates in §6: Message, the tiny key/value wire protocol shared by
// every pipe in the system (daemon<->greylist reader, scanner<->daemon,
// daemon<->firewall helper), and Loader, an opaque on-disk config file
// reader. They are deliberately not the same code: Message is this
// package's own lexer/parser because it is greyd's private wire format,
// while Loader is a thin koanf wrapper because the file format is just
// YAML (see loader.go).
package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ValueKind discriminates the right-hand side of a Message assignment.
type ValueKind int

const (
	Int ValueKind = iota
	Str
	List
	Section
)

// Value is one assignment's right-hand side.
type Value struct {
	Kind    ValueKind
	Int     int64
	Str     string
	List    []string
	Section *Message
}

func IntValue(n int64) Value          { return Value{Kind: Int, Int: n} }
func StrValue(s string) Value         { return Value{Kind: Str, Str: s} }
func ListValue(items []string) Value  { return Value{Kind: List, List: items} }
func SectionValue(name string, m *Message) Value {
	return Value{Kind: Section, Str: name, Section: m}
}

// pair keeps assignment order, since Encode must re-emit messages in a
// stable, predictable order for the round-trip invariant in spec.md §8.
type pair struct {
	name string
	val  Value
}

// Message is an ordered set of top-level name=value assignments, the
// unit exchanged on every pipe in the system.
type Message struct {
	pairs []pair
}

// New returns an empty Message ready for Set calls.
func New() *Message { return &Message{} }

// Set appends or overwrites the assignment named name.
func (m *Message) Set(name string, v Value) {
	for i := range m.pairs {
		if m.pairs[i].name == name {
			m.pairs[i].val = v
			return
		}
	}
	m.pairs = append(m.pairs, pair{name, v})
}

func (m *Message) SetInt(name string, n int64)     { m.Set(name, IntValue(n)) }
func (m *Message) SetStr(name string, s string)     { m.Set(name, StrValue(s)) }
func (m *Message) SetList(name string, l []string)  { m.Set(name, ListValue(l)) }

// Get returns the value assigned to name and whether it was present.
func (m *Message) Get(name string) (Value, bool) {
	for _, p := range m.pairs {
		if p.name == name {
			return p.val, true
		}
	}
	return Value{}, false
}

func (m *Message) GetStr(name string) (string, bool) {
	v, ok := m.Get(name)
	if !ok || v.Kind != Str {
		return "", false
	}
	return v.Str, true
}

func (m *Message) GetInt(name string) (int64, bool) {
	v, ok := m.Get(name)
	if !ok || v.Kind != Int {
		return 0, false
	}
	return v.Int, true
}

func (m *Message) GetList(name string) ([]string, bool) {
	v, ok := m.Get(name)
	if !ok || v.Kind != List {
		return nil, false
	}
	return v.List, true
}

// Encode writes m in config-syntax, terminated by a line containing
// exactly "%", per spec.md §6.
func Encode(w io.Writer, m *Message) error {
	bw := bufio.NewWriter(w)
	if err := encodeInto(bw, m, ""); err != nil {
		return err
	}
	if _, err := bw.WriteString("%\n"); err != nil {
		return err
	}
	return bw.Flush()
}

func encodeInto(bw *bufio.Writer, m *Message, indent string) error {
	for _, p := range m.pairs {
		switch p.val.Kind {
		case Int:
			fmt.Fprintf(bw, "%s%s = %d\n", indent, p.name, p.val.Int)
		case Str:
			fmt.Fprintf(bw, "%s%s = %s\n", indent, p.name, quote(p.val.Str))
		case List:
			fmt.Fprintf(bw, "%s%s = [", indent, p.name)
			for i, item := range p.val.List {
				if i > 0 {
					bw.WriteString(", ")
				}
				bw.WriteString(quote(item))
			}
			bw.WriteString("]\n")
		case Section:
			fmt.Fprintf(bw, "%s%s = section %s {\n", indent, p.name, p.val.Str)
			if err := encodeInto(bw, p.val.Section, indent+"\t"); err != nil {
				return err
			}
			fmt.Fprintf(bw, "%s}\n", indent)
		}
	}
	return nil
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// Decode reads one config-syntax message, stopping at the "%" terminator
// and consuming the rest of its line.
func Decode(r io.Reader) (*Message, error) {
	p := newParser(r)
	m, err := p.parseMessage()
	if err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return m, nil
}
