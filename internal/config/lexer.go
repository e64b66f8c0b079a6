package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokStr
	tokEquals
	tokComma
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace
	tokSemi
	tokPercent // the "%" terminator line
)

type token struct {
	kind tokenKind
	str  string
	num  int64
}

// lexer tokenizes the config-syntax grammar from spec.md §6: identifiers,
// integers, double-quoted strings with \\ and \" escapes, the fixed
// punctuation set, newline-insensitive except that a "%" terminates the
// message (together with the rest of its line), and "#" runs a comment
// to end of line.
type lexer struct {
	r    io.RuneReader
	peek []rune
}

// newLexer reads rune by rune straight from r when r is an
// io.RuneReader, so input after the terminator stays unread; any other
// reader is wrapped in a bufio.Reader, which may read ahead.
func newLexer(r io.Reader) *lexer {
	if rr, ok := r.(io.RuneReader); ok {
		return &lexer{r: rr}
	}
	return &lexer{r: bufio.NewReader(r)}
}

func (l *lexer) readRune() (rune, error) {
	if len(l.peek) > 0 {
		c := l.peek[len(l.peek)-1]
		l.peek = l.peek[:len(l.peek)-1]
		return c, nil
	}
	c, _, err := l.r.ReadRune()
	return c, err
}

func (l *lexer) unread(c rune) {
	l.peek = append(l.peek, c)
}

func (l *lexer) next() (token, error) {
	for {
		c, err := l.readRune()
		if err == io.EOF {
			return token{kind: tokEOF}, nil
		}
		if err != nil {
			return token{}, err
		}

		switch {
		case c == '\n' || c == ' ' || c == '\t' || c == '\r':
			continue

		case c == '#':
			for {
				c, err := l.readRune()
				if err != nil || c == '\n' {
					break
				}
			}
			continue

		case c == '%':
			// The pipe protocol never uses '%' elsewhere, so any
			// occurrence terminates the message; the rest of its line
			// is consumed with it.
			for {
				c, err := l.readRune()
				if err != nil || c == '\n' {
					break
				}
			}
			return token{kind: tokPercent}, nil

		case c == '=':
			return token{kind: tokEquals}, nil
		case c == ',':
			return token{kind: tokComma}, nil
		case c == '[':
			return token{kind: tokLBracket}, nil
		case c == ']':
			return token{kind: tokRBracket}, nil
		case c == '{':
			return token{kind: tokLBrace}, nil
		case c == '}':
			return token{kind: tokRBrace}, nil
		case c == ';':
			return token{kind: tokSemi}, nil

		case c == '"':
			return l.lexString()

		case c == '-' || (c >= '0' && c <= '9'):
			return l.lexNumber(c)

		case isIdentStart(c):
			return l.lexIdent(c)

		default:
			return token{}, fmt.Errorf("config: unexpected character %q", c)
		}
	}
}

func isIdentStart(c rune) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentCont(c rune) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '-' || c == '.'
}

func (l *lexer) lexIdent(first rune) (token, error) {
	var b strings.Builder
	b.WriteRune(first)
	for {
		c, err := l.readRune()
		if err != nil {
			break
		}
		if !isIdentCont(c) {
			l.unread(c)
			break
		}
		b.WriteRune(c)
	}
	return token{kind: tokIdent, str: b.String()}, nil
}

func (l *lexer) lexNumber(first rune) (token, error) {
	var b strings.Builder
	b.WriteRune(first)
	for {
		c, err := l.readRune()
		if err != nil {
			break
		}
		if c < '0' || c > '9' {
			l.unread(c)
			break
		}
		b.WriteRune(c)
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return token{}, fmt.Errorf("config: bad integer %q: %w", b.String(), err)
	}
	return token{kind: tokInt, num: n}, nil
}

func (l *lexer) lexString() (token, error) {
	var b strings.Builder
	for {
		c, err := l.readRune()
		if err != nil {
			return token{}, fmt.Errorf("config: unterminated string")
		}
		if c == '"' {
			return token{kind: tokStr, str: b.String()}, nil
		}
		if c == '\\' {
			esc, err := l.readRune()
			if err != nil {
				return token{}, fmt.Errorf("config: unterminated escape")
			}
			switch esc {
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			case 'n':
				b.WriteByte('\n')
			default:
				b.WriteRune(esc)
			}
			continue
		}
		b.WriteRune(c)
	}
}
