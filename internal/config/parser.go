package config

import (
	"fmt"
	"io"
)

type parser struct {
	lex  *lexer
	tok  token
	have bool
}

func newParser(r io.Reader) *parser {
	return &parser{lex: newLexer(r)}
}

func (p *parser) peek() (token, error) {
	if !p.have {
		t, err := p.lex.next()
		if err != nil {
			return token{}, err
		}
		p.tok = t
		p.have = true
	}
	return p.tok, nil
}

func (p *parser) advance() {
	p.have = false
}

// parseMessage parses assignments until the "%" terminator or EOF.
func (p *parser) parseMessage() (*Message, error) {
	m := New()
	for {
		t, err := p.peek()
		if err != nil {
			return nil, err
		}
		switch t.kind {
		case tokPercent, tokEOF:
			p.advance()
			return m, nil
		case tokIdent:
			name := t.str
			p.advance()
			eq, err := p.peek()
			if err != nil {
				return nil, err
			}
			if eq.kind != tokEquals {
				return nil, fmt.Errorf("config: expected '=' after %q", name)
			}
			p.advance()
			val, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			m.Set(name, val)
		default:
			return nil, fmt.Errorf("config: unexpected token in message (kind %d)", t.kind)
		}
	}
}

func (p *parser) parseValue() (Value, error) {
	t, err := p.peek()
	if err != nil {
		return Value{}, err
	}
	switch t.kind {
	case tokInt:
		p.advance()
		return IntValue(t.num), nil

	case tokStr:
		p.advance()
		return StrValue(t.str), nil

	case tokLBracket:
		p.advance()
		return p.parseList()

	case tokIdent:
		if t.str != "section" {
			return Value{}, fmt.Errorf("config: unexpected identifier %q in value position", t.str)
		}
		p.advance()
		return p.parseSection()

	default:
		return Value{}, fmt.Errorf("config: unexpected token in value position (kind %d)", t.kind)
	}
}

func (p *parser) parseList() (Value, error) {
	var items []string
	for {
		t, err := p.peek()
		if err != nil {
			return Value{}, err
		}
		if t.kind == tokRBracket {
			p.advance()
			return ListValue(items), nil
		}
		if t.kind != tokStr && t.kind != tokInt {
			return Value{}, fmt.Errorf("config: list elements must be strings or ints")
		}
		if t.kind == tokStr {
			items = append(items, t.str)
		} else {
			items = append(items, fmt.Sprintf("%d", t.num))
		}
		p.advance()

		nt, err := p.peek()
		if err != nil {
			return Value{}, err
		}
		if nt.kind == tokComma {
			p.advance()
			continue
		}
		if nt.kind == tokRBracket {
			p.advance()
			return ListValue(items), nil
		}
		return Value{}, fmt.Errorf("config: expected ',' or ']' in list")
	}
}

func (p *parser) parseSection() (Value, error) {
	name, err := p.peek()
	if err != nil {
		return Value{}, err
	}
	if name.kind != tokIdent {
		return Value{}, fmt.Errorf("config: expected section name")
	}
	p.advance()

	brace, err := p.peek()
	if err != nil {
		return Value{}, err
	}
	if brace.kind != tokLBrace {
		return Value{}, fmt.Errorf("config: expected '{' after section name")
	}
	p.advance()

	sec := New()
	for {
		t, err := p.peek()
		if err != nil {
			return Value{}, err
		}
		if t.kind == tokRBrace {
			p.advance()
			break
		}
		if t.kind != tokIdent {
			return Value{}, fmt.Errorf("config: expected assignment or '}' in section")
		}
		fname := t.str
		p.advance()

		eq, err := p.peek()
		if err != nil {
			return Value{}, err
		}
		if eq.kind != tokEquals {
			return Value{}, fmt.Errorf("config: expected '=' after %q", fname)
		}
		p.advance()

		val, err := p.parseValue()
		if err != nil {
			return Value{}, err
		}
		sec.Set(fname, val)
	}

	v := Value{Kind: Section, Section: sec, Str: name.str}
	return v, nil
}
