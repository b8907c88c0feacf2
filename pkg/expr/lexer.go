package expr

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokVar       // $name
	tokGlobalVar // $$name
	tokAt        // @
	tokDot
	tokLBracket
	tokRBracket
	tokLParen
	tokRParen
	tokComma
	tokStar
	tokDoubleStar
	tokPlus
	tokMinus
	tokBang
	tokEq
	tokNeq
	tokLt
	tokLte
	tokGt
	tokGte
	tokMatch // ^=
	tokAnd
	tokOr
	tokTrue
	tokFalse
	tokNull
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// ParseError describes a syntax error in an expression.
type ParseError struct {
	Src string
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("expression %q: %s at offset %d", e.Src, e.Msg, e.Pos)
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) errf(pos int, format string, args ...interface{}) error {
	return &ParseError{Src: l.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t' || l.src[l.pos] == '\n') {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}
	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '.':
		l.pos++
		return token{kind: tokDot, pos: start}, nil
	case c == '[':
		l.pos++
		return token{kind: tokLBracket, pos: start}, nil
	case c == ']':
		l.pos++
		return token{kind: tokRBracket, pos: start}, nil
	case c == '(':
		l.pos++
		return token{kind: tokLParen, pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, pos: start}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, pos: start}, nil
	case c == '+':
		l.pos++
		return token{kind: tokPlus, pos: start}, nil
	case c == '-':
		l.pos++
		return token{kind: tokMinus, pos: start}, nil
	case c == '*':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '*' {
			l.pos++
			return token{kind: tokDoubleStar, pos: start}, nil
		}
		return token{kind: tokStar, pos: start}, nil
	case c == '!':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			l.pos++
			return token{kind: tokNeq, pos: start}, nil
		}
		return token{kind: tokBang, pos: start}, nil
	case c == '=':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			l.pos++
			return token{kind: tokEq, pos: start}, nil
		}
		return token{}, l.errf(start, "unexpected '='")
	case c == '^':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			l.pos++
			return token{kind: tokMatch, pos: start}, nil
		}
		return token{}, l.errf(start, "unexpected '^'")
	case c == '<':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			l.pos++
			return token{kind: tokLte, pos: start}, nil
		}
		return token{kind: tokLt, pos: start}, nil
	case c == '>':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			l.pos++
			return token{kind: tokGte, pos: start}, nil
		}
		return token{kind: tokGt, pos: start}, nil
	case c == '@':
		l.pos++
		return token{kind: tokAt, pos: start}, nil
	case c == '$':
		l.pos++
		kind := tokVar
		if l.pos < len(l.src) && l.src[l.pos] == '$' {
			l.pos++
			kind = tokGlobalVar
		}
		name := l.ident()
		if name == "" {
			return token{}, l.errf(start, "missing variable name after '$'")
		}
		return token{kind: kind, text: name, pos: start}, nil
	case c == '\'' || c == '"':
		l.pos++
		var b strings.Builder
		for l.pos < len(l.src) && l.src[l.pos] != c {
			if l.src[l.pos] == '\\' && l.pos+1 < len(l.src) {
				l.pos++
			}
			b.WriteByte(l.src[l.pos])
			l.pos++
		}
		if l.pos >= len(l.src) {
			return token{}, l.errf(start, "unterminated string")
		}
		l.pos++
		return token{kind: tokString, text: b.String(), pos: start}, nil
	case c >= '0' && c <= '9':
		j := l.pos
		for j < len(l.src) && (l.src[j] >= '0' && l.src[j] <= '9' || l.src[j] == '.') {
			// A trailing dot starts a navigation segment, not a fraction.
			if l.src[j] == '.' && (j+1 >= len(l.src) || l.src[j+1] < '0' || l.src[j+1] > '9') {
				break
			}
			j++
		}
		var num float64
		if _, err := fmt.Sscanf(l.src[l.pos:j], "%g", &num); err != nil {
			return token{}, l.errf(start, "invalid number %q", l.src[l.pos:j])
		}
		l.pos = j
		return token{kind: tokNumber, num: num, pos: start}, nil
	default:
		name := l.ident()
		if name == "" {
			return token{}, l.errf(start, "unexpected character %q", c)
		}
		switch name {
		case "and":
			return token{kind: tokAnd, pos: start}, nil
		case "or":
			return token{kind: tokOr, pos: start}, nil
		case "true":
			return token{kind: tokTrue, pos: start}, nil
		case "false":
			return token{kind: tokFalse, pos: start}, nil
		case "null":
			return token{kind: tokNull, pos: start}, nil
		}
		return token{kind: tokIdent, text: name, pos: start}, nil
	}
}

func (l *lexer) ident() string {
	start := l.pos
	for l.pos < len(l.src) {
		r, size := utf8.DecodeRuneInString(l.src[l.pos:])
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			l.pos += size
			continue
		}
		break
	}
	return l.src[start:l.pos]
}
