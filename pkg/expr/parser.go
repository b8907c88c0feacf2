package expr

import (
	"strings"

	"github.com/opereon/opereon/pkg/model"
)

// Expr is a parsed expression, safe for concurrent evaluation.
type Expr struct {
	src string
	ast astNode
}

// Parse compiles an expression from its textual form.
func Parse(src string) (*Expr, error) {
	p := &parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	ast, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &ParseError{Src: src, Pos: p.tok.pos, Msg: "unexpected trailing input"}
	}
	return &Expr{src: src, ast: ast}, nil
}

// ParseTemplate recognizes the `${...}` interpolation form used throughout
// model definitions. A string wrapped in `${}` compiles to its inner
// expression; any other string stays a static literal.
func ParseTemplate(s string) (*Expr, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
		return Parse(trimmed[2 : len(trimmed)-1])
	}
	return &Expr{src: s, ast: &litAST{val: model.String(s)}}, nil
}

// IsTemplate reports whether s is in `${...}` interpolation form.
func IsTemplate(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}")
}

// String returns the source form of the expression.
func (e *Expr) String() string { return e.src }

// AST node kinds.
type astNode interface{}

type litAST struct{ val *model.Node }

type varAST struct {
	name   string
	global bool
}

type currentAST struct{}

// relAST navigates from the current node: a bare leading identifier.
type relAST struct{ name string }

type segKind int

const (
	segKey segKind = iota
	segWild
	segDeep
	segGroup
	segAttr // @key, @path, @kind special attributes
)

type propAST struct {
	recv astNode
	kind segKind
	key  string
	keys []string
}

type subKind int

const (
	subIndexLit  subKind = iota // numeric literal index
	subAll                      // [*]
	subPredicate                // filtering predicate
)

type indexAST struct {
	recv astNode
	kind subKind
	idx  int
	pred astNode
}

type binAST struct {
	op   tokenKind
	l, r astNode
}

type unAST struct {
	op tokenKind
	x  astNode
}

type callAST struct {
	name string
	args []astNode
}

type parser struct {
	lex lexer
	tok token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) expect(k tokenKind, what string) error {
	if p.tok.kind != k {
		return &ParseError{Src: p.lex.src, Pos: p.tok.pos, Msg: "expected " + what}
	}
	return p.advance()
}

func (p *parser) parseExpr() (astNode, error) { return p.parseOr() }

func (p *parser) parseOr() (astNode, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOr {
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &binAST{op: tokOr, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseAnd() (astNode, error) {
	l, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokAnd {
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		l = &binAST{op: tokAnd, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseCmp() (astNode, error) {
	l, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	switch p.tok.kind {
	case tokEq, tokNeq, tokLt, tokLte, tokGt, tokGte, tokMatch:
		op := p.tok.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseAdd()
		if err != nil {
			return nil, err
		}
		return &binAST{op: op, l: l, r: r}, nil
	}
	return l, nil
}

func (p *parser) parseAdd() (astNode, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokPlus || p.tok.kind == tokMinus {
		op := p.tok.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &binAST{op: op, l: l, r: r}
	}
	return l, nil
}

func (p *parser) parseUnary() (astNode, error) {
	switch p.tok.kind {
	case tokBang, tokMinus:
		op := p.tok.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unAST{op: op, x: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (astNode, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.tok.kind {
		case tokDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			n, err = p.parseSegment(n)
			if err != nil {
				return nil, err
			}
		case tokLBracket:
			if err := p.advance(); err != nil {
				return nil, err
			}
			n, err = p.parseSubscript(n)
			if err != nil {
				return nil, err
			}
		default:
			return n, nil
		}
	}
}

func (p *parser) parseSegment(recv astNode) (astNode, error) {
	switch p.tok.kind {
	case tokIdent:
		key := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &propAST{recv: recv, kind: segKey, key: key}, nil
	case tokStar:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &propAST{recv: recv, kind: segWild}, nil
	case tokDoubleStar:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &propAST{recv: recv, kind: segDeep}, nil
	case tokAt:
		// Special attribute: .@key, .@path, .@kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokIdent {
			return nil, &ParseError{Src: p.lex.src, Pos: p.tok.pos, Msg: "expected attribute name after '@'"}
		}
		attr := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &propAST{recv: recv, kind: segAttr, key: attr}, nil
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		var keys []string
		for {
			if p.tok.kind != tokIdent {
				return nil, &ParseError{Src: p.lex.src, Pos: p.tok.pos, Msg: "expected key in attribute group"}
			}
			keys = append(keys, p.tok.text)
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind == tokComma {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return &propAST{recv: recv, kind: segGroup, keys: keys}, nil
	default:
		return nil, &ParseError{Src: p.lex.src, Pos: p.tok.pos, Msg: "expected path segment after '.'"}
	}
}

func (p *parser) parseSubscript(recv astNode) (astNode, error) {
	switch p.tok.kind {
	case tokStar:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expect(tokRBracket, "']'"); err != nil {
			return nil, err
		}
		return &indexAST{recv: recv, kind: subAll}, nil
	case tokNumber:
		// Disambiguate a bare literal index from a predicate starting with a
		// number by peeking at the closing bracket.
		num := p.tok.num
		save := p.lex.pos
		saveTok := p.tok
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokRBracket {
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &indexAST{recv: recv, kind: subIndexLit, idx: int(num)}, nil
		}
		p.lex.pos = save
		p.tok = saveTok
	}
	pred, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokRBracket, "']'"); err != nil {
		return nil, err
	}
	return &indexAST{recv: recv, kind: subPredicate, pred: pred}, nil
}

func (p *parser) parsePrimary() (astNode, error) {
	switch p.tok.kind {
	case tokNumber:
		v := p.tok.num
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &litAST{val: model.Number(v)}, nil
	case tokString:
		v := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &litAST{val: model.String(v)}, nil
	case tokTrue:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &litAST{val: model.Bool(true)}, nil
	case tokFalse:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &litAST{val: model.Bool(false)}, nil
	case tokNull:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &litAST{val: model.Null()}, nil
	case tokVar:
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &varAST{name: name}, nil
	case tokGlobalVar:
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &varAST{name: name, global: true}, nil
	case tokAt:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &currentAST{}, nil
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		name := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokLParen {
			if err := p.advance(); err != nil {
				return nil, err
			}
			var args []astNode
			if p.tok.kind != tokRParen {
				for {
					arg, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.tok.kind == tokComma {
						if err := p.advance(); err != nil {
							return nil, err
						}
						continue
					}
					break
				}
			}
			if err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			return &callAST{name: name, args: args}, nil
		}
		return &relAST{name: name}, nil
	default:
		return nil, &ParseError{Src: p.lex.src, Pos: p.tok.pos, Msg: "unexpected token"}
	}
}
