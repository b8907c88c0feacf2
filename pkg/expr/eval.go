package expr

import (
	"fmt"

	"github.com/opereon/opereon/pkg/model"
)

// EvalError describes a failure while evaluating an expression, e.g. a bad
// function arity. Missing paths are not errors: navigation over an absent
// segment yields an empty node set.
type EvalError struct {
	Expr string
	Msg  string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluating %q: %s", e.Expr, e.Msg)
}

// Eval evaluates the expression against a current node and a scope chain,
// returning the matched/computed node set.
func (e *Expr) Eval(current *model.Node, scope *Scope) (model.NodeSet, error) {
	ev := &evaluator{src: e.src, scope: scope}
	return ev.eval(e.ast, current)
}

// EvalOne evaluates the expression and returns the first result node, or nil
// for an empty result.
func (e *Expr) EvalOne(current *model.Node, scope *Scope) (*model.Node, error) {
	ns, err := e.Eval(current, scope)
	if err != nil {
		return nil, err
	}
	if len(ns) == 0 {
		return nil, nil
	}
	return ns[0], nil
}

// Truthy applies the language's truthiness rule to a node set: an empty set
// is false, a single node follows its boolean coercion, a larger set is true.
func Truthy(ns model.NodeSet) bool {
	switch len(ns) {
	case 0:
		return false
	case 1:
		return ns[0].AsBool()
	default:
		return true
	}
}

type evaluator struct {
	src   string
	scope *Scope
}

func (ev *evaluator) errf(format string, args ...interface{}) error {
	return &EvalError{Expr: ev.src, Msg: fmt.Sprintf(format, args...)}
}

func (ev *evaluator) eval(n astNode, current *model.Node) (model.NodeSet, error) {
	switch t := n.(type) {
	case *litAST:
		return model.NodeSet{t.val}, nil

	case *varAST:
		if t.global {
			if v, ok := ev.scope.GetGlobal(t.name); ok {
				return v, nil
			}
			return nil, nil
		}
		if v, ok := ev.scope.GetVar(t.name); ok {
			return v, nil
		}
		return nil, nil

	case *currentAST:
		if current == nil {
			return nil, nil
		}
		return model.NodeSet{current}, nil

	case *relAST:
		if current == nil {
			return nil, nil
		}
		return navigateKey(model.NodeSet{current}, t.name), nil

	case *propAST:
		recv, err := ev.eval(t.recv, current)
		if err != nil {
			return nil, err
		}
		switch t.kind {
		case segKey:
			return navigateKey(recv, t.key), nil
		case segWild:
			return navigateWild(recv), nil
		case segDeep:
			return navigateDeep(recv), nil
		case segGroup:
			var out model.NodeSet
			for _, k := range t.keys {
				out = append(out, navigateKey(recv, k)...)
			}
			return out, nil
		case segAttr:
			return ev.attr(recv, t.key)
		}
		return nil, ev.errf("unknown segment")

	case *indexAST:
		recv, err := ev.eval(t.recv, current)
		if err != nil {
			return nil, err
		}
		switch t.kind {
		case subIndexLit:
			var out model.NodeSet
			for _, n := range recv {
				if n.Kind() == model.KindSequence {
					if e := n.Elem(t.idx); e != nil {
						out = append(out, e)
					}
				}
			}
			return out, nil
		case subAll:
			return navigateWild(recv), nil
		case subPredicate:
			var out model.NodeSet
			for _, n := range recv {
				candidates := childNodes(n)
				if len(candidates) == 0 && n.IsScalar() {
					candidates = model.NodeSet{n}
				}
				for _, c := range candidates {
					res, err := ev.eval(t.pred, c)
					if err != nil {
						return nil, err
					}
					if Truthy(res) {
						out = append(out, c)
					}
				}
			}
			return out, nil
		}
		return nil, ev.errf("unknown subscript")

	case *binAST:
		return ev.binary(t, current)

	case *unAST:
		x, err := ev.eval(t.x, current)
		if err != nil {
			return nil, err
		}
		switch t.op {
		case tokBang:
			return model.NodeSet{model.Bool(!Truthy(x))}, nil
		case tokMinus:
			if len(x) == 1 {
				if f, ok := x[0].AsNumber(); ok {
					return model.NodeSet{model.Number(-f)}, nil
				}
			}
			return nil, ev.errf("operand of unary '-' is not a number")
		}
		return nil, ev.errf("unknown unary operator")

	case *callAST:
		return ev.call(t, current)
	}
	return nil, ev.errf("unknown AST node")
}

func (ev *evaluator) binary(t *binAST, current *model.Node) (model.NodeSet, error) {
	// `or` and `and` return operand values, not booleans, so that
	// `@.label or @.id` yields the label when present.
	if t.op == tokOr {
		l, err := ev.eval(t.l, current)
		if err != nil {
			return nil, err
		}
		if Truthy(l) {
			return l, nil
		}
		return ev.eval(t.r, current)
	}
	if t.op == tokAnd {
		l, err := ev.eval(t.l, current)
		if err != nil {
			return nil, err
		}
		if !Truthy(l) {
			return l, nil
		}
		return ev.eval(t.r, current)
	}

	l, err := ev.eval(t.l, current)
	if err != nil {
		return nil, err
	}
	r, err := ev.eval(t.r, current)
	if err != nil {
		return nil, err
	}

	switch t.op {
	case tokPlus:
		if len(l) == 1 && len(r) == 1 {
			if lf, ok := l[0].AsNumber(); ok {
				if rf, ok := r[0].AsNumber(); ok {
					return model.NodeSet{model.Number(lf + rf)}, nil
				}
			}
		}
		return model.NodeSet{model.String(setString(l) + setString(r))}, nil
	case tokMinus:
		if len(l) == 1 && len(r) == 1 {
			lf, lok := l[0].AsNumber()
			rf, rok := r[0].AsNumber()
			if lok && rok {
				return model.NodeSet{model.Number(lf - rf)}, nil
			}
		}
		return nil, ev.errf("operands of '-' are not numbers")
	case tokEq:
		return model.NodeSet{model.Bool(setEqual(l, r))}, nil
	case tokNeq:
		return model.NodeSet{model.Bool(!setEqual(l, r))}, nil
	case tokLt, tokLte, tokGt, tokGte:
		if len(l) != 1 || len(r) != 1 {
			return model.NodeSet{model.Bool(false)}, nil
		}
		c, ok := compareNodes(l[0], r[0])
		if !ok {
			return model.NodeSet{model.Bool(false)}, nil
		}
		var res bool
		switch t.op {
		case tokLt:
			res = c < 0
		case tokLte:
			res = c <= 0
		case tokGt:
			res = c > 0
		case tokGte:
			res = c >= 0
		}
		return model.NodeSet{model.Bool(res)}, nil
	case tokMatch:
		return ev.match(l, r)
	}
	return nil, ev.errf("unknown binary operator")
}

// match implements `paths ^= pattern`: true when any path string on the left
// structurally matches the path pattern on the right.
func (ev *evaluator) match(l, r model.NodeSet) (model.NodeSet, error) {
	if len(r) == 0 {
		return model.NodeSet{model.Bool(false)}, nil
	}
	pat, err := ParsePattern(setString(r))
	if err != nil {
		return nil, ev.errf("invalid path pattern: %v", err)
	}
	for _, n := range l {
		p, err := model.ParsePath(n.AsString())
		if err != nil {
			continue
		}
		if pat.Match(p) {
			return model.NodeSet{model.Bool(true)}, nil
		}
	}
	return model.NodeSet{model.Bool(false)}, nil
}

func (ev *evaluator) attr(recv model.NodeSet, name string) (model.NodeSet, error) {
	var out model.NodeSet
	for _, n := range recv {
		switch name {
		case "key":
			if n.IndexInParent() >= 0 {
				out = append(out, model.Number(float64(n.IndexInParent())))
			} else {
				out = append(out, model.String(n.KeyInParent()))
			}
		case "path":
			out = append(out, model.String(n.Path().String()))
		case "kind":
			out = append(out, model.String(n.Kind().String()))
		default:
			return nil, ev.errf("unknown attribute @%s", name)
		}
	}
	return out, nil
}

// navigateKey applies a key segment to every node of the set. Sequences
// distribute the segment over their elements. A mapping without the key
// distributes over its values, which is what lets `$$hosts.packages`
// address the packages of every host regardless of how hosts are keyed.
func navigateKey(recv model.NodeSet, key string) model.NodeSet {
	var out model.NodeSet
	for _, n := range recv {
		switch n.Kind() {
		case model.KindMapping:
			if c := n.Field(key); c != nil {
				out = append(out, c)
				continue
			}
			for _, k := range n.Keys() {
				v := n.Field(k)
				if v.Kind() == model.KindMapping {
					if c := v.Field(key); c != nil {
						out = append(out, c)
					}
				}
			}
		case model.KindSequence:
			for _, e := range n.Elems() {
				out = append(out, navigateKey(model.NodeSet{e}, key)...)
			}
		}
	}
	return out
}

func childNodes(n *model.Node) model.NodeSet {
	switch n.Kind() {
	case model.KindMapping:
		out := make(model.NodeSet, 0, n.Len())
		for _, k := range n.Keys() {
			out = append(out, n.Field(k))
		}
		return out
	case model.KindSequence:
		return model.NodeSet(n.Elems())
	}
	return nil
}

func navigateWild(recv model.NodeSet) model.NodeSet {
	var out model.NodeSet
	for _, n := range recv {
		out = append(out, childNodes(n)...)
	}
	return out
}

func navigateDeep(recv model.NodeSet) model.NodeSet {
	var out model.NodeSet
	var walk func(n *model.Node)
	walk = func(n *model.Node) {
		out = append(out, n)
		for _, c := range childNodes(n) {
			walk(c)
		}
	}
	for _, n := range recv {
		walk(n)
	}
	return out
}

func setString(ns model.NodeSet) string {
	switch len(ns) {
	case 0:
		return ""
	case 1:
		return ns[0].AsString()
	default:
		s := ""
		for i, n := range ns {
			if i > 0 {
				s += ","
			}
			s += n.AsString()
		}
		return s
	}
}

func setEqual(l, r model.NodeSet) bool {
	if len(l) == 1 && len(r) == 1 {
		return nodeEqual(l[0], r[0])
	}
	if len(l) != len(r) {
		return false
	}
	for i := range l {
		if !nodeEqual(l[i], r[i]) {
			return false
		}
	}
	return true
}

// nodeEqual compares scalars loosely (numbers compare numerically even when
// one side is a numeric string) and containers structurally.
func nodeEqual(l, r *model.Node) bool {
	if l.IsScalar() && r.IsScalar() {
		if lf, ok := l.AsNumber(); ok {
			if rf, ok := r.AsNumber(); ok {
				return lf == rf
			}
		}
		return l.AsString() == r.AsString()
	}
	return l.Equal(r)
}

func compareNodes(l, r *model.Node) (int, bool) {
	if lf, lok := l.AsNumber(); lok {
		if rf, rok := r.AsNumber(); rok {
			switch {
			case lf < rf:
				return -1, true
			case lf > rf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	ls, rs := l.AsString(), r.AsString()
	switch {
	case ls < rs:
		return -1, true
	case ls > rs:
		return 1, true
	default:
		return 0, true
	}
}
