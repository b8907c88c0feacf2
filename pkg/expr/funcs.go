package expr

import (
	"github.com/opereon/opereon/pkg/model"
)

// Built-in functions. Arguments are evaluated eagerly; arity errors are
// EvalErrors and fail the enclosing task or run block.
func (ev *evaluator) call(t *callAST, current *model.Node) (model.NodeSet, error) {
	args := make([]model.NodeSet, len(t.args))
	for i, a := range t.args {
		v, err := ev.eval(a, current)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch t.name {
	case "array":
		if len(args) != 1 {
			return nil, ev.errf("array() takes 1 argument, got %d", len(args))
		}
		return model.NodeSet{toSequence(args[0])}, nil

	case "length":
		if len(args) != 1 {
			return nil, ev.errf("length() takes 1 argument, got %d", len(args))
		}
		switch len(args[0]) {
		case 0:
			return model.NodeSet{model.Number(0)}, nil
		case 1:
			n := args[0][0]
			if n.Kind() == model.KindString {
				return model.NodeSet{model.Number(float64(len(n.AsString())))}, nil
			}
			if !n.IsScalar() {
				return model.NodeSet{model.Number(float64(n.Len()))}, nil
			}
			return model.NodeSet{model.Number(1)}, nil
		default:
			return model.NodeSet{model.Number(float64(len(args[0])))}, nil
		}

	case "join":
		if len(args) < 1 || len(args) > 2 {
			return nil, ev.errf("join() takes 1 or 2 arguments, got %d", len(args))
		}
		sep := ","
		if len(args) == 2 {
			sep = setString(args[1])
		}
		out := ""
		first := true
		for _, n := range flatten(args[0]) {
			if !first {
				out += sep
			}
			out += n.AsString()
			first = false
		}
		return model.NodeSet{model.String(out)}, nil

	case "map":
		// map(keys, values) builds a mapping. A single key maps to the whole
		// value sequence; multiple keys zip pairwise with the values.
		if len(args) != 2 {
			return nil, ev.errf("map() takes 2 arguments, got %d", len(args))
		}
		keys := flatten(args[0])
		vals := flatten(args[1])
		m := model.Mapping()
		if len(keys) == 1 {
			m.Set(keys[0].AsString(), toSequence(vals).DeepCopy())
			return model.NodeSet{m}, nil
		}
		for i, k := range keys {
			if i < len(vals) {
				m.Set(k.AsString(), vals[i].DeepCopy())
			} else {
				m.Set(k.AsString(), model.Null())
			}
		}
		return model.NodeSet{m}, nil

	default:
		return nil, ev.errf("unknown function %s()", t.name)
	}
}

// toSequence wraps a node set into one sequence node. A set holding a single
// sequence is returned as-is.
func toSequence(ns model.NodeSet) *model.Node {
	if len(ns) == 1 && ns[0].Kind() == model.KindSequence {
		return ns[0]
	}
	seq := model.Sequence()
	for _, n := range ns {
		seq.Append(n.DeepCopy())
	}
	return seq
}

// flatten expands sequence nodes of the set one level into their elements.
func flatten(ns model.NodeSet) model.NodeSet {
	var out model.NodeSet
	for _, n := range ns {
		if n.Kind() == model.KindSequence {
			out = append(out, n.Elems()...)
			continue
		}
		out = append(out, n)
	}
	return out
}
