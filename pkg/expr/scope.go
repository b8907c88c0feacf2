// Package expr implements the path/selector expression language used to
// parameterize tasks, select hosts and express watch rules over the model
// tree. Expressions evaluate against a current tree node and a layered
// variable scope, and produce node sets.
package expr

import "github.com/opereon/opereon/pkg/model"

// Scope is one layer of the variable-binding chain. `$name` references
// resolve through the chain innermost-first; `$$name` references resolve in
// the outermost (global) layer only. Scopes are cheap to create and are
// discarded when a task-tree invocation completes.
type Scope struct {
	parent *Scope
	vars   map[string]model.NodeSet
}

// NewScope returns an empty root scope.
func NewScope() *Scope {
	return &Scope{vars: make(map[string]model.NodeSet)}
}

// Child returns a new scope layer chained onto s.
func (s *Scope) Child() *Scope {
	return &Scope{parent: s, vars: make(map[string]model.NodeSet)}
}

// Parent returns the enclosing layer, or nil for the global scope.
func (s *Scope) Parent() *Scope { return s.parent }

// Global returns the outermost layer of the chain.
func (s *Scope) Global() *Scope {
	g := s
	for g.parent != nil {
		g = g.parent
	}
	return g
}

// SetVar binds name in this layer, shadowing any outer binding.
func (s *Scope) SetVar(name string, val model.NodeSet) {
	s.vars[name] = val
}

// SetNode binds name to a single node.
func (s *Scope) SetNode(name string, n *model.Node) {
	s.vars[name] = model.NodeSet{n}
}

// GetVar resolves name through the chain, innermost layer first.
func (s *Scope) GetVar(name string) (model.NodeSet, bool) {
	for l := s; l != nil; l = l.parent {
		if v, ok := l.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// GetGlobal resolves name in the outermost layer only.
func (s *Scope) GetGlobal(name string) (model.NodeSet, bool) {
	v, ok := s.Global().vars[name]
	return v, ok
}

// VarNames returns the names bound in this layer only, in unspecified order.
func (s *Scope) VarNames() []string {
	names := make([]string, 0, len(s.vars))
	for n := range s.vars {
		names = append(names, n)
	}
	return names
}
