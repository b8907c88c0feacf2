// Package model implements the versioned model tree: an ordered, hierarchical,
// addressable document holding declared infrastructure state, plus the
// structural diff between two revisions of it.
package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the shape of a node value.
type Kind int

const (
	// KindNull is the null value.
	KindNull Kind = iota

	// KindBool is a boolean scalar.
	KindBool

	// KindNumber is a numeric scalar (stored as float64).
	KindNumber

	// KindString is a string scalar.
	KindString

	// KindSequence is an ordered list of child nodes.
	KindSequence

	// KindMapping is an ordered map of string keys to child nodes.
	KindMapping
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Node is a single node of the model tree. Nodes carry parent links so that
// the absolute path of any node can be recovered, which watch matching and
// expression evaluation rely on.
//
// A Node is mutable while a working copy is being built and must be treated
// as read-only once it is part of a committed revision.
type Node struct {
	kind Kind

	boolVal bool
	numVal  float64
	strVal  string

	elems  []*Node
	keys   []string
	fields map[string]*Node

	parent *Node
	// key is the mapping key under the parent, index the sequence index.
	key   string
	index int
}

// NodeSet is an ordered collection of nodes, the result type of expression
// evaluation.
type NodeSet []*Node

// Null returns a new null node.
func Null() *Node { return &Node{kind: KindNull, index: -1} }

// Bool returns a new boolean scalar node.
func Bool(v bool) *Node { return &Node{kind: KindBool, boolVal: v, index: -1} }

// Number returns a new numeric scalar node.
func Number(v float64) *Node { return &Node{kind: KindNumber, numVal: v, index: -1} }

// String returns a new string scalar node.
func String(v string) *Node { return &Node{kind: KindString, strVal: v, index: -1} }

// Sequence returns a new, empty sequence node.
func Sequence() *Node { return &Node{kind: KindSequence, index: -1} }

// Mapping returns a new, empty mapping node.
func Mapping() *Node {
	return &Node{kind: KindMapping, fields: make(map[string]*Node), index: -1}
}

// Kind returns the node kind.
func (n *Node) Kind() Kind { return n.kind }

// IsScalar reports whether the node is a leaf value.
func (n *Node) IsScalar() bool {
	return n.kind != KindSequence && n.kind != KindMapping
}

// AsBool returns the node coerced to a boolean. Null and empty values are
// false; non-empty strings, non-zero numbers and non-empty containers are
// true.
func (n *Node) AsBool() bool {
	switch n.kind {
	case KindNull:
		return false
	case KindBool:
		return n.boolVal
	case KindNumber:
		return n.numVal != 0
	case KindString:
		return n.strVal != "" && n.strVal != "false"
	case KindSequence:
		return len(n.elems) > 0
	case KindMapping:
		return len(n.keys) > 0
	}
	return false
}

// AsString returns the node coerced to a string.
func (n *Node) AsString() string {
	switch n.kind {
	case KindNull:
		return ""
	case KindBool:
		return strconv.FormatBool(n.boolVal)
	case KindNumber:
		return strconv.FormatFloat(n.numVal, 'f', -1, 64)
	case KindString:
		return n.strVal
	case KindSequence:
		parts := make([]string, len(n.elems))
		for i, e := range n.elems {
			parts[i] = e.AsString()
		}
		return strings.Join(parts, ",")
	case KindMapping:
		parts := make([]string, 0, len(n.keys))
		for _, k := range n.keys {
			parts = append(parts, k+":"+n.fields[k].AsString())
		}
		return strings.Join(parts, ",")
	}
	return ""
}

// AsNumber returns the node coerced to a number, with ok reporting whether
// the coercion is meaningful.
func (n *Node) AsNumber() (float64, bool) {
	switch n.kind {
	case KindNumber:
		return n.numVal, true
	case KindBool:
		if n.boolVal {
			return 1, true
		}
		return 0, true
	case KindString:
		f, err := strconv.ParseFloat(n.strVal, 64)
		return f, err == nil
	}
	return 0, false
}

// Len returns the number of children for containers and 0 for scalars.
func (n *Node) Len() int {
	switch n.kind {
	case KindSequence:
		return len(n.elems)
	case KindMapping:
		return len(n.keys)
	}
	return 0
}

// Elems returns the sequence elements, or nil for other kinds.
func (n *Node) Elems() []*Node { return n.elems }

// Keys returns the mapping keys in declaration order, or nil for other kinds.
func (n *Node) Keys() []string { return n.keys }

// Field returns the mapping child for key, or nil.
func (n *Node) Field(key string) *Node {
	if n.kind != KindMapping {
		return nil
	}
	return n.fields[key]
}

// Elem returns the sequence element at i, or nil when out of range.
func (n *Node) Elem(i int) *Node {
	if n.kind != KindSequence || i < 0 || i >= len(n.elems) {
		return nil
	}
	return n.elems[i]
}

// Set attaches child under key, replacing any existing entry and keeping
// declaration order for new keys.
func (n *Node) Set(key string, child *Node) *Node {
	if n.kind != KindMapping {
		panic("model: Set on non-mapping node")
	}
	if _, ok := n.fields[key]; !ok {
		n.keys = append(n.keys, key)
	}
	n.fields[key] = child
	child.parent = n
	child.key = key
	child.index = -1
	return n
}

// Delete removes the entry for key, if present.
func (n *Node) Delete(key string) {
	if n.kind != KindMapping {
		return
	}
	if _, ok := n.fields[key]; !ok {
		return
	}
	delete(n.fields, key)
	for i, k := range n.keys {
		if k == key {
			n.keys = append(n.keys[:i], n.keys[i+1:]...)
			break
		}
	}
}

// Append adds child at the end of a sequence node.
func (n *Node) Append(child *Node) *Node {
	if n.kind != KindSequence {
		panic("model: Append on non-sequence node")
	}
	child.parent = n
	child.index = len(n.elems)
	child.key = ""
	n.elems = append(n.elems, child)
	return n
}

// SetElem replaces the element at i.
func (n *Node) SetElem(i int, child *Node) {
	if n.kind != KindSequence || i < 0 || i >= len(n.elems) {
		panic("model: SetElem out of range")
	}
	child.parent = n
	child.index = i
	n.elems[i] = child
}

// Truncate shortens a sequence to length l.
func (n *Node) Truncate(l int) {
	if n.kind != KindSequence || l < 0 || l > len(n.elems) {
		return
	}
	n.elems = n.elems[:l]
}

// Parent returns the parent node, or nil for a root or detached node.
func (n *Node) Parent() *Node { return n.parent }

// KeyInParent returns the mapping key this node is stored under, or "".
func (n *Node) KeyInParent() string { return n.key }

// IndexInParent returns the sequence index this node is stored at, or -1.
func (n *Node) IndexInParent() int { return n.index }

// Path returns the absolute path of the node from its root.
func (n *Node) Path() Path {
	var segs []Segment
	for c := n; c.parent != nil; c = c.parent {
		if c.index >= 0 {
			segs = append(segs, IndexSegment(c.index))
		} else {
			segs = append(segs, KeySegment(c.key))
		}
	}
	// Reverse: segments were collected leaf-first.
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return Path(segs)
}

// Root returns the topmost ancestor of the node.
func (n *Node) Root() *Node {
	c := n
	for c.parent != nil {
		c = c.parent
	}
	return c
}

// Get resolves a path relative to this node, returning nil when any
// intermediate segment is missing.
func (n *Node) Get(p Path) *Node {
	c := n
	for _, s := range p {
		if c == nil {
			return nil
		}
		if s.IsIndex() {
			c = c.Elem(s.Index())
		} else {
			c = c.Field(s.Key())
		}
	}
	return c
}

// DeepCopy returns a detached deep copy of the subtree rooted at n.
func (n *Node) DeepCopy() *Node {
	switch n.kind {
	case KindSequence:
		c := Sequence()
		for _, e := range n.elems {
			c.Append(e.DeepCopy())
		}
		return c
	case KindMapping:
		c := Mapping()
		for _, k := range n.keys {
			c.Set(k, n.fields[k].DeepCopy())
		}
		return c
	case KindBool:
		return Bool(n.boolVal)
	case KindNumber:
		return Number(n.numVal)
	case KindString:
		return String(n.strVal)
	default:
		return Null()
	}
}

// Equal reports deep structural equality of two subtrees.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.kind != o.kind {
		return false
	}
	switch n.kind {
	case KindNull:
		return true
	case KindBool:
		return n.boolVal == o.boolVal
	case KindNumber:
		return n.numVal == o.numVal
	case KindString:
		return n.strVal == o.strVal
	case KindSequence:
		if len(n.elems) != len(o.elems) {
			return false
		}
		for i := range n.elems {
			if !n.elems[i].Equal(o.elems[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(n.keys) != len(o.keys) {
			return false
		}
		for i, k := range n.keys {
			if o.keys[i] != k {
				return false
			}
			if !n.fields[k].Equal(o.fields[k]) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts the subtree into plain Go values (nil, bool, float64,
// string, []interface{}, map[string]interface{}).
func (n *Node) Interface() interface{} {
	switch n.kind {
	case KindBool:
		return n.boolVal
	case KindNumber:
		return n.numVal
	case KindString:
		return n.strVal
	case KindSequence:
		out := make([]interface{}, len(n.elems))
		for i, e := range n.elems {
			out[i] = e.Interface()
		}
		return out
	case KindMapping:
		out := make(map[string]interface{}, len(n.keys))
		for _, k := range n.keys {
			out[k] = n.fields[k].Interface()
		}
		return out
	default:
		return nil
	}
}

// FromInterface builds a node tree from plain Go values. Map keys are emitted
// in sorted order to keep the result deterministic.
func FromInterface(v interface{}) *Node {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case float64:
		return Number(t)
	case string:
		return String(t)
	case []interface{}:
		s := Sequence()
		for _, e := range t {
			s.Append(FromInterface(e))
		}
		return s
	case map[string]interface{}:
		m := Mapping()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			m.Set(k, FromInterface(t[k]))
		}
		return m
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// Validate walks the subtree and fails with ErrCycle when a node is reachable
// through two different paths or through itself.
func (n *Node) Validate() error {
	seen := make(map[*Node]bool)
	return n.validate(nil, seen)
}

// The walk path is threaded explicitly: Path() follows parent links, which
// never terminate inside a cycle.
func (n *Node) validate(path Path, seen map[*Node]bool) error {
	if n == nil {
		return nil
	}
	if seen[n] {
		return fmt.Errorf("%w at %s", ErrCycle, path)
	}
	seen[n] = true
	switch n.kind {
	case KindSequence:
		for i, e := range n.elems {
			if err := e.validate(path.ChildIndex(i), seen); err != nil {
				return err
			}
		}
	case KindMapping:
		for _, k := range n.keys {
			if err := n.fields[k].validate(path.Child(k), seen); err != nil {
				return err
			}
		}
	}
	return nil
}
