package model

import (
	"fmt"
	"strings"
)

// ChangeKind classifies a single model change.
type ChangeKind int

const (
	// ChangeAdded marks a path present only in the new revision.
	ChangeAdded ChangeKind = iota

	// ChangeRemoved marks a path present only in the old revision.
	ChangeRemoved

	// ChangeModified marks a path whose value differs between revisions.
	ChangeModified
)

// String returns the lower-case name of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeModified:
		return "modified"
	default:
		return "unknown"
	}
}

// Op returns the single-character operator used in watch masks.
func (k ChangeKind) Op() string {
	switch k {
	case ChangeAdded:
		return "+"
	case ChangeRemoved:
		return "-"
	case ChangeModified:
		return "*"
	default:
		return "?"
	}
}

// ChangeKindMask is a set of change kinds, parsed from the operator string
// of a watch entry ("+", "-", "*", or any combination; "~" means all).
type ChangeKindMask uint8

const (
	maskAdded ChangeKindMask = 1 << iota
	maskRemoved
	maskModified

	// MaskAll matches every change kind.
	MaskAll = maskAdded | maskRemoved | maskModified
)

// ParseMask parses an operator string. Unknown characters are ignored, so
// "+-*" and "~" both yield the full mask.
func ParseMask(s string) ChangeKindMask {
	var m ChangeKindMask
	for _, c := range s {
		switch c {
		case '+':
			m |= maskAdded
		case '-':
			m |= maskRemoved
		case '*':
			m |= maskModified
		case '~':
			m = MaskAll
		}
	}
	return m
}

// Has reports whether the mask contains kind.
func (m ChangeKindMask) Has(kind ChangeKind) bool {
	switch kind {
	case ChangeAdded:
		return m&maskAdded != 0
	case ChangeRemoved:
		return m&maskRemoved != 0
	case ChangeModified:
		return m&maskModified != 0
	}
	return false
}

// String renders the mask in operator form.
func (m ChangeKindMask) String() string {
	var b strings.Builder
	if m&maskAdded != 0 {
		b.WriteByte('+')
	}
	if m&maskRemoved != 0 {
		b.WriteByte('-')
	}
	if m&maskModified != 0 {
		b.WriteByte('*')
	}
	return b.String()
}

// Change is a single difference between two revisions. Old is nil for Added,
// New is nil for Removed; both are set for Modified.
type Change struct {
	Kind ChangeKind
	Path Path
	Old  *Node
	New  *Node
}

// String renders the change for logs and error messages.
func (c Change) String() string {
	return fmt.Sprintf("%s(%s)", c.Kind, c.Path)
}

// ChangeSet is the complete, ordered structural diff between two revisions,
// plus the set of files touched on disk in the same transaction.
type ChangeSet struct {
	Changes []Change

	// TouchedFiles are repository-relative file paths modified between the
	// two revisions.
	TouchedFiles []string
}

// Empty reports whether the change set carries no changes and no touched
// files.
func (cs *ChangeSet) Empty() bool {
	return len(cs.Changes) == 0 && len(cs.TouchedFiles) == 0
}

// Diff computes the structural difference between the old and new trees.
//
// The result is complete (every differing leaf and every structural
// add/remove appears) and minimal (no change subsumes another): containers of
// the same kind are recursed into and only their differing children are
// reported; a node whose kind differs between revisions is reported as a
// single Modified entry for the whole subtree.
//
// Sequences diff per index: a changed element is Modified at its index,
// trailing elements of a longer new sequence are Added, trailing elements of
// a longer old sequence are Removed. Reorders are not detected.
//
// The walk is a merged pre-order traversal, so Added/Modified entries appear
// in pre-order of the new tree and Removed entries in pre-order of the old
// tree. Identical inputs always produce identical output.
func Diff(oldRoot, newRoot *Node) (*ChangeSet, error) {
	if oldRoot != nil {
		if err := oldRoot.Validate(); err != nil {
			return nil, err
		}
	}
	if newRoot != nil {
		if err := newRoot.Validate(); err != nil {
			return nil, err
		}
	}
	cs := &ChangeSet{}
	diffNodes(cs, nil, oldRoot, newRoot)
	return cs, nil
}

func diffNodes(cs *ChangeSet, path Path, oldN, newN *Node) {
	switch {
	case oldN == nil && newN == nil:
		return
	case oldN == nil:
		cs.Changes = append(cs.Changes, Change{Kind: ChangeAdded, Path: path, New: newN})
		return
	case newN == nil:
		cs.Changes = append(cs.Changes, Change{Kind: ChangeRemoved, Path: path, Old: oldN})
		return
	}

	if oldN.Kind() != newN.Kind() {
		// The subtree changed shape entirely, report it as one entry.
		cs.Changes = append(cs.Changes, Change{Kind: ChangeModified, Path: path, Old: oldN, New: newN})
		return
	}

	switch newN.Kind() {
	case KindMapping:
		for _, k := range newN.Keys() {
			diffNodes(cs, path.Child(k), oldN.Field(k), newN.Field(k))
		}
		for _, k := range oldN.Keys() {
			if newN.Field(k) == nil {
				cs.Changes = append(cs.Changes, Change{
					Kind: ChangeRemoved,
					Path: path.Child(k),
					Old:  oldN.Field(k),
				})
			}
		}
	case KindSequence:
		n := newN.Len()
		o := oldN.Len()
		for i := 0; i < n; i++ {
			if i < o {
				diffNodes(cs, path.ChildIndex(i), oldN.Elem(i), newN.Elem(i))
			} else {
				cs.Changes = append(cs.Changes, Change{
					Kind: ChangeAdded,
					Path: path.ChildIndex(i),
					New:  newN.Elem(i),
				})
			}
		}
		for i := n; i < o; i++ {
			cs.Changes = append(cs.Changes, Change{
				Kind: ChangeRemoved,
				Path: path.ChildIndex(i),
				Old:  oldN.Elem(i),
			})
		}
	default:
		if !oldN.Equal(newN) {
			cs.Changes = append(cs.Changes, Change{Kind: ChangeModified, Path: path, Old: oldN, New: newN})
		}
	}
}

// Apply replays the Added and Modified entries of the change set onto root,
// and drops Removed paths. Replaying a diff of (old, new) onto a copy of old
// yields a tree equal to new.
func (cs *ChangeSet) Apply(root *Node) error {
	// Removals run last, index-removals in reverse so earlier indexes stay
	// valid while later ones are dropped.
	var removals []Change
	for _, c := range cs.Changes {
		switch c.Kind {
		case ChangeAdded, ChangeModified:
			if err := setAtPath(root, c.Path, c.New.DeepCopy()); err != nil {
				return err
			}
		case ChangeRemoved:
			removals = append(removals, c)
		}
	}
	for i := len(removals) - 1; i >= 0; i-- {
		if err := removeAtPath(root, removals[i].Path); err != nil {
			return err
		}
	}
	return nil
}

func setAtPath(root *Node, p Path, v *Node) error {
	if len(p) == 0 {
		return fmt.Errorf("cannot replace tree root")
	}
	parent := root.Get(p[:len(p)-1])
	if parent == nil {
		return fmt.Errorf("missing parent for path %s", p)
	}
	last := p[len(p)-1]
	if last.IsIndex() {
		if parent.Kind() != KindSequence {
			return fmt.Errorf("path %s: parent is not a sequence", p)
		}
		if last.Index() == parent.Len() {
			parent.Append(v)
			return nil
		}
		if last.Index() > parent.Len() {
			return fmt.Errorf("path %s: index out of range", p)
		}
		parent.SetElem(last.Index(), v)
		return nil
	}
	if parent.Kind() != KindMapping {
		return fmt.Errorf("path %s: parent is not a mapping", p)
	}
	parent.Set(last.Key(), v)
	return nil
}

func removeAtPath(root *Node, p Path) error {
	if len(p) == 0 {
		return fmt.Errorf("cannot remove tree root")
	}
	parent := root.Get(p[:len(p)-1])
	if parent == nil {
		return nil
	}
	last := p[len(p)-1]
	if last.IsIndex() {
		if parent.Kind() != KindSequence || last.Index() >= parent.Len() {
			return nil
		}
		if last.Index() != parent.Len()-1 {
			return fmt.Errorf("path %s: non-trailing sequence removal", p)
		}
		parent.Truncate(last.Index())
		return nil
	}
	parent.Delete(last.Key())
	return nil
}
