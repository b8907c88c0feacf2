package engine

import (
	"github.com/opereon/opereon/pkg/expr"
	"github.com/opereon/opereon/pkg/model"
)

// Triggered pairs an update proc with the exact subset of changes and files
// that fired its watch entries.
type Triggered struct {
	// Proc is the triggered update proc.
	Proc *ProcDef

	// Changes are the matched changes, in change-set order.
	Changes []model.Change

	// Files are the matched touched files, in change-set order.
	Files []string
}

// NewGlobalScope seeds the outermost scope layer from the top-level keys of
// the model root, so `$hosts`, `$procs` and any user section resolve as
// variables.
func NewGlobalScope(root *model.Node) *expr.Scope {
	s := expr.NewScope()
	if root != nil && root.Kind() == model.KindMapping {
		for _, k := range root.Keys() {
			s.SetNode(k, root.Field(k))
		}
	}
	return s
}

// MatchProcs decides which update procs fire for a change set. Watch paths
// are resolved against the old root for removals and against the new root for
// additions and modifications; a change matches when its kind is in the watch
// mask and its path is at or under a resolved node. File watches match
// touched files by glob, regardless of change kind.
//
// Every proc appears at most once, in declaration order, and never with an
// empty trigger set.
func MatchProcs(reg *Registry, oldRoot, newRoot *model.Node, cs *model.ChangeSet) ([]*Triggered, error) {
	oldScope := NewGlobalScope(oldRoot)
	newScope := NewGlobalScope(newRoot)

	var out []*Triggered
	for _, p := range reg.UpdateProcs() {
		t := &Triggered{Proc: p}

		for _, w := range p.Watches {
			resolved := make(map[string]bool)
			if w.Mask.Has(model.ChangeRemoved) && oldRoot != nil {
				ns, err := w.Path.Eval(oldRoot, oldScope)
				if err != nil {
					return nil, NewExpressionError("resolving watch path", err).WithProc(p.Name)
				}
				for _, n := range ns {
					resolved[n.Path().String()] = true
				}
			}
			if (w.Mask.Has(model.ChangeAdded) || w.Mask.Has(model.ChangeModified)) && newRoot != nil {
				ns, err := w.Path.Eval(newRoot, newScope)
				if err != nil {
					return nil, NewExpressionError("resolving watch path", err).WithProc(p.Name)
				}
				for _, n := range ns {
					resolved[n.Path().String()] = true
				}
			}

			for _, c := range cs.Changes {
				if !w.Mask.Has(c.Kind) {
					continue
				}
				if pathMatchesResolved(c.Path, resolved) {
					t.Changes = append(t.Changes, c)
				}
			}
		}
		t.Changes = dedupeChanges(t.Changes, cs)

		for _, fw := range p.FileWatches {
			for _, f := range cs.TouchedFiles {
				if fw.Glob.Match(f) {
					t.Files = append(t.Files, f)
				}
			}
		}
		t.Files = dedupeStrings(t.Files)

		if len(t.Changes) > 0 || len(t.Files) > 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

// pathMatchesResolved reports whether p equals a resolved watch path or lies
// underneath one.
func pathMatchesResolved(p model.Path, resolved map[string]bool) bool {
	for prefix := p; ; prefix = prefix[:len(prefix)-1] {
		if resolved[prefix.String()] {
			return true
		}
		if len(prefix) == 0 {
			return false
		}
	}
}

// dedupeChanges drops duplicate matches (two watches of one proc can both
// catch a change) and restores change-set order.
func dedupeChanges(matched []model.Change, cs *model.ChangeSet) []model.Change {
	if len(matched) < 2 {
		return matched
	}
	seen := make(map[string]bool, len(matched))
	for _, c := range matched {
		seen[c.Kind.Op()+c.Path.String()] = true
	}
	out := make([]model.Change, 0, len(seen))
	for _, c := range cs.Changes {
		k := c.Kind.Op() + c.Path.String()
		if seen[k] {
			out = append(out, c)
			seen[k] = false
		}
	}
	return out
}

func dedupeStrings(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// ChangesNode renders matched changes as a sequence of mappings with `op`,
// `path`, `old` and `new` fields, the value bound to `$model_changes` in a
// triggered proc's scope.
func ChangesNode(changes []model.Change) *model.Node {
	seq := model.Sequence()
	for _, c := range changes {
		m := model.Mapping()
		m.Set("op", model.String(c.Kind.Op()))
		m.Set("path", model.String(c.Path.String()))
		if c.Old != nil {
			m.Set("old", c.Old.DeepCopy())
		} else {
			m.Set("old", model.Null())
		}
		if c.New != nil {
			m.Set("new", c.New.DeepCopy())
		} else {
			m.Set("new", model.Null())
		}
		seq.Append(m)
	}
	return seq
}

// FilesNode renders matched touched files as a sequence of strings, bound to
// `$model_files` in a triggered proc's scope.
func FilesNode(files []string) *model.Node {
	seq := model.Sequence()
	for _, f := range files {
		seq.Append(model.String(f))
	}
	return seq
}
