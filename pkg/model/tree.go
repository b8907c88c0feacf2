package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tree is a model tree together with its revision identity. A Tree belonging
// to a committed revision is immutable; edits go through a working copy
// produced by WorkingCopy.
type Tree struct {
	root  *Node
	revID string
}

// NewTree wraps a root node as an uncommitted tree.
func NewTree(root *Node) *Tree {
	return &Tree{root: root}
}

// Root returns the root node of the tree.
func (t *Tree) Root() *Node { return t.root }

// RevisionID returns the committed revision id, or "" for a working copy.
func (t *Tree) RevisionID() string { return t.revID }

// Commit marks the tree as belonging to revision id.
func (t *Tree) Commit(id string) { t.revID = id }

// WorkingCopy returns a mutable deep copy of the tree.
func (t *Tree) WorkingCopy() *Tree {
	return &Tree{root: t.root.DeepCopy()}
}

// Get resolves an absolute path in the tree.
func (t *Tree) Get(p Path) *Node { return t.root.Get(p) }

// Validate checks the tree for structural problems (cycles).
func (t *Tree) Validate() error { return t.root.Validate() }

// LoadYAML parses a model tree from YAML source.
func LoadYAML(data []byte) (*Tree, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing model: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return NewTree(Mapping()), nil
	}
	root, err := fromYAMLNode(doc.Content[0])
	if err != nil {
		return nil, err
	}
	return NewTree(root), nil
}

// LoadDir loads every *.yaml/*.yml file under dir (sorted, recursive) and
// merges them into a single tree. Later files win on key conflicts. The
// returned file list holds the repository-relative paths that were read.
func LoadDir(dir string) (*Tree, []string, error) {
	var files []string
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		ext := filepath.Ext(p)
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(files)

	root := Mapping()
	rel := make([]string, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, nil, err
		}
		t, err := LoadYAML(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", f, err)
		}
		mergeInto(root, t.Root())
		r, err := filepath.Rel(dir, f)
		if err != nil {
			r = f
		}
		rel = append(rel, r)
	}
	return NewTree(root), rel, nil
}

func mergeInto(dst, src *Node) {
	if dst.Kind() != KindMapping || src.Kind() != KindMapping {
		return
	}
	for _, k := range src.Keys() {
		sv := src.Field(k)
		if dv := dst.Field(k); dv != nil && dv.Kind() == KindMapping && sv.Kind() == KindMapping {
			mergeInto(dv, sv)
			continue
		}
		dst.Set(k, sv.DeepCopy())
	}
}

func fromYAMLNode(y *yaml.Node) (*Node, error) {
	switch y.Kind {
	case yaml.DocumentNode:
		if len(y.Content) == 0 {
			return Null(), nil
		}
		return fromYAMLNode(y.Content[0])
	case yaml.AliasNode:
		return fromYAMLNode(y.Alias)
	case yaml.MappingNode:
		m := Mapping()
		for i := 0; i+1 < len(y.Content); i += 2 {
			child, err := fromYAMLNode(y.Content[i+1])
			if err != nil {
				return nil, err
			}
			m.Set(y.Content[i].Value, child)
		}
		return m, nil
	case yaml.SequenceNode:
		s := Sequence()
		for _, c := range y.Content {
			child, err := fromYAMLNode(c)
			if err != nil {
				return nil, err
			}
			s.Append(child)
		}
		return s, nil
	case yaml.ScalarNode:
		var v interface{}
		if err := y.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", y.Line, err)
		}
		return FromInterface(v), nil
	default:
		return nil, fmt.Errorf("line %d: unsupported YAML node kind %d", y.Line, y.Kind)
	}
}

// MarshalYAML renders the tree back to YAML, preserving key order.
func (t *Tree) MarshalYAML() ([]byte, error) {
	y := toYAMLNode(t.root)
	return yaml.Marshal(y)
}

func toYAMLNode(n *Node) *yaml.Node {
	switch n.Kind() {
	case KindMapping:
		y := &yaml.Node{Kind: yaml.MappingNode}
		for _, k := range n.Keys() {
			y.Content = append(y.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: k},
				toYAMLNode(n.Field(k)))
		}
		return y
	case KindSequence:
		y := &yaml.Node{Kind: yaml.SequenceNode}
		for _, e := range n.Elems() {
			y.Content = append(y.Content, toYAMLNode(e))
		}
		return y
	default:
		y := &yaml.Node{Kind: yaml.ScalarNode}
		_ = y.Encode(n.Interface())
		return y
	}
}
