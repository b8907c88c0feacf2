package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrCycle is reported when a model tree contains a node reachable through
// more than one path.
var ErrCycle = errors.New("model contains cyclic references")

// Segment is one step of an absolute path: either a mapping key or a
// sequence index. Index segments are kept distinct from key segments so that
// `packages[2]` and a hypothetical key "2" never collide.
type Segment struct {
	key   string
	index int
	isIdx bool
}

// KeySegment returns a mapping-key segment.
func KeySegment(key string) Segment { return Segment{key: key, index: -1} }

// IndexSegment returns a sequence-index segment.
func IndexSegment(i int) Segment { return Segment{index: i, isIdx: true} }

// IsIndex reports whether the segment addresses a sequence element.
func (s Segment) IsIndex() bool { return s.isIdx }

// Key returns the mapping key, or "" for index segments.
func (s Segment) Key() string { return s.key }

// Index returns the sequence index, or -1 for key segments.
func (s Segment) Index() int {
	if !s.isIdx {
		return -1
	}
	return s.index
}

// String renders the segment in canonical form.
func (s Segment) String() string {
	if s.isIdx {
		return "[" + strconv.Itoa(s.index) + "]"
	}
	return s.key
}

// Path is a normalized absolute address into the model tree, e.g.
// "hosts.zeus.packages[2]".
type Path []Segment

// ParsePath parses the canonical textual form of a path. Keys are separated
// by dots, indexes are bracketed.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return nil, nil
	}
	var p Path
	i := 0
	for i < len(s) {
		switch {
		case s[i] == '.':
			i++
		case s[i] == '[':
			j := strings.IndexByte(s[i:], ']')
			if j < 0 {
				return nil, fmt.Errorf("path %q: unterminated index", s)
			}
			idx, err := strconv.Atoi(s[i+1 : i+j])
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("path %q: invalid index %q", s, s[i+1:i+j])
			}
			p = append(p, IndexSegment(idx))
			i += j + 1
		default:
			j := i
			for j < len(s) && s[j] != '.' && s[j] != '[' {
				j++
			}
			p = append(p, KeySegment(s[i:j]))
			i = j
		}
	}
	return p, nil
}

// String renders the path in canonical form.
func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		if i > 0 && !s.isIdx {
			b.WriteByte('.')
		}
		b.WriteString(s.String())
	}
	return b.String()
}

// Equal reports segment-wise equality.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether o is a prefix of p (every path is a prefix of
// itself).
func (p Path) HasPrefix(o Path) bool {
	if len(o) > len(p) {
		return false
	}
	for i := range o {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Child extends the path with a key segment.
func (p Path) Child(key string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, KeySegment(key))
}

// ChildIndex extends the path with an index segment.
func (p Path) ChildIndex(i int) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, IndexSegment(i))
}
