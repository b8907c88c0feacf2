package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opereon/opereon/pkg/model"
)

// Pattern is a compiled path pattern, matched structurally against concrete
// model paths. Patterns support literal keys, literal indexes, the `*`
// wildcard (one key or index), `[*]` (one index), attribute groups
// `(a,b,c)` and the recursive `**` segment (zero or more segments).
type Pattern struct {
	src  string
	segs []patSeg
}

type patSegKind int

const (
	patKey patSegKind = iota
	patIndex
	patWild
	patAnyIndex
	patGroup
	patDeep
)

type patSeg struct {
	kind patSegKind
	key  string
	idx  int
	keys []string
}

// ParsePattern compiles a textual path pattern such as
// "hosts.*.packages[*]" or "hosts.zeus.(ip,ip4,ip6)".
func ParsePattern(s string) (*Pattern, error) {
	p := &Pattern{src: s}
	i := 0
	for i < len(s) {
		switch {
		case s[i] == '.':
			i++
		case s[i] == '[':
			j := strings.IndexByte(s[i:], ']')
			if j < 0 {
				return nil, fmt.Errorf("pattern %q: unterminated index", s)
			}
			inner := s[i+1 : i+j]
			if inner == "*" {
				p.segs = append(p.segs, patSeg{kind: patAnyIndex})
			} else {
				idx, err := strconv.Atoi(inner)
				if err != nil || idx < 0 {
					return nil, fmt.Errorf("pattern %q: invalid index %q", s, inner)
				}
				p.segs = append(p.segs, patSeg{kind: patIndex, idx: idx})
			}
			i += j + 1
		case s[i] == '(':
			j := strings.IndexByte(s[i:], ')')
			if j < 0 {
				return nil, fmt.Errorf("pattern %q: unterminated group", s)
			}
			keys := strings.Split(s[i+1:i+j], ",")
			for k := range keys {
				keys[k] = strings.TrimSpace(keys[k])
			}
			p.segs = append(p.segs, patSeg{kind: patGroup, keys: keys})
			i += j + 1
		case strings.HasPrefix(s[i:], "**"):
			p.segs = append(p.segs, patSeg{kind: patDeep})
			i += 2
		case s[i] == '*':
			p.segs = append(p.segs, patSeg{kind: patWild})
			i++
		default:
			j := i
			for j < len(s) && s[j] != '.' && s[j] != '[' && s[j] != '(' {
				j++
			}
			key := s[i:j]
			if strings.Contains(key, "*") {
				return nil, fmt.Errorf("pattern %q: '*' inside key %q", s, key)
			}
			p.segs = append(p.segs, patSeg{kind: patKey, key: key})
			i = j
		}
	}
	return p, nil
}

// String returns the pattern source.
func (p *Pattern) String() string { return p.src }

// Match reports whether path matches the pattern exactly (the whole path,
// not a prefix).
func (p *Pattern) Match(path model.Path) bool {
	return matchSegs(p.segs, path)
}

func matchSegs(segs []patSeg, path model.Path) bool {
	if len(segs) == 0 {
		return len(path) == 0
	}
	s := segs[0]
	if s.kind == patDeep {
		// `**` matches zero or more path segments.
		for skip := 0; skip <= len(path); skip++ {
			if matchSegs(segs[1:], path[skip:]) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return false
	}
	head := path[0]
	var ok bool
	switch s.kind {
	case patKey:
		ok = !head.IsIndex() && head.Key() == s.key
	case patIndex:
		ok = head.IsIndex() && head.Index() == s.idx
	case patAnyIndex:
		ok = head.IsIndex()
	case patWild:
		ok = true
	case patGroup:
		if !head.IsIndex() {
			for _, k := range s.keys {
				if head.Key() == k {
					ok = true
					break
				}
			}
		}
	}
	if !ok {
		return false
	}
	return matchSegs(segs[1:], path[1:])
}
