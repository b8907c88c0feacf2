package engine

import (
	"fmt"

	"github.com/opereon/opereon/pkg/model"
)

// Registry holds the procs, hosts and aspects parsed from a model revision.
// Declaration order is preserved; it decides proc trigger order.
type Registry struct {
	procs     []*ProcDef
	procIndex map[string]*ProcDef

	hosts     []*HostDef
	hostIndex map[string]*HostDef

	aspects []*AspectDef

	events  map[string]*EventDef
	queries map[string]*QueryDef
	fns     map[string]*FnDef
}

// LoadRegistry parses the `hosts`, `procs` and `aspects` sections of a model
// tree into a registry.
func LoadRegistry(tree *model.Tree) (*Registry, error) {
	r := &Registry{
		procIndex: make(map[string]*ProcDef),
		hostIndex: make(map[string]*HostDef),
		events:    make(map[string]*EventDef),
		queries:   make(map[string]*QueryDef),
		fns:       make(map[string]*FnDef),
	}
	root := tree.Root()
	if root == nil || root.Kind() != model.KindMapping {
		return nil, NewMalformedModelError("model root must be a mapping", nil)
	}

	if hn := root.Field("hosts"); hn != nil && hn.Kind() == model.KindMapping {
		for _, k := range hn.Keys() {
			h, err := parseHostDef(k, hn.Field(k))
			if err != nil {
				return nil, NewMalformedModelError("parsing hosts", err)
			}
			r.hosts = append(r.hosts, h)
			r.hostIndex[k] = h
		}
	}

	if pn := root.Field("procs"); pn != nil && pn.Kind() == model.KindMapping {
		for _, k := range pn.Keys() {
			p, err := parseProcDef(k, pn.Field(k))
			if err != nil {
				return nil, NewMalformedModelError("parsing procs", err)
			}
			if _, dup := r.procIndex[k]; dup {
				return nil, NewMalformedModelError(fmt.Sprintf("duplicate proc %q", k), nil)
			}
			r.procs = append(r.procs, p)
			r.procIndex[k] = p
		}
	}

	if an := root.Field("aspects"); an != nil && an.Kind() == model.KindMapping {
		for _, k := range an.Keys() {
			a, err := parseAspectDef(k, an.Field(k))
			if err != nil {
				return nil, NewMalformedModelError("parsing aspects", err)
			}
			r.aspects = append(r.aspects, a)
			for _, ev := range a.Events {
				if _, dup := r.events[ev.Name]; dup {
					return nil, NewMalformedModelError(fmt.Sprintf("duplicate event type %q", ev.Name), nil)
				}
				r.events[ev.Name] = ev
			}
			for _, q := range a.Queries {
				r.queries[q.Name] = q
			}
			for _, f := range a.Fns {
				r.fns[f.Name] = f
			}
			for _, c := range a.Checks {
				if _, dup := r.procIndex[c.Name]; dup {
					return nil, NewMalformedModelError(fmt.Sprintf("duplicate proc %q", c.Name), nil)
				}
				r.procs = append(r.procs, c)
				r.procIndex[c.Name] = c
			}
		}
	}

	for _, ev := range r.events {
		// The walk tracks every visited name: a cycle anywhere in the chain
		// must terminate it, not just a return to the starting event.
		visited := map[string]bool{ev.Name: true}
		for sup := ev.Extends; sup != ""; {
			def, ok := r.events[sup]
			if !ok {
				return nil, NewMalformedModelError(
					fmt.Sprintf("event %q extends unknown type %q", ev.Name, sup), nil)
			}
			if visited[def.Name] {
				return nil, NewMalformedModelError(
					fmt.Sprintf("supertype chain of event %q cycles at %q", ev.Name, def.Name), nil)
			}
			visited[def.Name] = true
			sup = def.Extends
		}
	}

	return r, nil
}

// Procs returns all procs in declaration order.
func (r *Registry) Procs() []*ProcDef { return r.procs }

// Proc returns the proc registered under name, or nil.
func (r *Registry) Proc(name string) *ProcDef { return r.procIndex[name] }

// UpdateProcs returns the diff-triggered procs in declaration order.
func (r *Registry) UpdateProcs() []*ProcDef {
	var out []*ProcDef
	for _, p := range r.procs {
		if p.Kind == ProcUpdate {
			out = append(out, p)
		}
	}
	return out
}

// Hosts returns all hosts in declaration order.
func (r *Registry) Hosts() []*HostDef { return r.hosts }

// Host returns the host declared under name, or nil.
func (r *Registry) Host(name string) *HostDef { return r.hostIndex[name] }

// HostByHostname returns the host with the given hostname, or nil.
func (r *Registry) HostByHostname(hostname string) *HostDef {
	for _, h := range r.hosts {
		if h.Hostname == hostname {
			return h
		}
	}
	return nil
}

// Aspects returns all aspects in declaration order.
func (r *Registry) Aspects() []*AspectDef { return r.aspects }

// Event returns the event type declaration, or nil.
func (r *Registry) Event(name string) *EventDef { return r.events[name] }

// Query returns the query registered under the qualified name, or nil.
func (r *Registry) Query(name string) *QueryDef { return r.queries[name] }

// Fn returns the task template registered under the qualified name, or nil.
func (r *Registry) Fn(name string) *FnDef { return r.fns[name] }

// EventIsA reports whether event type name is typ or a subtype of typ
// through the extends chain.
func (r *Registry) EventIsA(name, typ string) bool {
	for name != "" {
		if name == typ {
			return true
		}
		def, ok := r.events[name]
		if !ok {
			return false
		}
		name = def.Extends
	}
	return false
}
