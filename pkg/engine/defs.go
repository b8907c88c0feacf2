package engine

import (
	"fmt"
	"time"

	"github.com/gobwas/glob"

	"github.com/opereon/opereon/pkg/expr"
	"github.com/opereon/opereon/pkg/model"
)

// ProcKind distinguishes how a proc is triggered.
type ProcKind int

const (
	// ProcExec procs are invoked explicitly, by name or from an exec task.
	ProcExec ProcKind = iota

	// ProcCheck procs are read-only validation procs invoked on demand.
	ProcCheck

	// ProcUpdate procs are diff-triggered through their watch entries.
	ProcUpdate

	// ProcProbe procs are read-only probes invoked on demand.
	ProcProbe
)

// String returns the declaration keyword for the kind.
func (k ProcKind) String() string {
	switch k {
	case ProcExec:
		return "exec"
	case ProcCheck:
		return "check"
	case ProcUpdate:
		return "update"
	case ProcProbe:
		return "probe"
	default:
		return "unknown"
	}
}

func parseProcKind(s string) (ProcKind, error) {
	switch s {
	case "exec":
		return ProcExec, nil
	case "check":
		return ProcCheck, nil
	case "update":
		return ProcUpdate, nil
	case "probe":
		return ProcProbe, nil
	default:
		return ProcExec, fmt.Errorf("unknown proc kind %q", s)
	}
}

// TaskKind identifies a task tree node variant.
type TaskKind int

const (
	// TaskCommand dispatches a command to the host.
	TaskCommand TaskKind = iota

	// TaskScript dispatches a script to the host.
	TaskScript

	// TaskFileCopy materializes a file on the host.
	TaskFileCopy

	// TaskFileCompare checks a file on the host without mutating it.
	TaskFileCompare

	// TaskTemplate materializes a templated file with explicit bindings.
	TaskTemplate

	// TaskSwitch evaluates cases in order and runs the first truthy one.
	TaskSwitch

	// TaskExec delegates to a named exec proc.
	TaskExec

	// TaskTry guards nested tasks with a catch handler.
	TaskTry

	// TaskRaise raises a typed event to the handler registry.
	TaskRaise

	// TaskThrow raises an explicit validation error.
	TaskThrow
)

// String returns the declaration keyword for the task kind.
func (k TaskKind) String() string {
	switch k {
	case TaskCommand:
		return "command"
	case TaskScript:
		return "script"
	case TaskFileCopy:
		return "file-copy"
	case TaskFileCompare:
		return "file-compare"
	case TaskTemplate:
		return "template"
	case TaskSwitch:
		return "switch"
	case TaskExec:
		return "exec"
	case TaskTry:
		return "try"
	case TaskRaise:
		return "raise"
	case TaskThrow:
		return "throw"
	default:
		return "unknown"
	}
}

func parseTaskKind(s string) (TaskKind, error) {
	switch s {
	case "command":
		return TaskCommand, nil
	case "script":
		return TaskScript, nil
	case "file-copy":
		return TaskFileCopy, nil
	case "file-compare":
		return TaskFileCompare, nil
	case "template":
		return TaskTemplate, nil
	case "switch":
		return TaskSwitch, nil
	case "exec":
		return TaskExec, nil
	case "try":
		return TaskTry, nil
	case "raise":
		return TaskRaise, nil
	case "throw":
		return TaskThrow, nil
	default:
		return TaskCommand, fmt.Errorf("unknown task kind %q", s)
	}
}

// ValueDef is either a static node or a resolvable `${...}` expression.
type ValueDef struct {
	static *model.Node
	expr   *expr.Expr
}

// ParseValueDef recognizes the interpolation form on string nodes; all other
// nodes stay static.
func ParseValueDef(n *model.Node) (*ValueDef, error) {
	if n.Kind() == model.KindString && expr.IsTemplate(n.AsString()) {
		e, err := expr.ParseTemplate(n.AsString())
		if err != nil {
			return nil, err
		}
		return &ValueDef{expr: e}, nil
	}
	return &ValueDef{static: n}, nil
}

// IsStatic reports whether the value needs no evaluation.
func (v *ValueDef) IsStatic() bool { return v.static != nil }

// Resolve evaluates the value in the given context.
func (v *ValueDef) Resolve(current *model.Node, scope *expr.Scope) (model.NodeSet, error) {
	if v.static != nil {
		return model.NodeSet{v.static}, nil
	}
	return v.expr.Eval(current, scope)
}

// ScopeDef is the ordered mapping of names to value definitions declared in
// a `scope` block.
type ScopeDef struct {
	names []string
	vals  map[string]*ValueDef
}

// Names returns the declared names in order.
func (s *ScopeDef) Names() []string { return s.names }

// Get returns the value definition for name, or nil.
func (s *ScopeDef) Get(name string) *ValueDef {
	if s == nil {
		return nil
	}
	return s.vals[name]
}

// Resolve evaluates every declared value into dst, in declaration order, so
// later entries can reference earlier ones.
func (s *ScopeDef) Resolve(current *model.Node, dst *expr.Scope) error {
	if s == nil {
		return nil
	}
	for _, name := range s.names {
		v, err := s.vals[name].Resolve(current, dst)
		if err != nil {
			return NewExpressionError(fmt.Sprintf("resolving scope value %q", name), err)
		}
		dst.SetVar(name, v)
	}
	return nil
}

func parseScopeDef(n *model.Node) (*ScopeDef, error) {
	s := &ScopeDef{vals: make(map[string]*ValueDef)}
	sn := n.Field("scope")
	if sn == nil || sn.Kind() == model.KindNull {
		return s, nil
	}
	if sn.Kind() != model.KindMapping {
		return nil, fmt.Errorf("scope must be a mapping, got %s", sn.Kind())
	}
	for _, k := range sn.Keys() {
		v, err := ParseValueDef(sn.Field(k))
		if err != nil {
			return nil, fmt.Errorf("scope value %q: %w", k, err)
		}
		s.names = append(s.names, k)
		s.vals[k] = v
	}
	return s, nil
}

// ModelWatch maps a model path pattern to a change kind mask.
type ModelWatch struct {
	// Path is the watched path expression, e.g. `$$hosts.packages[*]`.
	Path *expr.Expr

	// Mask is the operator set the watch fires on.
	Mask model.ChangeKindMask
}

// FileWatch maps a file glob to a trigger marker.
type FileWatch struct {
	// Pattern is the glob source text.
	Pattern string

	// Glob is the compiled matcher.
	Glob glob.Glob

	// Mask is kept for symmetry; the `~` marker yields the full mask and
	// file watches trigger regardless of change kind.
	Mask model.ChangeKindMask
}

// OutputDef captures a task's output into the enclosing scope.
type OutputDef struct {
	// Var is the scope variable the parsed output is bound to.
	Var string

	// Format is the parse format: "json", "yaml" or "text".
	Format string
}

// CaseDef is one branch of a switch task.
type CaseDef struct {
	// When is the branch condition.
	When *expr.Expr

	// Tasks run when the condition is truthy.
	Tasks []*TaskDef
}

// TryDef guards a nested task list with a catch handler.
type TryDef struct {
	// Body is the guarded task list.
	Body []*TaskDef

	// CatchVar binds the error value in the handler scope, "" for none.
	CatchVar string

	// Raise re-raises the caught error as a typed event, "" to swallow.
	Raise string

	// Handler runs after a recoverable failure is caught.
	Handler []*TaskDef
}

// TaskDef is one node of a task tree.
type TaskDef struct {
	// Kind is the task variant.
	Kind TaskKind

	// Label identifies the task in reports and logs.
	Label string

	// ReadOnly marks the task (and everything nested under it) as
	// non-mutating.
	ReadOnly bool

	// Scope is the task-local scope block.
	Scope *ScopeDef

	// Env is the environment mapping for command/script tasks.
	Env *ScopeDef

	// Output captures the task result into the enclosing scope.
	Output *OutputDef

	// Switch holds the branches of a switch task.
	Switch []*CaseDef

	// Try holds the guarded block of a try task.
	Try *TryDef

	node *model.Node
}

// Node returns the model node the task was parsed from.
func (t *TaskDef) Node() *model.Node { return t.node }

// RunBlock selects hosts and runs a task list on each of them.
type RunBlock struct {
	// Hosts selects the target hosts; nil selects every model host.
	Hosts *expr.Expr

	// Tasks is the ordered task list.
	Tasks []*TaskDef
}

// ProcDef is a named reactive unit of task execution.
type ProcDef struct {
	// Name is the registry key of the proc.
	Name string

	// Label is the display label, defaulting to the name.
	Label string

	// Kind decides how the proc is triggered.
	Kind ProcKind

	// Watches are the model path watch entries (update procs only).
	Watches []*ModelWatch

	// FileWatches are the file glob watch entries (update procs only).
	FileWatches []*FileWatch

	// Scope is the proc-level scope block.
	Scope *ScopeDef

	// Run is the ordered list of run blocks.
	Run []*RunBlock

	node *model.Node
}

// Node returns the model node the proc was parsed from.
func (p *ProcDef) Node() *model.Node { return p.node }

// SSHDest is the transport target of a host.
type SSHDest struct {
	// Host is the address to connect to, defaulting to the hostname.
	Host string

	// Port is the SSH port, defaulting to 22.
	Port int

	// Username is the login user.
	Username string

	// IdentityFile is the private key path, if set.
	IdentityFile string
}

// HostDef is an addressable host entry of the model.
type HostDef struct {
	// Name is the key the host is declared under.
	Name string

	// Hostname is the host's FQDN; required.
	Hostname string

	// SSH is the transport destination.
	SSH SSHDest

	node *model.Node
}

// Node returns the model node the host was parsed from.
func (h *HostDef) Node() *model.Node { return h.node }

// EventDef declares a typed event inside an aspect.
type EventDef struct {
	// Name is the event type name.
	Name string

	// Extends names the supertype, "" for none. Handlers declared on a
	// supertype also receive subtype events.
	Extends string
}

// QueryDef is a cached, read-only computation keyed by host and arguments.
type QueryDef struct {
	// Name is the registry key, qualified by aspect.
	Name string

	// CacheInterval is the TTL of cached results.
	CacheInterval time.Duration

	// Scope is the query-level scope block.
	Scope *ScopeDef

	// Tasks compute the query result; the last task's captured output is
	// the query value.
	Tasks []*TaskDef

	node *model.Node
}

// PollDef is an interval-triggered probe producing events.
type PollDef struct {
	// Name is the registry key, qualified by aspect.
	Name string

	// Interval is the tick period.
	Interval time.Duration

	// Hosts selects the probed hosts; nil selects every model host.
	Hosts *expr.Expr

	// Scope is the poll-level scope block.
	Scope *ScopeDef

	// Tasks is the probe body.
	Tasks []*TaskDef

	node *model.Node
}

// OnDef is an event handler.
type OnDef struct {
	// Event is the handled event type (exact type or declared supertype).
	Event string

	// Run is the handler's run block list.
	Run []*RunBlock
}

// FnDef is a reusable task-tree template invocable from exec tasks.
type FnDef struct {
	// Name is the registry key, qualified by aspect.
	Name string

	// Scope is the template's default scope block.
	Scope *ScopeDef

	// Tasks is the template body.
	Tasks []*TaskDef
}

// AspectDef bundles reactive, query and event declarations for a domain.
type AspectDef struct {
	// Name is the aspect name, e.g. "hosts".
	Name string

	// Events are the typed event declarations.
	Events []*EventDef

	// Queries are the cached computations.
	Queries []*QueryDef

	// Polls are the interval probes.
	Polls []*PollDef

	// Handlers are the event handlers.
	Handlers []*OnDef

	// Fns are the reusable task templates.
	Fns []*FnDef

	// Checks are validation procs declared at aspect level.
	Checks []*ProcDef
}

func parseProcDef(name string, n *model.Node) (*ProcDef, error) {
	if n.Kind() != model.KindMapping {
		return nil, fmt.Errorf("proc %q: definition must be a mapping, got %s", name, n.Kind())
	}
	kindNode := n.Field("proc")
	if kindNode == nil {
		return nil, fmt.Errorf("proc %q: missing 'proc' kind", name)
	}
	kind, err := parseProcKind(kindNode.AsString())
	if err != nil {
		return nil, fmt.Errorf("proc %q: %w", name, err)
	}

	p := &ProcDef{Name: name, Label: name, Kind: kind, node: n}
	if l := n.Field("label"); l != nil {
		p.Label = l.AsString()
	}

	if kind == ProcUpdate {
		if wn := n.Field("watch"); wn != nil && wn.Kind() != model.KindNull {
			if wn.Kind() != model.KindMapping {
				return nil, fmt.Errorf("proc %q: watch must be a mapping, got %s", name, wn.Kind())
			}
			for _, k := range wn.Keys() {
				src := k
				if expr.IsTemplate(src) {
					// Watch keys may be written either bare or interpolated.
					src = src[2 : len(src)-1]
				}
				e, err := expr.Parse(src)
				if err != nil {
					return nil, fmt.Errorf("proc %q: watch pattern %q: %w", name, k, err)
				}
				p.Watches = append(p.Watches, &ModelWatch{
					Path: e,
					Mask: model.ParseMask(wn.Field(k).AsString()),
				})
			}
		}
		if wn := n.Field("watch_file"); wn != nil && wn.Kind() != model.KindNull {
			if wn.Kind() != model.KindMapping {
				return nil, fmt.Errorf("proc %q: watch_file must be a mapping, got %s", name, wn.Kind())
			}
			for _, k := range wn.Keys() {
				g, err := glob.Compile(k, '/')
				if err != nil {
					return nil, fmt.Errorf("proc %q: watch_file glob %q: %w", name, k, err)
				}
				p.FileWatches = append(p.FileWatches, &FileWatch{
					Pattern: k,
					Glob:    g,
					Mask:    model.ParseMask(wn.Field(k).AsString()),
				})
			}
		}
		if len(p.Watches) == 0 && len(p.FileWatches) == 0 {
			return nil, fmt.Errorf("proc %q: update procs require watch or watch_file entries", name)
		}
	}

	p.Scope, err = parseScopeDef(n)
	if err != nil {
		return nil, fmt.Errorf("proc %q: %w", name, err)
	}

	p.Run, err = parseRunBlocks(name, n.Field("run"))
	if err != nil {
		return nil, err
	}
	return p, nil
}

func parseRunBlocks(procName string, rn *model.Node) ([]*RunBlock, error) {
	if rn == nil || rn.Kind() == model.KindNull {
		return nil, nil
	}
	var elems []*model.Node
	switch rn.Kind() {
	case model.KindSequence:
		elems = rn.Elems()
	case model.KindMapping:
		for _, k := range rn.Keys() {
			elems = append(elems, rn.Field(k))
		}
	default:
		return nil, fmt.Errorf("proc %q: run must be a sequence or mapping, got %s", procName, rn.Kind())
	}

	var blocks []*RunBlock
	for i, e := range elems {
		if e.Kind() != model.KindMapping {
			return nil, fmt.Errorf("proc %q: run[%d] must be a mapping", procName, i)
		}
		b := &RunBlock{}
		if h := e.Field("hosts"); h != nil {
			v, err := ParseValueDef(h)
			if err != nil {
				return nil, fmt.Errorf("proc %q: run[%d].hosts: %w", procName, i, err)
			}
			if v.IsStatic() {
				return nil, fmt.Errorf("proc %q: run[%d].hosts must be an expression", procName, i)
			}
			b.Hosts = v.expr
		}
		tasks, err := parseTaskList(procName, e.Field("tasks"))
		if err != nil {
			return nil, fmt.Errorf("proc %q: run[%d]: %w", procName, i, err)
		}
		if tasks == nil {
			return nil, fmt.Errorf("proc %q: run[%d]: missing tasks", procName, i)
		}
		b.Tasks = tasks
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func parseTaskList(procName string, tn *model.Node) ([]*TaskDef, error) {
	if tn == nil || tn.Kind() == model.KindNull {
		return nil, nil
	}
	var elems []*model.Node
	var labels []string
	switch tn.Kind() {
	case model.KindSequence:
		elems = tn.Elems()
		labels = make([]string, len(elems))
	case model.KindMapping:
		for _, k := range tn.Keys() {
			elems = append(elems, tn.Field(k))
			labels = append(labels, k)
		}
	default:
		return nil, fmt.Errorf("tasks must be a sequence or mapping, got %s", tn.Kind())
	}

	tasks := make([]*TaskDef, 0, len(elems))
	for i, e := range elems {
		t, err := parseTaskDef(procName, labels[i], e)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func parseTaskDef(procName, label string, n *model.Node) (*TaskDef, error) {
	if n.Kind() != model.KindMapping {
		return nil, fmt.Errorf("task definition must be a mapping, got %s", n.Kind())
	}
	kn := n.Field("task")
	if kn == nil {
		return nil, fmt.Errorf("missing 'task' kind")
	}
	kind, err := parseTaskKind(kn.AsString())
	if err != nil {
		return nil, err
	}

	t := &TaskDef{Kind: kind, Label: label, node: n}
	if l := n.Field("label"); l != nil {
		t.Label = l.AsString()
	}
	if t.Label == "" {
		t.Label = kind.String()
	}
	if ro := n.Field("ro"); ro != nil && ro.AsBool() {
		t.ReadOnly = true
	}

	t.Scope, err = parseScopeDef(n)
	if err != nil {
		return nil, err
	}

	if kind == TaskCommand || kind == TaskScript {
		if en := n.Field("env"); en != nil && en.Kind() != model.KindNull {
			if en.Kind() != model.KindMapping {
				return nil, fmt.Errorf("env must be a mapping, got %s", en.Kind())
			}
			env := &ScopeDef{vals: make(map[string]*ValueDef)}
			for _, k := range en.Keys() {
				v, err := ParseValueDef(en.Field(k))
				if err != nil {
					return nil, fmt.Errorf("env value %q: %w", k, err)
				}
				env.names = append(env.names, k)
				env.vals[k] = v
			}
			t.Env = env
		}
	}

	if on := n.Field("output"); on != nil && on.Kind() != model.KindNull {
		out := &OutputDef{Var: "output", Format: "text"}
		switch on.Kind() {
		case model.KindString:
			out.Format = on.AsString()
		case model.KindMapping:
			if v := on.Field("var"); v != nil {
				out.Var = v.AsString()
			}
			if f := on.Field("format"); f != nil {
				out.Format = f.AsString()
			}
		default:
			return nil, fmt.Errorf("output must be a string or mapping, got %s", on.Kind())
		}
		switch out.Format {
		case "json", "yaml", "text":
		default:
			return nil, fmt.Errorf("unknown output format %q", out.Format)
		}
		t.Output = out
	}

	switch kind {
	case TaskSwitch:
		cn := n.Field("cases")
		if cn == nil || cn.Kind() != model.KindSequence {
			return nil, fmt.Errorf("switch task requires a 'cases' sequence")
		}
		for i, c := range cn.Elems() {
			if c.Kind() != model.KindMapping {
				return nil, fmt.Errorf("cases[%d] must be a mapping", i)
			}
			wn := c.Field("when")
			if wn == nil {
				return nil, fmt.Errorf("cases[%d]: missing 'when'", i)
			}
			wv, err := ParseValueDef(wn)
			if err != nil {
				return nil, fmt.Errorf("cases[%d].when: %w", i, err)
			}
			if wv.IsStatic() {
				return nil, fmt.Errorf("cases[%d].when must be an expression", i)
			}
			nested, err := parseTaskList(procName, c.Field("tasks"))
			if err != nil {
				return nil, fmt.Errorf("cases[%d]: %w", i, err)
			}
			t.Switch = append(t.Switch, &CaseDef{When: wv.expr, Tasks: nested})
		}
	case TaskTry:
		body, err := parseTaskList(procName, n.Field("tasks"))
		if err != nil {
			return nil, err
		}
		if len(body) == 0 {
			return nil, fmt.Errorf("try task requires a 'tasks' list")
		}
		try := &TryDef{Body: body}
		if cn := n.Field("catch"); cn != nil && cn.Kind() != model.KindNull {
			if cn.Kind() != model.KindMapping {
				return nil, fmt.Errorf("catch must be a mapping, got %s", cn.Kind())
			}
			if v := cn.Field("var"); v != nil {
				try.CatchVar = v.AsString()
			}
			if r := cn.Field("raise"); r != nil {
				try.Raise = r.AsString()
			}
			try.Handler, err = parseTaskList(procName, cn.Field("tasks"))
			if err != nil {
				return nil, fmt.Errorf("catch: %w", err)
			}
		}
		t.Try = try
	}

	return t, nil
}

func parseHostDef(name string, n *model.Node) (*HostDef, error) {
	if n.Kind() != model.KindMapping {
		return nil, fmt.Errorf("host %q: definition must be a mapping, got %s", name, n.Kind())
	}
	hn := n.Field("hostname")
	if hn == nil {
		return nil, fmt.Errorf("host %q: missing required 'hostname'", name)
	}
	h := &HostDef{Name: name, Hostname: hn.AsString(), node: n}
	h.SSH = SSHDest{Host: h.Hostname, Port: 22}
	if sn := n.Field("ssh_dest"); sn != nil && sn.Kind() == model.KindMapping {
		if v := sn.Field("host"); v != nil {
			h.SSH.Host = v.AsString()
		}
		if v := sn.Field("port"); v != nil {
			if f, ok := v.AsNumber(); ok {
				h.SSH.Port = int(f)
			}
		}
		if v := sn.Field("username"); v != nil {
			h.SSH.Username = v.AsString()
		}
		if v := sn.Field("identity_file"); v != nil {
			h.SSH.IdentityFile = v.AsString()
		}
	}
	return h, nil
}

func parseAspectDef(name string, n *model.Node) (*AspectDef, error) {
	if n.Kind() != model.KindMapping {
		return nil, fmt.Errorf("aspect %q: definition must be a mapping, got %s", name, n.Kind())
	}
	a := &AspectDef{Name: name}

	if en := n.Field("events"); en != nil && en.Kind() == model.KindMapping {
		for _, k := range en.Keys() {
			ev := &EventDef{Name: k}
			if def := en.Field(k); def.Kind() == model.KindMapping {
				if x := def.Field("extends"); x != nil {
					ev.Extends = x.AsString()
				}
			}
			a.Events = append(a.Events, ev)
		}
	}

	if qn := n.Field("queries"); qn != nil && qn.Kind() == model.KindMapping {
		for _, k := range qn.Keys() {
			def := qn.Field(k)
			q := &QueryDef{Name: name + "." + k, node: def}
			if ci := def.Field("cache_interval"); ci != nil {
				d, err := time.ParseDuration(ci.AsString())
				if err != nil {
					return nil, fmt.Errorf("aspect %q: query %q: invalid cache_interval: %w", name, k, err)
				}
				q.CacheInterval = d
			}
			var err error
			q.Scope, err = parseScopeDef(def)
			if err != nil {
				return nil, fmt.Errorf("aspect %q: query %q: %w", name, k, err)
			}
			q.Tasks, err = parseTaskList(q.Name, def.Field("tasks"))
			if err != nil {
				return nil, fmt.Errorf("aspect %q: query %q: %w", name, k, err)
			}
			if len(q.Tasks) == 0 {
				return nil, fmt.Errorf("aspect %q: query %q: missing tasks", name, k)
			}
			a.Queries = append(a.Queries, q)
		}
	}

	if pn := n.Field("polls"); pn != nil && pn.Kind() == model.KindMapping {
		for _, k := range pn.Keys() {
			def := pn.Field(k)
			p := &PollDef{Name: name + "." + k, node: def}
			in := def.Field("interval")
			if in == nil {
				return nil, fmt.Errorf("aspect %q: poll %q: missing interval", name, k)
			}
			d, err := time.ParseDuration(in.AsString())
			if err != nil {
				return nil, fmt.Errorf("aspect %q: poll %q: invalid interval: %w", name, k, err)
			}
			p.Interval = d
			if h := def.Field("hosts"); h != nil {
				v, err := ParseValueDef(h)
				if err != nil || v.IsStatic() {
					return nil, fmt.Errorf("aspect %q: poll %q: hosts must be an expression", name, k)
				}
				p.Hosts = v.expr
			}
			p.Scope, err = parseScopeDef(def)
			if err != nil {
				return nil, fmt.Errorf("aspect %q: poll %q: %w", name, k, err)
			}
			p.Tasks, err = parseTaskList(p.Name, def.Field("tasks"))
			if err != nil {
				return nil, fmt.Errorf("aspect %q: poll %q: %w", name, k, err)
			}
			if len(p.Tasks) == 0 {
				return nil, fmt.Errorf("aspect %q: poll %q: missing tasks", name, k)
			}
			a.Polls = append(a.Polls, p)
		}
	}

	if on := n.Field("on"); on != nil && on.Kind() == model.KindMapping {
		for _, k := range on.Keys() {
			def := on.Field(k)
			run, err := parseRunBlocks(name+".on."+k, def.Field("run"))
			if err != nil {
				return nil, err
			}
			a.Handlers = append(a.Handlers, &OnDef{Event: k, Run: run})
		}
	}

	if fn := n.Field("fns"); fn != nil && fn.Kind() == model.KindMapping {
		for _, k := range fn.Keys() {
			def := fn.Field(k)
			f := &FnDef{Name: name + "." + k}
			var err error
			f.Scope, err = parseScopeDef(def)
			if err != nil {
				return nil, fmt.Errorf("aspect %q: fn %q: %w", name, k, err)
			}
			f.Tasks, err = parseTaskList(f.Name, def.Field("tasks"))
			if err != nil {
				return nil, fmt.Errorf("aspect %q: fn %q: %w", name, k, err)
			}
			a.Fns = append(a.Fns, f)
		}
	}

	if cn := n.Field("checks"); cn != nil && cn.Kind() == model.KindMapping {
		for _, k := range cn.Keys() {
			def := cn.Field(k)
			p, err := parseProcDef(name+"."+k, def)
			if err != nil {
				return nil, err
			}
			if p.Kind != ProcCheck {
				return nil, fmt.Errorf("aspect %q: check %q must declare proc: check", name, k)
			}
			a.Checks = append(a.Checks, p)
		}
	}

	return a, nil
}
