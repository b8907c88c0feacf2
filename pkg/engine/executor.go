package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/opereon/opereon/pkg/expr"
	"github.com/opereon/opereon/pkg/model"
	"github.com/opereon/opereon/pkg/telemetry"
)

// DefaultHostConcurrency bounds how many hosts a proc converges at once.
const DefaultHostConcurrency = 8

// Executor runs proc task trees against hosts through a transport. Tasks on
// one host run strictly in order; distinct hosts run concurrently up to the
// configured limit, each against its own scope chain, so one host's failure
// never disturbs another's run.
type Executor struct {
	reg       *Registry
	transport Transport
	bus       *EventBus
	queries   *QueryCache
	log       zerolog.Logger

	// HostConcurrency bounds concurrent host runs per proc.
	HostConcurrency int
}

// NewExecutor wires an executor over the registry and transport. The query
// cache computes misses through this executor's task runner.
func NewExecutor(reg *Registry, transport Transport, bus *EventBus, log zerolog.Logger) *Executor {
	e := &Executor{
		reg:             reg,
		transport:       transport,
		bus:             bus,
		log:             log.With().Str("component", "executor").Logger(),
		HostConcurrency: DefaultHostConcurrency,
	}
	e.queries = NewQueryCache(e.runQuery)
	return e
}

// Queries exposes the executor's query cache.
func (e *Executor) Queries() *QueryCache { return e.queries }

// hostCtx carries the per-host execution state threaded through a task tree.
type hostCtx struct {
	proc    *ProcDef
	host    *HostDef
	current *model.Node
	ro      bool
}

// RunProc executes a proc for a trigger. oldRoot may be nil for explicit
// invocations; newRoot is the current model the run converges hosts to.
func (e *Executor) RunProc(ctx context.Context, p *ProcDef, trig *Triggered, oldRoot, newRoot *model.Node) *ProcReport {
	start := time.Now()
	telemetry.ProcsTriggered.WithLabelValues(p.Kind.String()).Inc()

	report := &ProcReport{Proc: p.Name, Label: p.Label, Kind: p.Kind.String(), Status: StatusCompleted}
	log := e.log.With().Str("proc", p.Name).Logger()
	log.Info().Str("kind", p.Kind.String()).Msg("proc started")

	// Matched changes live in the global layer so `$$model_changes` and
	// `$$model_files` resolve anywhere in the run, delegated procs included.
	global := NewGlobalScope(newRoot)
	if trig != nil {
		global.SetNode("model_changes", ChangesNode(trig.Changes))
		global.SetNode("model_files", FilesNode(trig.Files))
	}
	scope := global.Child()
	scope.SetNode("proc", p.Node())
	if oldRoot != nil {
		scope.SetNode("old", oldRoot)
	}
	if err := p.Scope.Resolve(newRoot, scope); err != nil {
		report.Status = StatusFailed
		report.Warnings = append(report.Warnings, err.Error())
		report.Duration = time.Since(start)
		log.Error().Err(err).Msg("proc scope resolution failed")
		return report
	}

	// Check and probe procs never mutate hosts.
	ro := p.Kind == ProcCheck || p.Kind == ProcProbe

	for _, block := range p.Run {
		hosts, err := e.resolveHosts(block.Hosts, newRoot, scope)
		if err != nil {
			report.Status = StatusFailed
			report.Warnings = append(report.Warnings, err.Error())
			break
		}
		hostReports := e.runOnHosts(ctx, p, hosts, block.Tasks, newRoot, scope, ro)
		for _, hr := range hostReports {
			report.Hosts = append(report.Hosts, hr)
			report.Status = foldStatus(report.Status, hr.Status)
			if hr.Status == StatusRecovered {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("host %s recovered from a task failure", hr.Host))
			}
		}
	}

	report.Duration = time.Since(start)
	log.Info().
		Str("status", string(report.Status)).
		Dur("duration", report.Duration).
		Int("hosts", len(report.Hosts)).
		Msg("proc finished")
	return report
}

// resolveHosts maps a host selector to host definitions. A nil selector
// selects every declared host. Resolved nodes may be host mapping nodes or
// plain names/hostnames.
func (e *Executor) resolveHosts(sel *expr.Expr, current *model.Node, scope *expr.Scope) ([]*HostDef, error) {
	if sel == nil {
		return e.reg.Hosts(), nil
	}
	ns, err := sel.Eval(current, scope)
	if err != nil {
		return nil, NewExpressionError("resolving run hosts", err)
	}
	var out []*HostDef
	seen := make(map[string]bool)
	for _, n := range ns {
		h := e.hostFromNode(n)
		if h == nil {
			return nil, NewExpressionError(
				fmt.Sprintf("host selector resolved to a non-host node at %s", n.Path()), nil)
		}
		if !seen[h.Name] {
			seen[h.Name] = true
			out = append(out, h)
		}
	}
	return out, nil
}

func (e *Executor) hostFromNode(n *model.Node) *HostDef {
	if n.Kind() == model.KindString {
		if h := e.reg.Host(n.AsString()); h != nil {
			return h
		}
		return e.reg.HostByHostname(n.AsString())
	}
	if n.Kind() == model.KindMapping {
		if hn := n.Field("hostname"); hn != nil {
			if h := e.reg.HostByHostname(hn.AsString()); h != nil {
				return h
			}
		}
		if key := n.KeyInParent(); key != "" {
			return e.reg.Host(key)
		}
	}
	return nil
}

// runOnHosts fans the task list out over hosts. Each host gets its own scope
// layer and report; failures stay contained to their host.
func (e *Executor) runOnHosts(ctx context.Context, p *ProcDef, hosts []*HostDef, tasks []*TaskDef, current *model.Node, scope *expr.Scope, ro bool) []*HostReport {
	reports := make([]*HostReport, len(hosts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.HostConcurrency)
	for i, h := range hosts {
		i, h := i, h
		g.Go(func() error {
			hr := e.runHost(gctx, p, h, tasks, current, scope, ro)
			mu.Lock()
			reports[i] = hr
			mu.Unlock()
			// Host failures are reported, never propagated, so sibling
			// hosts keep running.
			return nil
		})
	}
	// Goroutines always return nil; failures live in the reports.
	_ = g.Wait()
	return reports
}

func (e *Executor) runHost(ctx context.Context, p *ProcDef, h *HostDef, tasks []*TaskDef, current *model.Node, scope *expr.Scope, ro bool) *HostReport {
	start := time.Now()
	hr := &HostReport{Host: h.Hostname, Status: StatusCompleted}

	hostScope := scope.Child()
	hostScope.SetNode("host", h.Node())

	hc := &hostCtx{proc: p, host: h, current: current, ro: ro}
	status, err := e.runTaskList(ctx, hc, tasks, hostScope, &hr.Tasks)
	hr.Status = status
	if err != nil {
		hr.Error = err.Error()
	}
	hr.Duration = time.Since(start)
	return hr
}

// runTaskList runs tasks in order, stopping at the first unrecovered failure.
// Output captures bind into scope, so later tasks of the same list see them.
func (e *Executor) runTaskList(ctx context.Context, hc *hostCtx, tasks []*TaskDef, scope *expr.Scope, out *[]*TaskReport) (Status, error) {
	status := StatusCompleted
	for _, t := range tasks {
		tr, err := e.runTask(ctx, hc, t, scope)
		*out = append(*out, tr)
		status = foldStatus(status, tr.Status)
		if err != nil {
			return StatusFailed, err
		}
	}
	return status, nil
}

func (e *Executor) runTask(ctx context.Context, hc *hostCtx, t *TaskDef, scope *expr.Scope) (*TaskReport, error) {
	start := time.Now()
	tr := &TaskReport{Label: t.Label, Kind: t.Kind.String(), Status: StatusCompleted}

	taskScope := scope.Child()
	var res *ExecResult
	err := t.Scope.Resolve(hc.current, taskScope)
	if err == nil {
		res, tr.Nested, err = e.dispatch(ctx, hc, t, taskScope)
	}

	if res != nil {
		tr.ExitCode = res.ExitCode
		tr.Stdout = res.Stdout
		tr.Stderr = res.Stderr
	}
	if err != nil {
		tr.Status = StatusFailed
		tr.Error = err.Error()
	} else {
		for _, n := range tr.Nested {
			tr.Status = foldStatus(tr.Status, n.Status)
		}
		if err2 := e.captureOutput(t, res, scope); err2 != nil {
			err = err2
			tr.Status = StatusFailed
			tr.Error = err.Error()
		}
	}
	tr.Duration = time.Since(start)

	telemetry.TasksExecuted.WithLabelValues(t.Kind.String(), string(tr.Status)).Inc()
	telemetry.TaskDuration.WithLabelValues(t.Kind.String()).Observe(tr.Duration.Seconds())
	e.log.Debug().
		Str("proc", hc.proc.Name).
		Str("host", hc.host.Hostname).
		Str("task", t.Label).
		Str("status", string(tr.Status)).
		Msg("task finished")

	if err != nil {
		if ce, ok := err.(*CoreError); ok {
			ce.WithProc(hc.proc.Name).WithHost(hc.host.Hostname).WithTask(t.Label)
		}
	}
	return tr, err
}

func (e *Executor) dispatch(ctx context.Context, hc *hostCtx, t *TaskDef, scope *expr.Scope) (*ExecResult, []*TaskReport, error) {
	switch t.Kind {
	case TaskCommand:
		res, err := e.runCommand(ctx, hc, t, scope)
		return res, nil, err
	case TaskScript:
		res, err := e.runScript(ctx, hc, t, scope)
		return res, nil, err
	case TaskFileCopy:
		res, err := e.runFileCopy(ctx, hc, t, scope, false, false)
		return res, nil, err
	case TaskFileCompare:
		res, err := e.runFileCopy(ctx, hc, t, scope, false, true)
		return res, nil, err
	case TaskTemplate:
		res, err := e.runFileCopy(ctx, hc, t, scope, true, false)
		return res, nil, err
	case TaskSwitch:
		nested, err := e.runSwitch(ctx, hc, t, scope)
		return nil, nested, err
	case TaskExec:
		nested, err := e.runExec(ctx, hc, t, scope)
		return nil, nested, err
	case TaskTry:
		nested, err := e.runTry(ctx, hc, t, scope)
		return nil, nested, err
	case TaskRaise:
		return nil, nil, e.runRaise(ctx, hc, t, scope)
	case TaskThrow:
		msg := scopeString(scope, "message")
		if msg == "" {
			msg = "validation failed"
		}
		return nil, nil, NewValidationError(msg, nil)
	default:
		return nil, nil, NewInternalError(fmt.Sprintf("unhandled task kind %s", t.Kind), nil)
	}
}

func (e *Executor) runCommand(ctx context.Context, hc *hostCtx, t *TaskDef, scope *expr.Scope) (*ExecResult, error) {
	cmd := Command{
		Cmd:   scopeString(scope, "cmd"),
		Args:  scopeStrings(scope, "args"),
		Cwd:   scopeString(scope, "cwd"),
		RunAs: scopeString(scope, "run_as"),
	}
	if cmd.Cmd == "" {
		return nil, NewExpressionError("command task requires a 'cmd' scope value", nil)
	}
	env, err := resolveEnv(t.Env, hc.current, scope)
	if err != nil {
		return nil, err
	}
	cmd.Env = env

	res, err := e.transport.ExecuteCommand(ctx, hc.host, cmd)
	if err != nil {
		return res, NewRemoteExecutionError("command failed", err)
	}
	if res.ExitCode != 0 {
		return res, NewRemoteExecutionError(
			fmt.Sprintf("command exited with status %d", res.ExitCode), nil)
	}
	return res, nil
}

func (e *Executor) runScript(ctx context.Context, hc *hostCtx, t *TaskDef, scope *expr.Scope) (*ExecResult, error) {
	s := Script{
		Source:      scopeString(scope, "script"),
		Path:        scopeString(scope, "src_path"),
		Interpreter: scopeString(scope, "interpreter"),
		Args:        scopeStrings(scope, "args"),
		Cwd:         scopeString(scope, "cwd"),
		RunAs:       scopeString(scope, "run_as"),
	}
	if s.Source == "" && s.Path == "" {
		return nil, NewExpressionError("script task requires a 'script' or 'src_path' scope value", nil)
	}
	env, err := resolveEnv(t.Env, hc.current, scope)
	if err != nil {
		return nil, err
	}
	s.Env = env

	res, err := e.transport.ExecuteScript(ctx, hc.host, s)
	if err != nil {
		return res, NewRemoteExecutionError("script failed", err)
	}
	if res.ExitCode != 0 {
		return res, NewRemoteExecutionError(
			fmt.Sprintf("script exited with status %d", res.ExitCode), nil)
	}
	return res, nil
}

func (e *Executor) runFileCopy(ctx context.Context, hc *hostCtx, t *TaskDef, scope *expr.Scope, templated, compare bool) (*ExecResult, error) {
	if hc.ro && !compare {
		return nil, NewValidationError("file mutation inside a read-only context", nil)
	}
	fc := FileCopy{
		SrcPath:   scopeString(scope, "src_path"),
		DstPath:   scopeString(scope, "dst_path"),
		Chown:     scopeString(scope, "chown"),
		Chmod:     scopeString(scope, "chmod"),
		Templated: templated,
		Compare:   compare,
	}
	if fc.SrcPath == "" || fc.DstPath == "" {
		return nil, NewExpressionError("file task requires 'src_path' and 'dst_path' scope values", nil)
	}
	if templated {
		// Only the task's own scope block is visible to the template, never
		// the ambient chain.
		fc.Bindings = make(map[string]interface{})
		for _, name := range t.Scope.Names() {
			if v, ok := scope.GetVar(name); ok && len(v) > 0 {
				fc.Bindings[name] = v[0].Interface()
			}
		}
	}

	res, err := e.transport.Materialize(ctx, hc.host, fc)
	if err != nil {
		return res, NewRemoteExecutionError("file operation failed", err)
	}
	if compare && res.ExitCode != 0 {
		return res, NewValidationError(
			fmt.Sprintf("file %s differs from %s", fc.DstPath, fc.SrcPath), nil)
	}
	if res.ExitCode != 0 {
		return res, NewRemoteExecutionError(
			fmt.Sprintf("file operation exited with status %d", res.ExitCode), nil)
	}
	return res, nil
}

// runSwitch evaluates cases in declaration order and runs the first truthy
// branch. No truthy case is not an error; the task reports completed with no
// nested work.
func (e *Executor) runSwitch(ctx context.Context, hc *hostCtx, t *TaskDef, scope *expr.Scope) ([]*TaskReport, error) {
	for _, c := range t.Switch {
		v, err := c.When.Eval(hc.current, scope)
		if err != nil {
			return nil, NewExpressionError("evaluating switch condition", err)
		}
		if expr.Truthy(v) {
			var nested []*TaskReport
			_, err := e.runTaskList(ctx, hc, c.Tasks, scope.Child(), &nested)
			return nested, err
		}
	}
	return nil, nil
}

// runExec delegates to a named exec proc or task template on the same host.
// The target runs in a fresh scope seeded with the exec task's declared
// values, so delegation passes parameters explicitly.
func (e *Executor) runExec(ctx context.Context, hc *hostCtx, t *TaskDef, scope *expr.Scope) ([]*TaskReport, error) {
	target := scopeString(scope, "proc")
	if target == "" {
		return nil, NewExpressionError("exec task requires a 'proc' scope value", nil)
	}

	callScope := scope.Global().Child()
	callScope.SetNode("host", hc.host.Node())
	for _, name := range t.Scope.Names() {
		if name == "proc" {
			continue
		}
		if v, ok := scope.GetVar(name); ok {
			callScope.SetVar(name, v)
		}
	}

	var nested []*TaskReport
	if p := e.reg.Proc(target); p != nil {
		if p.Kind != ProcExec && p.Kind != ProcCheck {
			return nil, NewExpressionError(
				fmt.Sprintf("proc %q is a %s proc and cannot be delegated to", target, p.Kind), nil)
		}
		callScope.SetNode("proc", p.Node())
		if err := p.Scope.Resolve(hc.current, callScope); err != nil {
			return nil, err
		}
		ro := hc.ro || p.Kind == ProcCheck
		for _, block := range p.Run {
			// Each run block resolves its own host selector; a block without
			// one stays on the delegating host.
			hosts := []*HostDef{hc.host}
			if block.Hosts != nil {
				var err error
				hosts, err = e.resolveHosts(block.Hosts, hc.current, callScope)
				if err != nil {
					return nested, err
				}
			}
			for _, h := range hosts {
				hostScope := callScope.Child()
				hostScope.SetNode("host", h.Node())
				sub := &hostCtx{proc: p, host: h, current: hc.current, ro: ro}
				if _, err := e.runTaskList(ctx, sub, block.Tasks, hostScope, &nested); err != nil {
					return nested, err
				}
			}
		}
		return nested, nil
	}
	if f := e.reg.Fn(target); f != nil {
		if err := f.Scope.Resolve(hc.current, callScope); err != nil {
			return nil, err
		}
		_, err := e.runTaskList(ctx, hc, f.Tasks, callScope, &nested)
		return nested, err
	}
	return nil, NewExpressionError(fmt.Sprintf("unknown exec target %q", target), nil)
}

// runTry guards its body. Recoverable failures are caught: the error is bound
// into the handler scope, optionally re-raised as an event, and the handler
// runs; the task then reports Recovered. Unrecoverable errors pass through.
func (e *Executor) runTry(ctx context.Context, hc *hostCtx, t *TaskDef, scope *expr.Scope) ([]*TaskReport, error) {
	var nested []*TaskReport
	_, err := e.runTaskList(ctx, hc, t.Try.Body, scope.Child(), &nested)
	if err == nil {
		return nested, nil
	}
	if !IsRecoverable(err) {
		return nested, err
	}

	if t.Try.Raise != "" {
		pub := e.bus.Publish(ctx, Event{
			Type:    t.Try.Raise,
			Host:    hc.host.Hostname,
			Payload: errorNode(err),
			Source:  hc.proc.Name + "/" + t.Label,
		})
		if pub != nil {
			e.log.Warn().Err(pub).Str("event", t.Try.Raise).Msg("raising caught error")
		}
	}

	catchScope := scope.Child()
	if t.Try.CatchVar != "" {
		catchScope.SetNode(t.Try.CatchVar, errorNode(err))
	}
	if _, herr := e.runTaskList(ctx, hc, t.Try.Handler, catchScope, &nested); herr != nil {
		return nested, herr
	}
	// Mark the whole try as recovered so reports keep the warning visible.
	for _, n := range nested {
		if n.Status == StatusFailed {
			n.Status = StatusRecovered
		}
	}
	nested = append(nested, &TaskReport{Label: "recovered", Kind: "try", Status: StatusRecovered, Error: err.Error()})
	return nested, nil
}

func (e *Executor) runRaise(ctx context.Context, hc *hostCtx, t *TaskDef, scope *expr.Scope) error {
	typ := scopeString(scope, "event")
	if typ == "" {
		return NewExpressionError("raise task requires an 'event' scope value", nil)
	}
	if e.reg.Event(typ) == nil {
		return NewExpressionError(fmt.Sprintf("unknown event type %q", typ), nil)
	}
	var payload *model.Node
	if v, ok := scope.GetVar("payload"); ok && len(v) > 0 {
		payload = v[0]
	}
	telemetry.EventsRaised.WithLabelValues(typ).Inc()
	return e.bus.Publish(ctx, Event{
		Type:    typ,
		Host:    hc.host.Hostname,
		Payload: payload,
		Source:  hc.proc.Name + "/" + t.Label,
	})
}

// captureOutput parses a task result per its output declaration and binds it
// into the enclosing scope.
func (e *Executor) captureOutput(t *TaskDef, res *ExecResult, scope *expr.Scope) error {
	if t.Output == nil || res == nil {
		return nil
	}
	var node *model.Node
	switch t.Output.Format {
	case "json":
		var v interface{}
		if err := json.Unmarshal([]byte(res.Stdout), &v); err != nil {
			return NewExpressionError("parsing task output as json", err)
		}
		node = model.FromInterface(v)
	case "yaml":
		var v interface{}
		if err := yaml.Unmarshal([]byte(res.Stdout), &v); err != nil {
			return NewExpressionError("parsing task output as yaml", err)
		}
		node = model.FromInterface(v)
	default:
		node = model.String(strings.TrimRight(res.Stdout, "\n"))
	}
	scope.SetNode(t.Output.Var, node)
	return nil
}

// runQuery computes a query value on a host: the query tasks run read-only,
// and the var captured by the last output-bearing task is the result.
func (e *Executor) runQuery(ctx context.Context, q *QueryDef, host *HostDef, args map[string]model.NodeSet) (model.NodeSet, error) {
	root := host.Node().Root()
	scope := NewGlobalScope(root).Child()
	scope.SetNode("host", host.Node())
	for name, v := range args {
		scope.SetVar(name, v)
	}
	if err := q.Scope.Resolve(root, scope); err != nil {
		return nil, err
	}

	hc := &hostCtx{proc: &ProcDef{Name: q.Name, Label: q.Name, Kind: ProcProbe}, host: host, current: root, ro: true}
	var reports []*TaskReport
	if _, err := e.runTaskList(ctx, hc, q.Tasks, scope, &reports); err != nil {
		return nil, err
	}

	resultVar := "output"
	for _, t := range q.Tasks {
		if t.Output != nil {
			resultVar = t.Output.Var
		}
	}
	if v, ok := scope.GetVar(resultVar); ok {
		return v, nil
	}
	return nil, nil
}

// runPoll executes a poll body on a host. Probe bodies are read-only; they
// observe and raise, they never converge.
func (e *Executor) runPoll(ctx context.Context, p *PollDef, host *HostDef) error {
	root := host.Node().Root()
	scope := NewGlobalScope(root).Child()
	scope.SetNode("host", host.Node())
	if err := p.Scope.Resolve(root, scope); err != nil {
		return err
	}

	hc := &hostCtx{proc: &ProcDef{Name: p.Name, Label: p.Name, Kind: ProcProbe}, host: host, current: root, ro: true}
	var reports []*TaskReport
	_, err := e.runTaskList(ctx, hc, p.Tasks, scope, &reports)
	return err
}

// resolvePollHosts resolves a poll's host selector against the current model.
func (e *Executor) resolvePollHosts(p *PollDef) ([]*HostDef, error) {
	if p.Hosts == nil {
		return e.reg.Hosts(), nil
	}
	var root *model.Node
	if hosts := e.reg.Hosts(); len(hosts) > 0 {
		root = hosts[0].Node().Root()
	}
	return e.resolveHosts(p.Hosts, root, NewGlobalScope(root))
}

func scopeString(scope *expr.Scope, name string) string {
	v, ok := scope.GetVar(name)
	if !ok || len(v) == 0 {
		return ""
	}
	return v[0].AsString()
}

func scopeStrings(scope *expr.Scope, name string) []string {
	v, ok := scope.GetVar(name)
	if !ok {
		return nil
	}
	var out []string
	for _, n := range v {
		if n.Kind() == model.KindSequence {
			for _, el := range n.Elems() {
				out = append(out, el.AsString())
			}
			continue
		}
		if n.Kind() == model.KindNull {
			continue
		}
		out = append(out, n.AsString())
	}
	return out
}

func resolveEnv(env *ScopeDef, current *model.Node, scope *expr.Scope) (map[string]string, error) {
	if env == nil {
		return nil, nil
	}
	out := make(map[string]string, len(env.Names()))
	for _, name := range env.Names() {
		v, err := env.Get(name).Resolve(current, scope)
		if err != nil {
			return nil, NewExpressionError(fmt.Sprintf("resolving env value %q", name), err)
		}
		if len(v) > 0 {
			out[name] = v[0].AsString()
		}
	}
	return out, nil
}

func errorNode(err error) *model.Node {
	m := model.Mapping()
	m.Set("message", model.String(err.Error()))
	m.Set("class", model.String(string(ClassOf(err))))
	return m
}
