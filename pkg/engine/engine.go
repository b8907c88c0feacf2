package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/opereon/opereon/pkg/expr"
	"github.com/opereon/opereon/pkg/model"
)

// Engine is the top-level orchestrator. It loads model revisions from the
// store, diffs them, matches update procs against the change set and drives
// the executor, the event handlers and the poll schedule.
type Engine struct {
	store   ModelStore
	log     zerolog.Logger
	reg     *Registry
	exec    *Executor
	bus     *EventBus
	poller  *Poller
	oldTree *model.Tree
	curTree *model.Tree
}

// New loads the two most recent revisions from the store and assembles the
// engine over the current one.
func New(ctx context.Context, store ModelStore, transport Transport, log zerolog.Logger) (*Engine, error) {
	oldTree, curTree, err := store.CurrentAndPrevious(ctx)
	if err != nil {
		return nil, err
	}
	if curTree == nil {
		return nil, NewMalformedModelError("no committed model revision", nil)
	}
	return NewFromTrees(oldTree, curTree, store, transport, log)
}

// NewFromTrees assembles the engine over explicit revisions. old may be nil
// when only one revision exists.
func NewFromTrees(old, current *model.Tree, store ModelStore, transport Transport, log zerolog.Logger) (*Engine, error) {
	reg, err := LoadRegistry(current)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:   store,
		log:     log.With().Str("component", "engine").Logger(),
		reg:     reg,
		oldTree: old,
		curTree: current,
	}
	e.bus = NewEventBus(reg, log)
	e.exec = NewExecutor(reg, transport, e.bus, log)
	e.poller = NewPoller(reg, e.exec.runPoll, e.exec.resolvePollHosts, log)
	e.subscribeHandlers()
	return e, nil
}

// Registry returns the current model's registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Bus returns the event bus.
func (e *Engine) Bus() *EventBus { return e.bus }

// Executor returns the task executor.
func (e *Engine) Executor() *Executor { return e.exec }

// subscribeHandlers wires the aspects' `on` blocks to the bus. A handler runs
// its run blocks like a proc, scoped to the event's host when the event
// carries one.
func (e *Engine) subscribeHandlers() {
	for _, a := range e.reg.Aspects() {
		for _, h := range a.Handlers {
			def := h
			aspect := a
			e.bus.Subscribe(def.Event, func(ctx context.Context, ev Event) error {
				return e.runHandler(ctx, aspect, def, ev)
			})
		}
	}
}

func (e *Engine) runHandler(ctx context.Context, a *AspectDef, h *OnDef, ev Event) error {
	p := &ProcDef{
		Name:  a.Name + ".on." + h.Event,
		Label: a.Name + ".on." + h.Event,
		Kind:  ProcExec,
		Run:   h.Run,
	}
	root := e.curTree.Root()

	scope := NewGlobalScope(root).Child()
	eventNode := model.Mapping()
	eventNode.Set("type", model.String(ev.Type))
	eventNode.Set("host", model.String(ev.Host))
	eventNode.Set("source", model.String(ev.Source))
	if ev.Payload != nil {
		eventNode.Set("payload", ev.Payload.DeepCopy())
	} else {
		eventNode.Set("payload", model.Null())
	}
	scope.SetNode("event", eventNode)

	report := &ProcReport{Proc: p.Name, Label: p.Label, Kind: "handler", Status: StatusCompleted}
	for _, block := range h.Run {
		hosts, err := e.handlerHosts(block, ev, root, scope)
		if err != nil {
			return err
		}
		for _, hr := range e.exec.runOnHosts(ctx, p, hosts, block.Tasks, root, scope, false) {
			report.Hosts = append(report.Hosts, hr)
			report.Status = foldStatus(report.Status, hr.Status)
		}
	}
	if report.Status == StatusFailed {
		return NewInternalError(fmt.Sprintf("handler %s failed", p.Name), nil)
	}
	return nil
}

// handlerHosts picks a handler run block's hosts: the block's selector when
// present, otherwise the event's originating host, otherwise every host.
func (e *Engine) handlerHosts(block *RunBlock, ev Event, root *model.Node, scope *expr.Scope) ([]*HostDef, error) {
	if block.Hosts != nil {
		return e.exec.resolveHosts(block.Hosts, root, scope)
	}
	if ev.Host != "" {
		if h := e.reg.HostByHostname(ev.Host); h != nil {
			return []*HostDef{h}, nil
		}
	}
	return e.reg.Hosts(), nil
}

// ProcessChangeSet diffs the engine's two revisions and runs every triggered
// update proc, in declaration order, against the change set.
func (e *Engine) ProcessChangeSet(ctx context.Context) (*RunReport, error) {
	var oldRoot *model.Node
	if e.oldTree != nil {
		oldRoot = e.oldTree.Root()
	}
	newRoot := e.curTree.Root()

	cs, err := model.Diff(oldRoot, newRoot)
	if err != nil {
		return nil, NewMalformedModelError("diffing model revisions", err)
	}
	if e.oldTree != nil {
		files, err := e.store.TouchedFiles(ctx, e.oldTree.RevisionID(), e.curTree.RevisionID())
		if err != nil {
			return nil, err
		}
		cs.TouchedFiles = files
	}
	return e.RunChangeSet(ctx, cs)
}

// RunChangeSet matches and runs update procs for an explicit change set.
func (e *Engine) RunChangeSet(ctx context.Context, cs *model.ChangeSet) (*RunReport, error) {
	var oldRoot *model.Node
	if e.oldTree != nil {
		oldRoot = e.oldTree.Root()
	}
	newRoot := e.curTree.Root()

	report := NewRunReport(e.curTree.RevisionID())
	start := time.Now()

	if cs.Empty() {
		e.log.Info().Msg("change set is empty, nothing to do")
		report.Duration = time.Since(start)
		return report, nil
	}

	triggered, err := MatchProcs(e.reg, oldRoot, newRoot, cs)
	if err != nil {
		return nil, err
	}
	e.log.Info().
		Int("changes", len(cs.Changes)).
		Int("files", len(cs.TouchedFiles)).
		Int("procs", len(triggered)).
		Msg("change set matched")

	for _, t := range triggered {
		report.Add(e.exec.RunProc(ctx, t.Proc, t, oldRoot, newRoot))
	}
	report.Duration = time.Since(start)
	return report, nil
}

// Invoke runs a named exec, check or probe proc explicitly.
func (e *Engine) Invoke(ctx context.Context, name string) (*RunReport, error) {
	p := e.reg.Proc(name)
	if p == nil {
		return nil, NewExpressionError(fmt.Sprintf("unknown proc %q", name), nil)
	}
	if p.Kind == ProcUpdate {
		return nil, NewExpressionError(
			fmt.Sprintf("proc %q is an update proc and only runs from a change set", name), nil)
	}

	report := NewRunReport(e.curTree.RevisionID())
	start := time.Now()
	report.Add(e.exec.RunProc(ctx, p, nil, nil, e.curTree.Root()))
	report.Duration = time.Since(start)
	return report, nil
}

// CheckAll runs every check proc against the current model.
func (e *Engine) CheckAll(ctx context.Context) (*RunReport, error) {
	report := NewRunReport(e.curTree.RevisionID())
	start := time.Now()
	for _, p := range e.reg.Procs() {
		if p.Kind != ProcCheck {
			continue
		}
		report.Add(e.exec.RunProc(ctx, p, nil, nil, e.curTree.Root()))
	}
	report.Duration = time.Since(start)
	return report, nil
}

// StartPolls launches the poll schedule. Stop with StopPolls.
func (e *Engine) StartPolls(ctx context.Context) { e.poller.Start(ctx) }

// StopPolls stops the poll schedule and waits for in-flight probes.
func (e *Engine) StopPolls() { e.poller.Stop() }
