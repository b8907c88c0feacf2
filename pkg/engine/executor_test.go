package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/opereon/opereon/pkg/model"
)

// fakeCall records one transport operation for assertions.
type fakeCall struct {
	Host string
	Op   string
	Line string
}

// fakeTransport is an in-memory Transport. Responses are keyed by command
// name; unknown commands succeed with empty output.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []fakeCall
	results map[string]*ExecResult
	errs    map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		results: make(map[string]*ExecResult),
		errs:    make(map[string]error),
	}
}

func (f *fakeTransport) record(host, op, line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{Host: host, Op: op, Line: line})
}

func (f *fakeTransport) respond(key string) (*ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	if res, ok := f.results[key]; ok {
		c := *res
		return &c, nil
	}
	return &ExecResult{}, nil
}

func (f *fakeTransport) ExecuteCommand(ctx context.Context, host *HostDef, cmd Command) (*ExecResult, error) {
	line := cmd.Cmd
	if len(cmd.Args) > 0 {
		line += " " + strings.Join(cmd.Args, " ")
	}
	f.record(host.Hostname, "command", line)
	return f.respond(cmd.Cmd)
}

func (f *fakeTransport) ExecuteScript(ctx context.Context, host *HostDef, script Script) (*ExecResult, error) {
	key := script.Source
	if key == "" {
		key = script.Path
	}
	line := key
	if len(script.Args) > 0 {
		line += " " + strings.Join(script.Args, " ")
	}
	f.record(host.Hostname, "script", line)
	return f.respond(key)
}

func (f *fakeTransport) Materialize(ctx context.Context, host *HostDef, fc FileCopy) (*ExecResult, error) {
	op := "file-copy"
	if fc.Compare {
		op = "file-compare"
	} else if fc.Templated {
		op = "template"
	}
	f.record(host.Hostname, op, fc.SrcPath+" -> "+fc.DstPath)
	return f.respond(fc.SrcPath)
}

func (f *fakeTransport) callsFor(host string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.Host == host {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTransport) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Host + ": " + c.Line
	}
	return out
}

// fakeStore serves fixed trees and touched files.
type fakeStore struct {
	old     *model.Tree
	current *model.Tree
	files   []string
}

func (s *fakeStore) GetRevision(ctx context.Context, id string) (*model.Tree, error) {
	if s.current != nil && s.current.RevisionID() == id {
		return s.current, nil
	}
	if s.old != nil && s.old.RevisionID() == id {
		return s.old, nil
	}
	return nil, fmt.Errorf("unknown revision %q", id)
}

func (s *fakeStore) CurrentAndPrevious(ctx context.Context) (*model.Tree, *model.Tree, error) {
	return s.old, s.current, nil
}

func (s *fakeStore) TouchedFiles(ctx context.Context, oldID, newID string) ([]string, error) {
	return s.files, nil
}

func newTestEngine(t *testing.T, oldSrc, newSrc string, tr Transport) *Engine {
	t.Helper()
	var oldT *model.Tree
	if oldSrc != "" {
		oldT = loadTree(t, oldSrc)
		oldT.Commit("rev-old")
	}
	newT := loadTree(t, newSrc)
	newT.Commit("rev-new")
	store := &fakeStore{old: oldT, current: newT}
	eng, err := NewFromTrees(oldT, newT, store, tr, zerolog.Nop())
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}
	return eng
}

const twoHosts = `
hosts:
  zeus:
    hostname: zeus.example.com
    packages: [vim, curl]
  ares:
    hostname: ares.example.com
    packages: [vim, curl]
`

func TestProcessChangeSetConvergesTriggeredHosts(t *testing.T) {
	oldSrc := twoHosts + `
procs:
  sync-packages:
    proc: update
    watch:
      ${$$hosts.*.packages[*]}: +-*
    run:
      - hosts: ${$hosts.*}
        tasks:
          - task: command
            label: install
            scope:
              cmd: yum
              args: ${$model_changes.*.new}
`
	newSrc := strings.Replace(oldSrc, "packages: [vim, curl]", "packages: [vim, curl, htop]", 1)

	tr := newFakeTransport()
	eng := newTestEngine(t, oldSrc, newSrc, tr)

	report, err := eng.ProcessChangeSet(context.Background())
	if err != nil {
		t.Fatalf("processing change set: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s: %+v", report.Status, report)
	}
	if len(report.Procs) != 1 || report.Procs[0].Proc != "sync-packages" {
		t.Fatalf("expected sync-packages to run, got %+v", report.Procs)
	}
	if len(report.Procs[0].Hosts) != 2 {
		t.Fatalf("expected 2 host reports, got %d", len(report.Procs[0].Hosts))
	}
	// Both hosts converge with the added package as the command argument.
	for _, host := range []string{"zeus.example.com", "ares.example.com"} {
		calls := tr.callsFor(host)
		if len(calls) != 1 || calls[0].Line != "yum htop" {
			t.Errorf("host %s: expected [yum htop], got %v", host, calls)
		}
	}
}

func TestModelChangesResolveAsGlobal(t *testing.T) {
	oldSrc := `
hosts:
  zeus:
    hostname: zeus.example.com
    packages: [vim, curl]
procs:
  sync-packages:
    proc: update
    watch:
      ${$$hosts.*.packages[*]}: "+"
    run:
      - tasks:
          - task: command
            label: install
            scope:
              cmd: yum
              args: ${$$model_changes.*.new}
`
	newSrc := strings.Replace(oldSrc, "packages: [vim, curl]", "packages: [vim, curl, htop]", 1)

	tr := newFakeTransport()
	eng := newTestEngine(t, oldSrc, newSrc, tr)

	report, err := eng.ProcessChangeSet(context.Background())
	if err != nil {
		t.Fatalf("processing change set: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s: %+v", report.Status, report)
	}
	calls := tr.callsFor("zeus.example.com")
	if len(calls) != 1 || calls[0].Line != "yum htop" {
		t.Errorf("the globally addressed change set must drive the args, got %v", calls)
	}
}

func TestExecDelegationHonorsRunBlockHosts(t *testing.T) {
	src := twoHosts + `
procs:
  remote-touch:
    proc: exec
    run:
      - hosts: ${$hosts.ares}
        tasks:
          - task: command
            scope:
              cmd: touchit
  deploy:
    proc: exec
    run:
      - hosts: ${$hosts.zeus}
        tasks:
          - task: exec
            scope:
              proc: remote-touch
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	// The delegated proc's own host selector wins over the delegating host.
	ares := tr.callsFor("ares.example.com")
	if len(ares) != 1 || ares[0].Line != "touchit" {
		t.Errorf("expected the delegated task on ares, got %v", ares)
	}
	if zeus := tr.callsFor("zeus.example.com"); len(zeus) != 0 {
		t.Errorf("delegated task leaked onto the delegating host: %v", zeus)
	}
}

func TestPackageAddDrivesDelegatedInstall(t *testing.T) {
	oldSrc := `
hosts:
  zeus:
    hostname: zeus.example.com
    packages: [vim, curl]
  ares:
    hostname: ares.example.com
    packages: [vim]
procs:
  yum-install:
    proc: exec
    run:
      - hosts: ${$host}
        tasks:
          - task: script
            label: install
            scope:
              script: yum-install
              args: ${$pkg}
  sync-packages:
    proc: update
    watch:
      ${$$hosts.*.packages[*]}: "+"
    run:
      - hosts: ${$hosts[length(@.packages[@ == join($$model_changes.*.new, '')]) > 0]}
        tasks:
          - task: exec
            label: delegate
            scope:
              proc: yum-install
              pkg: ${$$model_changes.*.new}
`
	newSrc := strings.Replace(oldSrc, "packages: [vim]", "packages: [vim, htop]", 1)

	tr := newFakeTransport()
	eng := newTestEngine(t, oldSrc, newSrc, tr)

	report, err := eng.ProcessChangeSet(context.Background())
	if err != nil {
		t.Fatalf("processing change set: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s: %+v", report.Status, report)
	}
	if len(report.Procs) != 1 || report.Procs[0].Proc != "sync-packages" {
		t.Fatalf("expected only sync-packages to trigger, got %+v", report.Procs)
	}

	// The matched change selects ares, and the delegated installer runs its
	// script exactly once there with the added package as argument.
	ares := tr.callsFor("ares.example.com")
	if len(ares) != 1 || ares[0].Op != "script" || ares[0].Line != "yum-install htop" {
		t.Errorf("expected one install script on ares, got %v", ares)
	}
	if zeus := tr.callsFor("zeus.example.com"); len(zeus) != 0 {
		t.Errorf("unchanged host converged: %v", zeus)
	}
	if len(tr.calls) != 1 {
		t.Errorf("expected exactly one transport call, got %v", tr.lines())
	}
}

func TestProcessChangeSetEmptyDiffRunsNothing(t *testing.T) {
	src := twoHosts + `
procs:
  sync-packages:
    proc: update
    watch:
      ${$$hosts.*.packages[*]}: +-*
    run:
      - tasks:
          - task: command
            scope:
              cmd: yum
`
	tr := newFakeTransport()
	eng := newTestEngine(t, src, src, tr)

	report, err := eng.ProcessChangeSet(context.Background())
	if err != nil {
		t.Fatalf("processing change set: %v", err)
	}
	if len(report.Procs) != 0 || len(tr.calls) != 0 {
		t.Errorf("expected no work, got %d procs, calls %v", len(report.Procs), tr.lines())
	}
}

func TestHostFailureIsolation(t *testing.T) {
	src := twoHosts + `
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: command
            label: step
            scope:
              cmd: deploy
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	// Fail ares only: the transport error is keyed per host via a wrapper.
	failing := &hostFailingTransport{inner: tr, failHost: "ares.example.com"}
	eng2, err := NewFromTrees(nil, eng.curTree, &fakeStore{current: eng.curTree}, failing, zerolog.Nop())
	if err != nil {
		t.Fatalf("building engine: %v", err)
	}

	report, err := eng2.Invoke(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusFailed {
		t.Fatalf("expected failed run, got %s", report.Status)
	}
	var zeusStatus, aresStatus Status
	for _, hr := range report.Procs[0].Hosts {
		switch hr.Host {
		case "zeus.example.com":
			zeusStatus = hr.Status
		case "ares.example.com":
			aresStatus = hr.Status
		}
	}
	if zeusStatus != StatusCompleted {
		t.Errorf("zeus should complete despite ares failing, got %s", zeusStatus)
	}
	if aresStatus != StatusFailed {
		t.Errorf("ares should fail, got %s", aresStatus)
	}
	// zeus still executed its command.
	if len(tr.callsFor("zeus.example.com")) != 1 {
		t.Errorf("zeus calls: %v", tr.callsFor("zeus.example.com"))
	}
}

// hostFailingTransport fails every operation on one host and delegates the
// rest.
type hostFailingTransport struct {
	inner    *fakeTransport
	failHost string
}

func (h *hostFailingTransport) ExecuteCommand(ctx context.Context, host *HostDef, cmd Command) (*ExecResult, error) {
	if host.Hostname == h.failHost {
		return nil, errors.New("connection refused")
	}
	return h.inner.ExecuteCommand(ctx, host, cmd)
}

func (h *hostFailingTransport) ExecuteScript(ctx context.Context, host *HostDef, script Script) (*ExecResult, error) {
	if host.Hostname == h.failHost {
		return nil, errors.New("connection refused")
	}
	return h.inner.ExecuteScript(ctx, host, script)
}

func (h *hostFailingTransport) Materialize(ctx context.Context, host *HostDef, fc FileCopy) (*ExecResult, error) {
	if host.Hostname == h.failHost {
		return nil, errors.New("connection refused")
	}
	return h.inner.Materialize(ctx, host, fc)
}

func TestTaskListStopsAfterFailure(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: command
            label: first
            scope:
              cmd: breaks
          - task: command
            label: second
            scope:
              cmd: never-runs
`
	tr := newFakeTransport()
	tr.results["breaks"] = &ExecResult{ExitCode: 1, Stderr: "boom"}
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", report.Status)
	}
	hr := report.Procs[0].Hosts[0]
	if len(hr.Tasks) != 1 || hr.Tasks[0].Label != "first" {
		t.Fatalf("expected only the first task to run, got %+v", hr.Tasks)
	}
	if hr.Tasks[0].ExitCode != 1 || hr.Tasks[0].Stderr != "boom" {
		t.Errorf("exit code and stderr not captured: %+v", hr.Tasks[0])
	}
	for _, c := range tr.calls {
		if c.Line == "never-runs" {
			t.Error("second task ran after the first failed")
		}
	}
}

func TestOutputCaptureFlowsToLaterTasks(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: command
            label: discover
            scope:
              cmd: discover
            output:
              var: found
              format: json
          - task: command
            label: install
            scope:
              cmd: ${$found.pkg}
`
	tr := newFakeTransport()
	tr.results["discover"] = &ExecResult{Stdout: `{"pkg": "vim"}`}
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	calls := tr.callsFor("zeus.example.com")
	if len(calls) != 2 || calls[1].Line != "vim" {
		t.Errorf("expected the parsed output to drive the second command, got %v", calls)
	}
}

func TestOutputCaptureTextTrimsTrailingNewline(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: command
            scope:
              cmd: uname
            output: text
          - task: command
            scope:
              cmd: ${$output}
`
	tr := newFakeTransport()
	tr.results["uname"] = &ExecResult{Stdout: "Linux\n"}
	eng := newTestEngine(t, "", src, tr)

	if _, err := eng.Invoke(context.Background(), "deploy"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	calls := tr.callsFor("zeus.example.com")
	if len(calls) != 2 || calls[1].Line != "Linux" {
		t.Errorf("expected trimmed text output, got %v", calls)
	}
}

func TestSwitchRunsFirstTruthyCase(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
    os: linux
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: switch
            cases:
              - when: ${$host.os == 'bsd'}
                tasks:
                  - task: command
                    scope:
                      cmd: pkg
              - when: ${$host.os == 'linux'}
                tasks:
                  - task: command
                    scope:
                      cmd: yum
              - when: ${true}
                tasks:
                  - task: command
                    scope:
                      cmd: fallback
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	calls := tr.callsFor("zeus.example.com")
	if len(calls) != 1 || calls[0].Line != "yum" {
		t.Errorf("expected only the linux branch, got %v", calls)
	}
}

func TestSwitchWithoutTruthyCaseCompletes(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: switch
            cases:
              - when: ${false}
                tasks:
                  - task: command
                    scope:
                      cmd: never
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusCompleted || len(tr.calls) != 0 {
		t.Errorf("expected a clean no-op, got %s with calls %v", report.Status, tr.lines())
	}
}

func TestTryCatchRecoversRemoteFailure(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: try
            label: guarded
            tasks:
              - task: command
                scope:
                  cmd: breaks
            catch:
              var: err
              tasks:
                - task: command
                  scope:
                    cmd: cleanup
                    args: ${$err.class}
          - task: command
            scope:
              cmd: continues
`
	tr := newFakeTransport()
	tr.results["breaks"] = &ExecResult{ExitCode: 1}
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusRecovered {
		t.Fatalf("expected recovered, got %s", report.Status)
	}
	if len(report.Procs[0].Warnings) == 0 {
		t.Error("expected a recovery warning on the proc report")
	}

	var lines []string
	for _, c := range tr.callsFor("zeus.example.com") {
		lines = append(lines, c.Line)
	}
	want := []string{"breaks", "cleanup remote-execution", "continues"}
	if len(lines) != len(want) {
		t.Fatalf("expected %v, got %v", want, lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

func TestTryDoesNotCatchExpressionErrors(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: try
            tasks:
              - task: command
                label: no-cmd
            catch:
              tasks:
                - task: command
                  scope:
                    cmd: cleanup
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusFailed {
		t.Fatalf("expression errors must pass through try, got %s", report.Status)
	}
	for _, c := range tr.calls {
		if c.Line == "cleanup" {
			t.Error("catch handler ran for an unrecoverable error")
		}
	}
}

func TestThrowFailsWithMessage(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: throw
            label: give-up
            scope:
              message: disk is full
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	hr := report.Procs[0].Hosts[0]
	if hr.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", hr.Status)
	}
	if !strings.Contains(hr.Error, "disk is full") {
		t.Errorf("thrown message lost: %q", hr.Error)
	}
	if !strings.Contains(hr.Error, string(ClassValidation)) {
		t.Errorf("expected validation class in %q", hr.Error)
	}
}

func TestReadOnlyProcRejectsFileMutation(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  verify:
    proc: check
    run:
      - tasks:
          - task: file-copy
            scope:
              src_path: etc/app.conf
              dst_path: /etc/app.conf
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "verify")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusFailed {
		t.Fatalf("expected the mutation to be rejected, got %s", report.Status)
	}
	if len(tr.calls) != 0 {
		t.Errorf("the transport must never see a rejected mutation: %v", tr.lines())
	}
}

func TestReadOnlyProcAllowsCompare(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  verify:
    proc: check
    run:
      - tasks:
          - task: file-compare
            scope:
              src_path: etc/app.conf
              dst_path: /etc/app.conf
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "verify")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	calls := tr.callsFor("zeus.example.com")
	if len(calls) != 1 || calls[0].Op != "file-compare" {
		t.Errorf("expected one compare, got %v", calls)
	}
}

func TestFileCompareMismatchIsValidationFailure(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  verify:
    proc: check
    run:
      - tasks:
          - task: file-compare
            scope:
              src_path: etc/app.conf
              dst_path: /etc/app.conf
`
	tr := newFakeTransport()
	tr.results["etc/app.conf"] = &ExecResult{ExitCode: 1}
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "verify")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	hr := report.Procs[0].Hosts[0]
	if hr.Status != StatusFailed || !strings.Contains(hr.Error, string(ClassValidation)) {
		t.Errorf("expected a validation failure, got %s (%q)", hr.Status, hr.Error)
	}
}

func TestExecDelegationPassesOnlyDeclaredScope(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  install:
    proc: exec
    run:
      - tasks:
          - task: command
            scope:
              cmd: yum
              args: ${$pkg or 'nothing'}
  deploy:
    proc: exec
    scope:
      ambient: secret
    run:
      - tasks:
          - task: exec
            scope:
              proc: install
              pkg: vim
          - task: command
            scope:
              cmd: probe
              args: ${$ambient or 'unset'}
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	var lines []string
	for _, c := range tr.callsFor("zeus.example.com") {
		lines = append(lines, c.Line)
	}
	// The delegated proc sees the declared pkg value; the caller's ambient
	// var stays visible to the caller only.
	want := []string{"yum vim", "probe secret"}
	if len(lines) != 2 || lines[0] != want[0] || lines[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, lines)
	}
}

func TestExecDelegationIsolatesAmbientScope(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  install:
    proc: exec
    run:
      - tasks:
          - task: command
            scope:
              cmd: yum
              args: ${$ambient or 'unset'}
  deploy:
    proc: exec
    scope:
      ambient: secret
    run:
      - tasks:
          - task: exec
            scope:
              proc: install
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	if _, err := eng.Invoke(context.Background(), "deploy"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	calls := tr.callsFor("zeus.example.com")
	if len(calls) != 1 || calls[0].Line != "yum unset" {
		t.Errorf("ambient scope leaked into the delegated proc: %v", calls)
	}
}

func TestExecDelegationToFn(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
aspects:
  pkgs:
    fns:
      install:
        scope:
          manager: yum
        tasks:
          - task: command
            scope:
              cmd: ${$manager}
              args: ${$pkg}
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: exec
            scope:
              proc: pkgs.install
              pkg: vim
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "deploy")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	calls := tr.callsFor("zeus.example.com")
	if len(calls) != 1 || calls[0].Line != "yum vim" {
		t.Errorf("expected the fn to run with its defaults and the passed pkg, got %v", calls)
	}
}

func TestInvokeErrors(t *testing.T) {
	src := twoHosts + `
procs:
  sync-packages:
    proc: update
    watch:
      ${$$hosts.*.packages[*]}: +-*
    run:
      - tasks:
          - task: command
            scope:
              cmd: yum
`
	eng := newTestEngine(t, "", src, newFakeTransport())

	if _, err := eng.Invoke(context.Background(), "missing"); err == nil {
		t.Error("expected an error for an unknown proc")
	}
	if _, err := eng.Invoke(context.Background(), "sync-packages"); err == nil {
		t.Error("update procs must not be invocable directly")
	}
}

func TestCheckAllRunsEveryCheck(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: command
            scope:
              cmd: deploy
  verify-a:
    proc: check
    run:
      - tasks:
          - task: command
            scope:
              cmd: check-a
aspects:
  disks:
    checks:
      mounts:
        proc: check
        run:
          - tasks:
              - task: command
                scope:
                  cmd: check-b
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("check all: %v", err)
	}
	if len(report.Procs) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Procs))
	}
	var lines []string
	for _, c := range tr.calls {
		lines = append(lines, c.Line)
	}
	if len(lines) != 2 || lines[0] != "check-a" || lines[1] != "check-b" {
		t.Errorf("expected both checks and no exec proc, got %v", lines)
	}
}

func TestRaiseDeliversToSupertypeHandler(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
  ares:
    hostname: ares.example.com
aspects:
  disks:
    events:
      alert: {}
      disk-full:
        extends: alert
    on:
      alert:
        run:
          - tasks:
              - task: command
                scope:
                  cmd: notify
                  args: ${$event.type}
procs:
  watchdog:
    proc: exec
    run:
      - hosts: ${$hosts.zeus}
        tasks:
          - task: raise
            scope:
              event: disk-full
`
	tr := newFakeTransport()
	eng := newTestEngine(t, "", src, tr)

	report, err := eng.Invoke(context.Background(), "watchdog")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", report.Status)
	}
	// The handler runs on the raising host only, with the concrete subtype.
	calls := tr.callsFor("zeus.example.com")
	if len(calls) != 1 || calls[0].Line != "notify disk-full" {
		t.Errorf("expected the handler on zeus, got %v", calls)
	}
	if len(tr.callsFor("ares.example.com")) != 0 {
		t.Errorf("handler leaked to ares: %v", tr.callsFor("ares.example.com"))
	}
}

func TestRaiseUnknownEventFails(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  watchdog:
    proc: exec
    run:
      - tasks:
          - task: raise
            scope:
              event: undeclared
`
	eng := newTestEngine(t, "", src, newFakeTransport())

	report, err := eng.Invoke(context.Background(), "watchdog")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if report.Status != StatusFailed {
		t.Errorf("raising an undeclared event type must fail, got %s", report.Status)
	}
}

func TestCommandEnvResolution(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
    region: eu-west
procs:
  deploy:
    proc: exec
    run:
      - tasks:
          - task: command
            scope:
              cmd: deploy
            env:
              REGION: ${$host.region}
              MODE: fast
`
	recorded := make(map[string]string)
	tr := &envRecordingTransport{env: recorded}
	eng := newTestEngine(t, "", src, tr)

	if _, err := eng.Invoke(context.Background(), "deploy"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if recorded["REGION"] != "eu-west" || recorded["MODE"] != "fast" {
		t.Errorf("env not resolved: %v", recorded)
	}
}

type envRecordingTransport struct {
	env map[string]string
}

func (e *envRecordingTransport) ExecuteCommand(ctx context.Context, host *HostDef, cmd Command) (*ExecResult, error) {
	for k, v := range cmd.Env {
		e.env[k] = v
	}
	return &ExecResult{}, nil
}

func (e *envRecordingTransport) ExecuteScript(ctx context.Context, host *HostDef, script Script) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func (e *envRecordingTransport) Materialize(ctx context.Context, host *HostDef, fc FileCopy) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func TestTemplateBindingsComeFromTaskScopeOnly(t *testing.T) {
	src := `
hosts:
  zeus:
    hostname: zeus.example.com
procs:
  deploy:
    proc: exec
    scope:
      ambient: secret
    run:
      - tasks:
          - task: template
            scope:
              src_path: etc/app.conf.tmpl
              dst_path: /etc/app.conf
              port: 8080
`
	var got map[string]interface{}
	tr := &bindingRecordingTransport{}
	eng := newTestEngine(t, "", src, tr)

	if _, err := eng.Invoke(context.Background(), "deploy"); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	got = tr.bindings
	if got["port"] != float64(8080) {
		t.Errorf("declared binding missing: %v", got)
	}
	if _, leaked := got["ambient"]; leaked {
		t.Error("ambient scope leaked into template bindings")
	}
	// Path values ride in the binding map too; the transport ignores them.
	if got["src_path"] != "etc/app.conf.tmpl" {
		t.Errorf("bindings: %v", got)
	}
}

type bindingRecordingTransport struct {
	bindings map[string]interface{}
}

func (b *bindingRecordingTransport) ExecuteCommand(ctx context.Context, host *HostDef, cmd Command) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func (b *bindingRecordingTransport) ExecuteScript(ctx context.Context, host *HostDef, script Script) (*ExecResult, error) {
	return &ExecResult{}, nil
}

func (b *bindingRecordingTransport) Materialize(ctx context.Context, host *HostDef, fc FileCopy) (*ExecResult, error) {
	b.bindings = fc.Bindings
	return &ExecResult{}, nil
}
