package engine

import (
	"context"
	"time"

	"github.com/opereon/opereon/pkg/model"
)

// Command is a single remote command invocation.
type Command struct {
	// Cmd is the command to execute.
	Cmd string

	// Args are the command arguments.
	Args []string

	// Env is the environment passed to the command.
	Env map[string]string

	// Cwd is the working directory on the remote host, if any.
	Cwd string

	// RunAs switches to another user for execution, if set.
	RunAs string
}

// Script is a script executed on a remote host.
type Script struct {
	// Source is the inline script body. Empty when Path is set.
	Source string

	// Path is the repository-relative script file, if not inline.
	Path string

	// Interpreter overrides the default interpreter, if set.
	Interpreter string

	// Args are the script arguments.
	Args []string

	// Env is the environment passed to the script.
	Env map[string]string

	// Cwd is the working directory on the remote host, if any.
	Cwd string

	// RunAs switches to another user for execution, if set.
	RunAs string
}

// FileCopy requests materialization of a file on a remote host.
type FileCopy struct {
	// SrcPath is the source file, repository-relative.
	SrcPath string

	// DstPath is the destination path on the host.
	DstPath string

	// Templated renders the source through the template engine with
	// Bindings before transfer.
	Templated bool

	// Bindings are the named values visible to the template. Only these
	// bindings are visible, never the full ambient scope.
	Bindings map[string]interface{}

	// Chown is the "user:group" ownership spec, if set.
	Chown string

	// Chmod is the permission spec, if set.
	Chmod string

	// Compare only reports whether the destination differs, without
	// mutating the host.
	Compare bool
}

// ExecResult is the outcome of one remote operation.
type ExecResult struct {
	// Stdout is the captured standard output.
	Stdout string

	// Stderr is the captured standard error.
	Stderr string

	// ExitCode is the remote exit status; 0 means success.
	ExitCode int

	// Duration is the wall-clock time of the operation.
	Duration time.Duration
}

// Transport is the abstract "execute on host" capability the core consumes.
// Key handling, connection pooling and the shell-level mechanics live behind
// this interface.
type Transport interface {
	// ExecuteCommand runs a command on the host.
	ExecuteCommand(ctx context.Context, host *HostDef, cmd Command) (*ExecResult, error)

	// ExecuteScript runs a script on the host.
	ExecuteScript(ctx context.Context, host *HostDef, script Script) (*ExecResult, error)

	// Materialize creates (or, with Compare, checks) a file on the host.
	Materialize(ctx context.Context, host *HostDef, fc FileCopy) (*ExecResult, error)
}

// ModelStore is the versioning backend the core consumes. The engine holds
// at most two revisions at a time, for diffing.
type ModelStore interface {
	// GetRevision loads the model tree committed as revision id.
	GetRevision(ctx context.Context, id string) (*model.Tree, error)

	// CurrentAndPrevious returns the two most recent revisions, old first.
	// old is nil when only one revision exists.
	CurrentAndPrevious(ctx context.Context) (old, current *model.Tree, err error)

	// TouchedFiles returns the repository-relative files changed between
	// two revisions.
	TouchedFiles(ctx context.Context, oldID, newID string) ([]string, error)
}
