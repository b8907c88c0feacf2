// Package ssh implements the remote execution transport over SSH and SFTP.
// It maintains one pooled connection per host and translates the engine's
// command, script and file operations into remote sessions.
package ssh

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opereon/opereon/pkg/config"
	"github.com/opereon/opereon/pkg/engine"
)

// TransportError is an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g. "connect", "exec", "upload").
	Op string

	// Host is the remote host involved.
	Host string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the error may clear on retry.
	IsTemporary bool

	// IsAuthError indicates an authentication failure.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + " " + e.Host + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the error may clear on retry.
func (e *TransportError) Temporary() bool { return e.IsTemporary }

// Transport executes engine operations on hosts over SSH. Connections are
// established lazily and reused per host; concurrent use is safe, sessions
// are created per operation.
type Transport struct {
	cfg     config.SSHConfig
	rootDir string
	log     zerolog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

// NewTransport returns a transport with per-host connection reuse. rootDir
// anchors repository-relative source paths of scripts and files.
func NewTransport(cfg config.SSHConfig, rootDir string, log zerolog.Logger) *Transport {
	return &Transport{
		cfg:     cfg,
		rootDir: rootDir,
		log:     log.With().Str("component", "ssh").Logger(),
		clients: make(map[string]*client),
	}
}

// Close disconnects every pooled connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for name, c := range t.clients {
		if err := c.close(); err != nil && first == nil {
			first = err
		}
		delete(t.clients, name)
	}
	return first
}

// clientFor returns the pooled connection for the host, dialing when needed.
func (t *Transport) clientFor(ctx context.Context, host *engine.HostDef) (*client, error) {
	t.mu.Lock()
	c, ok := t.clients[host.Name]
	if !ok {
		c = newClient(destFor(host, t.cfg), t.log)
		t.clients[host.Name] = c
	}
	t.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ExecuteCommand runs a command on the host. A non-zero remote exit status is
// reported through the result, not as an error.
func (t *Transport) ExecuteCommand(ctx context.Context, host *engine.HostDef, cmd engine.Command) (*engine.ExecResult, error) {
	c, err := t.clientFor(ctx, host)
	if err != nil {
		return nil, err
	}
	return c.exec(ctx, buildCommandLine(cmd))
}

// ExecuteScript uploads and runs a script on the host. Inline sources are
// shipped as-is; path sources are read from the model repository first.
func (t *Transport) ExecuteScript(ctx context.Context, host *engine.HostDef, script engine.Script) (*engine.ExecResult, error) {
	c, err := t.clientFor(ctx, host)
	if err != nil {
		return nil, err
	}
	source := script.Source
	if source == "" {
		source, err = t.readSource(script.Path)
		if err != nil {
			return nil, &TransportError{Op: "script", Host: host.Hostname, Err: err}
		}
	}
	return c.execScript(ctx, source, script)
}

// Materialize creates, or with Compare checks, a file on the host.
func (t *Transport) Materialize(ctx context.Context, host *engine.HostDef, fc engine.FileCopy) (*engine.ExecResult, error) {
	c, err := t.clientFor(ctx, host)
	if err != nil {
		return nil, err
	}
	content, err := t.renderSource(fc)
	if err != nil {
		return nil, &TransportError{Op: "materialize", Host: host.Hostname, Err: err}
	}
	if fc.Compare {
		return c.compareFile(ctx, fc.DstPath, content)
	}
	return c.putFile(ctx, fc, content)
}
