package ssh

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// client is one host's pooled SSH connection. Sessions are created per
// operation; the underlying connection is dialed once and health-checked on
// reuse.
type client struct {
	dest Dest
	log  zerolog.Logger

	mu        sync.Mutex
	conn      *ssh.Client
	connected bool
}

func newClient(dest Dest, log zerolog.Logger) *client {
	return &client{
		dest: dest,
		log:  log.With().Str("host", dest.Host).Logger(),
	}
}

// connect dials the host, reusing a live connection when one exists.
func (c *client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected && c.conn != nil {
		if c.healthCheck() == nil {
			return nil
		}
		c.log.Warn().Msg("connection is dead, reconnecting")
		_ = c.conn.Close()
		c.connected = false
	}

	clientConfig, err := c.dest.buildClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Host: c.dest.Host, Err: err, IsAuthError: true}
	}

	address := c.dest.Address()
	c.log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "connect", Host: c.dest.Host, Err: ctx.Err(), IsTemporary: true}
	case err := <-errChan:
		return &TransportError{Op: "connect", Host: c.dest.Host, Err: err, IsTemporary: true}
	case conn := <-connChan:
		c.conn = conn
		c.connected = true
		c.log.Info().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// healthCheck runs a trivial command over a fresh session. Callers hold mu.
func (c *client) healthCheck() error {
	session, err := c.conn.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("true")
}

func (c *client) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return nil
	}
	c.log.Debug().Msg("closing SSH connection")
	err := c.conn.Close()
	c.conn = nil
	c.connected = false
	if err != nil {
		return &TransportError{Op: "disconnect", Host: c.dest.Host, Err: err}
	}
	return nil
}

// session returns a new session on the live connection.
func (c *client) session() (*ssh.Session, error) {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return nil, &TransportError{Op: "session", Host: c.dest.Host, Err: errNotConnected}
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Host: c.dest.Host, Err: err, IsTemporary: true}
	}
	return session, nil
}

// opContext applies the configured command timeout, when one is set.
func (c *client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.dest.CommandTimeout > 0 {
		return context.WithTimeout(ctx, c.dest.CommandTimeout)
	}
	return context.WithCancel(ctx)
}

var errNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (*notConnectedError) Error() string { return "not connected" }

// sshConn exposes the raw connection for the SFTP subsystem.
func (c *client) sshConn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return nil, &TransportError{Op: "sftp", Host: c.dest.Host, Err: errNotConnected}
	}
	return c.conn, nil
}
