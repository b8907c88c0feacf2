package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/opereon/opereon/pkg/config"
	"github.com/opereon/opereon/pkg/engine"
)

// Dest is the fully resolved connection target for one host: the host's
// ssh_dest block merged over the transport-wide defaults.
type Dest struct {
	// Host is the address to dial.
	Host string

	// Port is the SSH port.
	Port int

	// User is the login user.
	User string

	// IdentityFile is the private key path.
	IdentityFile string

	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// CommandTimeout bounds one remote operation. Zero means no limit.
	CommandTimeout time.Duration
}

// destFor merges a host's declared destination with the configured defaults.
func destFor(h *engine.HostDef, cfg config.SSHConfig) Dest {
	d := Dest{
		Host:           h.SSH.Host,
		Port:           h.SSH.Port,
		User:           h.SSH.Username,
		IdentityFile:   h.SSH.IdentityFile,
		KnownHostsFile: cfg.KnownHostsFile,
		ConnectTimeout: cfg.ConnectTimeout,
		CommandTimeout: cfg.CommandTimeout,
	}
	if d.Host == "" {
		d.Host = h.Hostname
	}
	if d.Port == 0 {
		d.Port = 22
	}
	if d.User == "" {
		d.User = cfg.Username
	}
	if d.IdentityFile == "" {
		d.IdentityFile = cfg.IdentityFile
	}
	if d.ConnectTimeout == 0 {
		d.ConnectTimeout = 10 * time.Second
	}
	return d
}

// Address returns the dial address in host:port form.
func (d Dest) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// buildClientConfig translates the destination into an ssh.ClientConfig.
// Key authentication is tried from the identity file, falling back to the
// user's default key locations.
func (d Dest) buildClientConfig() (*ssh.ClientConfig, error) {
	keyPath := d.IdentityFile
	if keyPath == "" {
		home := os.Getenv("HOME")
		for _, candidate := range []string{
			filepath.Join(home, ".ssh", "id_ed25519"),
			filepath.Join(home, ".ssh", "id_rsa"),
			filepath.Join(home, ".ssh", "id_ecdsa"),
		} {
			if _, err := os.Stat(candidate); err == nil {
				keyPath = candidate
				break
			}
		}
	}
	if keyPath == "" {
		return nil, fmt.Errorf("no private key configured and no default key found")
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if d.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(d.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.ConnectTimeout,
	}, nil
}
