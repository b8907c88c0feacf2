package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/pkg/sftp"

	"github.com/opereon/opereon/pkg/engine"
)

// readSource loads a repository-relative source file. Absolute paths are
// rejected so model repositories stay self-contained.
func (t *Transport) readSource(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("missing source path")
	}
	if filepath.IsAbs(relPath) || strings.Contains(relPath, "..") {
		return "", fmt.Errorf("source path %q must be repository-relative", relPath)
	}
	data, err := os.ReadFile(filepath.Join(t.rootDir, relPath))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// renderSource loads a file operation's source and, for templated copies,
// renders it with the declared bindings only.
func (t *Transport) renderSource(fc engine.FileCopy) (string, error) {
	content, err := t.readSource(fc.SrcPath)
	if err != nil {
		return "", err
	}
	if !fc.Templated {
		return content, nil
	}
	tmpl, err := template.New(path.Base(fc.SrcPath)).Option("missingkey=error").Parse(content)
	if err != nil {
		return "", fmt.Errorf("parsing template %s: %w", fc.SrcPath, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, fc.Bindings); err != nil {
		return "", fmt.Errorf("rendering template %s: %w", fc.SrcPath, err)
	}
	return buf.String(), nil
}

// compareFile checks whether the remote file matches the expected content.
// Exit code 0 means identical, 1 means missing or different.
func (c *client) compareFile(ctx context.Context, dstPath, content string) (*engine.ExecResult, error) {
	start := time.Now()
	sum := sha256.Sum256([]byte(content))
	want := hex.EncodeToString(sum[:])

	res, err := c.exec(ctx, "sha256sum "+shellQuote(dstPath))
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	if res.ExitCode != 0 {
		// Missing file counts as different, not as a transport failure.
		res.ExitCode = 1
		return res, nil
	}
	got := strings.Fields(res.Stdout)
	if len(got) == 0 || got[0] != want {
		res.ExitCode = 1
		return res, nil
	}
	res.ExitCode = 0
	return res, nil
}

// putFile uploads content to the destination over SFTP and applies ownership
// and permissions.
func (c *client) putFile(ctx context.Context, fc engine.FileCopy, content string) (*engine.ExecResult, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	start := time.Now()
	conn, err := c.sshConn()
	if err != nil {
		return nil, err
	}
	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Host: c.dest.Host, Err: err, IsTemporary: true}
	}
	defer sftpClient.Close()

	if dir := path.Dir(fc.DstPath); dir != "" && dir != "/" && dir != "." {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return nil, &TransportError{Op: "mkdir", Host: c.dest.Host, Err: err}
		}
	}

	f, err := sftpClient.Create(fc.DstPath)
	if err != nil {
		return nil, &TransportError{Op: "upload", Host: c.dest.Host, Err: err}
	}
	if _, err := f.Write([]byte(content)); err != nil {
		_ = f.Close()
		return nil, &TransportError{Op: "upload", Host: c.dest.Host, Err: err, IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return nil, &TransportError{Op: "upload", Host: c.dest.Host, Err: err, IsTemporary: true}
	}

	if fc.Chmod != "" {
		mode, err := strconv.ParseUint(fc.Chmod, 8, 32)
		if err != nil {
			return nil, &TransportError{Op: "chmod", Host: c.dest.Host,
				Err: fmt.Errorf("invalid mode %q: %w", fc.Chmod, err)}
		}
		if err := sftpClient.Chmod(fc.DstPath, os.FileMode(mode)); err != nil {
			return nil, &TransportError{Op: "chmod", Host: c.dest.Host, Err: err}
		}
	}
	if fc.Chown != "" {
		// Ownership changes go through the shell; SFTP chown needs numeric
		// ids and root sessions rarely run the SFTP subsystem.
		res, err := c.exec(ctx, "sudo chown "+shellQuote(fc.Chown)+" "+shellQuote(fc.DstPath))
		if err != nil {
			return nil, err
		}
		if res.ExitCode != 0 {
			return res, &TransportError{Op: "chown", Host: c.dest.Host,
				Err: fmt.Errorf("chown exited with status %d: %s", res.ExitCode, res.Stderr)}
		}
	}

	c.log.Debug().
		Str("dst", fc.DstPath).
		Int("bytes", len(content)).
		Dur("duration", time.Since(start)).
		Msg("file materialized")
	return &engine.ExecResult{Duration: time.Since(start)}, nil
}
