package ssh

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/opereon/opereon/pkg/engine"
)

// exec runs a shell command line on the host. A non-zero remote exit status
// is returned through the result with a nil error; only transport failures
// are errors.
func (c *client) exec(ctx context.Context, cmdLine string) (*engine.ExecResult, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	start := time.Now()
	c.log.Debug().Str("command", cmdLine).Msg("executing command")

	session, err := c.session()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmdLine)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-doneChan:
	}

	res := &engine.ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	c.log.Debug().
		Str("command", cmdLine).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(runErr).
		Msg("command completed")

	if runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, &TransportError{Op: "exec", Host: c.dest.Host, Err: runErr, IsTemporary: true}
	}
	return res, nil
}

// execScript ships the script body to a temporary file and runs it, cleaning
// the file up afterwards.
func (c *client) execScript(ctx context.Context, source string, script engine.Script) (*engine.ExecResult, error) {
	tmpFile := fmt.Sprintf("/tmp/opereon-script-%d", time.Now().UnixNano())
	c.log.Debug().Str("tmpfile", tmpFile).Str("interpreter", script.Interpreter).Msg("executing script")

	eof := heredocDelimiter(source)
	writeCmd := fmt.Sprintf("cat > %s << '%s'\n%s\n%s", tmpFile, eof, source, eof)
	if res, err := c.exec(ctx, writeCmd); err != nil {
		return nil, err
	} else if res.ExitCode != 0 {
		return res, &TransportError{Op: "script-upload", Host: c.dest.Host,
			Err: fmt.Errorf("writing script exited with status %d", res.ExitCode)}
	}
	if res, err := c.exec(ctx, "chmod +x "+tmpFile); err != nil {
		return nil, err
	} else if res.ExitCode != 0 {
		return res, &TransportError{Op: "script-upload", Host: c.dest.Host,
			Err: fmt.Errorf("chmod exited with status %d", res.ExitCode)}
	}

	run := tmpFile
	if script.Interpreter != "" {
		run = script.Interpreter + " " + tmpFile
	}
	for _, a := range script.Args {
		run += " " + shellQuote(a)
	}
	cmdLine := wrapCommand(run, script.Env, script.Cwd, script.RunAs)

	res, err := c.exec(ctx, cmdLine)

	if _, cleanupErr := c.exec(ctx, "rm -f "+tmpFile); cleanupErr != nil {
		c.log.Warn().Err(cleanupErr).Msg("cleaning up script file")
	}
	return res, err
}

// heredocDelimiter picks a heredoc terminator that does not occur in the
// script body, so any body ships intact.
func heredocDelimiter(source string) string {
	delim := "OPEREON_SCRIPT_EOF"
	for strings.Contains(source, delim) {
		delim = "OPEREON_SCRIPT_EOF_" + uuid.NewString()
	}
	return delim
}

// buildCommandLine renders an engine command as a shell command line.
func buildCommandLine(cmd engine.Command) string {
	line := cmd.Cmd
	for _, a := range cmd.Args {
		line += " " + shellQuote(a)
	}
	return wrapCommand(line, cmd.Env, cmd.Cwd, cmd.RunAs)
}

// wrapCommand applies environment, working directory and user switching
// around a command line.
func wrapCommand(line string, env map[string]string, cwd, runAs string) string {
	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var prefix strings.Builder
		prefix.WriteString("env")
		for _, k := range keys {
			prefix.WriteString(" " + k + "=" + shellQuote(env[k]))
		}
		line = prefix.String() + " " + line
	}
	if cwd != "" {
		line = "cd " + shellQuote(cwd) + " && " + line
	}
	if runAs != "" {
		line = "sudo -u " + shellQuote(runAs) + " -- sh -c " + shellQuote(line)
	}
	return line
}

// shellQuote single-quotes a string for POSIX shells.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$\\|&;<>()*?[]#~%{}") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
