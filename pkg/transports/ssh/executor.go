package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Run executes cmd on the remote host. Without a deadline on ctx the
// configured command timeout applies.
func (c *SSHClient) Run(ctx context.Context, cmd string, opts RunOptions) (*ExecResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	log.Debug().Str("host", c.config.Host).Str("command", cmd).Bool("sudo", opts.Sudo).Msg("executing command")

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	finalCmd := cmd
	stdin := opts.Stdin
	if opts.Sudo {
		// -S reads the password from stdin, -p '' silences the prompt
		finalCmd = "sudo -S -p '' " + cmd
		if opts.SudoPassword != "" {
			pw := strings.NewReader(opts.SudoPassword + "\n")
			if stdin != nil {
				stdin = io.MultiReader(pw, stdin)
			} else {
				stdin = pw
			}
		}
	}
	if stdin != nil {
		session.Stdin = stdin
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(finalCmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		<-done
		runErr = ctx.Err()
	case runErr = <-done:
	}

	res := &ExecResult{
		Stdout:    strings.TrimSpace(stdoutBuf.String()),
		Stderr:    strings.TrimSpace(stderrBuf.String()),
		StartedAt: start,
		Duration:  time.Since(start),
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("command", cmd).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(runErr).
		Msg("command completed")

	if runErr == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}

	res.ExitCode = -1
	if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runErr, context.Canceled) {
		return res, &TransportError{Op: "execute", Err: runErr}
	}
	return res, &TransportError{Op: "execute", Err: runErr, IsTemporary: true}
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
