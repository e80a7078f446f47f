package dispatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/fleetplay/pkg/transports/ssh"
)

// Target runs commands and writes files on one host.
type Target interface {
	Run(ctx context.Context, cmd string, opts ssh.RunOptions) (*ssh.ExecResult, error)
	Upload(ctx context.Context, src io.Reader, path string, mode os.FileMode) (*ssh.FileTransferResult, error)
	Checksum(ctx context.Context, path string) (string, error)
}

// Resolver maps an inventory host to its connection settings. A nil config
// means the host runs on the controller.
type Resolver interface {
	SSHConfig(host string) (*ssh.Config, error)
}

// localTarget executes on the controller.
type localTarget struct{}

func (localTarget) Run(ctx context.Context, cmd string, opts ssh.RunOptions) (*ssh.ExecResult, error) {
	finalCmd := cmd
	stdin := opts.Stdin
	if opts.Sudo {
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

	c := exec.CommandContext(ctx, "/bin/sh", "-c", finalCmd)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.Stdin = stdin
	c.WaitDelay = time.Second

	start := time.Now()
	err := c.Run()
	res := &ssh.ExecResult{
		Stdout:    strings.TrimSpace(stdout.String()),
		Stderr:    strings.TrimSpace(stderr.String()),
		StartedAt: start,
		Duration:  time.Since(start),
	}
	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("failed to run command: %w", err)
	}
	return res, nil
}

func (localTarget) Upload(ctx context.Context, src io.Reader, path string, mode os.FileMode) (*ssh.FileTransferResult, error) {
	start := time.Now()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if mode == 0 {
		mode = 0o644
	}

	// Write next to the destination and rename so readers never see a partial file
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	n, err := io.Copy(tmp, io.TeeReader(readerWithContext(ctx, src), hash))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return nil, fmt.Errorf("failed to set mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	return &ssh.FileTransferResult{
		BytesTransferred: n,
		Duration:         time.Since(start),
		Checksum:         hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

func (localTarget) Checksum(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
