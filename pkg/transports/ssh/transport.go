// Package ssh provides the SSH transport used to run tasks on remote hosts.
package ssh

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// Transport is a connection to one remote host.
type Transport interface {
	// Connect establishes the SSH connection. Connecting an already
	// connected transport is a no-op.
	Connect(ctx context.Context) error

	// Close closes the connection and releases all resources.
	Close() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Run executes cmd on the remote host. A command that ran and exited
	// non-zero is not an error; check ExecResult.ExitCode.
	Run(ctx context.Context, cmd string, opts RunOptions) (*ExecResult, error)

	// Upload writes src to remotePath over SFTP, creating parent directories.
	Upload(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) (*FileTransferResult, error)

	// Checksum returns the hex SHA-256 of a remote file.
	Checksum(ctx context.Context, remotePath string) (string, error)

	// ConnectionInfo returns information about the current connection.
	ConnectionInfo() ConnectionInfo
}

// RunOptions tune a single command execution.
type RunOptions struct {
	// Sudo runs the command through sudo.
	Sudo bool

	// SudoPassword is fed to sudo on stdin; empty relies on NOPASSWD.
	SudoPassword string

	// Stdin is passed to the command.
	Stdin io.Reader
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host string
	Port int
	User string

	// Proxy is the jump host address, if any
	Proxy string

	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// StartedAt is when the command started executing
	StartedAt time.Time

	// Duration is the total execution time
	Duration time.Duration
}

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	// BytesTransferred is the number of bytes transferred
	BytesTransferred int64

	// Duration is the time taken for the transfer
	Duration time.Duration

	// Checksum is the SHA-256 of the transferred content
	Checksum string
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Connection phase operations.
const (
	OpConnect      = "connect"
	OpConnectProxy = "connect-proxy"
)

// IsConnectError reports whether err happened while reaching or
// authenticating to the host, as opposed to while running something on it.
func IsConnectError(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return te.Op == OpConnect || te.Op == OpConnectProxy
}
