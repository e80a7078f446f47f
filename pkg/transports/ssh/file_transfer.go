package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// newSFTP opens an SFTP session on the connection.
func (c *SSHClient) newSFTP() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// Upload writes src to remotePath and returns the SHA-256 of what was written.
func (c *SSHClient) Upload(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) (*FileTransferResult, error) {
	start := time.Now()

	sftpClient, err := c.newSFTP()
	if err != nil {
		return nil, err
	}
	defer sftpClient.Close()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer remoteFile.Close()

	hash := sha256.New()
	written, err := copyWithContext(ctx, remoteFile, io.TeeReader(src, hash))
	if err != nil {
		return nil, &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			log.Warn().Err(err).Str("path", remotePath).Msg("failed to set file permissions")
		}
	}

	res := &FileTransferResult{
		BytesTransferred: written,
		Duration:         time.Since(start),
		Checksum:         hex.EncodeToString(hash.Sum(nil)),
	}
	log.Debug().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", res.Duration).
		Msg("file uploaded")
	return res, nil
}

// Checksum returns the hex SHA-256 of a remote file. A missing file yields
// an error wrapping os.ErrNotExist.
func (c *SSHClient) Checksum(ctx context.Context, remotePath string) (string, error) {
	sftpClient, err := c.newSFTP()
	if err != nil {
		return "", err
	}
	defer sftpClient.Close()

	f, err := sftpClient.Open(remotePath)
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: err}
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := copyWithContext(ctx, hash, f); err != nil {
		return "", &TransportError{Op: "checksum", Err: err, IsTemporary: true}
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
