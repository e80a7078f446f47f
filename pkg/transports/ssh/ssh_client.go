package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport over golang.org/x/crypto/ssh.
type SSHClient struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	proxy       *ssh.Client
	connectedAt time.Time
	lastUsedAt  time.Time

	// stopKeepAlive is closed when the connection is closed
	stopKeepAlive chan struct{}
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient creates a new, unconnected SSH client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{config: config}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if err := c.healthCheckLocked(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		_ = c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: OpConnect, Err: err, IsAuthError: true}
	}

	if c.config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return err
	}

	c.connectedAt = time.Now()
	c.lastUsedAt = c.connectedAt
	if c.config.KeepAliveInterval > 0 {
		c.stopKeepAlive = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeepAlive)
	}
	return nil
}

// handshake runs the SSH handshake over conn, bounded by ctx and the
// connection timeout.
func (c *SSHClient) handshake(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	deadline := time.Now().Add(c.config.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// connectDirect establishes a direct SSH connection.
func (c *SSHClient) connectDirect(ctx context.Context, cfg *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return &TransportError{Op: OpConnect, Err: err, IsTemporary: true}
	}

	client, err := c.handshake(ctx, conn, address, cfg)
	if err != nil {
		_ = conn.Close()
		return &TransportError{Op: OpConnect, Err: err, IsAuthError: isAuthFailure(err)}
	}

	c.client = client
	log.Debug().Str("address", address).Msg("SSH connection established")
	return nil
}

// connectViaProxy establishes an SSH connection through a jump host.
func (c *SSHClient) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	pc := c.config.proxyConfig()
	proxyClientConfig, err := pc.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: OpConnectProxy, Err: err, IsAuthError: true}
	}

	log.Debug().Str("proxy", pc.Address()).Msg("connecting to proxy host")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", pc.Address())
	if err != nil {
		return &TransportError{Op: OpConnectProxy, Err: err, IsTemporary: true}
	}
	proxyClient, err := c.handshake(ctx, conn, pc.Address(), proxyClientConfig)
	if err != nil {
		_ = conn.Close()
		return &TransportError{Op: OpConnectProxy, Err: err, IsAuthError: isAuthFailure(err)}
	}

	target := c.config.Address()
	proxyConn, err := proxyClient.DialContext(ctx, "tcp", target)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{Op: OpConnect, Err: err, IsTemporary: true}
	}

	client, err := c.handshake(ctx, proxyConn, target, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &TransportError{Op: OpConnect, Err: err, IsAuthError: isAuthFailure(err)}
	}

	c.client = client
	c.proxy = proxyClient
	log.Debug().Str("target", target).Str("proxy", pc.Address()).Msg("SSH connection established via proxy")
	return nil
}

// isAuthFailure reports whether a handshake failed because no auth method
// was accepted. The ssh package does not export a typed error for this.
func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Close closes the SSH connection and releases all resources.
func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
		c.stopKeepAlive = nil
	}
	err := c.client.Close()
	c.client = nil
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.healthCheckLocked()
}

// healthCheckLocked runs a keep-alive request on the connection.
func (c *SSHClient) healthCheckLocked() error {
	if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive sends periodic keep-alive requests until stop is closed or
// too many requests failed in a row.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			log.Warn().Err(err).Str("host", c.config.Host).Int("retries", retries).Msg("keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				log.Error().Str("host", c.config.Host).Msg("keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

func (c *SSHClient) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}

// ConnectionInfo returns information about the current connection.
func (c *SSHClient) ConnectionInfo() ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		Proxy:        c.config.ProxyAddress(),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastUsedAt,
	}
}

// getClient returns the underlying SSH client for the executor and file transfer.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil, &TransportError{Op: "get-client", Err: fmt.Errorf("not connected")}
	}
	c.lastUsedAt = time.Now()
	return c.client, nil
}
