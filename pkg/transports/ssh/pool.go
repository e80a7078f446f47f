package ssh

import (
	"context"
	"errors"
	"sync"
)

// DialFunc creates an unconnected transport for a config.
type DialFunc func(cfg *Config) (Transport, error)

// Pool keeps one connected transport per connection key. Different keys
// connect in parallel; callers for the same key wait for one connect.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	dial    DialFunc
	closed  bool
}

type poolEntry struct {
	mu sync.Mutex
	t  Transport
}

// NewPool creates a pool that dials with NewSSHClient.
func NewPool() *Pool {
	return NewPoolWithDialer(func(cfg *Config) (Transport, error) {
		return NewSSHClient(cfg)
	})
}

// NewPoolWithDialer creates a pool with a custom dialer.
func NewPoolWithDialer(dial DialFunc) *Pool {
	return &Pool{entries: make(map[string]*poolEntry), dial: dial}
}

// Get returns a connected transport for cfg, connecting on first use or
// when the cached connection was lost. Invalid configs and connect failures
// are returned as TransportErrors with a connect operation.
func (p *Pool) Get(ctx context.Context, cfg *Config) (Transport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &TransportError{Op: OpConnect, Err: errors.New("connection pool closed")}
	}
	key := cfg.Key()
	e, ok := p.entries[key]
	if !ok {
		e = &poolEntry{}
		p.entries[key] = e
	}
	p.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.t != nil && e.t.IsConnected() {
		return e.t, nil
	}
	if e.t == nil {
		t, err := p.dial(cfg)
		if err != nil {
			return nil, &TransportError{Op: OpConnect, Err: err}
		}
		e.t = t
	}
	if err := e.t.Connect(ctx); err != nil {
		return nil, err
	}
	return e.t, nil
}

// Len returns the number of cached transports.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close closes every cached transport. Get fails afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, e := range entries {
		e.mu.Lock()
		if e.t != nil {
			if err := e.t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}
