package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/fleetplay/pkg/engine"
	"github.com/openfroyo/fleetplay/pkg/stores"
	"github.com/openfroyo/fleetplay/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// mockTransport is an in-memory remote host.
type mockTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	outputs    map[string]*ssh.ExecResult
	files      map[string][]byte
	modes      map[string]os.FileMode
	commands   []string
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		outputs: make(map[string]*ssh.ExecResult),
		files:   make(map[string][]byte),
		modes:   make(map[string]os.FileMode),
	}
}

func (m *mockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *mockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) HealthCheck(ctx context.Context) error { return nil }

func (m *mockTransport) Run(ctx context.Context, cmd string, opts ssh.RunOptions) (*ssh.ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
	if res, ok := m.outputs[cmd]; ok {
		copied := *res
		return &copied, nil
	}
	return &ssh.ExecResult{ExitCode: 127, Stderr: "command not found"}, nil
}

func (m *mockTransport) Upload(ctx context.Context, src io.Reader, path string, mode os.FileMode) (*ssh.FileTransferResult, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = data
	m.modes[path] = mode
	sum := sha256.Sum256(data)
	return &ssh.FileTransferResult{BytesTransferred: int64(len(data)), Checksum: hex.EncodeToString(sum[:])}, nil
}

func (m *mockTransport) Checksum(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return "", fmt.Errorf("checksum %s: %w", path, os.ErrNotExist)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (m *mockTransport) ConnectionInfo() ssh.ConnectionInfo { return ssh.ConnectionInfo{} }

func (m *mockTransport) ran() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// mockResolver sends listed hosts to mock transports; others run locally.
type mockResolver struct {
	hosts map[string]*mockTransport
}

func (r *mockResolver) SSHConfig(host string) (*ssh.Config, error) {
	if _, ok := r.hosts[host]; !ok {
		return nil, nil
	}
	return ssh.DefaultConfig(host, "deploy"), nil
}

func (r *mockResolver) pool() *ssh.Pool {
	return ssh.NewPoolWithDialer(func(cfg *ssh.Config) (ssh.Transport, error) {
		return r.hosts[cfg.Host], nil
	})
}

type mockFactStore struct {
	mu    sync.Mutex
	facts map[string]*stores.Fact
}

func newMockFactStore() *mockFactStore {
	return &mockFactStore{facts: make(map[string]*stores.Fact)}
}

func (m *mockFactStore) UpsertFact(ctx context.Context, fact *stores.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts[fact.TargetID+"/"+fact.Namespace] = fact
	return nil
}

func (m *mockFactStore) ListFacts(ctx context.Context, targetID *string, namespace *string, limit, offset int) ([]*stores.Fact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*stores.Fact
	for _, f := range m.facts {
		if targetID != nil && f.TargetID != *targetID {
			continue
		}
		if namespace != nil && f.Namespace != *namespace {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (m *mockFactStore) get(key string) (*stores.Fact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.facts[key]
	return f, ok
}

// runTask dispatches one task and waits for its result.
func runTask(t *testing.T, d *Dispatcher, host, module string, args map[string]interface{}) engine.TaskResult {
	t.Helper()
	task := engine.NewTask(module, module, args)
	return waitResult(t, d.Dispatch(context.Background(), host, task))
}

func waitResult(t *testing.T, pr *engine.PendingResult) engine.TaskResult {
	t.Helper()
	select {
	case <-pr.Done():
		return pr.Result()
	case <-time.After(10 * time.Second):
		t.Fatalf("task %s on %s never resolved", pr.Task().Name, pr.Host())
		return engine.TaskResult{}
	}
}

func newTestDispatcher(t *testing.T, opts Options) *Dispatcher {
	t.Helper()
	opts.Logger = zerolog.Nop()
	d := New(opts)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func errCode(err error) string {
	var e *engine.EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
