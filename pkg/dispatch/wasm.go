package dispatch

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/fleetplay/pkg/engine"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WASMConfig configures the sandbox of the wasm module.
type WASMConfig struct {
	// MemoryLimitPages caps guest memory in 64KiB pages. Default is 256 (16MiB).
	MemoryLimitPages uint32

	// AllowedDirs are the controller directories a task may mount.
	AllowedDirs []string
}

// GuestMountPoint is where a task's "mount" directory appears in the guest.
const GuestMountPoint = "/work"

// wasmModule runs WASI command binaries on the controller. The runtime and
// compiled binaries are shared across dispatches; each dispatch gets a
// fresh anonymous instance.
type wasmModule struct {
	cfg WASMConfig

	initOnce sync.Once
	rt       wazero.Runtime
	initErr  error

	mu       sync.Mutex
	compiled map[string]compiledBinary
}

type compiledBinary struct {
	mod     wazero.CompiledModule
	modTime time.Time
	size    int64
}

type wasmCallKey struct{}

// wasmCall is the per-dispatch state host functions write to.
type wasmCall struct {
	changed atomic.Bool
}

func newWASMModule(cfg WASMConfig) *wasmModule {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	return &wasmModule{cfg: cfg, compiled: make(map[string]compiledBinary)}
}

func (m *wasmModule) runtime() (wazero.Runtime, error) {
	m.initOnce.Do(func() {
		ctx := context.Background()
		rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
			WithMemoryLimitPages(m.cfg.MemoryLimitPages).
			WithCloseOnContextDone(true))

		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			_ = rt.Close(ctx)
			m.initErr = fmt.Errorf("failed to instantiate WASI: %w", err)
			return
		}

		// Guests call fleetplay.set_changed to report that they changed something
		_, err := rt.NewHostModuleBuilder("fleetplay").
			NewFunctionBuilder().
			WithFunc(func(ctx context.Context) {
				if call, ok := ctx.Value(wasmCallKey{}).(*wasmCall); ok {
					call.changed.Store(true)
				}
			}).
			Export("set_changed").
			Instantiate(ctx)
		if err != nil {
			_ = rt.Close(ctx)
			m.initErr = fmt.Errorf("failed to instantiate host module: %w", err)
			return
		}
		m.rt = rt
	})
	return m.rt, m.initErr
}

// compile returns the compiled binary at path, recompiling when the file changed.
func (m *wasmModule) compile(ctx context.Context, rt wazero.Runtime, path string) (wazero.CompiledModule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat wasm binary: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.compiled[path]; ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.mod, nil
	}

	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm binary: %w", err)
	}
	mod, err := rt.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile wasm binary: %w", err)
	}
	if old, ok := m.compiled[path]; ok {
		_ = old.mod.Close(ctx)
	}
	m.compiled[path] = compiledBinary{mod: mod, modTime: info.ModTime(), size: info.Size()}
	return mod, nil
}

func (m *wasmModule) Run(ctx context.Context, req *Request) (engine.TaskResult, error) {
	path, err := req.Args.Require("path")
	if err != nil {
		return engine.TaskResult{}, err
	}
	argv, err := req.Args.Strings("args")
	if err != nil {
		return engine.TaskResult{}, err
	}
	env, err := req.Args.Map("env")
	if err != nil {
		return engine.TaskResult{}, err
	}

	mc := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{filepath.Base(path)}, argv...)...).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mc = mc.WithEnv(k, fmt.Sprint(env[k]))
	}
	mc = mc.WithEnv("FLEETPLAY_HOST", req.Host)

	if dir, ok := req.Args.String("mount"); ok {
		if err := m.checkMount(dir); err != nil {
			return engine.TaskResult{}, err
		}
		mc = mc.WithFSConfig(wazero.NewFSConfig().WithDirMount(dir, GuestMountPoint))
	}

	var stdout, stderr bytes.Buffer
	mc = mc.WithStdout(&stdout).WithStderr(&stderr)
	if stdin, ok := req.Args.String("stdin"); ok {
		mc = mc.WithStdin(strings.NewReader(stdin))
	}

	rt, err := m.runtime()
	if err != nil {
		return engine.TaskResult{}, err
	}
	compiled, err := m.compile(ctx, rt, path)
	if err != nil {
		return engine.TaskResult{}, err
	}

	call := &wasmCall{}
	mod, runErr := rt.InstantiateModule(context.WithValue(ctx, wasmCallKey{}, call), compiled, mc)
	if mod != nil {
		_ = mod.Close(ctx)
	}

	rc := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return engine.TaskResult{}, ctx.Err()
		}
		var exitErr *sys.ExitError
		if !errors.As(runErr, &exitErr) {
			return engine.TaskResult{}, fmt.Errorf("wasm execution failed: %w", runErr)
		}
		rc = int(exitErr.ExitCode())
	}

	out := engine.TaskResult{
		Changed: call.changed.Load(),
		Output:  strings.TrimSpace(stdout.String()),
		Data: map[string]interface{}{
			"rc":     rc,
			"stdout": strings.TrimSpace(stdout.String()),
			"stderr": strings.TrimSpace(stderr.String()),
		},
	}
	if rc != 0 {
		out.Failed = true
		return out, fmt.Errorf("wasm binary exited with code %d", rc)
	}
	return out, nil
}

// checkMount allows dir only inside a configured directory and never in a
// system location.
func (m *wasmModule) checkMount(dir string) error {
	clean, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("invalid mount %q: %w", dir, err)
	}
	for _, sensitive := range []string{"/etc", "/root", "/sys", "/proc", "/dev"} {
		if clean == sensitive || strings.HasPrefix(clean, sensitive+"/") {
			return fmt.Errorf("mount of sensitive path denied: %s", clean)
		}
	}
	for _, allowed := range m.cfg.AllowedDirs {
		base, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if rel, err := filepath.Rel(base, clean); err == nil && rel != ".." && !strings.HasPrefix(rel, "../") {
			return nil
		}
	}
	return fmt.Errorf("mount %s is outside the allowed directories", clean)
}

// Close releases the runtime and every compiled binary.
func (m *wasmModule) Close(ctx context.Context) error {
	m.mu.Lock()
	m.compiled = make(map[string]compiledBinary)
	m.mu.Unlock()
	if m.rt == nil {
		return nil
	}
	return m.rt.Close(ctx)
}
