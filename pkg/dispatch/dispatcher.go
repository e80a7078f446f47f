// Package dispatch executes play tasks on hosts. Every dispatch runs on its
// own goroutine and resolves an engine.PendingResult; the schedulers never
// wait on a module directly.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/openfroyo/fleetplay/pkg/engine"
	"github.com/openfroyo/fleetplay/pkg/facts"
	"github.com/openfroyo/fleetplay/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// DefaultTaskTimeout applies to tasks that set no timeout of their own.
const DefaultTaskTimeout = 10 * time.Minute

// Module executes one task on one host. A returned error fails the task;
// connection errors make the host unreachable.
type Module interface {
	Run(ctx context.Context, req *Request) (engine.TaskResult, error)
}

// ModuleFunc adapts a function to the Module interface.
type ModuleFunc func(ctx context.Context, req *Request) (engine.TaskResult, error)

// Run calls f.
func (f ModuleFunc) Run(ctx context.Context, req *Request) (engine.TaskResult, error) {
	return f(ctx, req)
}

// Request is one module invocation.
type Request struct {
	Host string
	Task *engine.Task
	Args Args

	target func(ctx context.Context) (Target, error)
}

// Target connects to the request's host, reusing a cached connection.
func (r *Request) Target(ctx context.Context) (Target, error) {
	return r.target(ctx)
}

// Options configure a Dispatcher.
type Options struct {
	// TaskTimeout bounds tasks without their own timeout.
	TaskTimeout time.Duration

	// CheckMode resolves tasks as ok without executing them.
	CheckMode bool

	// Resolver provides SSH settings per host. Nil runs every host locally.
	Resolver Resolver

	// Pool caches SSH connections. Nil creates a private pool.
	Pool *ssh.Pool

	// Facts stores gathered facts and script output.
	Facts *facts.Collector

	// Scripts evaluates script module sources.
	Scripts *config.StarlarkEvaluator

	// WASM configures the wasm module sandbox.
	WASM WASMConfig

	Logger zerolog.Logger
}

// Dispatcher implements engine.Dispatcher.
type Dispatcher struct {
	opts    Options
	pool    *ssh.Pool
	modules map[string]Module
	logger  zerolog.Logger
	wasm    *wasmModule

	mu       sync.Mutex
	inflight sync.WaitGroup
}

// New creates a dispatcher with the built-in modules registered.
func New(opts Options) *Dispatcher {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.Pool == nil {
		opts.Pool = ssh.NewPool()
	}
	if opts.Facts == nil {
		opts.Facts = facts.NewCollector(nil, opts.Logger)
	}
	if opts.Scripts == nil {
		opts.Scripts = config.NewStarlarkEvaluator(opts.TaskTimeout)
	}

	d := &Dispatcher{
		opts:    opts,
		pool:    opts.Pool,
		modules: make(map[string]Module),
		logger:  opts.Logger.With().Str("component", "dispatcher").Logger(),
	}
	d.wasm = newWASMModule(opts.WASM)

	d.Register("command", ModuleFunc(runCommand))
	d.Register("shell", ModuleFunc(runShell))
	d.Register("copy", ModuleFunc(runCopy))
	d.Register("ping", ModuleFunc(runPing))
	d.Register("debug", ModuleFunc(runDebug))
	d.Register("fail", ModuleFunc(runFail))
	d.Register("pause", ModuleFunc(runPause))
	d.Register("include", ModuleFunc(runInclude))
	d.Register("setup", &setupModule{collector: opts.Facts})
	d.Register("script", &scriptModule{eval: opts.Scripts, facts: opts.Facts})
	d.Register("wasm", d.wasm)
	return d
}

// Register adds or replaces a module.
func (d *Dispatcher) Register(name string, m Module) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modules[name] = m
}

// Modules returns the registered module names.
func (d *Dispatcher) Modules() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.modules))
	for name := range d.modules {
		names = append(names, name)
	}
	return names
}

func (d *Dispatcher) module(name string) (Module, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.modules[name]
	return m, ok
}

// Dispatch starts task on host and returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, host string, task *engine.Task) *engine.PendingResult {
	pr := engine.NewPendingResult(host, task)
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		pr.Resolve(d.execute(ctx, host, task))
	}()
	return pr
}

// Wait blocks until every dispatched task resolved.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

// Close waits for in-flight tasks and releases cached connections.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.Wait()
	return errors.Join(d.pool.Close(), d.wasm.Close(ctx))
}

// sideEffectFree modules still run in check mode.
var sideEffectFree = map[string]bool{
	"debug":   true,
	"include": true,
}

func (d *Dispatcher) execute(ctx context.Context, host string, task *engine.Task) (result engine.TaskResult) {
	start := time.Now()
	logger := d.logger.With().Str("host", host).Str("task", task.Name).Str("module", task.Module).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Module panicked")
			result = engine.TaskResult{
				Failed: true,
				Err: engine.NewPermanentError(fmt.Sprintf("module %s panicked: %v", task.Module, r), nil).
					WithHost(host).WithCode(engine.ErrCodeInternal),
			}
		}
		result.StartedAt = start
		result.Duration = time.Since(start)
	}()

	m, ok := d.module(task.Module)
	if !ok {
		return engine.TaskResult{
			Failed: true,
			Err: engine.NewPermanentError(fmt.Sprintf("unknown module %q", task.Module), nil).
				WithHost(host).WithCode(engine.ErrCodeUnknownModule),
		}
	}

	if d.opts.CheckMode && !sideEffectFree[task.Module] {
		return engine.TaskResult{Data: map[string]interface{}{"check_mode": true}}
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.opts.TaskTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &Request{
		Host: host,
		Task: task,
		Args: Args(task.Args),
		target: func(ctx context.Context) (Target, error) {
			return d.target(ctx, host)
		},
	}
	if req.Args == nil {
		req.Args = Args{}
	}

	logger.Debug().Msg("Running task")
	res, err := m.Run(ctx, req)
	if err != nil {
		res.Err = err
		switch {
		case ssh.IsConnectError(err):
			res.Unreachable = true
			res.Err = engine.NewTransientError("host unreachable", err).
				WithHost(host).WithCode(engine.ErrCodeUnreachable)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
			res.Failed = true
			res.Err = engine.NewTransientError(fmt.Sprintf("task timed out after %s", timeout), err).
				WithHost(host).WithCode(engine.ErrCodeTimeout)
		default:
			res.Failed = true
		}
	} else if res.Failed && res.Err == nil {
		res.Err = engine.NewPermanentError(res.Output, nil).WithHost(host).WithCode(engine.ErrCodeTaskFailed)
	}

	logger.Debug().Str("status", res.Status()).Err(res.Err).Msg("Task finished")
	return res
}

// target returns the execution target of host.
func (d *Dispatcher) target(ctx context.Context, host string) (Target, error) {
	if d.opts.Resolver == nil {
		return localTarget{}, nil
	}
	cfg, err := d.opts.Resolver.SSHConfig(host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve connection for %s: %w", host, err)
	}
	if cfg == nil {
		return localTarget{}, nil
	}
	return d.pool.Get(ctx, cfg)
}
