// Package runner executes one play end to end: admission policies, host
// selection, serial batches, the scheduling strategy and the play record.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/openfroyo/fleetplay/pkg/dispatch"
	"github.com/openfroyo/fleetplay/pkg/engine"
	"github.com/openfroyo/fleetplay/pkg/facts"
	"github.com/openfroyo/fleetplay/pkg/inventory"
	"github.com/openfroyo/fleetplay/pkg/plan"
	"github.com/openfroyo/fleetplay/pkg/policy"
	"github.com/openfroyo/fleetplay/pkg/stores"
	"github.com/openfroyo/fleetplay/pkg/telemetry"
	"github.com/rs/zerolog"
)

var (
	// ErrPlayDenied is returned when enforcing policies reject a play.
	ErrPlayDenied = errors.New("play denied by policy")

	// ErrNoHosts is returned when the host selection is empty.
	ErrNoHosts = errors.New("no hosts matched")
)

// Store is the persistence the runner needs.
type Store interface {
	facts.Store
	CreatePlay(ctx context.Context, play *stores.Play) error
	FinishPlay(ctx context.Context, play *stores.Play) error
	AppendTaskResults(ctx context.Context, results []*stores.TaskResult) error
	AppendEvent(ctx context.Context, event *stores.Event) error
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// Deps are the long-lived collaborators of a Runner.
type Deps struct {
	// Store records plays, results and facts. Nil disables persistence.
	Store Store

	// Policies admits plays. Nil skips admission.
	Policies *policy.Engine

	// Telemetry receives spans and metrics. Nil disables both.
	Telemetry *telemetry.Telemetry

	// Modules are registered on every play's dispatcher in addition to the
	// built-in ones.
	Modules map[string]dispatch.Module

	Logger zerolog.Logger
}

// Options describe one play run.
type Options struct {
	// Document is the parsed play.
	Document *config.PlayDocument

	// PlayPath is recorded with the play.
	PlayPath string

	// Inventory provides the hosts.
	Inventory *inventory.Inventory

	// Limit further restricts the hosts with an inventory pattern.
	Limit string

	// Strategy and Forks override the play and the configuration.
	Strategy string
	Forks    int

	// CheckMode runs without side effects.
	CheckMode bool

	// User is recorded in the audit log and passed to policies.
	User string

	// OnEvent receives every scheduler event in order.
	OnEvent telemetry.EventSubscriber
}

// Report summarizes a play run.
type Report struct {
	PlayID      string             `json:"play_id"`
	Name        string             `json:"name"`
	Strategy    string             `json:"strategy"`
	Hosts       []string           `json:"hosts"`
	Batches     int                `json:"batches"`
	Status      engine.RunStatus   `json:"status"`
	Outcome     engine.PlayOutcome `json:"outcome"`
	Failed      []string           `json:"failed,omitempty"`
	Unreachable []string           `json:"unreachable,omitempty"`
	Rounds      int                `json:"rounds"`
	Dispatched  int                `json:"dispatched"`
	Duration    time.Duration      `json:"duration"`
	Denied      bool               `json:"denied,omitempty"`
	Admission   *policy.Result     `json:"admission,omitempty"`
}

// Runner runs plays.
type Runner struct {
	cfg    *config.AppConfig
	deps   Deps
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	terminated atomic.Bool
	mu         sync.Mutex
	active     engine.Strategy
}

// New creates a runner.
func New(cfg *config.AppConfig, deps Deps) (*Runner, error) {
	if cfg == nil {
		cfg = config.DefaultAppConfig()
	}

	tel := deps.Telemetry
	if tel == nil {
		tcfg := telemetry.DefaultConfig()
		tcfg.Metrics.Enabled = false
		var err error
		tel, err = telemetry.NewTelemetryWithLogger(tcfg, telemetry.NewLoggerWithWriter(tcfg.Logging, io.Discard))
		if err != nil {
			return nil, err
		}
	}

	return &Runner{
		cfg:    cfg,
		deps:   deps,
		tel:    tel,
		logger: deps.Logger.With().Str("component", "runner").Logger(),
	}, nil
}

// Terminate stops the running play: the active batch drains its in-flight
// tasks and later batches never start. A terminated runner starts no
// further batches.
func (r *Runner) Terminate() {
	r.terminated.Store(true)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.active.Terminate()
	}
}

// Run executes a play. A non-nil report is returned whenever the play got
// far enough to have an id, including denied plays.
func (r *Runner) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Document == nil {
		return nil, fmt.Errorf("play document is required")
	}
	if opts.Inventory == nil {
		return nil, fmt.Errorf("inventory is required")
	}
	play := &opts.Document.Play

	settings, err := r.settings(play, opts)
	if err != nil {
		return nil, err
	}

	inv := opts.Inventory.WithSSHDefaults(r.cfg.SSH)
	hosts, err := SelectHosts(inv, play, opts.Limit)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoHosts, play.Hosts)
	}
	batches, err := SplitBatches(hosts, play.Serial)
	if err != nil {
		return nil, err
	}

	report := &Report{
		PlayID:   uuid.New().String(),
		Name:     play.Name,
		Strategy: string(settings.Strategy),
		Hosts:    hosts,
		Batches:  len(batches),
	}
	logger := r.logger.With().Str("play_id", report.PlayID).Str("play", play.Name).Logger()

	disp := r.newDispatcher(inv, opts.CheckMode)
	defer func() {
		if err := disp.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("Failed to close dispatcher")
		}
	}()

	record := &stores.Play{
		ID:        report.PlayID,
		Name:      play.Name,
		PlayPath:  opts.PlayPath,
		Strategy:  report.Strategy,
		Status:    stores.PlayStatusRunning,
		HostCount: len(hosts),
		CheckMode: opts.CheckMode,
		StartedAt: time.Now().UTC(),
	}

	admission, err := r.admit(ctx, opts, settings, hosts, disp.Modules(), logger)
	report.Admission = admission
	if err != nil {
		if errors.Is(err, ErrPlayDenied) {
			report.Denied = true
			r.recordDenied(ctx, record, opts.User, admission, logger)
		}
		return report, err
	}

	if r.deps.Store != nil {
		if err := r.deps.Store.CreatePlay(ctx, record); err != nil {
			return report, fmt.Errorf("failed to record play: %w", err)
		}
	}
	r.audit(ctx, "play.started", opts.User, report.PlayID, map[string]any{
		"name":     play.Name,
		"hosts":    len(hosts),
		"strategy": report.Strategy,
		"check":    opts.CheckMode,
	}, logger)

	scope := r.tel.StartPlay(ctx, report.PlayID, play.Name, report.Strategy)
	events := r.tel.NewPlayPublisher()
	var rec *recorder
	if r.deps.Store != nil {
		rec = newRecorder(ctx, r.deps.Store, report.PlayID, logger)
		events.Subscribe(rec.record, nil)
	}
	if opts.OnEvent != nil {
		events.Subscribe(opts.OnEvent, nil)
	}

	started := time.Now()
	runErr := r.runBatches(scope.Ctx, opts.Document, batches, settings, disp, events, scope.Logger.Zerolog(), report)
	report.Duration = time.Since(started)
	report.Outcome = report.Status.Outcome()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	if err := events.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("Event delivery did not finish")
	}
	cancel()

	scope.End(string(report.Outcome), runErr)

	if rec != nil {
		if persisted, failed := rec.counts(); failed > 0 {
			logger.Warn().Int("persisted", persisted).Int("failed", failed).Msg("Some play records were not persisted")
		}
	}
	r.finish(ctx, record, report, runErr, opts.User, logger)
	return report, runErr
}

func (r *Runner) runBatches(
	ctx context.Context,
	doc *config.PlayDocument,
	batches [][]string,
	settings engine.Settings,
	disp engine.Dispatcher,
	events engine.EventPublisher,
	logger zerolog.Logger,
	report *Report,
) error {
	var failed, unreachable []string

	defer func() {
		report.Failed = failed
		report.Unreachable = unreachable
	}()

	for i, batch := range batches {
		if r.terminated.Load() || ctx.Err() != nil {
			logger.Warn().Int("batch", i).Msg("Play terminated, skipping remaining batches")
			break
		}

		res, err := r.runBatch(ctx, doc, i, batch, settings, disp, events, logger)
		if res != nil {
			report.Status |= res.Status
			report.Rounds += res.Rounds
			report.Dispatched += res.Dispatched
			failed = append(failed, res.Failed...)
			unreachable = append(unreachable, res.Unreachable...)
		}
		if err != nil {
			report.Status |= engine.RunUnknownError
			return err
		}
		if res != nil && res.Status.Has(engine.RunFailedBreakPlay) {
			if i < len(batches)-1 {
				logger.Warn().Int("batch", i).Msg("Fatal failure, skipping remaining batches")
			}
			break
		}
	}
	return nil
}

func (r *Runner) runBatch(
	ctx context.Context,
	doc *config.PlayDocument,
	index int,
	hosts []string,
	settings engine.Settings,
	disp engine.Dispatcher,
	events engine.EventPublisher,
	logger zerolog.Logger,
) (*engine.PlayResult, error) {
	ctx, span := r.tel.Tracer.StartBatchSpan(ctx, index, len(hosts))
	defer span.End()

	tree, err := plan.Build(doc)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to build plan: %w", err)
	}

	settings.BatchSize = len(hosts)
	strategy, err := engine.NewStrategy(settings, engine.Deps{
		Tree:       tree,
		Dispatcher: disp,
		Pool:       engine.NewWorkerPool(settings.Concurrency),
		Registry:   inventory.NewSnapshot(hosts),
		Publisher:  events,
		Metrics:    r.tel.Metrics,
		Logger:     logger.With().Int("batch", index).Logger(),
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	r.mu.Lock()
	r.active = strategy
	if r.terminated.Load() {
		strategy.Terminate()
	}
	r.mu.Unlock()

	res, err := strategy.Run(ctx)

	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()

	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return res, err
}

// settings resolves scheduler settings. Command line overrides win over the
// play, which wins over the configuration.
func (r *Runner) settings(play *config.Play, opts Options) (engine.Settings, error) {
	strategy := firstNonEmpty(opts.Strategy, play.Strategy, r.cfg.Strategy)
	if err := engine.StrategyName(strategy).Validate(); err != nil {
		return engine.Settings{}, err
	}

	forks := r.cfg.Forks
	switch {
	case opts.Forks > 0:
		forks = opts.Forks
	case play.Forks > 0:
		forks = play.Forks
	}

	poll := r.cfg.PollInterval
	if play.PollInterval != "" {
		d, err := time.ParseDuration(play.PollInterval)
		if err != nil {
			return engine.Settings{}, fmt.Errorf("invalid poll_interval %q: %w", play.PollInterval, err)
		}
		poll = d
	}

	return engine.Settings{
		Strategy:          engine.StrategyName(strategy),
		Concurrency:       forks,
		AnyErrorsFatal:    play.AnyErrorsFatal,
		MaxFailPercentage: play.MaxFailPercentage,
		PollInterval:      poll,
		HostPinned:        play.HostPinned,
	}, nil
}

func (r *Runner) newDispatcher(inv *inventory.Inventory, checkMode bool) *dispatch.Dispatcher {
	var factStore facts.Store
	if r.deps.Store != nil {
		factStore = r.deps.Store
	}
	d := dispatch.New(dispatch.Options{
		TaskTimeout: r.cfg.TaskTimeout,
		CheckMode:   checkMode,
		Resolver:    inv,
		Facts:       facts.NewCollector(factStore, r.deps.Logger),
		Scripts:     config.NewStarlarkEvaluator(r.cfg.TaskTimeout),
		Logger:      r.deps.Logger,
	})
	for name, m := range r.deps.Modules {
		d.Register(name, m)
	}
	return d
}

// admit evaluates the admission policies. Warnings are logged; violations
// deny the play in enforcing mode and are logged in advisory mode.
func (r *Runner) admit(
	ctx context.Context,
	opts Options,
	settings engine.Settings,
	hosts []string,
	modules []string,
	logger zerolog.Logger,
) (*policy.Result, error) {
	if r.deps.Policies == nil {
		return nil, nil
	}

	summary := policy.Summarize(opts.Document, string(settings.Strategy), settings.Concurrency, hosts)
	result, err := r.deps.Policies.Evaluate(ctx, &policy.Input{
		Play: summary,
		Context: &policy.Context{
			User:         opts.User,
			CheckMode:    opts.CheckMode,
			KnownModules: modules,
			Timestamp:    time.Now(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	for _, w := range result.Warnings {
		logger.Warn().Str("policy", w.Policy).Str("task", w.Task).Msg(w.Message)
	}
	if result.Allowed {
		return result, nil
	}

	for _, v := range result.Violations {
		logger.Error().Str("policy", v.Policy).Str("task", v.Task).Str("severity", string(v.Severity)).Msg(v.Message)
	}
	if r.cfg.Policy.Mode == "advisory" {
		logger.Warn().Int("violations", len(result.Violations)).Msg("Policy violations ignored in advisory mode")
		return result, nil
	}
	return result, fmt.Errorf("%w: %d violation(s)", ErrPlayDenied, len(result.Violations))
}

func (r *Runner) recordDenied(ctx context.Context, record *stores.Play, user string, result *policy.Result, logger zerolog.Logger) {
	if r.deps.Store != nil {
		record.Status = stores.PlayStatusDenied
		if err := r.deps.Store.CreatePlay(ctx, record); err != nil {
			logger.Warn().Err(err).Msg("Failed to record denied play")
		} else {
			msg := ErrPlayDenied.Error()
			record.Error = &msg
			if err := r.deps.Store.FinishPlay(ctx, record); err != nil {
				logger.Warn().Err(err).Msg("Failed to finish denied play")
			}
		}
	}

	details := map[string]any{"name": record.Name}
	if result != nil {
		details["violations"] = result.Violations
	}
	r.audit(ctx, "play.denied", user, record.ID, details, logger)
}

func (r *Runner) finish(ctx context.Context, record *stores.Play, report *Report, runErr error, user string, logger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)

	record.Status = stores.PlayStatus(report.Outcome)
	record.RunStatus = int(report.Status)
	record.Failed = jsonList(report.Failed)
	record.Unreachable = jsonList(report.Unreachable)
	if runErr != nil {
		msg := runErr.Error()
		record.Error = &msg
	}

	if r.deps.Store != nil {
		if err := r.deps.Store.FinishPlay(ctx, record); err != nil {
			logger.Warn().Err(err).Msg("Failed to finish play record")
		}
	}
	r.audit(ctx, "play.completed", user, record.ID, map[string]any{
		"outcome":     report.Outcome,
		"status":      report.Status.String(),
		"failed":      report.Failed,
		"unreachable": report.Unreachable,
		"duration_ms": report.Duration.Milliseconds(),
	}, logger)
}

func (r *Runner) audit(ctx context.Context, action, user, playID string, details map[string]any, logger zerolog.Logger) {
	if r.deps.Store == nil {
		return
	}
	if user == "" {
		user = "system"
	}
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     user,
		TargetID:  &playID,
		Timestamp: time.Now().UTC(),
	}
	if data, err := json.Marshal(details); err == nil {
		s := string(data)
		entry.Details = &s
	}
	if err := r.deps.Store.CreateAuditEntry(ctx, entry); err != nil {
		logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func jsonList(names []string) string {
	if len(names) == 0 {
		return "[]"
	}
	data, err := json.Marshal(names)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
