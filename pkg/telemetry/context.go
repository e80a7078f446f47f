package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics of one process. Event
// publishers are per play; see NewPlayPublisher.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

// NewTelemetryWithLogger is NewTelemetry with a caller-supplied logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// NewPlayPublisher creates an event publisher for one play run.
func (t *Telemetry) NewPlayPublisher() *Publisher {
	return NewPublisher(t.Config.Events)
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// PlayScope instruments one play run.
type PlayScope struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger

	metrics *Metrics
	start   time.Time
}

// StartPlay opens the play span, tags the logger and counts the play.
func (t *Telemetry) StartPlay(ctx context.Context, playID, name, strategy string) *PlayScope {
	ctx, span := t.Tracer.StartPlaySpan(ctx, playID, name, strategy)

	logger := t.Logger.WithPlayID(playID)
	if id := TraceID(ctx); id != "" {
		logger = logger.WithField("trace_id", id)
	}
	t.Metrics.RecordPlayStarted()

	return &PlayScope{
		Ctx:     logger.WithContext(ctx),
		Span:    span,
		Logger:  logger,
		metrics: t.Metrics,
		start:   time.Now(),
	}
}

// End closes the play span and records the outcome.
func (s *PlayScope) End(outcome string, err error) {
	elapsed := time.Since(s.start)
	s.metrics.RecordPlayCompleted(outcome, elapsed)

	s.Span.SetAttributes(AttrPlayStatus.String(outcome))
	if err != nil {
		RecordError(s.Span, err)
	} else {
		RecordSuccess(s.Span)
	}
	s.Span.End()

	s.Logger.zlog.Info().
		Str("outcome", outcome).
		Dur("duration", elapsed).
		Msg("Play finished")
}
