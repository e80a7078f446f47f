// Package telemetry provides the observability stack for fleetplay.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics and an in-process event publisher. The schedulers in
// package engine depend only on small interfaces; this package supplies
// the implementations.
//
// # Usage
//
//	cfg := telemetry.FromAppConfig(appCfg.Telemetry, version)
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	events := tel.NewPlayPublisher()
//	defer events.Shutdown(context.Background())
//
//	scope := tel.StartPlay(ctx, playID, "deploy", "linear")
//	strategy, err := engine.NewStrategy(settings, engine.Deps{
//	    Publisher: events,
//	    Metrics:   tel.Metrics,
//	    Logger:    scope.Logger.Zerolog(),
//	    // ...
//	})
//	result, err := strategy.Run(scope.Ctx)
//	scope.End(result.Status.String(), err)
//
// # Tracing
//
// When tracing is enabled the provider is installed globally, so the
// scheduler's play and round spans nest under the play span opened by
// StartPlay. Exporters: stdout, otlp (gRPC) and none.
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder. All series live in a private
// registry exposed through Handler or Serve:
//
//   - fleetplay_plays_started_total, fleetplay_plays_completed_total{outcome}
//   - fleetplay_dispatches_total{strategy,module}
//   - fleetplay_task_results_total{strategy,status}
//   - fleetplay_tasks_inflight{strategy}
//   - fleetplay_throttled_waits_total{strategy}
//   - fleetplay_rounds_total{strategy}, fleetplay_fatal_trips_total{strategy}
//
// # Events
//
// Publisher implements engine.EventPublisher. Each play gets its own
// publisher; events are delivered in publish order on one goroutine and
// Shutdown waits for the queue to drain.
package telemetry
