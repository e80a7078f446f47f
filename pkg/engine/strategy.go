package engine

import (
	"context"
)

// Strategy runs one play to completion.
type Strategy interface {
	// Run schedules every host's tasks and returns once all dispatched work was drained.
	Run(ctx context.Context) (*PlayResult, error)

	// Terminate stops further dispatching; Run still drains in-flight work.
	Terminate()

	// Status returns the accumulated run status.
	Status() RunStatus

	// Hosts returns a snapshot of the per-host records.
	Hosts() []Host
}

// NewStrategy builds the strategy named by settings.Strategy.
func NewStrategy(settings Settings, deps Deps) (Strategy, error) {
	settings = settings.withDefaults()
	if err := settings.Strategy.Validate(); err != nil {
		return nil, NewPermanentError("unknown strategy", err).WithCode(ErrCodeValidation)
	}
	switch settings.Strategy {
	case StrategyFree:
		return NewFreeStrategy(settings, deps)
	default:
		return NewLinearStrategy(settings, deps)
	}
}
