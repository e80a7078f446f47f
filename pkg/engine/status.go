package engine

import (
	"fmt"
	"strings"
)

// RunState is the position of a host's cursor within the current block.
// The declaration order is also the linear strategy's selection priority.
type RunState int

const (
	// RunStateSetup is the fact gathering phase that precedes the first block.
	RunStateSetup RunState = iota

	// RunStateTasks is the regular task list of a block.
	RunStateTasks

	// RunStateRescue is the rescue section entered after a failure.
	RunStateRescue

	// RunStateAlways is the always section, run whether or not the block failed.
	RunStateAlways

	// RunStateComplete means the host has nothing left to run.
	RunStateComplete
)

var runStateNames = [...]string{"setup", "tasks", "rescue", "always", "complete"}

// String returns the lower-case name of the run state.
func (s RunState) String() string {
	if s < RunStateSetup || s > RunStateComplete {
		return fmt.Sprintf("runstate(%d)", int(s))
	}
	return runStateNames[s]
}

// Validate checks if the run state is valid.
func (s RunState) Validate() error {
	if s < RunStateSetup || s > RunStateComplete {
		return fmt.Errorf("invalid run state: %d", int(s))
	}
	return nil
}

// IsTerminal returns true if the host has finished the play.
func (s RunState) IsTerminal() bool {
	return s == RunStateComplete
}

// InRecovery returns true for the rescue and always sections.
func (s RunState) InRecovery() bool {
	return s == RunStateRescue || s == RunStateAlways
}

// RunStatus accumulates the outcome of a play as bit flags.
// Flags are only ever OR-ed in; a play never clears a flag.
type RunStatus uint8

const (
	// RunOK means every host finished without failure.
	RunOK RunStatus = 0

	// RunFailedHosts means at least one host failed but the play continued.
	RunFailedHosts RunStatus = 1 << iota

	// RunUnreachableHosts means at least one host could not be contacted.
	RunUnreachableHosts

	// RunFailedBreakPlay means a fatal failure stopped the play.
	RunFailedBreakPlay

	// RunUnknownError means a collaborator broke its contract.
	RunUnknownError
)

// Has reports whether every bit in flag is set.
func (s RunStatus) Has(flag RunStatus) bool {
	return s&flag == flag && (flag != RunOK || s == RunOK)
}

// String renders the set flags joined by '|'.
func (s RunStatus) String() string {
	if s == RunOK {
		return "ok"
	}
	var parts []string
	if s&RunFailedHosts != 0 {
		parts = append(parts, "failed_hosts")
	}
	if s&RunUnreachableHosts != 0 {
		parts = append(parts, "unreachable_hosts")
	}
	if s&RunFailedBreakPlay != 0 {
		parts = append(parts, "failed_break_play")
	}
	if s&RunUnknownError != 0 {
		parts = append(parts, "unknown_error")
	}
	return strings.Join(parts, "|")
}

// Outcome maps the status to one of the three user-visible play outcomes.
func (s RunStatus) Outcome() PlayOutcome {
	switch {
	case s&(RunFailedBreakPlay|RunUnknownError) != 0:
		return OutcomeAborted
	case s != RunOK:
		return OutcomeHostsFailed
	default:
		return OutcomeOK
	}
}

// PlayOutcome is the user-visible summary of a play.
type PlayOutcome string

const (
	// OutcomeOK means all hosts ok.
	OutcomeOK PlayOutcome = "ok"

	// OutcomeHostsFailed means some hosts failed but the play continued.
	OutcomeHostsFailed PlayOutcome = "hosts_failed"

	// OutcomeAborted means the play aborted due to a fatal failure.
	OutcomeAborted PlayOutcome = "aborted"
)

// ActionKind is the closed set of task action variants.
type ActionKind uint8

const (
	// ActionRegular is dispatched to a worker.
	ActionRegular ActionKind = iota

	// ActionMeta is resolved synchronously by the scheduler.
	ActionMeta

	// ActionNoop is the placeholder given to hosts outside the active state.
	ActionNoop
)

// String returns the name of the action kind.
func (k ActionKind) String() string {
	switch k {
	case ActionRegular:
		return "regular"
	case ActionMeta:
		return "meta"
	case ActionNoop:
		return "noop"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// Validate checks if the action kind is one of the known variants.
func (k ActionKind) Validate() error {
	if k > ActionNoop {
		return fmt.Errorf("invalid action kind: %d", uint8(k))
	}
	return nil
}

// Meta action names understood by the schedulers.
const (
	MetaNoop            = "noop"
	MetaRoleComplete    = "role_complete"
	MetaEndHost         = "end_host"
	MetaEndPlay         = "end_play"
	MetaClearHostErrors = "clear_host_errors"
)

// StepSignal is the outcome of one scheduling step within a round.
type StepSignal uint8

const (
	// StepDispatched means the host received a task.
	StepDispatched StepSignal = iota

	// StepSkippedBlocked means the host still has a task in flight.
	StepSkippedBlocked

	// StepSkippedThrottled means the task hit its throttle or the pool is full.
	StepSkippedThrottled

	// StepSkippedDedup means the task's role already ran on the host.
	StepSkippedDedup

	// StepStopRound ends the current round.
	StepStopRound

	// StepIdle means the host had nothing to run this round.
	StepIdle
)

// String returns the name of the step signal.
func (s StepSignal) String() string {
	switch s {
	case StepDispatched:
		return "dispatched"
	case StepSkippedBlocked:
		return "skipped_blocked"
	case StepSkippedThrottled:
		return "skipped_throttled"
	case StepSkippedDedup:
		return "skipped_dedup"
	case StepStopRound:
		return "stop_round"
	case StepIdle:
		return "idle"
	default:
		return fmt.Sprintf("step(%d)", uint8(s))
	}
}

// StrategyName selects a scheduling strategy.
type StrategyName string

const (
	// StrategyLinear runs hosts in lockstep.
	StrategyLinear StrategyName = "linear"

	// StrategyFree lets every host run as fast as it can.
	StrategyFree StrategyName = "free"
)

// Validate checks if the strategy name is known.
func (s StrategyName) Validate() error {
	switch s {
	case StrategyLinear, StrategyFree:
		return nil
	default:
		return fmt.Errorf("invalid strategy: %s", s)
	}
}

// EventType represents the type of a scheduler event.
type EventType string

const (
	// EventTypePlayStarted indicates a play has started.
	EventTypePlayStarted EventType = "play_started"

	// EventTypePlayCompleted indicates a play finished.
	EventTypePlayCompleted EventType = "play_completed"

	// EventTypeTaskDispatched indicates a task was handed to the dispatcher.
	EventTypeTaskDispatched EventType = "task_dispatched"

	// EventTypeTaskCompleted indicates a task result was processed.
	EventTypeTaskCompleted EventType = "task_completed"

	// EventTypeTaskFailed indicates a task failed on a host.
	EventTypeTaskFailed EventType = "task_failed"

	// EventTypeHostUnreachable indicates a host could not be contacted.
	EventTypeHostUnreachable EventType = "host_unreachable"

	// EventTypeFatal indicates the play was stopped by a fatal failure.
	EventTypeFatal EventType = "fatal"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"
)
