package engine

import (
	"time"

	"github.com/google/uuid"
)

// Task is one resolved unit of work. Tasks are immutable once built and are
// shared across hosts; per-host progress lives in the plan tree.
type Task struct {
	// ID is the task identity used for throttling and in-flight accounting.
	ID string `json:"id"`

	// Name is the human-readable task name.
	Name string `json:"name"`

	// Action is the task variant.
	Action ActionKind `json:"action"`

	// Module is the executor module for regular tasks.
	Module string `json:"module,omitempty"`

	// MetaName names the meta action for meta tasks.
	MetaName string `json:"meta_name,omitempty"`

	// Args are the module arguments.
	Args map[string]interface{} `json:"args,omitempty"`

	// Throttle caps simultaneous executions of this task (0 = unbounded).
	Throttle int `json:"throttle,omitempty"`

	// RunOnce limits execution to the first host of the batch.
	RunOnce bool `json:"run_once,omitempty"`

	// RoleID identifies the role the task belongs to.
	RoleID string `json:"role_id,omitempty"`

	// AllowDuplicateRole lets the role run again on a host that completed it.
	AllowDuplicateRole bool `json:"allow_duplicate_role,omitempty"`

	// IgnoreErrors keeps a failure from marking the host failed.
	IgnoreErrors bool `json:"ignore_errors,omitempty"`

	// AnyErrorsFatal makes a failure of this task fatal for the play.
	AnyErrorsFatal bool `json:"any_errors_fatal,omitempty"`

	// Timeout bounds a single execution (0 = dispatcher default).
	Timeout time.Duration `json:"timeout,omitempty"`
}

// NewTask creates a regular task with a fresh identity.
func NewTask(name, module string, args map[string]interface{}) *Task {
	return &Task{
		ID:     uuid.New().String(),
		Name:   name,
		Action: ActionRegular,
		Module: module,
		Args:   args,
	}
}

// NewMetaTask creates a meta task with a fresh identity.
func NewMetaTask(metaName string) *Task {
	return &Task{
		ID:       uuid.New().String(),
		Name:     "meta: " + metaName,
		Action:   ActionMeta,
		MetaName: metaName,
	}
}

// NoopTask is the shared placeholder handed to hosts outside the active state.
var NoopTask = &Task{ID: "noop", Name: "noop", Action: ActionNoop}

// IsNoop returns true for the synthetic placeholder task.
func (t *Task) IsNoop() bool {
	return t != nil && t.Action == ActionNoop
}

// NoopClone returns a noop task standing in for t, keeping its name for reporting.
func (t *Task) NoopClone() *Task {
	return &Task{ID: "noop:" + t.ID, Name: t.Name, Action: ActionNoop, RoleID: t.RoleID}
}

// BlockPath identifies a position in the block nesting: the top-level block
// index followed by one (section, item) pair per nested block.
type BlockPath []int

// Compare orders paths lexicographically; a prefix sorts first.
func (p BlockPath) Compare(o BlockPath) int {
	for i := 0; i < len(p) && i < len(o); i++ {
		switch {
		case p[i] < o[i]:
			return -1
		case p[i] > o[i]:
			return 1
		}
	}
	switch {
	case len(p) < len(o):
		return -1
	case len(p) > len(o):
		return 1
	default:
		return 0
	}
}

// Equal reports whether two paths are identical.
func (p BlockPath) Equal(o BlockPath) bool {
	return p.Compare(o) == 0
}

// Top returns the top-level block index, or -1 for an empty path.
func (p BlockPath) Top() int {
	if len(p) == 0 {
		return -1
	}
	return p[0]
}

// TaskResult is the resolved outcome of one dispatch.
type TaskResult struct {
	// Failed is set when the task reported failure.
	Failed bool `json:"failed"`

	// Unreachable is set when the host could not be contacted.
	Unreachable bool `json:"unreachable"`

	// IsMeta is set for results produced by meta actions.
	IsMeta bool `json:"is_meta,omitempty"`

	// Skipped is set when the task did not run (check mode, noop).
	Skipped bool `json:"skipped,omitempty"`

	// Changed is set when the task reports it changed the host.
	Changed bool `json:"changed,omitempty"`

	// Output is the captured task output.
	Output string `json:"output,omitempty"`

	// Data holds structured module output.
	Data map[string]interface{} `json:"data,omitempty"`

	// Err is the failure cause, if any.
	Err error `json:"-"`

	// Include names an include set the host must run next.
	Include string `json:"include,omitempty"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long execution took.
	Duration time.Duration `json:"duration"`
}

// Status returns a short label for the result.
func (r *TaskResult) Status() string {
	switch {
	case r.Unreachable:
		return "unreachable"
	case r.Failed:
		return "failed"
	case r.Skipped:
		return "skipped"
	case r.Changed:
		return "changed"
	default:
		return "ok"
	}
}

// Host is the scheduler's per-play record of one host.
type Host struct {
	// Name is the inventory name of the host.
	Name string `json:"name"`

	// Blocked is set while a dispatched task is in flight.
	Blocked bool `json:"blocked"`

	// Unreachable is set once the host could not be contacted.
	Unreachable bool `json:"unreachable"`

	// Failed is set once the plan tree reports the host failed.
	Failed bool `json:"failed"`

	// Excluded is set when a fatal failure removed the host from selection.
	Excluded bool `json:"excluded"`

	// Failures is the number of failed tasks on the host.
	Failures int `json:"failures"`

	// RunOnceDone holds the roles that completed on this host.
	RunOnceDone map[string]bool `json:"run_once_done,omitempty"`
}

func newHost(name string) *Host {
	return &Host{Name: name, RunOnceDone: make(map[string]bool)}
}

// Settings are the play-level knobs the schedulers read.
type Settings struct {
	// Strategy selects free or linear scheduling.
	Strategy StrategyName `json:"strategy"`

	// Concurrency is the worker pool size.
	Concurrency int `json:"concurrency"`

	// AnyErrorsFatal makes any host failure fatal for the play.
	AnyErrorsFatal bool `json:"any_errors_fatal"`

	// MaxFailPercentage is the tolerated share of failed hosts (nil = unset).
	MaxFailPercentage *float64 `json:"max_fail_percentage,omitempty"`

	// PollInterval is the pause between scheduling rounds.
	PollInterval time.Duration `json:"poll_interval"`

	// HostPinned keeps the free strategy from moving past busy workers.
	HostPinned bool `json:"host_pinned"`

	// BatchSize is the number of hosts in the current batch (0 = all hosts).
	BatchSize int `json:"batch_size,omitempty"`
}

// DefaultPollInterval is used when Settings.PollInterval is zero.
const DefaultPollInterval = 5 * time.Millisecond

// DefaultConcurrency is used when Settings.Concurrency is not positive.
const DefaultConcurrency = 5

// withDefaults fills unset fields.
func (s Settings) withDefaults() Settings {
	if s.Concurrency <= 0 {
		s.Concurrency = DefaultConcurrency
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.Strategy == "" {
		s.Strategy = StrategyLinear
	}
	return s
}

// PlayResult summarizes a finished play.
type PlayResult struct {
	// Status is the accumulated run status.
	Status RunStatus `json:"status"`

	// Failed lists hosts the plan tree reported failed.
	Failed []string `json:"failed,omitempty"`

	// Unreachable lists hosts that could not be contacted.
	Unreachable []string `json:"unreachable,omitempty"`

	// Rounds is the number of scheduling rounds executed.
	Rounds int `json:"rounds"`

	// Dispatched is the number of regular tasks handed to the dispatcher.
	Dispatched int `json:"dispatched"`

	// Duration is the wall-clock time of the play.
	Duration time.Duration `json:"duration"`
}

// Event is a scheduler timeline event.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Host is the host the event relates to, if any.
	Host string `json:"host,omitempty"`

	// TaskID is the task the event relates to, if any.
	TaskID string `json:"task_id,omitempty"`

	// TaskName is the name of that task.
	TaskName string `json:"task_name,omitempty"`

	// Module is the module of that task.
	Module string `json:"module,omitempty"`

	// Level is the severity (info, warning, error).
	Level string `json:"level"`

	// Message is the human-readable message.
	Message string `json:"message"`

	// Result carries the task result for completion events.
	Result *TaskResult `json:"result,omitempty"`

	// Round is the scheduling round the event happened in.
	Round int `json:"round"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

func newEvent(typ EventType, level, host string, task *Task, message string) *Event {
	ev := &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Host:      host,
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	}
	if task != nil {
		ev.TaskID = task.ID
		ev.TaskName = task.Name
		ev.Module = task.Module
	}
	return ev
}
