package config

import (
	"time"
)

// PlayDocument is the top-level content of a play file.
type PlayDocument struct {
	// Play is the play to run.
	Play Play `json:"play" yaml:"play"`

	// Includes are named task lists that tasks can pull in at run time.
	Includes map[string][]TaskSpec `json:"includes,omitempty" yaml:"includes,omitempty" validate:"dive,dive"`
}

// Play describes one run of tasks against a host selection.
type Play struct {
	// Name is the human-readable play name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Hosts is the host pattern (group names, host names, "all", "!excluded").
	Hosts string `json:"hosts" yaml:"hosts" validate:"required"`

	// Selector narrows the hosts by labels ("env=prod,role=web").
	Selector string `json:"selector,omitempty" yaml:"selector,omitempty"`

	// Strategy is linear or free.
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty" validate:"omitempty,oneof=linear free"`

	// Forks is the worker pool size (0 = application default).
	Forks int `json:"forks,omitempty" yaml:"forks,omitempty" validate:"gte=0"`

	// Serial splits the hosts into batches: a count ("2") or a share ("30%").
	Serial string `json:"serial,omitempty" yaml:"serial,omitempty" validate:"omitempty,serial"`

	// AnyErrorsFatal stops the play at the first host failure.
	AnyErrorsFatal bool `json:"any_errors_fatal,omitempty" yaml:"any_errors_fatal,omitempty"`

	// MaxFailPercentage is the tolerated share of failed hosts per batch.
	MaxFailPercentage *float64 `json:"max_fail_percentage,omitempty" yaml:"max_fail_percentage,omitempty" validate:"omitempty,gte=0,lte=100"`

	// GatherFacts runs the setup module on every host before the first block.
	GatherFacts bool `json:"gather_facts,omitempty" yaml:"gather_facts,omitempty"`

	// HostPinned keeps the free strategy on the same hosts while workers are busy.
	HostPinned bool `json:"host_pinned,omitempty" yaml:"host_pinned,omitempty"`

	// PollInterval is the pause between scheduling rounds ("10ms").
	PollInterval string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty" validate:"omitempty,duration"`

	// Vars are play variables passed to script modules.
	Vars map[string]interface{} `json:"vars,omitempty" yaml:"vars,omitempty"`

	// Roles run before the play's own tasks.
	Roles []Role `json:"roles,omitempty" yaml:"roles,omitempty" validate:"dive"`

	// Tasks is the play's task list; entries may be blocks.
	Tasks []TaskSpec `json:"tasks,omitempty" yaml:"tasks,omitempty" validate:"dive"`
}

// Role is a named, reusable group of tasks.
type Role struct {
	// Name identifies the role; a host runs a role once unless duplicates are allowed.
	Name string `json:"name" yaml:"name" validate:"required"`

	// AllowDuplicates lets the role run more than once per host.
	AllowDuplicates bool `json:"allow_duplicates,omitempty" yaml:"allow_duplicates,omitempty"`

	// Tasks are the role's tasks.
	Tasks []TaskSpec `json:"tasks" yaml:"tasks" validate:"required,min=1,dive"`
}

// TaskSpec is either a task (module, meta or include) or a block.
type TaskSpec struct {
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Module runs an executor module with Args.
	Module string `json:"module,omitempty" yaml:"module,omitempty"`
	Args   map[string]interface{} `json:"args,omitempty" yaml:"args,omitempty"`

	// Meta runs a scheduler meta action.
	Meta string `json:"meta,omitempty" yaml:"meta,omitempty" validate:"omitempty,oneof=noop end_host end_play clear_host_errors"`

	// Include pulls the named include set into the host's plan at run time.
	Include string `json:"include,omitempty" yaml:"include,omitempty"`

	Throttle       int    `json:"throttle,omitempty" yaml:"throttle,omitempty" validate:"gte=0"`
	RunOnce        bool   `json:"run_once,omitempty" yaml:"run_once,omitempty"`
	IgnoreErrors   bool   `json:"ignore_errors,omitempty" yaml:"ignore_errors,omitempty"`
	AnyErrorsFatal bool   `json:"any_errors_fatal,omitempty" yaml:"any_errors_fatal,omitempty"`
	Timeout        string `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,duration"`

	// Block, Rescue and Always make this entry a block.
	Block  []TaskSpec `json:"block,omitempty" yaml:"block,omitempty" validate:"dive"`
	Rescue []TaskSpec `json:"rescue,omitempty" yaml:"rescue,omitempty" validate:"dive"`
	Always []TaskSpec `json:"always,omitempty" yaml:"always,omitempty" validate:"dive"`
}

// IsBlock reports whether the entry is a block rather than a task.
func (t TaskSpec) IsBlock() bool {
	return len(t.Block) > 0 || len(t.Rescue) > 0 || len(t.Always) > 0
}

// Kinds returns how many of module, meta, include and block the entry sets.
func (t TaskSpec) Kinds() int {
	n := 0
	if t.Module != "" {
		n++
	}
	if t.Meta != "" {
		n++
	}
	if t.Include != "" {
		n++
	}
	if t.IsBlock() {
		n++
	}
	return n
}

// TimeoutDuration parses Timeout; an empty or invalid value yields zero.
func (t TaskSpec) TimeoutDuration() time.Duration {
	if t.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the document path to the error (e.g., "play.tasks[2].module").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// ParsedPlay is the result of parsing a play file.
type ParsedPlay struct {
	// Document is the decoded play document.
	Document *PlayDocument `json:"document,omitempty"`

	// SourceFile is the file that was parsed.
	SourceFile string `json:"source_file"`

	// ParsedAt is when the document was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// HasErrors reports whether any error-severity problem was found.
func (p *ParsedPlay) HasErrors() bool {
	for _, e := range p.Errors {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the output data from Starlark.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`

	// Error is any error that occurred.
	Error string `json:"error,omitempty"`
}
