package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block the play.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny the play.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with fleetplay.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Task is the path of the offending task, if any.
	Task string `json:"task,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

// Result is the outcome of admitting one play.
type Result struct {
	// Allowed is false when a blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations and evaluation failures.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Input is the document policies see as `input`.
type Input struct {
	Play    *PlaySummary `json:"play"`
	Context *Context     `json:"context"`
}

// Context describes the circumstances of the run.
type Context struct {
	// User is the user starting the play.
	User string `json:"user,omitempty"`

	// CheckMode is set for dry runs.
	CheckMode bool `json:"check_mode"`

	// KnownModules lists the modules the dispatcher can run.
	KnownModules []string `json:"known_modules"`

	Timestamp time.Time `json:"timestamp"`
}

// PlaySummary is a flattened view of a play.
type PlaySummary struct {
	Name              string        `json:"name"`
	Strategy          string        `json:"strategy"`
	Forks             int           `json:"forks"`
	Serial            string        `json:"serial,omitempty"`
	AnyErrorsFatal    bool          `json:"any_errors_fatal"`
	MaxFailPercentage *float64      `json:"max_fail_percentage,omitempty"`
	GatherFacts       bool          `json:"gather_facts"`
	Hosts             []string      `json:"hosts"`
	HostCount         int           `json:"host_count"`
	Tasks             []TaskSummary `json:"tasks"`
}

// TaskSummary describes one task wherever it appears in the play.
type TaskSummary struct {
	// Path locates the task, e.g. "tasks[2].rescue[0]" or "includes.db[1]".
	Path         string `json:"path"`
	Name         string `json:"name"`
	Module       string `json:"module,omitempty"`
	Meta         string `json:"meta,omitempty"`
	Include      string `json:"include,omitempty"`
	Role         string `json:"role,omitempty"`
	Throttle     int    `json:"throttle"`
	RunOnce      bool   `json:"run_once"`
	IgnoreErrors bool   `json:"ignore_errors"`
}
