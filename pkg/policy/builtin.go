package policy

// BuiltinPolicies returns the admission policies shipped with fleetplay.
func BuiltinPolicies() []Policy {
	return []Policy{
		failurePolicy(),
		throttlePolicy(),
		runOncePolicy(),
		knownModulesPolicy(),
	}
}

// failurePolicy checks the failure thresholds of the play.
func failurePolicy() Policy {
	return Policy{
		Name:        "failure-thresholds",
		Description: "max_fail_percentage must lie within 0..100 and should not be combined with any_errors_fatal",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"failures"},
		Rego: `package fleetplay.policies.failures

import rego.v1

deny contains violation if {
	pct := input.play.max_fail_percentage
	pct < 0
	violation := {
		"message": sprintf("max_fail_percentage %v is negative", [pct]),
		"severity": "error",
		"remediation": "use a value between 0 and 100",
	}
}

deny contains violation if {
	pct := input.play.max_fail_percentage
	pct > 100
	violation := {
		"message": sprintf("max_fail_percentage %v exceeds 100", [pct]),
		"severity": "error",
		"remediation": "use a value between 0 and 100",
	}
}

deny contains violation if {
	input.play.any_errors_fatal
	input.play.max_fail_percentage
	violation := {
		"message": "max_fail_percentage has no effect when any_errors_fatal is set",
		"severity": "warning",
	}
}`,
	}
}

// throttlePolicy flags throttles the worker pool makes meaningless.
func throttlePolicy() Policy {
	return Policy{
		Name:        "throttle-concurrency",
		Description: "Task throttles should be lower than the play's forks",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"concurrency"},
		Rego: `package fleetplay.policies.throttle

import rego.v1

deny contains violation if {
	some task in input.play.tasks
	task.throttle < 0
	violation := {
		"message": sprintf("task %q has a negative throttle", [task.name]),
		"severity": "error",
		"task": task.path,
	}
}

deny contains violation if {
	some task in input.play.tasks
	input.play.forks > 0
	task.throttle >= input.play.forks
	violation := {
		"message": sprintf("throttle %d of task %q is not below forks %d and has no effect", [task.throttle, task.name, input.play.forks]),
		"severity": "warning",
		"task": task.path,
		"remediation": "lower the throttle or drop it",
	}
}`,
	}
}

// runOncePolicy warns that run_once is ignored by the free strategy.
func runOncePolicy() Policy {
	return Policy{
		Name:        "run-once-free",
		Description: "run_once tasks run on every host under the free strategy",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"strategy"},
		Rego: `package fleetplay.policies.runonce

import rego.v1

deny contains violation if {
	input.play.strategy == "free"
	some task in input.play.tasks
	task.run_once
	violation := {
		"message": sprintf("task %q is run_once but the free strategy runs it on every host", [task.name]),
		"task": task.path,
		"remediation": "use the linear strategy for run_once tasks",
	}
}`,
	}
}

// knownModulesPolicy rejects tasks naming modules the dispatcher lacks.
func knownModulesPolicy() Policy {
	return Policy{
		Name:        "known-modules",
		Description: "Every task module must be registered with the dispatcher",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"modules"},
		Rego: `package fleetplay.policies.modules

import rego.v1

deny contains violation if {
	count(input.context.known_modules) > 0
	some task in input.play.tasks
	task.module
	not task.module in input.context.known_modules
	violation := {
		"message": sprintf("task %q uses unknown module %q", [task.name, task.module]),
		"task": task.path,
	}
}`,
	}
}
