// Package policy admits plays before they run using Open Policy Agent.
//
// Every policy is a Rego module whose package defines a "deny" set. The
// engine evaluates each enabled policy against an Input holding a flattened
// PlaySummary and the run Context, and sorts the resulting violations by
// severity: error and critical deny the play, info and warning are reported
// only.
//
// A deny entry is either a message string or an object:
//
//	package site.policies.prod
//
//	import rego.v1
//
//	deny contains violation if {
//	    some task in input.play.tasks
//	    task.module == "shell"
//	    violation := {
//	        "message": sprintf("task %q uses shell", [task.name]),
//	        "severity": "error",
//	        "task": task.path,
//	    }
//	}
//
// Built-in policies check failure thresholds, throttles against forks,
// run_once under the free strategy and unknown modules. User policies are
// loaded from .rego and .json files with Engine.LoadPolicies, which
// replaces the previously loaded user policies atomically.
package policy
