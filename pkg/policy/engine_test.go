package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/rs/zerolog"
)

var testModules = []string{"command", "shell", "copy", "debug", "ping"}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func pct(v float64) *float64 { return &v }

func testDoc() *config.PlayDocument {
	return &config.PlayDocument{
		Play: config.Play{
			Name:  "deploy",
			Hosts: "web",
			Roles: []config.Role{{
				Name:  "base",
				Tasks: []config.TaskSpec{{Name: "ping", Module: "ping"}},
			}},
			Tasks: []config.TaskSpec{
				{Name: "install", Module: "command", Throttle: 2},
				{
					Block:  []config.TaskSpec{{Name: "migrate", Module: "shell", RunOnce: true}},
					Rescue: []config.TaskSpec{{Name: "report", Module: "debug"}},
				},
				{Name: "extra", Include: "more"},
			},
		},
		Includes: map[string][]config.TaskSpec{
			"more": {{Name: "copy config", Module: "copy"}},
		},
	}
}

func evaluate(t *testing.T, eng *Engine, summary *PlaySummary) *Result {
	t.Helper()
	result, err := eng.Evaluate(context.Background(), &Input{
		Play:    summary,
		Context: &Context{KnownModules: testModules},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	return result
}

func TestSummarize(t *testing.T) {
	s := Summarize(testDoc(), "linear", 5, []string{"web1", "web2"})

	if s.HostCount != 2 || s.Strategy != "linear" || s.Forks != 5 {
		t.Errorf("unexpected summary header %+v", s)
	}

	want := []string{
		"roles[0].tasks[0]",
		"tasks[0]",
		"tasks[1].block[0]",
		"tasks[1].rescue[0]",
		"tasks[2]",
		"includes.more[0]",
	}
	if len(s.Tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %+v", len(want), s.Tasks)
	}
	for i, path := range want {
		if s.Tasks[i].Path != path {
			t.Errorf("task %d: expected path %s, got %s", i, path, s.Tasks[i].Path)
		}
	}
	if s.Tasks[0].Role != "base" {
		t.Errorf("expected role task to carry its role, got %+v", s.Tasks[0])
	}
}

func TestEvaluateBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name         string
		modify       func(s *PlaySummary)
		wantAllowed  bool
		wantPolicy   string
		wantSeverity Severity
		wantTask     string
	}{
		{
			name:        "clean play",
			modify:      func(s *PlaySummary) {},
			wantAllowed: true,
		},
		{
			name:         "fail percentage over 100",
			modify:       func(s *PlaySummary) { s.MaxFailPercentage = pct(150) },
			wantPolicy:   "failure-thresholds",
			wantSeverity: SeverityError,
		},
		{
			name:         "negative fail percentage",
			modify:       func(s *PlaySummary) { s.MaxFailPercentage = pct(-1) },
			wantPolicy:   "failure-thresholds",
			wantSeverity: SeverityError,
		},
		{
			name: "fail percentage with any_errors_fatal",
			modify: func(s *PlaySummary) {
				s.MaxFailPercentage = pct(0)
				s.AnyErrorsFatal = true
			},
			wantAllowed:  true,
			wantPolicy:   "failure-thresholds",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "throttle not below forks",
			modify:       func(s *PlaySummary) { s.Forks = 2 },
			wantAllowed:  true,
			wantPolicy:   "throttle-concurrency",
			wantSeverity: SeverityWarning,
			wantTask:     "tasks[0]",
		},
		{
			name:         "run_once under free",
			modify:       func(s *PlaySummary) { s.Strategy = "free" },
			wantAllowed:  true,
			wantPolicy:   "run-once-free",
			wantSeverity: SeverityWarning,
			wantTask:     "tasks[1].block[0]",
		},
		{
			name:         "unknown module",
			modify:       func(s *PlaySummary) { s.Tasks[len(s.Tasks)-1].Module = "kubectl" },
			wantPolicy:   "known-modules",
			wantSeverity: SeverityError,
			wantTask:     "includes.more[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Summarize(testDoc(), "linear", 5, []string{"web1"})
			tt.modify(s)
			result := evaluate(t, eng, s)

			if result.Allowed != tt.wantAllowed {
				t.Fatalf("expected allowed=%v, got %+v", tt.wantAllowed, result)
			}
			if len(result.EvaluatedPolicies) != 4 {
				t.Errorf("expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
			}

			all := append(append([]Violation{}, result.Violations...), result.Warnings...)
			if tt.wantPolicy == "" {
				if len(all) != 0 {
					t.Errorf("expected no findings, got %+v", all)
				}
				return
			}
			if len(all) != 1 {
				t.Fatalf("expected one finding, got %+v", all)
			}
			v := all[0]
			if v.Policy != tt.wantPolicy || v.Severity != tt.wantSeverity || v.Task != tt.wantTask {
				t.Errorf("unexpected violation %+v", v)
			}
			if v.Message == "" {
				t.Error("violation has no message")
			}
		})
	}
}

func TestEvaluateRequiresPlay(t *testing.T) {
	if _, err := newTestEngine(t).Evaluate(context.Background(), &Input{}); err == nil {
		t.Error("expected an error without a play")
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.DisablePolicy("known-modules"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}

	s := Summarize(testDoc(), "linear", 5, nil)
	s.Tasks[0].Module = "kubectl"
	result := evaluate(t, eng, s)
	if !result.Allowed {
		t.Errorf("disabled policy still denied the play: %+v", result.Violations)
	}

	if err := eng.EnablePolicy("known-modules"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	if result := evaluate(t, eng, s); result.Allowed {
		t.Error("expected the re-enabled policy to deny the play")
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}

const noShellPolicy = `# Shell tasks are not allowed in production.
# severity: error
package site.policies.noshell

import rego.v1

deny contains sprintf("task %q uses shell", [task.name]) if {
	some task in input.play.tasks
	task.module == "shell"
}
`

func TestLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "no-shell.rego"), []byte(noShellPolicy), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	p, err := eng.GetPolicy("no-shell")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if p.Severity != SeverityError || p.Description != "Shell tasks are not allowed in production." {
		t.Errorf("header not parsed: %+v", p)
	}

	result := evaluate(t, eng, Summarize(testDoc(), "linear", 5, nil))
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("expected the shell task to be denied, got %+v", result)
	}
	if !strings.Contains(result.Violations[0].Message, "migrate") {
		t.Errorf("unexpected message %q", result.Violations[0].Message)
	}

	// A broken policy leaves the loaded set untouched
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package x\ndeny contains"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("expected a compile error")
	}
	if _, err := eng.GetPolicy("no-shell"); err != nil {
		t.Error("failed reload dropped the loaded policies")
	}

	// Reloading without the file removes it and keeps the built-ins
	if err := eng.LoadPolicies(context.Background(), nil); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("no-shell"); err == nil {
		t.Error("expected the user policy to be dropped")
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("expected the 4 built-ins, got %d", len(eng.ListPolicies()))
	}
}

func TestLoadPoliciesShadowing(t *testing.T) {
	eng := newTestEngine(t)
	path := filepath.Join(t.TempDir(), "known-modules.rego")
	if err := os.WriteFile(path, []byte("package x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Error("expected an error for a policy named like a built-in")
	}
}
