package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), "# Checks a.\npackage a\n")
	writeFile(t, filepath.Join(dir, "nested", "b.json"), `{"name": "b", "rego": "package b\n", "severity": "error"}`)
	writeFile(t, filepath.Join(dir, "nested", "off.json"), `{"name": "off", "rego": "package off\n", "enabled": false}`)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writeFile(t, filepath.Join(dir, "bad.json"), "{")

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}

	byName := make(map[string]Policy)
	for _, p := range policies {
		byName[p.Name] = p
	}
	if len(byName) != 3 {
		t.Fatalf("expected 3 policies, got %v", byName)
	}

	if a := byName["a"]; a.Description != "Checks a." || a.Severity != SeverityWarning || !a.Enabled {
		t.Errorf("unexpected rego policy %+v", a)
	}
	if b := byName["b"]; b.Severity != SeverityError || !b.Enabled || b.Source == "" {
		t.Errorf("unexpected json policy %+v", b)
	}
	if byName["off"].Enabled {
		t.Error("expected an explicitly disabled policy")
	}
}

func TestLoadFromPathsErrors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected an error for a missing path")
	}

	path := filepath.Join(t.TempDir(), "anon.json")
	writeFile(t, path, `{"rego": "package x\n"}`)
	if _, err := loader.LoadFromPaths(context.Background(), []string{path}); err == nil {
		t.Error("expected an error for a JSON policy without a name")
	}
}
