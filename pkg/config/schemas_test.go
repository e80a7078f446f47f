package config

import (
	"context"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	customSchema := `
#Limits: {
	max_hosts: int & >0
}
`

	if err := sr.RegisterSchema("limits", customSchema, "#Limits"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("limits")
	if !ok {
		t.Fatal("expected to find limits schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	ctx := context.Background()
	if err := sr.ValidateAgainstSchema(ctx, "limits", map[string]interface{}{"max_hosts": 3}); err != nil {
		t.Errorf("expected valid data, got %v", err)
	}
	if err := sr.ValidateAgainstSchema(ctx, "limits", map[string]interface{}{"max_hosts": 0}); err == nil {
		t.Error("expected constraint violation")
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("broken", "#X: {", ""); err == nil {
		t.Error("expected compile error")
	}
	if err := sr.RegisterSchema("missing", "#X: {}", "#Y"); err == nil {
		t.Error("expected missing definition error")
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "nope", struct{}{}); err == nil {
		t.Error("expected unknown schema error")
	}
}

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	names := sr.ListSchemas()
	want := []string{"inventory", "play", "task"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("expected %s at %d, got %s", want[i], i, names[i])
		}
	}
}

func TestSchemaRegistry_ValidatePlay(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	pct := 150.0
	tests := []struct {
		name    string
		doc     PlayDocument
		wantErr bool
	}{
		{
			name: "minimal",
			doc: PlayDocument{Play: Play{
				Name:  "ping",
				Hosts: "all",
				Tasks: []TaskSpec{{Name: "ping", Module: "ping"}},
			}},
		},
		{
			name: "nested blocks",
			doc: PlayDocument{Play: Play{
				Name:     "deploy",
				Hosts:    "web",
				Strategy: "free",
				Tasks: []TaskSpec{{
					Name:   "guarded",
					Block:  []TaskSpec{{Module: "command", Args: map[string]interface{}{"cmd": "true"}}},
					Rescue: []TaskSpec{{Meta: "clear_host_errors"}},
					Always: []TaskSpec{{Module: "debug", Timeout: "5s"}},
				}},
			}},
		},
		{
			name: "bad strategy",
			doc: PlayDocument{Play: Play{
				Name: "x", Hosts: "all", Strategy: "parallel",
			}},
			wantErr: true,
		},
		{
			name: "percentage out of range",
			doc: PlayDocument{Play: Play{
				Name: "x", Hosts: "all", MaxFailPercentage: &pct,
			}},
			wantErr: true,
		},
		{
			name: "bad module name",
			doc: PlayDocument{Play: Play{
				Name: "x", Hosts: "all", Tasks: []TaskSpec{{Module: "Bad Module"}},
			}},
			wantErr: true,
		},
		{
			name: "bad duration",
			doc: PlayDocument{Play: Play{
				Name: "x", Hosts: "all", PollInterval: "soon",
			}},
			wantErr: true,
		},
		{
			name: "unknown meta",
			doc: PlayDocument{Play: Play{
				Name: "x", Hosts: "all", Tasks: []TaskSpec{{Meta: "reboot"}},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidatePlay(ctx, &tt.doc)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePlay() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
