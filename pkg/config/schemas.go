package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-ins are constants; a compile failure is a programming error
	for _, s := range []struct{ name, def string }{
		{"play", "#PlayDocument"},
		{"task", "#Task"},
		{"inventory", "#Inventory"},
	} {
		if err := sr.RegisterSchema(s.name, builtinSchemas, s.def); err != nil {
			panic(err)
		}
	}

	return sr
}

// RegisterSchema compiles source and registers the named definition in it.
// An empty definition registers the whole value.
func (sr *SchemaRegistry) RegisterSchema(name, source, definition string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	if definition != "" {
		val = val.LookupPath(cue.ParsePath(definition))
		if !val.Exists() {
			return fmt.Errorf("schema %s: definition %s not found", name, definition)
		}
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	// A cue.Context is not safe for concurrent use
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names in sorted order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidatePlay validates a play document against the play schema.
func (sr *SchemaRegistry) ValidatePlay(ctx context.Context, doc *PlayDocument) error {
	return sr.ValidateAgainstSchema(ctx, "play", doc)
}

const builtinSchemas = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Task: {
	name?:             string
	module?:           string & =~"^[a-z][a-z0-9_]*$"
	args?:             {...}
	meta?:             "noop" | "end_host" | "end_play" | "clear_host_errors"
	include?:          string & !=""
	throttle?:         int & >=0
	run_once?:         bool
	ignore_errors?:    bool
	any_errors_fatal?: bool
	timeout?:          #Duration
	block?:            [...#Task]
	rescue?:           [...#Task]
	always?:           [...#Task]
}

#Role: {
	name:              string & !=""
	allow_duplicates?: bool
	tasks: [#Task, ...#Task]
}

#Play: {
	name:                 string & !=""
	hosts:                string & !=""
	selector?:            string
	strategy?:            "linear" | "free"
	forks?:               int & >=0
	serial?:              =~"^[0-9]+%?$"
	any_errors_fatal?:    bool
	max_fail_percentage?: number & >=0 & <=100
	gather_facts?:        bool
	host_pinned?:         bool
	poll_interval?:       #Duration
	vars?: {...}
	roles?: [...#Role]
	tasks?: [...#Task]
}

#PlayDocument: {
	play: #Play
	includes?: [string]: [...#Task]
}

#Host: {
	address?: string
	port?:    int & >0 & <=65535
	user?:    string
	labels?: [string]: string
	vars?: {...}
}

#Inventory: {
	groups: [string]: {
		hosts?: [string]: null | #Host
		vars?: {...}
	}
}
`
