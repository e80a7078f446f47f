package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var serialPattern = regexp.MustCompile(`^[0-9]+%?$`)

// PlayParser parses and validates play files written in YAML or CUE.
type PlayParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewPlayParser creates a new play parser.
func NewPlayParser() *PlayParser {
	return &PlayParser{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		validator:      newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("serial", func(fl validator.FieldLevel) bool {
		return serialPattern.MatchString(fl.Field().String())
	})
	return v
}

// ParseFile parses a play file. Files ending in .cue are evaluated as CUE and
// must define a top-level "play" field; anything else is read as YAML.
// Validation problems are reported in ParsedPlay.Errors rather than as an error.
func (pp *PlayParser) ParseFile(ctx context.Context, path string) (*ParsedPlay, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read play %s: %w", path, err)
	}

	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return pp.ParseCUE(ctx, path, content)
	}
	return pp.ParseYAML(ctx, path, content)
}

// ParseYAML parses a YAML play document.
func (pp *PlayParser) ParseYAML(ctx context.Context, name string, content []byte) (*ParsedPlay, error) {
	parsed := &ParsedPlay{SourceFile: name, ParsedAt: time.Now()}

	var doc PlayDocument
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		parsed.Errors = append(parsed.Errors, yamlError(name, err))
		return parsed, nil
	}

	parsed.Document = &doc
	parsed.Errors = append(parsed.Errors, pp.Validate(ctx, name, &doc)...)
	return parsed, nil
}

// ParseCUE evaluates a CUE play document.
func (pp *PlayParser) ParseCUE(ctx context.Context, name string, content []byte) (*ParsedPlay, error) {
	parsed := &ParsedPlay{SourceFile: name, ParsedAt: time.Now()}

	val := pp.ctx.CompileBytes(content, cue.Filename(name))
	if err := val.Err(); err != nil {
		parsed.Errors = append(parsed.Errors, convertCUEErrors(err)...)
		return parsed, nil
	}

	var doc PlayDocument
	if err := val.Decode(&doc); err != nil {
		parsed.Errors = append(parsed.Errors, convertCUEErrors(err)...)
		return parsed, nil
	}

	parsed.Document = &doc
	parsed.Errors = append(parsed.Errors, pp.Validate(ctx, name, &doc)...)
	return parsed, nil
}

// Validate runs the CUE schema, struct tags and structural checks against a
// decoded document.
func (pp *PlayParser) Validate(ctx context.Context, file string, doc *PlayDocument) []ValidationError {
	var out []ValidationError

	if err := pp.schemaRegistry.ValidatePlay(ctx, doc); err != nil {
		for _, ve := range convertCUEErrors(err) {
			ve.File = file
			out = append(out, ve)
		}
	}

	if err := pp.validator.Struct(doc); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				out = append(out, ValidationError{
					File:     file,
					Path:     fe.Namespace(),
					Message:  fmt.Sprintf("failed on the %q rule", fe.Tag()),
					Severity: "error",
				})
			}
		} else {
			out = append(out, ValidationError{File: file, Message: err.Error(), Severity: "error"})
		}
	}

	check := func(path string, tasks []TaskSpec) {
		walkTasks(path, tasks, func(p string, t TaskSpec) {
			switch t.Kinds() {
			case 0:
				out = append(out, ValidationError{File: file, Path: p, Message: "entry needs one of module, meta, include or block", Severity: "error"})
			case 1:
			default:
				out = append(out, ValidationError{File: file, Path: p, Message: "entry mixes module, meta, include and block", Severity: "error"})
			}
			if t.Include != "" {
				if _, ok := doc.Includes[t.Include]; !ok {
					out = append(out, ValidationError{File: file, Path: p, Message: fmt.Sprintf("unknown include %q", t.Include), Severity: "error"})
				}
			}
			if t.RunOnce && doc.Play.Strategy == "free" {
				out = append(out, ValidationError{File: file, Path: p, Message: "run_once runs on every host under the free strategy", Severity: "warning"})
			}
		})
	}
	check("play.tasks", doc.Play.Tasks)
	for i, r := range doc.Play.Roles {
		check(fmt.Sprintf("play.roles[%d].tasks", i), r.Tasks)
	}
	for name, tasks := range doc.Includes {
		check("includes."+name, tasks)
	}

	return out
}

// walkTasks calls fn for every entry in tasks, depth first.
func walkTasks(path string, tasks []TaskSpec, fn func(string, TaskSpec)) {
	for i, t := range tasks {
		p := fmt.Sprintf("%s[%d]", path, i)
		fn(p, t)
		walkTasks(p+".block", t.Block, fn)
		walkTasks(p+".rescue", t.Rescue, fn)
		walkTasks(p+".always", t.Always, fn)
	}
}

// GetSchemaRegistry returns the schema registry.
func (pp *PlayParser) GetSchemaRegistry() *SchemaRegistry {
	return pp.schemaRegistry
}

func yamlError(file string, err error) ValidationError {
	ve := ValidationError{File: file, Message: err.Error(), Severity: "error"}
	var line int
	if _, scanErr := fmt.Sscanf(err.Error(), "yaml: line %d:", &line); scanErr == nil {
		ve.Line = line
	}
	return ve
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}

	return validationErrors
}
