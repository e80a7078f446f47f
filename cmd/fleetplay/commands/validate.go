package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/openfroyo/fleetplay/pkg/dispatch"
	"github.com/openfroyo/fleetplay/pkg/policy"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate <file>...",
		Short: "Validate play files and check them against admission policies",
		Long: `Validate play files without running them.

Each file is parsed, checked against the play schema and, when policies are
enabled, evaluated by the admission policies. Host-dependent rules are
evaluated with an empty host list.

With --watch the files and the configured policy paths are watched and
everything is validated again on every change.`,
		Example: `  # Validate a play
  fleetplay validate site.yaml

  # Validate on every save
  fleetplay validate site.yaml db.cue --watch`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			v, err := newValidator(ctx)
			if err != nil {
				return err
			}

			ok := v.run(ctx, cmd.OutOrStdout(), args)
			if !watch {
				if !ok {
					return fmt.Errorf("validation failed")
				}
				return nil
			}

			paths := append(append([]string(nil), args...), appConfig.Policy.Paths...)
			w, err := config.NewWatcher(paths, watchable, log.Logger)
			if err != nil {
				return err
			}
			log.Info().Strs("paths", paths).Msg("Watching for changes")

			return w.Run(ctx, func(changed []string) {
				for _, name := range changed {
					if policy.IsPolicyFile(name) {
						if err := v.reloadPolicies(ctx); err != nil {
							log.Error().Err(err).Msg("Failed to reload policies")
						}
						break
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n--- %s\n", time.Now().Format(time.TimeOnly))
				v.run(ctx, cmd.OutOrStdout(), args)
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "validate again whenever a file changes")

	return cmd
}

func watchable(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return policy.IsPolicyFile(name)
}

type playValidator struct {
	parser   *config.PlayParser
	policies *policy.Engine
	modules  []string
}

func newValidator(ctx context.Context) (*playValidator, error) {
	policies, err := newPolicyEngine(ctx)
	if err != nil {
		return nil, err
	}

	disp := dispatch.New(dispatch.Options{Logger: log.Logger})
	modules := disp.Modules()
	if err := disp.Close(ctx); err != nil {
		log.Debug().Err(err).Msg("Failed to close dispatcher")
	}

	return &playValidator{
		parser:   config.NewPlayParser(),
		policies: policies,
		modules:  modules,
	}, nil
}

// reloadPolicies swaps in a fresh engine so a broken policy file leaves the
// previous set in place.
func (v *playValidator) reloadPolicies(ctx context.Context) error {
	policies, err := newPolicyEngine(ctx)
	if err != nil {
		return err
	}
	v.policies = policies
	log.Info().Msg("Reloaded policies")
	return nil
}

// run validates every file and reports whether all of them passed.
func (v *playValidator) run(ctx context.Context, w io.Writer, files []string) bool {
	ok := true
	for _, file := range files {
		if !v.validate(ctx, w, file) {
			ok = false
		}
	}
	return ok
}

func (v *playValidator) validate(ctx context.Context, w io.Writer, file string) bool {
	parsed, err := v.parser.ParseFile(ctx, file)
	if err != nil {
		fmt.Fprintf(w, "✗ %s: %v\n", file, err)
		return false
	}
	if parsed.HasErrors() {
		fmt.Fprintf(w, "✗ %s\n", file)
		printValidationErrors(w, parsed.Errors)
		return false
	}
	if len(parsed.Errors) > 0 {
		printValidationErrors(w, parsed.Errors)
	}

	if v.policies != nil {
		doc := parsed.Document
		summary := policy.Summarize(doc, firstNonEmpty(doc.Play.Strategy, appConfig.Strategy), doc.Play.Forks, nil)
		res, err := v.policies.Evaluate(ctx, &policy.Input{
			Play: summary,
			Context: &policy.Context{
				User:         currentUser(),
				KnownModules: v.modules,
				Timestamp:    time.Now().UTC(),
			},
		})
		if err != nil {
			fmt.Fprintf(w, "✗ %s: policy evaluation failed: %v\n", file, err)
			return false
		}
		for _, viol := range res.Warnings {
			fmt.Fprintf(w, "  warning: %s: %s\n", viol.Policy, viol.Message)
		}
		if !res.Allowed {
			fmt.Fprintf(w, "✗ %s\n", file)
			for _, viol := range res.Violations {
				fmt.Fprintf(w, "  denied: %s: %s\n", viol.Policy, viol.Message)
			}
			return appConfig.Policy.Mode == "advisory"
		}
	}

	fmt.Fprintf(w, "✓ %s\n", file)
	return true
}
