package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/fleetplay/pkg/engine"
	"github.com/openfroyo/fleetplay/pkg/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type playFlags struct {
	inventory   string
	limit       string
	strategy    string
	forks       int
	check       bool
	metricsAddr string
}

func newPlayCommand() *cobra.Command {
	var flags playFlags

	cmd := &cobra.Command{
		Use:   "play <file>",
		Short: "Run a play against the selected hosts",
		Long: `Run a play file (YAML or CUE) against the hosts it selects.

Hosts come from the inventory file (--inventory or the configured one) or,
without one, from the hosts registered with "fleetplay hosts add". The
--strategy and --forks flags override the play, which overrides the
configuration.

An interrupt stops scheduling new tasks; tasks already running finish and
the play is recorded as aborted.`,
		Example: `  # Run a play
  fleetplay play site.yaml -i inventory.yaml

  # Run on a subset of hosts with the free strategy
  fleetplay play site.yaml --limit web --strategy free --forks 20

  # Dry run, exposing metrics while it runs
  fleetplay play site.yaml --check --metrics-addr 127.0.0.1:9464`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringVarP(&flags.inventory, "inventory", "i", "", "inventory file")
	cmd.Flags().StringVarP(&flags.limit, "limit", "l", "", "further limit the hosts with a pattern")
	cmd.Flags().StringVarP(&flags.strategy, "strategy", "s", "", "scheduling strategy (linear, free)")
	cmd.Flags().IntVarP(&flags.forks, "forks", "f", 0, "number of parallel workers")
	cmd.Flags().BoolVar(&flags.check, "check", false, "run in check mode without changing hosts")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the play runs")

	return cmd
}

func runPlay(cmd *cobra.Command, path string, flags playFlags) error {
	ctx := cmd.Context()

	doc, err := parsePlay(ctx, path)
	if err != nil {
		return err
	}

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	inv, err := loadInventory(ctx, flags.inventory, store)
	if err != nil {
		return err
	}

	policies, err := newPolicyEngine(ctx)
	if err != nil {
		return err
	}

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	defer stopMetrics()
	if addr := firstNonEmpty(flags.metricsAddr, appConfig.Telemetry.MetricsAddr); addr != "" {
		go func() {
			if err := tel.Metrics.Serve(metricsCtx, addr); err != nil {
				log.Warn().Err(err).Str("addr", addr).Msg("Metrics server stopped")
			}
		}()
	}

	r, err := runner.New(appConfig, runner.Deps{
		Store:     store,
		Policies:  policies,
		Telemetry: tel,
		Logger:    log.Logger,
	})
	if err != nil {
		return err
	}

	// Cancellation terminates the play; the run itself is not cancelled so
	// that in-flight tasks are drained and the play record is written.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.Terminate()
		case <-done:
		}
	}()

	out := newProgress(cmd.OutOrStdout(), jsonOutput)
	if !jsonOutput {
		fmt.Fprintf(cmd.OutOrStdout(), "PLAY [%s]\n", doc.Play.Name)
	}

	report, err := r.Run(context.WithoutCancel(ctx), runner.Options{
		Document:  doc,
		PlayPath:  path,
		Inventory: inv,
		Limit:     flags.limit,
		Strategy:  flags.strategy,
		Forks:     flags.forks,
		CheckMode: flags.check,
		User:      currentUser(),
		OnEvent:   out.event,
	})
	if errors.Is(err, runner.ErrPlayDenied) && report != nil {
		printAdmission(cmd, report)
		return err
	}
	if err != nil {
		return err
	}

	if err := out.recap(report); err != nil {
		return err
	}
	if report.Outcome != engine.OutcomeOK {
		return fmt.Errorf("play %q finished with outcome %s", doc.Play.Name, report.Outcome)
	}
	return nil
}

func printAdmission(cmd *cobra.Command, report *runner.Report) {
	if report.Admission == nil {
		return
	}
	if jsonOutput {
		_ = printJSON(cmd.OutOrStdout(), report.Admission)
		return
	}
	w := cmd.ErrOrStderr()
	for _, v := range report.Admission.Violations {
		fmt.Fprintf(w, "DENIED %s: %s\n", v.Policy, v.Message)
		if v.Remediation != "" {
			fmt.Fprintf(w, "  remediation: %s\n", v.Remediation)
		}
	}
	for _, v := range report.Admission.Warnings {
		fmt.Fprintf(w, "WARNING %s: %s\n", v.Policy, v.Message)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
