package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/openfroyo/fleetplay/pkg/facts"
	"github.com/openfroyo/fleetplay/pkg/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newFactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facts",
		Short: "Collect and inspect host facts",
		Long: `Collect facts from hosts and inspect the stored values.

Facts are namespaced (os.basic, hw.cpu, hw.memory, net.interfaces, ...) and
are also gathered by plays that set gather_facts.`,
	}

	cmd.AddCommand(newFactsCollectCommand())
	cmd.AddCommand(newFactsListCommand())
	cmd.AddCommand(newFactsShowCommand())

	return cmd
}

func newFactsCollectCommand() *cobra.Command {
	var (
		inventoryPath string
		types         []string
		forks         int
	)

	cmd := &cobra.Command{
		Use:   "collect [pattern]",
		Short: "Gather facts from hosts",
		Long: `Gather facts from the hosts matching pattern (default "all").

Collection runs as a one-task play with the free strategy, so it is
recorded in the play history like any other run.`,
		Example: `  # Collect all facts from all hosts
  fleetplay facts collect

  # Collect OS and CPU facts from the web group
  fleetplay facts collect web --type os.basic --type hw.cpu`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pattern := "all"
			if len(args) == 1 {
				pattern = args[0]
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			inv, err := loadInventory(ctx, inventoryPath, store)
			if err != nil {
				return err
			}

			gather := config.TaskSpec{Name: "Gather facts", Module: "setup"}
			if len(types) > 0 {
				gather.Args = map[string]interface{}{"gather_subset": types}
			}
			doc := &config.PlayDocument{Play: config.Play{
				Name:     "collect facts",
				Hosts:    pattern,
				Strategy: "free",
				Tasks:    []config.TaskSpec{gather},
			}}

			r, err := runner.New(appConfig, runner.Deps{Store: store, Telemetry: tel, Logger: log.Logger})
			if err != nil {
				return err
			}

			out := newProgress(cmd.OutOrStdout(), jsonOutput)
			report, err := r.Run(context.WithoutCancel(ctx), runner.Options{
				Document:  doc,
				Inventory: inv,
				Forks:     forks,
				User:      currentUser(),
				OnEvent:   out.event,
			})
			if err != nil {
				return err
			}
			if err := out.recap(report); err != nil {
				return err
			}
			if len(report.Failed)+len(report.Unreachable) > 0 {
				return fmt.Errorf("fact collection failed on %d host(s)", len(report.Failed)+len(report.Unreachable))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "fact types to collect (default all)")
	cmd.Flags().IntVarP(&forks, "forks", "f", 0, "number of parallel workers")

	return cmd
}

func newFactsListCommand() *cobra.Command {
	var (
		namespace string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list [host]",
		Short: "List stored facts",
		Example: `  # List every fact
  fleetplay facts list

  # List the CPU facts of one host
  fleetplay facts list web1 --namespace hw.cpu`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			var host, ns *string
			if len(args) == 1 {
				host = &args[0]
			}
			if namespace != "" {
				ns = &namespace
			}

			list, err := store.ListFacts(ctx, host, ns, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HOST\tNAMESPACE\tKEY\tUPDATED")
			for _, f := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.TargetID, f.Namespace, f.Key, f.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "only list this namespace")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of facts")

	return cmd
}

func newFactsShowCommand() *cobra.Command {
	var namespace string

	cmd := &cobra.Command{
		Use:     "show <host>",
		Short:   "Show the facts of one host",
		Example: `  fleetplay facts show web1 --namespace os.basic`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			var ns *string
			if namespace != "" {
				ns = &namespace
			}
			values, err := facts.NewCollector(store, log.Logger).Get(ctx, args[0], ns)
			if err != nil {
				return err
			}
			if len(values) == 0 {
				return fmt.Errorf("no facts stored for %s", args[0])
			}
			return printJSON(cmd.OutOrStdout(), values)
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "only show this namespace")

	return cmd
}
