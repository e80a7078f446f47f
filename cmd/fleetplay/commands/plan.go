package commands

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/fleetplay/pkg/engine"
	"github.com/openfroyo/fleetplay/pkg/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// plannedTask is one task a host would run.
type plannedTask struct {
	Task   string `json:"task"`
	Module string `json:"module,omitempty"`
	Round  int    `json:"round"`
}

func newPlanCommand() *cobra.Command {
	var (
		inventoryPath string
		limit         string
	)

	cmd := &cobra.Command{
		Use:   "plan <file>",
		Short: "Show the tasks each host would run",
		Long: `List, per host, the tasks a play would dispatch.

The play runs in check mode with the linear strategy and no persistence, so
hosts are not changed and no history is written. Includes are expanded the
way they would be in a real run; tasks guarded by rescue sections only
appear when a check-mode failure triggers them.`,
		Example: `  # Show the plan for all hosts
  fleetplay plan site.yaml -i inventory.yaml

  # Show it for one group
  fleetplay plan site.yaml --limit db --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			doc, err := parsePlay(ctx, args[0])
			if err != nil {
				return err
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

			r, err := runner.New(appConfig, runner.Deps{Logger: log.Logger})
			if err != nil {
				return err
			}

			var (
				mu    sync.Mutex
				tasks = make(map[string][]plannedTask)
			)
			report, err := r.Run(context.WithoutCancel(ctx), runner.Options{
				Document:  doc,
				PlayPath:  args[0],
				Inventory: inv,
				Limit:     limit,
				Strategy:  string(engine.StrategyLinear),
				CheckMode: true,
				User:      currentUser(),
				OnEvent: func(ev engine.Event) {
					if ev.Type != engine.EventTypeTaskDispatched {
						return
					}
					mu.Lock()
					tasks[ev.Host] = append(tasks[ev.Host], plannedTask{Task: ev.TaskName, Module: ev.Module, Round: ev.Round})
					mu.Unlock()
				},
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), tasks)
			}

			w := cmd.OutOrStdout()
			hosts := append([]string(nil), report.Hosts...)
			sort.Strings(hosts)
			for _, h := range hosts {
				fmt.Fprintf(w, "%s (%d tasks)\n", h, len(tasks[h]))
				for i, t := range tasks[h] {
					fmt.Fprintf(w, "  %3d. %s", i+1, t.Task)
					if t.Module != "" {
						fmt.Fprintf(w, " [%s]", t.Module)
					}
					fmt.Fprintln(w)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file")
	cmd.Flags().StringVarP(&limit, "limit", "l", "", "further limit the hosts with a pattern")

	return cmd
}
