package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect past plays",
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded plays, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			plays, err := store.ListPlays(ctx, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), plays)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTRATEGY\tHOSTS\tSTATUS\tSTARTED\tDURATION")
			for _, p := range plays {
				duration := "-"
				if p.CompletedAt != nil {
					duration = p.CompletedAt.Sub(p.StartedAt).Round(time.Millisecond).String()
				}
				status := string(p.Status)
				if p.CheckMode {
					status += " (check)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					p.ID, p.Name, p.Strategy, p.HostCount, status,
					p.StartedAt.Local().Format("2006-01-02 15:04:05"), duration)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of plays")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of plays to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var host string

	cmd := &cobra.Command{
		Use:     "show <play-id>",
		Short:   "Show a play and its task results",
		Example: `  fleetplay history show 6f1c0e8a-... --host web1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			play, err := store.GetPlay(ctx, args[0])
			if err != nil {
				return err
			}

			var hostFilter *string
			if host != "" {
				hostFilter = &host
			}
			results, err := store.ListTaskResults(ctx, play.ID, hostFilter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"play":    play,
					"results": results,
				})
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Play:        %s (%s)\n", play.Name, play.ID)
			fmt.Fprintf(w, "File:        %s\n", play.PlayPath)
			fmt.Fprintf(w, "Strategy:    %s\n", play.Strategy)
			fmt.Fprintf(w, "Status:      %s\n", play.Status)
			fmt.Fprintf(w, "Hosts:       %d\n", play.HostCount)
			fmt.Fprintf(w, "Failed:      %s\n", play.Failed)
			fmt.Fprintf(w, "Unreachable: %s\n", play.Unreachable)
			if play.Error != nil {
				fmt.Fprintf(w, "Error:       %s\n", *play.Error)
			}
			fmt.Fprintln(w)

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ROUND\tHOST\tTASK\tMODULE\tSTATUS\tDURATION\tERROR")
			for _, r := range results {
				errText := ""
				if r.Error != nil {
					errText = *r.Error
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%dms\t%s\n",
					r.Round, r.Host, r.TaskName, r.Module, r.Status, r.DurationMS, errText)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "only show results of this host")

	return cmd
}
