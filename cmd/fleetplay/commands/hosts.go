package commands

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/openfroyo/fleetplay/pkg/inventory"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newHostsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "Manage registered hosts",
		Long: `Manage the hosts registered in the workspace database.

Registered hosts are used by play, plan and facts whenever no inventory
file is given.`,
	}

	cmd.AddCommand(newHostsAddCommand())
	cmd.AddCommand(newHostsListCommand())
	cmd.AddCommand(newHostsImportCommand())
	cmd.AddCommand(newHostsRemoveCommand())

	return cmd
}

func newHostsAddCommand() *cobra.Command {
	var host inventory.Host

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a host",
		Example: `  # Register an SSH host
  fleetplay hosts add web1 --address 10.0.0.11 --user deploy --label env=prod --group web

  # Register the controller itself
  fleetplay hosts add localhost --connection local`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			host.Name = args[0]
			switch host.Connection {
			case "", inventory.ConnectionSSH, inventory.ConnectionLocal:
			default:
				return fmt.Errorf("invalid connection %q (must be ssh or local)", host.Connection)
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			if err := inventory.NewRegistry(store).Add(ctx, &host); err != nil {
				return err
			}
			audit(ctx, store, "host.added", host.Name, map[string]any{
				"address":    host.Address,
				"connection": host.Connection,
			})

			log.Info().Str("host", host.Name).Str("address", host.Address).Msg("Host registered")
			return nil
		},
	}

	cmd.Flags().StringVar(&host.Address, "address", "", "address to connect to (defaults to the name)")
	cmd.Flags().IntVar(&host.Port, "port", 0, "SSH port")
	cmd.Flags().StringVarP(&host.User, "user", "u", "", "SSH user")
	cmd.Flags().StringVar(&host.KeyPath, "key", "", "SSH private key file")
	cmd.Flags().StringVar(&host.ProxyJump, "proxy-jump", "", "jump host")
	cmd.Flags().StringVar(&host.Connection, "connection", "", "connection type (ssh, local)")
	cmd.Flags().StringToStringVar(&host.Labels, "label", nil, "labels as key=value")
	cmd.Flags().StringSliceVarP(&host.Groups, "group", "g", nil, "groups the host belongs to")

	return cmd
}

func newHostsListCommand() *cobra.Command {
	var selector string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered hosts",
		Example: `  # List all hosts
  fleetplay hosts list

  # List production web hosts
  fleetplay hosts list --selector env=prod,role=web`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			reg := inventory.NewRegistry(store)
			var hosts []*inventory.Host
			if selector != "" {
				hosts, err = reg.Select(ctx, selector)
			} else {
				hosts, err = reg.List(ctx)
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), hosts)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tADDRESS\tCONNECTION\tGROUPS\tLABELS")
			for _, h := range hosts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					h.Name, h.Address, h.Connection, strings.Join(h.Groups, ","), formatLabels(h.Labels))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&selector, "selector", "", "label selector (key=value,...)")

	return cmd
}

func newHostsImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "import <inventory>",
		Short:   "Register every host of an inventory file",
		Example: `  fleetplay hosts import inventory.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			inv, err := inventory.Load(args[0])
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			n, err := inventory.NewRegistry(store).Import(ctx, inv)
			if err != nil {
				return err
			}
			audit(ctx, store, "hosts.imported", args[0], map[string]any{"count": n})

			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d host(s) from %s\n", n, args[0])
			return nil
		},
	}
}

func newHostsRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>...",
		Aliases: []string{"rm"},
		Short:   "Unregister hosts and drop their facts",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			reg := inventory.NewRegistry(store)
			for _, name := range args {
				if err := reg.Remove(ctx, name); err != nil {
					return fmt.Errorf("failed to remove %s: %w", name, err)
				}
				audit(ctx, store, "host.removed", name, nil)
				log.Info().Str("host", name).Msg("Host removed")
			}
			return nil
		},
	}
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}
