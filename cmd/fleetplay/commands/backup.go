package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newBackupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup <file>",
		Short: "Back up the workspace database",
		Long: `Write a consistent copy of the workspace database to file.

The copy is taken with VACUUM INTO while the database stays usable, and
contains the play history, task results, events, facts, registered hosts
and the audit log.`,
		Example: `  fleetplay backup fleetplay-$(date +%F).db`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dest := args[0]

			if _, err := os.Stat(dest); err == nil {
				return fmt.Errorf("backup file %s already exists", dest)
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)

			log.Info().Str("dest", dest).Msg("Creating backup")
			if err := store.Backup(ctx, dest); err != nil {
				return err
			}
			audit(ctx, store, "store.backup", dest, nil)

			fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", dest)
			return nil
		},
	}

	return cmd
}
