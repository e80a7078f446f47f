package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/openfroyo/fleetplay/pkg/stores"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRestoreCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Restore the workspace database from a backup",
		Long: `Replace the workspace database with a backup made by "fleetplay backup".

The backup is opened and checked first. The current database is kept next
to the new one with a .pre-restore suffix. Migrations newer than the backup
are applied after the restore.

WARNING: plays recorded after the backup was taken are lost.`,
		Example: `  # Restore, keeping the current database as fleetplay.db.pre-restore
  fleetplay restore fleetplay-2024-05-01.db --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			src := args[0]

			if err := checkBackup(ctx, src); err != nil {
				return fmt.Errorf("backup %s is not usable: %w", src, err)
			}

			dbPath := appConfig.DatabasePath()
			if _, err := os.Stat(dbPath); err == nil {
				if !force {
					return fmt.Errorf("database %s exists, use --force to replace it", dbPath)
				}
				if err := os.Rename(dbPath, dbPath+".pre-restore"); err != nil {
					return fmt.Errorf("failed to keep current database: %w", err)
				}
				log.Info().Str("path", dbPath+".pre-restore").Msg("Kept current database")
			}
			for _, suffix := range []string{"-wal", "-shm"} {
				if err := os.Remove(dbPath + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}

			if err := os.MkdirAll(appConfig.DataDir, 0o700); err != nil {
				return err
			}
			if err := copyFile(src, dbPath); err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)
			audit(ctx, store, "store.restored", src, nil)

			fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n", dbPath, src)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "replace an existing database")

	return cmd
}

// checkBackup opens the backup and reads from it.
func checkBackup(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path, MaxOpenConns: 1})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	defer closeStore(store)

	if err := store.HealthCheck(ctx); err != nil {
		return err
	}
	_, err = store.ListPlays(ctx, 1, 0)
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
