package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
)

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a fleetplay workspace",
		Long: `Initialize a workspace in dir (default: the current directory).

This creates:
  - fleetplay.yaml with the default configuration
  - .fleetplay/fleetplay.db, the SQLite database
  - .fleetplay/keys/id_ed25519, an SSH key used as the default identity`,
		Example: `  # Initialize the current directory
  fleetplay init

  # Initialize another directory, replacing its configuration
  fleetplay init ./ops --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			cfgFile := filepath.Join(dir, defaultConfigFile)
			if cmd.Flags().Changed("config") {
				cfgFile = configPath
			}
			log.Info().Str("dir", dir).Str("config", cfgFile).Msg("Initializing workspace")

			absDir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			cfg := config.DefaultAppConfig()
			cfg.DataDir = filepath.Join(absDir, ".fleetplay")
			keysDir := filepath.Join(cfg.DataDir, "keys")
			for _, d := range []string{cfg.DataDir, keysDir} {
				if err := os.MkdirAll(d, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
			}

			keyPath := filepath.Join(keysDir, "id_ed25519")
			created, err := ensureKey(keyPath)
			if err != nil {
				return err
			}
			cfg.SSH.KeyFile = keyPath
			w := cmd.OutOrStdout()
			if created {
				fmt.Fprintf(w, "✓ Generated SSH keypair: %s\n", keyPath)
			} else {
				fmt.Fprintf(w, "✓ SSH keypair already exists: %s\n", keyPath)
			}

			if _, err := os.Stat(cfgFile); err == nil && !force {
				fmt.Fprintf(w, "✓ Config file already exists: %s\n", cfgFile)
				if cfg, err = config.LoadAppConfig(cfgFile); err != nil {
					return err
				}
			} else {
				if err := config.WriteAppConfig(cfgFile, cfg); err != nil {
					return err
				}
				fmt.Fprintf(w, "✓ Created config file: %s\n", cfgFile)
			}

			appConfig = cfg
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)
			audit(ctx, store, "workspace.initialized", dir, nil)
			fmt.Fprintf(w, "✓ Initialized SQLite database: %s\n", cfg.DatabasePath())

			fmt.Fprintf(w, "\nNext steps:\n")
			fmt.Fprintf(w, "  1. Register hosts:  fleetplay hosts add web1 --address 10.0.0.11 --group web\n")
			fmt.Fprintf(w, "  2. Collect facts:   fleetplay facts collect\n")
			fmt.Fprintf(w, "  3. Run a play:      fleetplay play site.yaml\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

// ensureKey creates an ed25519 keypair at path unless one exists.
func ensureKey(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(privKey, "fleetplay")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(path+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
