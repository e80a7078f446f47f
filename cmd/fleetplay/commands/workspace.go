package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/openfroyo/fleetplay/pkg/inventory"
	"github.com/openfroyo/fleetplay/pkg/policy"
	"github.com/openfroyo/fleetplay/pkg/stores"
	"github.com/rs/zerolog/log"
)

// openStore opens and migrates the workspace database, creating the data
// directory when needed.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(appConfig.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", appConfig.DataDir, err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: appConfig.DatabasePath()})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func closeStore(store *stores.SQLiteStore) {
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}

// loadInventory reads the inventory file given on the command line or in
// the configuration. Without one, the hosts registered in the store are used.
func loadInventory(ctx context.Context, path string, store *stores.SQLiteStore) (*inventory.Inventory, error) {
	if path == "" {
		path = appConfig.Inventory
	}
	if path != "" {
		inv, err := inventory.Load(path)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("path", path).Int("hosts", inv.Len()).Msg("Loaded inventory file")
		return inv, nil
	}

	inv, err := inventory.NewRegistry(store).Inventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load registered hosts: %w", err)
	}
	log.Debug().Int("hosts", inv.Len()).Msg("Using registered hosts")
	return inv, nil
}

// newPolicyEngine returns nil when admission is disabled.
func newPolicyEngine(ctx context.Context) (*policy.Engine, error) {
	if !appConfig.Policy.Enabled {
		return nil, nil
	}
	engine, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(appConfig.Policy.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, appConfig.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// parsePlay parses a play file and fails on error-severity findings.
func parsePlay(ctx context.Context, path string) (*config.PlayDocument, error) {
	parsed, err := config.NewPlayParser().ParseFile(ctx, path)
	if err != nil {
		return nil, err
	}
	if parsed.HasErrors() {
		printValidationErrors(os.Stderr, parsed.Errors)
		return nil, fmt.Errorf("play %s is invalid", path)
	}
	return parsed.Document, nil
}

func printValidationErrors(w io.Writer, errs []config.ValidationError) {
	for _, e := range errs {
		loc := e.File
		if e.Line > 0 {
			loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
		}
		if e.Path != "" {
			loc += " " + e.Path
		}
		fmt.Fprintf(w, "  %s: %s: %s\n", e.Severity, strings.TrimSpace(loc), e.Message)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

// audit writes an audit entry, logging rather than failing on error.
func audit(ctx context.Context, store *stores.SQLiteStore, action, target string, details map[string]any) {
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     currentUser(),
		Timestamp: time.Now().UTC(),
	}
	if target != "" {
		entry.TargetID = &target
	}
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := store.CreateAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}
