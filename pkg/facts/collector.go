// Package facts gathers host facts over a command runner and keeps them in
// the fact store.
package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/fleetplay/pkg/stores"
	"github.com/openfroyo/fleetplay/pkg/transports/ssh"
	"github.com/rs/zerolog"
)

// Fact namespaces produced by the collector.
const (
	NamespaceOS       = "os.basic"
	NamespaceCPU      = "hw.cpu"
	NamespaceMemory   = "hw.memory"
	NamespaceDisk     = "hw.disk"
	NamespaceNetwork  = "net.ifaces"
	NamespacePackages = "pkg.manifest"

	// NamespaceHostMetadata and NamespaceHostLabels hold inventory records,
	// not collected facts.
	NamespaceHostMetadata = "host.metadata"
	NamespaceHostLabels   = "host.labels"
)

// DefaultTypes is collected when no fact types are requested.
var DefaultTypes = []string{
	NamespaceOS,
	NamespaceCPU,
	NamespaceMemory,
	NamespaceDisk,
	NamespaceNetwork,
	NamespacePackages,
}

// DefaultTTL is how long collected facts stay valid.
const DefaultTTL = time.Hour

// Runner executes shell commands on a host.
type Runner interface {
	Run(ctx context.Context, cmd string, opts ssh.RunOptions) (*ssh.ExecResult, error)
}

// Store is the part of stores.Store the collector uses.
type Store interface {
	UpsertFact(ctx context.Context, fact *stores.Fact) error
	ListFacts(ctx context.Context, targetID *string, namespace *string, limit, offset int) ([]*stores.Fact, error)
}

// Collector collects facts from hosts.
type Collector struct {
	store  Store
	ttl    time.Duration
	logger zerolog.Logger
}

// Result contains the result of one collection.
type Result struct {
	Host        string         `json:"host"`
	Count       int            `json:"count"`
	CollectedAt time.Time      `json:"collected_at"`
	Duration    time.Duration  `json:"duration"`
	Facts       map[string]any `json:"facts"`
}

// NewCollector creates a collector. A nil store keeps facts in the result only.
func NewCollector(store Store, logger zerolog.Logger) *Collector {
	return &Collector{
		store:  store,
		ttl:    DefaultTTL,
		logger: logger.With().Str("component", "facts").Logger(),
	}
}

// WithTTL sets the expiry applied to stored facts. Zero disables expiry.
func (c *Collector) WithTTL(ttl time.Duration) *Collector {
	c.ttl = ttl
	return c
}

// Collect gathers the requested fact types from host through r.
// Individual collectors that fail are logged and skipped; connection
// failures abort the collection.
func (c *Collector) Collect(ctx context.Context, host string, r Runner, types []string) (*Result, error) {
	start := time.Now()
	if len(types) == 0 {
		types = DefaultTypes
	}

	c.logger.Debug().Str("host", host).Strs("fact_types", types).Msg("Collecting facts")

	facts := make(map[string]any, len(types))
	for _, factType := range types {
		var (
			data any
			err  error
		)
		switch factType {
		case NamespaceOS:
			data, err = collectOS(ctx, r)
		case NamespaceCPU:
			data, err = collectCPU(ctx, r)
		case NamespaceMemory:
			data, err = collectMemory(ctx, r)
		case NamespaceDisk:
			data, err = collectDisk(ctx, r)
		case NamespaceNetwork:
			data, err = collectNetwork(ctx, r)
		case NamespacePackages:
			data, err = collectPackages(ctx, r)
		default:
			c.logger.Warn().Str("type", factType).Msg("Unknown fact type")
			continue
		}

		if err != nil {
			if ssh.IsConnectError(err) || ctx.Err() != nil {
				return nil, err
			}
			c.logger.Warn().Err(err).Str("host", host).Str("type", factType).Msg("Failed to collect fact")
			continue
		}

		facts[factType] = data
		if err := c.Put(ctx, host, factType, data); err != nil {
			c.logger.Error().Err(err).Str("host", host).Str("type", factType).Msg("Failed to store fact")
		}
	}

	duration := time.Since(start)
	c.logger.Info().
		Str("host", host).
		Int("facts_count", len(facts)).
		Dur("duration", duration).
		Msg("Facts collection completed")

	return &Result{
		Host:        host,
		Count:       len(facts),
		CollectedAt: time.Now(),
		Duration:    duration,
		Facts:       facts,
	}, nil
}

// Put stores data as the fact namespace of host.
func (c *Collector) Put(ctx context.Context, host, namespace string, data any) error {
	if c.store == nil {
		return nil
	}

	value, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal fact data: %w", err)
	}

	now := time.Now()
	fact := &stores.Fact{
		ID:        uuid.New().String(),
		TargetID:  host,
		Namespace: namespace,
		Key:       "data",
		Value:     string(value),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.ttl > 0 {
		expires := now.Add(c.ttl)
		fact.TTL = int(c.ttl / time.Second)
		fact.ExpiresAt = &expires
	}

	if err := c.store.UpsertFact(ctx, fact); err != nil {
		return fmt.Errorf("failed to store fact: %w", err)
	}
	return nil
}

// Get returns the stored facts of host keyed by namespace. Inventory
// records are left out.
func (c *Collector) Get(ctx context.Context, host string, namespace *string) (map[string]any, error) {
	if c.store == nil {
		return map[string]any{}, nil
	}

	stored, err := c.store.ListFacts(ctx, &host, namespace, 1000, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}

	result := make(map[string]any)
	for _, fact := range stored {
		if fact.Namespace == NamespaceHostMetadata || fact.Namespace == NamespaceHostLabels {
			continue
		}
		var data any
		if err := json.Unmarshal([]byte(fact.Value), &data); err != nil {
			continue
		}
		result[fact.Namespace] = data
	}
	return result, nil
}

// run executes cmd and returns trimmed stdout, treating a non-zero exit as an error.
func run(ctx context.Context, r Runner, cmd string) (string, error) {
	res, err := r.Run(ctx, cmd, ssh.RunOptions{})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%q exited with code %d: %s", cmd, res.ExitCode, res.Stderr)
	}
	return strings.TrimSpace(res.Stdout), nil
}
