package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/fleetplay/pkg/stores"
)

const (
	metadataNamespace = "host.metadata"
	labelsNamespace   = "host.labels"
)

// FactStore is the part of stores.Store the registry uses.
type FactStore interface {
	UpsertFact(ctx context.Context, fact *stores.Fact) error
	GetFact(ctx context.Context, targetID, namespace, key string) (*stores.Fact, error)
	ListFacts(ctx context.Context, targetID *string, namespace *string, limit, offset int) ([]*stores.Fact, error)
	DeleteFactsForTarget(ctx context.Context, targetID string) (int64, error)
}

// Registry keeps hosts in the fact store so plays can run without an
// inventory file.
type Registry struct {
	store FactStore
}

// NewRegistry creates a new host registry.
func NewRegistry(store FactStore) *Registry {
	return &Registry{store: store}
}

// Add stores host, replacing any host of the same name.
func (r *Registry) Add(ctx context.Context, host *Host) error {
	if host.Name == "" {
		return fmt.Errorf("host name is required")
	}
	if host.Address == "" {
		host.Address = host.Name
	}
	if host.Connection == "" {
		host.Connection = ConnectionSSH
	}

	now := time.Now()
	if existing, err := r.Get(ctx, host.Name); err == nil {
		host.CreatedAt = existing.CreatedAt
	} else if host.CreatedAt.IsZero() {
		host.CreatedAt = now
	}
	host.UpdatedAt = now

	hostData, err := json.Marshal(host)
	if err != nil {
		return fmt.Errorf("failed to marshal host data: %w", err)
	}
	if err := r.store.UpsertFact(ctx, &stores.Fact{
		ID:        uuid.New().String(),
		TargetID:  host.Name,
		Namespace: metadataNamespace,
		Key:       "info",
		Value:     string(hostData),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to store host: %w", err)
	}

	// Labels are stored separately for querying by label
	labelsData, err := json.Marshal(host.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	if err := r.store.UpsertFact(ctx, &stores.Fact{
		ID:        uuid.New().String(),
		TargetID:  host.Name,
		Namespace: labelsNamespace,
		Key:       "all",
		Value:     string(labelsData),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to store labels: %w", err)
	}
	return nil
}

// Get returns the named host. Missing hosts wrap stores.ErrNotFound.
func (r *Registry) Get(ctx context.Context, name string) (*Host, error) {
	fact, err := r.store.GetFact(ctx, name, metadataNamespace, "info")
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, fmt.Errorf("host %s: %w", name, stores.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	var host Host
	if err := json.Unmarshal([]byte(fact.Value), &host); err != nil {
		return nil, fmt.Errorf("failed to unmarshal host data: %w", err)
	}
	return &host, nil
}

// List returns every registered host.
func (r *Registry) List(ctx context.Context) ([]*Host, error) {
	namespace := metadataNamespace
	facts, err := r.store.ListFacts(ctx, nil, &namespace, 10000, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	hosts := make([]*Host, 0, len(facts))
	for _, fact := range facts {
		if fact.Key != "info" {
			continue
		}
		var host Host
		if err := json.Unmarshal([]byte(fact.Value), &host); err != nil {
			continue
		}
		hosts = append(hosts, &host)
	}
	return hosts, nil
}

// Select returns the registered hosts matching a label selector.
func (r *Registry) Select(ctx context.Context, selector string) ([]*Host, error) {
	hosts, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return SelectLabels(hosts, selector)
}

// Remove deletes a host together with its facts.
func (r *Registry) Remove(ctx context.Context, name string) error {
	if _, err := r.Get(ctx, name); err != nil {
		return err
	}
	if _, err := r.store.DeleteFactsForTarget(ctx, name); err != nil {
		return fmt.Errorf("failed to delete host: %w", err)
	}
	return nil
}

// Import registers every host of inv and returns how many were stored.
func (r *Registry) Import(ctx context.Context, inv *Inventory) (int, error) {
	n := 0
	for _, h := range inv.Hosts() {
		copied := *h
		if err := r.Add(ctx, &copied); err != nil {
			return n, fmt.Errorf("host %s: %w", h.Name, err)
		}
		n++
	}
	return n, nil
}

// Inventory builds an inventory from the registered hosts.
func (r *Registry) Inventory(ctx context.Context) (*Inventory, error) {
	hosts, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return New(hosts), nil
}
