package inventory

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/openfroyo/fleetplay/pkg/stores"
)

func setupTestRegistry(t *testing.T) (*Registry, *stores.SQLiteStore) {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return NewRegistry(store), store
}

func TestRegistryAddGet(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	host := &Host{
		Name:     "web1",
		User:     "deploy",
		Password: "secret",
		Labels:   map[string]string{"env": "prod"},
	}
	if err := reg.Add(ctx, host); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	got, err := reg.Get(ctx, "web1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Address != "web1" || got.Connection != ConnectionSSH || got.User != "deploy" {
		t.Errorf("unexpected host %+v", got)
	}
	if got.Password != "" {
		t.Error("passwords must not be persisted")
	}
	if got.Labels["env"] != "prod" {
		t.Errorf("unexpected labels %v", got.Labels)
	}
	created := got.CreatedAt

	host.Labels["env"] = "staging"
	if err := reg.Add(ctx, host); err != nil {
		t.Fatalf("Add() update error = %v", err)
	}
	got, _ = reg.Get(ctx, "web1")
	if got.Labels["env"] != "staging" {
		t.Errorf("expected updated label, got %v", got.Labels)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed on update: %v -> %v", created, got.CreatedAt)
	}

	if _, err := reg.Get(ctx, "missing"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := reg.Add(ctx, &Host{}); err == nil {
		t.Error("expected an error for a host without a name")
	}
}

func TestRegistrySelectRemove(t *testing.T) {
	reg, store := setupTestRegistry(t)
	ctx := context.Background()

	for _, h := range []*Host{
		{Name: "web1", Labels: map[string]string{"role": "web"}},
		{Name: "web2", Labels: map[string]string{"role": "web"}},
		{Name: "db1", Labels: map[string]string{"role": "db"}},
	} {
		if err := reg.Add(ctx, h); err != nil {
			t.Fatalf("Add(%s) error = %v", h.Name, err)
		}
	}

	hosts, err := reg.Select(ctx, "role=web")
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(hosts) != 2 {
		t.Errorf("expected 2 web hosts, got %v", Names(hosts))
	}

	// Collected facts go away with the host
	if err := store.UpsertFact(ctx, &stores.Fact{ID: "f1", TargetID: "db1", Namespace: "os.basic", Key: "data", Value: "{}"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Remove(ctx, "db1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	target := "db1"
	facts, err := store.ListFacts(ctx, &target, nil, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 0 {
		t.Errorf("expected facts of db1 to be deleted, got %d", len(facts))
	}

	if err := reg.Remove(ctx, "db1"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("expected ErrNotFound removing twice, got %v", err)
	}
}

func TestRegistryImport(t *testing.T) {
	reg, _ := setupTestRegistry(t)
	ctx := context.Background()

	n, err := reg.Import(ctx, mustParse(t, testInventory))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 imported hosts, got %d", n)
	}

	inv, err := reg.Inventory(ctx)
	if err != nil {
		t.Fatalf("Inventory() error = %v", err)
	}
	if got := Names(inv.Hosts()); !reflect.DeepEqual(got, []string{"controller", "db1", "web1", "web2"}) {
		t.Errorf("unexpected hosts %v", got)
	}
	if got := inv.Group("web"); !reflect.DeepEqual(got, []string{"web1", "web2"}) {
		t.Errorf("groups not restored: %v", got)
	}
	ctl, _ := inv.Host("controller")
	if !ctl.IsLocal() {
		t.Error("connection type not restored")
	}
}
