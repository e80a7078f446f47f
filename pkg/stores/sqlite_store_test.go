package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
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

	return store
}

func createTestPlay(t *testing.T, store *SQLiteStore, id string, started time.Time) *Play {
	t.Helper()

	play := &Play{
		ID:        id,
		Name:      "deploy web",
		PlayPath:  "/plays/web.yaml",
		Strategy:  "linear",
		Status:    PlayStatusRunning,
		HostCount: 3,
		StartedAt: started,
	}
	if err := store.CreatePlay(context.Background(), play); err != nil {
		t.Fatalf("failed to create play: %v", err)
	}
	return play
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"plays", "task_results", "events", "facts", "audit"}
	for _, table := range tables {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second run is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestPlayLifecycle(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	play := createTestPlay(t, store, "play-001", now)

	got, err := store.GetPlay(ctx, play.ID)
	if err != nil {
		t.Fatalf("failed to get play: %v", err)
	}
	if got.Status != PlayStatusRunning {
		t.Errorf("expected status running, got %s", got.Status)
	}
	if got.Failed != "[]" || got.Unreachable != "[]" {
		t.Errorf("expected empty host lists, got %s / %s", got.Failed, got.Unreachable)
	}
	if got.CompletedAt != nil {
		t.Errorf("expected no completion time, got %v", got.CompletedAt)
	}

	msg := "2 hosts failed"
	play.Status = PlayStatusHostsFailed
	play.RunStatus = 2
	play.Failed = `["web1","web2"]`
	play.Error = &msg
	if err := store.FinishPlay(ctx, play); err != nil {
		t.Fatalf("failed to finish play: %v", err)
	}

	got, err = store.GetPlay(ctx, play.ID)
	if err != nil {
		t.Fatalf("failed to get play: %v", err)
	}
	if got.Status != PlayStatusHostsFailed {
		t.Errorf("expected status hosts_failed, got %s", got.Status)
	}
	if got.RunStatus != 2 {
		t.Errorf("expected run status 2, got %d", got.RunStatus)
	}
	if got.Failed != `["web1","web2"]` {
		t.Errorf("unexpected failed hosts %s", got.Failed)
	}
	if got.CompletedAt == nil {
		t.Error("expected completion time to be set")
	}
	if got.Error == nil || *got.Error != msg {
		t.Errorf("expected error %q, got %v", msg, got.Error)
	}
}

func TestPlayNotFound(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if _, err := store.GetPlay(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	err := store.FinishPlay(ctx, &Play{ID: "missing", Status: PlayStatusOK, Failed: "[]", Unreachable: "[]"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListPlays(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	createTestPlay(t, store, "play-a", base)
	createTestPlay(t, store, "play-b", base.Add(10*time.Minute))
	createTestPlay(t, store, "play-c", base.Add(20*time.Minute))

	plays, err := store.ListPlays(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list plays: %v", err)
	}
	if len(plays) != 3 {
		t.Fatalf("expected 3 plays, got %d", len(plays))
	}
	if plays[0].ID != "play-c" || plays[2].ID != "play-a" {
		t.Errorf("expected newest first, got %s..%s", plays[0].ID, plays[2].ID)
	}

	page, err := store.ListPlays(ctx, 1, 1)
	if err != nil {
		t.Fatalf("failed to list plays: %v", err)
	}
	if len(page) != 1 || page[0].ID != "play-b" {
		t.Errorf("expected play-b on page 2, got %+v", page)
	}
}

func TestTaskResults(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	play := createTestPlay(t, store, "play-tr", now)

	errMsg := "exit status 1"
	results := []*TaskResult{
		{PlayID: play.ID, Host: "web1", TaskID: "t1", TaskName: "install", Module: "command", Status: "changed", Round: 1, StartedAt: now},
		{PlayID: play.ID, Host: "web2", TaskID: "t1", TaskName: "install", Module: "command", Status: "failed", Error: &errMsg, Round: 1, StartedAt: now},
		{PlayID: play.ID, Host: "web1", TaskID: "t2", TaskName: "restart", Module: "command", Status: "ok", DurationMS: 42, Round: 2, StartedAt: now},
	}

	if err := store.AppendTaskResults(ctx, results); err != nil {
		t.Fatalf("failed to append task results: %v", err)
	}
	for i, r := range results {
		if r.ID == 0 {
			t.Errorf("result %d: expected ID to be assigned", i)
		}
	}

	// Empty batches are accepted
	if err := store.AppendTaskResults(ctx, nil); err != nil {
		t.Fatalf("empty append failed: %v", err)
	}

	all, err := store.ListTaskResults(ctx, play.ID, nil)
	if err != nil {
		t.Fatalf("failed to list task results: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 results, got %d", len(all))
	}
	if all[1].Error == nil || *all[1].Error != errMsg {
		t.Errorf("expected error %q on second result, got %v", errMsg, all[1].Error)
	}

	host := "web1"
	web1, err := store.ListTaskResults(ctx, play.ID, &host)
	if err != nil {
		t.Fatalf("failed to list task results: %v", err)
	}
	if len(web1) != 2 {
		t.Fatalf("expected 2 results for web1, got %d", len(web1))
	}
	if web1[0].TaskID != "t1" || web1[1].TaskID != "t2" {
		t.Errorf("expected insertion order, got %s, %s", web1[0].TaskID, web1[1].TaskID)
	}
	if web1[1].DurationMS != 42 {
		t.Errorf("expected duration 42, got %d", web1[1].DurationMS)
	}
}

func TestTaskResultsRequirePlay(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	err := store.AppendTaskResults(ctx, []*TaskResult{
		{PlayID: "no-such-play", Host: "web1", TaskID: "t1", TaskName: "x", Status: "ok", StartedAt: time.Now()},
	})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}

	// Nothing from the failed batch is visible
	results, err := store.ListTaskResults(ctx, "no-such-play", nil)
	if err != nil {
		t.Fatalf("failed to list task results: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected rolled back batch, got %d results", len(results))
	}
}

func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	play := createTestPlay(t, store, "play-cascade", time.Now())

	if err := store.AppendTaskResults(ctx, []*TaskResult{
		{PlayID: play.ID, Host: "web1", TaskID: "t1", TaskName: "x", Status: "ok", StartedAt: time.Now()},
	}); err != nil {
		t.Fatalf("failed to append task results: %v", err)
	}

	if _, err := store.db.ExecContext(ctx, "DELETE FROM plays WHERE id = ?", play.ID); err != nil {
		t.Fatalf("failed to delete play: %v", err)
	}

	results, err := store.ListTaskResults(ctx, play.ID, nil)
	if err != nil {
		t.Fatalf("failed to list task results: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected 0 results after cascade delete, got %d", len(results))
	}
}

func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	playID := "play-ev"
	otherPlay := "play-other"
	host := "web1"
	details := `{"round":3}`

	events := []*Event{
		{PlayID: &playID, Type: "play_started", Level: EventLevelInfo, Message: "play started", Timestamp: now},
		{PlayID: &playID, Host: &host, Type: "task_failed", Level: EventLevelError, Message: "task failed", Details: &details, Timestamp: now},
		{PlayID: &otherPlay, Type: "play_started", Level: EventLevelInfo, Message: "other play", Timestamp: now},
		{Type: "warning", Level: EventLevelWarning, Message: "global warning", Timestamp: now},
	}
	for _, ev := range events {
		if err := store.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if ev.ID == 0 {
			t.Error("expected event ID to be assigned")
		}
	}

	byPlay, err := store.GetEvents(ctx, &playID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(byPlay) != 2 {
		t.Fatalf("expected 2 events for play, got %d", len(byPlay))
	}
	if byPlay[1].Host == nil || *byPlay[1].Host != host {
		t.Errorf("expected host %s on second event, got %v", host, byPlay[1].Host)
	}
	if byPlay[1].Details == nil || *byPlay[1].Details != details {
		t.Errorf("expected details %s, got %v", details, byPlay[1].Details)
	}

	level := EventLevelError
	errs, err := store.GetEvents(ctx, nil, &level, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(errs) != 1 || errs[0].Type != "task_failed" {
		t.Errorf("expected one task_failed event, got %+v", errs)
	}

	all, err := store.GetEvents(ctx, nil, nil, 2, 2)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(all) != 2 || all[0].Message != "other play" {
		t.Errorf("unexpected page %+v", all)
	}
}

// TestFactOperations tests Fact operations
func TestFactOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	// Upsert fact without expiry
	fact1 := &Fact{
		ID:        "fact-001",
		TargetID:  "web1",
		Namespace: "os.basic",
		Key:       "os_family",
		Value:     `"linux"`,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.UpsertFact(ctx, fact1); err != nil {
		t.Fatalf("failed to upsert fact: %v", err)
	}

	// TTL without an explicit expiry gets one computed
	fact2 := &Fact{
		ID:        "fact-002",
		TargetID:  "web1",
		Namespace: "hw.cpu",
		Key:       "cpu_count",
		Value:     `4`,
		TTL:       3600,
	}
	if err := store.UpsertFact(ctx, fact2); err != nil {
		t.Fatalf("failed to upsert fact with TTL: %v", err)
	}
	if fact2.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be computed from TTL")
	}

	// Upsert expired fact
	expiredAt := now.Add(-1 * time.Hour)
	fact3 := &Fact{
		ID:        "fact-003",
		TargetID:  "web1",
		Namespace: "net.ifaces",
		Key:       "interface_count",
		Value:     `2`,
		TTL:       3600,
		ExpiresAt: &expiredAt,
		CreatedAt: now.Add(-2 * time.Hour),
		UpdatedAt: now.Add(-2 * time.Hour),
	}
	if err := store.UpsertFact(ctx, fact3); err != nil {
		t.Fatalf("failed to upsert expired fact: %v", err)
	}

	retrieved, err := store.GetFact(ctx, fact1.TargetID, fact1.Namespace, fact1.Key)
	if err != nil {
		t.Fatalf("failed to get fact: %v", err)
	}
	if retrieved.Value != fact1.Value {
		t.Errorf("expected Value %s, got %s", fact1.Value, retrieved.Value)
	}

	// Expired facts are hidden
	if _, err := store.GetFact(ctx, fact3.TargetID, fact3.Namespace, fact3.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for expired fact, got %v", err)
	}

	targetID := "web1"
	facts, err := store.ListFacts(ctx, &targetID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list facts: %v", err)
	}
	if len(facts) != 2 {
		t.Errorf("expected 2 non-expired facts, got %d", len(facts))
	}

	// Upsert on the same key replaces the value
	update := &Fact{ID: "fact-001b", TargetID: "web1", Namespace: "os.basic", Key: "os_family", Value: `"bsd"`}
	if err := store.UpsertFact(ctx, update); err != nil {
		t.Fatalf("failed to update fact: %v", err)
	}
	retrieved, err = store.GetFact(ctx, "web1", "os.basic", "os_family")
	if err != nil {
		t.Fatalf("failed to get fact: %v", err)
	}
	if retrieved.Value != `"bsd"` || retrieved.ID != fact1.ID {
		t.Errorf("expected updated value under original ID, got %s (%s)", retrieved.Value, retrieved.ID)
	}

	deleted, err := store.DeleteExpiredFacts(ctx)
	if err != nil {
		t.Fatalf("failed to delete expired facts: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 expired fact deleted, got %d", deleted)
	}

	if err := store.DeleteFact(ctx, fact1.ID); err != nil {
		t.Fatalf("failed to delete fact: %v", err)
	}
	if err := store.DeleteFact(ctx, fact1.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}

	n, err := store.DeleteFactsForTarget(ctx, "web1")
	if err != nil {
		t.Fatalf("failed to delete facts for target: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 remaining fact deleted, got %d", n)
	}
}

// TestAuditOperations tests Audit operations
func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	target := "web1"

	entries := []*AuditEntry{
		{Action: "host.added", Actor: "alice", TargetID: &target},
		{Action: "play.started", Actor: "system"},
		{Action: "host.removed", Actor: "alice", TargetID: &target},
	}
	for _, entry := range entries {
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if entry.Timestamp.IsZero() {
			t.Error("expected timestamp to be set")
		}
	}

	actor := "alice"
	byActor, err := store.ListAuditEntries(ctx, nil, &actor, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(byActor) != 2 {
		t.Fatalf("expected 2 entries for alice, got %d", len(byActor))
	}
	if byActor[0].Action != "host.removed" {
		t.Errorf("expected newest first, got %s", byActor[0].Action)
	}

	action := "play.started"
	byAction, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(byAction) != 1 || byAction[0].Actor != "system" {
		t.Errorf("unexpected entries %+v", byAction)
	}
}

func TestBackup(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	createTestPlay(t, store, "play-backup", time.Now())

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := store.Backup(ctx, dest); err != nil {
		t.Fatalf("backup failed: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	restored, err := NewSQLiteStore(Config{Path: dest})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := restored.Init(ctx); err != nil {
		t.Fatalf("failed to open backup: %v", err)
	}
	defer restored.Close()

	if _, err := restored.GetPlay(ctx, "play-backup"); err != nil {
		t.Errorf("expected play in backup: %v", err)
	}

	if err := store.Backup(ctx, ""); err == nil {
		t.Error("expected error for empty destination")
	}
}
