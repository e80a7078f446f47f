package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const sqliteTimeFormat = "2006-01-02 15:04:05"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every pooled connection to :memory: would get its own database
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and applies connection pragmas.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path
	if !isMemory(s.path) {
		dsn = "file:" + s.path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	if strings.Contains(dsn, "?") {
		dsn += "&"
	} else {
		dsn += "?"
	}
	dsn += "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreatePlay records the start of a play
func (s *SQLiteStore) CreatePlay(ctx context.Context, play *Play) error {
	now := time.Now().UTC()
	if play.CreatedAt.IsZero() {
		play.CreatedAt = now
	}
	play.UpdatedAt = now
	if play.Failed == "" {
		play.Failed = "[]"
	}
	if play.Unreachable == "" {
		play.Unreachable = "[]"
	}

	query := `
		INSERT INTO plays (
			id, name, play_path, strategy, status, run_status, host_count, failed, unreachable,
			check_mode, started_at, completed_at, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		play.ID,
		play.Name,
		play.PlayPath,
		play.Strategy,
		play.Status,
		play.RunStatus,
		play.HostCount,
		play.Failed,
		play.Unreachable,
		play.CheckMode,
		play.StartedAt.UTC(),
		play.CompletedAt,
		play.Error,
		play.CreatedAt,
		play.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create play: %w", err)
	}

	return nil
}

// FinishPlay stores the final status of a play
func (s *SQLiteStore) FinishPlay(ctx context.Context, play *Play) error {
	query := `
		UPDATE plays
		SET status = ?, run_status = ?, failed = ?, unreachable = ?, completed_at = ?, error = ?, updated_at = ?
		WHERE id = ?
	`

	completed := time.Now().UTC()
	if play.CompletedAt == nil {
		play.CompletedAt = &completed
	}
	play.UpdatedAt = completed

	result, err := s.db.ExecContext(ctx, query,
		play.Status,
		play.RunStatus,
		play.Failed,
		play.Unreachable,
		play.CompletedAt.UTC(),
		play.Error,
		play.UpdatedAt,
		play.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish play: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("play %s: %w", play.ID, ErrNotFound)
	}

	return nil
}

const playColumns = `id, name, play_path, strategy, status, run_status, host_count, failed, unreachable,
	check_mode, started_at, completed_at, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlay(row rowScanner) (*Play, error) {
	play := &Play{}
	err := row.Scan(
		&play.ID,
		&play.Name,
		&play.PlayPath,
		&play.Strategy,
		&play.Status,
		&play.RunStatus,
		&play.HostCount,
		&play.Failed,
		&play.Unreachable,
		&play.CheckMode,
		&play.StartedAt,
		&play.CompletedAt,
		&play.Error,
		&play.CreatedAt,
		&play.UpdatedAt,
	)
	return play, err
}

// GetPlay retrieves a play by ID
func (s *SQLiteStore) GetPlay(ctx context.Context, id string) (*Play, error) {
	query := `SELECT ` + playColumns + ` FROM plays WHERE id = ?`

	play, err := scanPlay(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("play %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get play: %w", err)
	}

	return play, nil
}

// ListPlays lists plays, most recent first
func (s *SQLiteStore) ListPlays(ctx context.Context, limit, offset int) ([]*Play, error) {
	query := `SELECT ` + playColumns + ` FROM plays ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list plays: %w", err)
	}
	defer rows.Close()

	plays := []*Play{}
	for rows.Next() {
		play, err := scanPlay(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan play: %w", err)
		}
		plays = append(plays, play)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plays: %w", err)
	}

	return plays, nil
}

// AppendTaskResults inserts a batch of task results in one transaction
func (s *SQLiteStore) AppendTaskResults(ctx context.Context, results []*TaskResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO task_results (
			play_id, host, task_id, task_name, module, status, output, error, duration_ms, round, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare task result insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		res, err := stmt.ExecContext(ctx,
			r.PlayID,
			r.Host,
			r.TaskID,
			r.TaskName,
			r.Module,
			r.Status,
			r.Output,
			r.Error,
			r.DurationMS,
			r.Round,
			r.StartedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to append task result: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			r.ID = id
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task results: %w", err)
	}
	return nil
}

// ListTaskResults lists the results of a play in insertion order
func (s *SQLiteStore) ListTaskResults(ctx context.Context, playID string, host *string) ([]*TaskResult, error) {
	query := `
		SELECT id, play_id, host, task_id, task_name, module, status, output, error, duration_ms, round, started_at
		FROM task_results
		WHERE play_id = ?
		  AND (? IS NULL OR host = ?)
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, playID, host, host)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()

	results := []*TaskResult{}
	for rows.Next() {
		r := &TaskResult{}
		err := rows.Scan(
			&r.ID,
			&r.PlayID,
			&r.Host,
			&r.TaskID,
			&r.TaskName,
			&r.Module,
			&r.Status,
			&r.Output,
			&r.Error,
			&r.DurationMS,
			&r.Round,
			&r.StartedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task results: %w", err)
	}

	return results, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (play_id, host, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.PlayID,
		event.Host,
		event.Type,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, playID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, play_id, host, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR play_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, playID, playID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.PlayID,
			&event.Host,
			&event.Type,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// UpsertFact inserts or updates a fact
func (s *SQLiteStore) UpsertFact(ctx context.Context, fact *Fact) error {
	query := `
		INSERT INTO facts (
			id, target_id, namespace, key, value, ttl, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(target_id, namespace, key) DO UPDATE SET
			value = excluded.value,
			ttl = excluded.ttl,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	now := time.Now()
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}
	if fact.UpdatedAt.IsZero() {
		fact.UpdatedAt = now
	}
	if fact.TTL > 0 && fact.ExpiresAt == nil {
		expires := fact.UpdatedAt.Add(time.Duration(fact.TTL) * time.Second)
		fact.ExpiresAt = &expires
	}

	var expiresAtStr *string
	if fact.ExpiresAt != nil {
		formatted := fact.ExpiresAt.UTC().Format(sqliteTimeFormat)
		expiresAtStr = &formatted
	}

	_, err := s.db.ExecContext(ctx, query,
		fact.ID,
		fact.TargetID,
		fact.Namespace,
		fact.Key,
		fact.Value,
		fact.TTL,
		expiresAtStr,
		fact.CreatedAt.UTC().Format(sqliteTimeFormat),
		fact.UpdatedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}

	return nil
}

// GetFact retrieves an unexpired fact by target, namespace, and key
func (s *SQLiteStore) GetFact(ctx context.Context, targetID, namespace, key string) (*Fact, error) {
	query := `
		SELECT id, target_id, namespace, key, value, ttl, expires_at, created_at, updated_at
		FROM facts
		WHERE target_id = ? AND namespace = ? AND key = ?
		  AND (expires_at IS NULL OR datetime(expires_at) > datetime('now'))
	`

	fact := &Fact{}
	err := s.db.QueryRowContext(ctx, query, targetID, namespace, key).Scan(
		&fact.ID,
		&fact.TargetID,
		&fact.Namespace,
		&fact.Key,
		&fact.Value,
		&fact.TTL,
		&fact.ExpiresAt,
		&fact.CreatedAt,
		&fact.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %s/%s/%s: %w", targetID, namespace, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}

	return fact, nil
}

// ListFacts lists unexpired facts with optional filters and pagination
func (s *SQLiteStore) ListFacts(ctx context.Context, targetID *string, namespace *string, limit, offset int) ([]*Fact, error) {
	query := `
		SELECT id, target_id, namespace, key, value, ttl, expires_at, created_at, updated_at
		FROM facts
		WHERE (? IS NULL OR target_id = ?)
		  AND (? IS NULL OR namespace = ?)
		  AND (expires_at IS NULL OR datetime(expires_at) > datetime('now'))
		ORDER BY target_id, namespace, key
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, targetID, targetID, namespace, namespace, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	facts := []*Fact{}
	for rows.Next() {
		fact := &Fact{}
		err := rows.Scan(
			&fact.ID,
			&fact.TargetID,
			&fact.Namespace,
			&fact.Key,
			&fact.Value,
			&fact.TTL,
			&fact.ExpiresAt,
			&fact.CreatedAt,
			&fact.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, fact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating facts: %w", err)
	}

	return facts, nil
}

// DeleteExpiredFacts deletes all expired facts
func (s *SQLiteStore) DeleteExpiredFacts(ctx context.Context) (int64, error) {
	query := `DELETE FROM facts WHERE expires_at IS NOT NULL AND datetime(expires_at) <= datetime('now')`

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired facts: %w", err)
	}

	return result.RowsAffected()
}

// DeleteFact deletes a fact by ID
func (s *SQLiteStore) DeleteFact(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete fact: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("fact %s: %w", id, ErrNotFound)
	}

	return nil
}

// DeleteFactsForTarget deletes every fact of a host
func (s *SQLiteStore) DeleteFactsForTarget(ctx context.Context, targetID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE target_id = ?`, targetID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete facts for %s: %w", targetID, err)
	}
	return result.RowsAffected()
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// Backup writes a consistent copy of the database to dest.
func (s *SQLiteStore) Backup(ctx context.Context, dest string) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if dest == "" {
		return fmt.Errorf("backup destination is required")
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("failed to back up database: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
