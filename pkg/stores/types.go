package stores

import (
	"context"
	"time"
)

// PlayStatus represents the lifecycle status of a recorded play
type PlayStatus string

const (
	PlayStatusRunning     PlayStatus = "running"
	PlayStatusOK          PlayStatus = "ok"
	PlayStatusHostsFailed PlayStatus = "hosts_failed"
	PlayStatusAborted     PlayStatus = "aborted"
	PlayStatusDenied      PlayStatus = "denied"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Play is one recorded execution of a play file
type Play struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	PlayPath    string     `json:"play_path"`
	Strategy    string     `json:"strategy"`
	Status      PlayStatus `json:"status"`
	RunStatus   int        `json:"run_status"` // engine.RunStatus bits
	HostCount   int        `json:"host_count"`
	Failed      string     `json:"failed"`      // JSON array of host names
	Unreachable string     `json:"unreachable"` // JSON array of host names
	CheckMode   bool       `json:"check_mode"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskResult is the persisted outcome of one task on one host
type TaskResult struct {
	ID         int64     `json:"id"`
	PlayID     string    `json:"play_id"`
	Host       string    `json:"host"`
	TaskID     string    `json:"task_id"`
	TaskName   string    `json:"task_name"`
	Module     string    `json:"module"`
	Status     string    `json:"status"` // ok, changed, failed, unreachable, skipped
	Output     string    `json:"output"`
	Error      *string   `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Round      int       `json:"round"`
	StartedAt  time.Time `json:"started_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	PlayID    *string    `json:"play_id,omitempty"`
	Host      *string    `json:"host,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Fact represents discovered facts about managed hosts
type Fact struct {
	ID        string     `json:"id"`
	TargetID  string     `json:"target_id"` // host name
	Namespace string     `json:"namespace"` // e.g., "os.basic", "hw.cpu", "host.metadata"
	Key       string     `json:"key"`
	Value     string     `json:"value"` // JSON blob
	TTL       int        `json:"ttl"`   // seconds, 0 = no expiry
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "play.started", "host.added", "store.restored"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // play id, host name
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Play operations
	CreatePlay(ctx context.Context, play *Play) error
	GetPlay(ctx context.Context, id string) (*Play, error)
	FinishPlay(ctx context.Context, play *Play) error
	ListPlays(ctx context.Context, limit, offset int) ([]*Play, error)

	// Task result operations
	AppendTaskResults(ctx context.Context, results []*TaskResult) error
	ListTaskResults(ctx context.Context, playID string, host *string) ([]*TaskResult, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, playID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Facts operations
	UpsertFact(ctx context.Context, fact *Fact) error
	GetFact(ctx context.Context, targetID, namespace, key string) (*Fact, error)
	ListFacts(ctx context.Context, targetID *string, namespace *string, limit, offset int) ([]*Fact, error)
	DeleteExpiredFacts(ctx context.Context) (int64, error)
	DeleteFact(ctx context.Context, id string) error
	DeleteFactsForTarget(ctx context.Context, targetID string) (int64, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	Backup(ctx context.Context, dest string) error
	HealthCheck(ctx context.Context) error
}
