package runner

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/openfroyo/fleetplay/pkg/engine"
	"github.com/openfroyo/fleetplay/pkg/stores"
	"github.com/rs/zerolog"
)

// recorder persists one play's events and task results. It runs as a
// publisher subscriber, so calls arrive one at a time in event order.
type recorder struct {
	ctx    context.Context
	store  Store
	playID string
	logger zerolog.Logger

	mu      sync.Mutex
	results int
	errors  int
}

func newRecorder(ctx context.Context, store Store, playID string, logger zerolog.Logger) *recorder {
	return &recorder{
		ctx:    context.WithoutCancel(ctx),
		store:  store,
		playID: playID,
		logger: logger.With().Str("component", "recorder").Logger(),
	}
}

// record is the publisher subscriber.
func (r *recorder) record(ev engine.Event) {
	if err := r.store.AppendEvent(r.ctx, r.event(ev)); err != nil {
		r.fail(err, "Failed to persist event")
	}

	if ev.Result == nil || ev.Result.IsMeta || ev.Host == "" {
		return
	}
	if err := r.store.AppendTaskResults(r.ctx, []*stores.TaskResult{r.taskResult(ev)}); err != nil {
		r.fail(err, "Failed to persist task result")
		return
	}
	r.mu.Lock()
	r.results++
	r.mu.Unlock()
}

func (r *recorder) fail(err error, msg string) {
	r.mu.Lock()
	r.errors++
	r.mu.Unlock()
	r.logger.Warn().Err(err).Str("play_id", r.playID).Msg(msg)
}

// counts returns the persisted results and the persistence failures.
func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results, r.errors
}

type eventDetails struct {
	TaskID   string `json:"task_id,omitempty"`
	TaskName string `json:"task_name,omitempty"`
	Module   string `json:"module,omitempty"`
	Round    int    `json:"round"`
	Status   string `json:"status,omitempty"`
	EventID  string `json:"event_id"`
}

func (r *recorder) event(ev engine.Event) *stores.Event {
	details := eventDetails{
		TaskID:   ev.TaskID,
		TaskName: ev.TaskName,
		Module:   ev.Module,
		Round:    ev.Round,
		EventID:  ev.ID,
	}
	if ev.Result != nil {
		details.Status = ev.Result.Status()
	}

	out := &stores.Event{
		PlayID:    &r.playID,
		Type:      string(ev.Type),
		Level:     stores.EventLevel(ev.Level),
		Message:   ev.Message,
		Timestamp: ev.Timestamp,
	}
	if ev.Host != "" {
		host := ev.Host
		out.Host = &host
	}
	if data, err := json.Marshal(details); err == nil {
		s := string(data)
		out.Details = &s
	}
	return out
}

func (r *recorder) taskResult(ev engine.Event) *stores.TaskResult {
	res := ev.Result
	out := &stores.TaskResult{
		PlayID:     r.playID,
		Host:       ev.Host,
		TaskID:     ev.TaskID,
		TaskName:   ev.TaskName,
		Module:     ev.Module,
		Status:     res.Status(),
		Output:     res.Output,
		DurationMS: res.Duration.Milliseconds(),
		Round:      ev.Round,
		StartedAt:  res.StartedAt,
	}
	if res.Err != nil {
		msg := res.Err.Error()
		out.Error = &msg
	}
	return out
}
