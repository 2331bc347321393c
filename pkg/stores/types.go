package stores

import (
	"context"
	"time"

	"github.com/hostforge/hostforge/pkg/engine"
)

// Store persists run history, the append-only checkpoint log and the
// event trail. It is a superset of the engine's CheckpointStore: the
// runner only appends, the CLI also reads history back.
type Store interface {
	engine.CheckpointStore

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*engine.Run, error)

	// LatestRun returns the most recently started run, or nil when the
	// history is empty.
	LatestRun(ctx context.Context) (*engine.Run, error)

	// ListRuns lists runs newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error)

	// AppendEvent records a run lifecycle event.
	AppendEvent(ctx context.Context, event *Event) error

	// ListEvents lists a run's events in insertion order.
	ListEvents(ctx context.Context, runID string) ([]*Event, error)

	// Close releases the underlying database.
	Close() error
}

// Event is a timestamped run lifecycle entry, finer grained than the
// checkpoint log: probes, applies, rollbacks and policy decisions all
// land here.
type Event struct {
	// ID is the auto-assigned event sequence number.
	ID int64 `json:"id"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// StepID is the related step, if any.
	StepID string `json:"step_id,omitempty"`

	// Type names the event (e.g., "step.probed", "step.applied").
	Type string `json:"type"`

	// Message is the human-readable description.
	Message string `json:"message"`

	// CreatedAt is when the event was recorded.
	CreatedAt time.Time `json:"created_at"`
}
