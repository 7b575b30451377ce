package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the milestone an Event records.
type Kind string

// Event kinds.
const (
	KindRunStart   Kind = "RUN_START"
	KindRunDone    Kind = "RUN_DONE"
	KindRunError   Kind = "RUN_ERROR"
	KindTaskDone   Kind = "TASK_DONE"
	KindTaskFailed Kind = "TASK_FAILED"
	KindStageDone  Kind = "STAGE_DONE"
)

// Event is one progress milestone of a harvest run.
type Event struct {
	RunID [16]byte
	TS    time.Time
	Kind  Kind
	// Stage is posts, comments or profiles. Empty for run-level events.
	Stage string
	// Target is the task key: a group slug, owner_post pair or user id.
	Target string
	// Items counts entities a task produced, or a stage's total on STAGE_DONE.
	Items int64
	Dur   time.Duration
	// Note carries error text for failures.
	Note string
}

// Validate rejects malformed events before they are queued.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindRunStart, KindRunDone, KindRunError:
	case KindTaskDone, KindTaskFailed:
		if e.Stage == "" || e.Target == "" {
			return fmt.Errorf("%s requires stage and target", e.Kind)
		}
	case KindStageDone:
		if e.Stage == "" {
			return errors.New("stage done requires stage")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Items < 0 {
		return errors.New("items must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID returns the run id in uuid form.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes converts a uuid into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	return [16]byte(id)
}
