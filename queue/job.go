// Package queue is the durable priority job queue: ten Redis-backed
// priority bands, a delayed-job scheduled set, per-job retries with
// exponential backoff, a capped dead-letter list, and a synchronous
// in-process fallback when Redis is unavailable.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job types the orchestrator enqueues.
const (
	TypeFileProcess  = "file_process"
	TypePatientMatch = "patient_match"
	TypeFolderIndex  = "folder_index"
	TypeBatchImport  = "batch_import"
)

// Status is the job lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDelayed    Status = "delayed"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Priorities are 1 (highest) through 10 (lowest).
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Execution defaults.
const (
	DefaultRetries     = 3
	DefaultTimeout     = time.Minute
	DefaultConcurrency = 3
)

// Attempt is one execution of a job.
type Attempt struct {
	StartedAt time.Time `json:"startedAt"`
	Error     string    `json:"error,omitempty"`
}

// Job is the persisted queue record.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	Priority     int             `json:"priority"`
	Retries      int             `json:"retries"`
	RetriesLeft  int             `json:"retriesLeft"`
	TimeoutMs    int64           `json:"timeoutMs"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	ScheduledFor *time.Time      `json:"scheduledFor,omitempty"`
	Attempts     []Attempt       `json:"attempts,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	FailedAt     *time.Time      `json:"failedAt,omitempty"`
	Result       any             `json:"result,omitempty"`
}

// DecodeData unmarshals the job payload into |v|.
func (j *Job) DecodeData(v any) error {
	if len(j.Data) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	if err := json.Unmarshal(j.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", j.Type, err)
	}
	return nil
}

// retryDelay is the backoff before the next attempt, computed before
// RetriesLeft is decremented: 1s, 2s, 4s, ... for the default budget.
func (j *Job) retryDelay() time.Duration {
	var exp = j.Retries - j.RetriesLeft
	if exp < 0 {
		exp = 0
	} else if exp > 20 {
		exp = 20
	}
	return time.Second << exp
}

// newJobID builds the device-local unique ID: type, epoch millis, and
// a random suffix to break same-millisecond collisions.
func newJobID(jobType string) string {
	return fmt.Sprintf("%s_%d_%s", jobType, time.Now().UnixMilli(), uuid.NewString()[:8])
}
