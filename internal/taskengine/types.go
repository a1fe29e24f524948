// Package taskengine implements the lane-partitioned Task Execution Engine:
// crash-safe per-task JSON persistence (TaskStore), lane queues with
// concurrency caps (TaskQueue), a periodic timeout scanner (TimeoutMonitor),
// and a sequential/DAG phase runner for subagent tasks (PhaseExecutor).
package taskengine

import "time"

// Lane names a task queue partition with its own concurrency cap.
type Lane string

const (
	LaneMain        Lane = "main"
	LaneAutonomous  Lane = "autonomous"
	LaneMaintenance Lane = "maintenance"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether a status ends a task's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Retries tracks a task's attempt/backoff bookkeeping.
type Retries struct {
	Attempted   int        `json:"attempted"`
	MaxAttempts int        `json:"maxAttempts"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	BackoffMs   int        `json:"backoffMs,omitempty"`
}

// Metadata carries free-form task context.
type Metadata struct {
	Channel  string   `json:"channel,omitempty"`
	Priority int      `json:"priority,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Task is the full persisted record for one unit of work.
type Task struct {
	ID                 string     `json:"id"`
	ParentID           string     `json:"parentId,omitempty"`
	Description        string     `json:"description"`
	SessionKey         string     `json:"sessionKey"`
	Lane               Lane       `json:"lane"`
	Status             Status     `json:"status"`
	Retries            Retries    `json:"retries"`
	TimeoutMs          int        `json:"timeoutMs"`
	CreatedAt          time.Time  `json:"createdAt"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	EndedAt            *time.Time `json:"endedAt,omitempty"`
	Error              string     `json:"error,omitempty"`
	Result             any        `json:"result,omitempty"`
	Metadata           Metadata   `json:"metadata"`
	SubagentSessionKey string     `json:"subagentSessionKey,omitempty"`

	WarningEmitted bool `json:"warningEmitted,omitempty"`
}

// Clone returns a deep-enough copy for safe concurrent reads (result is
// shared by reference since it is typically immutable after being set).
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		c.EndedAt = &v
	}
	if t.Retries.NextRetryAt != nil {
		v := *t.Retries.NextRetryAt
		c.Retries.NextRetryAt = &v
	}
	c.Metadata.Tags = append([]string(nil), t.Metadata.Tags...)
	return &c
}
