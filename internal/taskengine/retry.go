package taskengine

import (
	"time"

	"github.com/adamtash/ant-sub002/internal/bus"
)

// retryEvent is the payload for TopicTaskRetryScheduled.
type retryEvent struct {
	TaskID      string
	Attempt     int
	NextRetryAt time.Time
	BackoffMs   int
}

// BackoffPolicy controls a task's retry schedule.
type BackoffPolicy struct {
	InitialMs  int
	Multiplier float64
	CapMs      int
}

// DefaultBackoffPolicy mirrors scenario 3's literal schedule: 1000ms doubling, capped at 60s.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{InitialMs: 1000, Multiplier: 2, CapMs: 60000}
}

func (b BackoffPolicy) delayForAttempt(attempt int) int {
	delay := float64(b.InitialMs)
	for i := 1; i < attempt; i++ {
		delay *= b.Multiplier
	}
	if int(delay) > b.CapMs {
		return b.CapMs
	}
	return int(delay)
}

// HandleFailure records one failed run of a task: if attempts remain, it
// transitions to retrying with an exponential backoff and emits
// task_retry_scheduled; otherwise it transitions to terminal failed.
func (q *Queue) HandleFailure(task *Task, policy BackoffPolicy, errMsg string) (*Task, error) {
	attempt := task.Retries.Attempted + 1
	terminal := attempt >= task.Retries.MaxAttempts

	updated, err := q.store.Update(task.ID, func(t *Task) {
		t.Retries.Attempted = attempt
		t.Error = errMsg
		if terminal {
			t.Status = StatusFailed
			now := time.Now()
			t.EndedAt = &now
			return
		}
		delayMs := policy.delayForAttempt(attempt)
		next := time.Now().Add(time.Duration(delayMs) * time.Millisecond)
		t.Status = StatusRetrying
		t.Retries.NextRetryAt = &next
		t.Retries.BackoffMs = delayMs
	})
	if err != nil {
		return nil, err
	}

	if q.bus != nil {
		if terminal {
			q.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: task.ID, NewStatus: string(StatusFailed)})
		} else {
			q.bus.Publish(bus.TopicTaskRetryScheduled, retryEvent{
				TaskID: task.ID, Attempt: attempt,
				NextRetryAt: *updated.Retries.NextRetryAt, BackoffMs: updated.Retries.BackoffMs,
			})
		}
	}
	if terminal {
		q.NotifyCompletion(task.ID)
		recordTaskOutcome(q.metrics, updated)
	}
	return updated, nil
}

// HandleSuccess transitions a task to succeeded, records its result, and
// wakes any WaitForCompletion callers.
func (q *Queue) HandleSuccess(taskID string, result any) (*Task, error) {
	updated, err := q.store.Update(taskID, func(t *Task) {
		t.Status = StatusSucceeded
		t.Result = result
		now := time.Now()
		t.EndedAt = &now
	})
	if err != nil {
		return nil, err
	}
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskSucceeded, bus.TaskStateChangedEvent{TaskID: taskID, NewStatus: string(StatusSucceeded)})
	}
	q.NotifyCompletion(taskID)
	recordTaskOutcome(q.metrics, updated)
	return updated, nil
}
