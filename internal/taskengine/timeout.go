package taskengine

import (
	"context"
	"sync"
	"time"

	"github.com/adamtash/ant-sub002/internal/bus"
)

// TimeoutMonitor periodically scans active tasks, emitting a warning event
// once per task as the deadline approaches, and failing the task with
// reason timed_out once it has elapsed.
type TimeoutMonitor struct {
	store    *Store
	queue    *Queue
	bus      *bus.Bus
	interval time.Duration
	warnAt   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTimeoutMonitor constructs a monitor with the given scan interval
// (default 1s) and warning threshold (time remaining at which to warn once).
func NewTimeoutMonitor(store *Store, queue *Queue, b *bus.Bus, interval, warnAt time.Duration) *TimeoutMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &TimeoutMonitor{store: store, queue: queue, bus: b, interval: interval, warnAt: warnAt}
}

// Start begins the scan loop in a background goroutine.
func (m *TimeoutMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (m *TimeoutMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *TimeoutMonitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

func (m *TimeoutMonitor) scan() {
	tasks, err := m.store.GetActiveTasks()
	if err != nil {
		return
	}
	now := time.Now()
	for _, t := range tasks {
		if t.Status.IsTerminal() || t.TimeoutMs <= 0 || t.StartedAt == nil {
			continue
		}
		deadline := t.StartedAt.Add(time.Duration(t.TimeoutMs) * time.Millisecond)
		remaining := deadline.Sub(now)

		if remaining <= 0 {
			m.fireTimeout(t)
			continue
		}
		if remaining <= m.warnAt && !t.WarningEmitted {
			m.fireWarning(t, remaining)
		}
	}
}

func (m *TimeoutMonitor) fireWarning(t *Task, remaining time.Duration) {
	_, err := m.store.Update(t.ID, func(task *Task) { task.WarningEmitted = true })
	if err != nil {
		return
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicTaskTimeoutWarning, timeoutWarningEvent{TaskID: t.ID, MsUntilTimeout: remaining.Milliseconds()})
	}
}

func (m *TimeoutMonitor) fireTimeout(t *Task) {
	updated, err := m.store.Update(t.ID, func(task *Task) {
		task.Status = StatusFailed
		task.Error = "timed_out"
		now := time.Now()
		task.EndedAt = &now
	})
	if err != nil {
		return
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicTaskTimeout, timeoutEvent{TaskID: t.ID, Reason: "timed_out", Timestamp: time.Now()})
		m.bus.Publish(bus.TopicTaskFailed, bus.TaskStateChangedEvent{TaskID: t.ID, NewStatus: string(StatusFailed)})
	}
	if m.queue != nil {
		m.queue.NotifyCompletion(updated.ID)
	}
}

// timeoutWarningEvent is the payload for TopicTaskTimeoutWarning.
type timeoutWarningEvent struct {
	TaskID         string
	MsUntilTimeout int64
}

// timeoutEvent is the payload for TopicTaskTimeout.
type timeoutEvent struct {
	TaskID    string
	Reason    string
	Timestamp time.Time
}
