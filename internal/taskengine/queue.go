package taskengine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/adamtash/ant-sub002/internal/bus"
	"github.com/adamtash/ant-sub002/internal/coreerrors"
	coreotel "github.com/adamtash/ant-sub002/internal/otel"
)

// RunFunc is the unit of work a queued task executes once its lane slot frees.
type RunFunc func(ctx context.Context)

type laneQueue struct {
	cap     int
	active  int
	pending []func()
	mu      sync.Mutex
}

// QueueConfig sets per-lane concurrency caps.
type QueueConfig struct {
	MainConcurrency        int
	AutonomousConcurrency  int
	MaintenanceConcurrency int
}

// DefaultQueueConfig mirrors §4.4's defaults: 1/5/1.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MainConcurrency: 1, AutonomousConcurrency: 5, MaintenanceConcurrency: 1}
}

// completionWaiter is notified once when its task id reaches a terminal status.
type completionWaiter struct {
	taskID string
	ch     chan struct{}
}

// Queue is the lane-partitioned FIFO task queue. Lanes have no priority
// within themselves; backpressure is not signalled because the queue is
// backed by the persisted Store, so unbounded growth is a resource, not a
// correctness, concern.
type Queue struct {
	lanes   map[Lane]*laneQueue
	store   *Store
	bus     *bus.Bus
	metrics *coreotel.Metrics

	waitMu  sync.Mutex
	waiters map[string][]*completionWaiter
}

// NewQueue constructs a Queue backed by store, publishing lifecycle events on
// b. metrics may be nil; when set, QueueDepth tracks in-flight task count per
// lane.
func NewQueue(store *Store, b *bus.Bus, metrics *coreotel.Metrics, cfg QueueConfig) *Queue {
	return &Queue{
		lanes: map[Lane]*laneQueue{
			LaneMain:        {cap: orDefault(cfg.MainConcurrency, 1)},
			LaneAutonomous:  {cap: orDefault(cfg.AutonomousConcurrency, 5)},
			LaneMaintenance: {cap: orDefault(cfg.MaintenanceConcurrency, 1)},
		},
		store:   store,
		bus:     b,
		metrics: metrics,
		waiters: make(map[string][]*completionWaiter),
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Enqueue schedules run to execute as soon as a slot in lane frees, FIFO
// within the lane.
func (q *Queue) Enqueue(task *Task, lane Lane, run RunFunc) {
	lq := q.lanes[lane]
	if lq == nil {
		lq = &laneQueue{cap: 1}
		q.lanes[lane] = lq
	}
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskQueued, bus.TaskStateChangedEvent{TaskID: task.ID, SessionID: task.SessionKey, NewStatus: string(StatusQueued)})
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Add(context.Background(), 1, metric.WithAttributes(coreotel.AttrTaskLane.String(string(lane))))
	}
	job := func() { q.runJob(lq, lane, task, run) }

	lq.mu.Lock()
	if lq.active < lq.cap {
		lq.active++
		lq.mu.Unlock()
		go job()
		return
	}
	lq.pending = append(lq.pending, job)
	lq.mu.Unlock()
}

// EnqueueWithDelay schedules run via a timer, delayMs from now, then defers to Enqueue.
func (q *Queue) EnqueueWithDelay(task *Task, lane Lane, run RunFunc, delayMs int) {
	time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		q.Enqueue(task, lane, run)
	})
}

func (q *Queue) runJob(lq *laneQueue, lane Lane, task *Task, run RunFunc) {
	defer q.releaseSlot(lq)
	defer func() {
		if q.metrics != nil {
			q.metrics.QueueDepth.Add(context.Background(), -1, metric.WithAttributes(coreotel.AttrTaskLane.String(string(lane))))
		}
	}()
	ctx := context.Background()
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskRunning, bus.TaskStateChangedEvent{TaskID: task.ID})
	}
	run(ctx)
}

func (q *Queue) releaseSlot(lq *laneQueue) {
	lq.mu.Lock()
	lq.active--
	var next func()
	if len(lq.pending) > 0 {
		next = lq.pending[0]
		lq.pending = lq.pending[1:]
		lq.active++
	}
	lq.mu.Unlock()
	if next != nil {
		go next()
	}
}

// LaneStats is a point-in-time read of one lane's occupancy.
type LaneStats struct {
	Cap     int
	Active  int
	Pending int
}

// Snapshot returns occupancy for every configured lane, for read-only
// display by operator tooling.
func (q *Queue) Snapshot() map[Lane]LaneStats {
	out := make(map[Lane]LaneStats, len(q.lanes))
	for lane, lq := range q.lanes {
		lq.mu.Lock()
		out[lane] = LaneStats{Cap: lq.cap, Active: lq.active, Pending: len(lq.pending)}
		lq.mu.Unlock()
	}
	return out
}

// WaitForCompletion blocks until the task reaches a terminal status in the
// Store or timeoutMs elapses, in which case it fails with TaskWait.
func (q *Queue) WaitForCompletion(ctx context.Context, taskID string, timeoutMs int) (*Task, error) {
	t, err := q.store.Get(taskID)
	if err == nil && t.Status.IsTerminal() {
		return t, nil
	}

	ch := make(chan struct{}, 1)
	w := &completionWaiter{taskID: taskID, ch: ch}
	q.waitMu.Lock()
	q.waiters[taskID] = append(q.waiters[taskID], w)
	q.waitMu.Unlock()
	defer q.removeWaiter(taskID, w)

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ch:
		return q.store.Get(taskID)
	case <-timer.C:
		return nil, coreerrors.NewTaskWait(taskID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NotifyCompletion wakes any WaitForCompletion callers blocked on taskID.
// Called by whoever transitions the task to a terminal status.
func (q *Queue) NotifyCompletion(taskID string) {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()
	for _, w := range q.waiters[taskID] {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) removeWaiter(taskID string, target *completionWaiter) {
	q.waitMu.Lock()
	defer q.waitMu.Unlock()
	list := q.waiters[taskID]
	for i, w := range list {
		if w == target {
			q.waiters[taskID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(q.waiters[taskID]) == 0 {
		delete(q.waiters, taskID)
	}
}
