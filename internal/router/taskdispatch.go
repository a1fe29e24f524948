package router

import (
	"context"
	"fmt"

	"github.com/adamtash/ant-sub002/internal/agentengine"
	"github.com/adamtash/ant-sub002/internal/taskengine"
)

// Engine runs one agent turn for a dispatched message. Narrow interface over
// *agentengine.Engine so a fake can stand in for tests.
type Engine interface {
	Execute(ctx context.Context, req agentengine.Request) (agentengine.ExecuteResult, error)
}

// TaskDispatchHandler is the default Handler feeding the Task Execution
// Engine: it creates a persisted Task per dispatched message and enqueues it
// on the main lane, running the turn through Engine and recording the
// outcome back onto the Task.
type TaskDispatchHandler struct {
	store  *taskengine.Store
	queue  *taskengine.Queue
	engine Engine
	lane   taskengine.Lane
}

// NewTaskDispatchHandler constructs a TaskDispatchHandler targeting lane
// (defaults to taskengine.LaneMain when empty).
func NewTaskDispatchHandler(store *taskengine.Store, queue *taskengine.Queue, engine Engine, lane taskengine.Lane) *TaskDispatchHandler {
	if lane == "" {
		lane = taskengine.LaneMain
	}
	return &TaskDispatchHandler{store: store, queue: queue, engine: engine, lane: lane}
}

// Handle implements router.Handler: it persists a new Task for msg and hands
// it to the Queue, returning once the task is durably queued (not once it
// finishes running).
func (h *TaskDispatchHandler) Handle(ctx context.Context, msg NormalizedMessage) error {
	task, err := h.store.Create(&taskengine.Task{
		Description: msg.Content,
		SessionKey:  msg.Context.SessionKey,
		Lane:        h.lane,
		Metadata:    taskengine.Metadata{Channel: msg.Channel},
	})
	if err != nil {
		return fmt.Errorf("create task from dispatched message: %w", err)
	}
	if _, err := h.store.UpdateStatus(task.ID, taskengine.StatusQueued, ""); err != nil {
		return fmt.Errorf("mark task queued: %w", err)
	}

	h.queue.Enqueue(task, h.lane, func(ctx context.Context) {
		h.run(ctx, task, msg)
	})
	return nil
}

func (h *TaskDispatchHandler) run(ctx context.Context, task *taskengine.Task, msg NormalizedMessage) {
	if _, err := h.store.UpdateStatus(task.ID, taskengine.StatusRunning, ""); err != nil {
		return
	}
	if h.engine == nil {
		_, _ = h.queue.HandleFailure(task, taskengine.DefaultBackoffPolicy(), "no engine configured")
		return
	}
	result, err := h.engine.Execute(ctx, agentengine.Request{
		SessionKey: msg.Context.SessionKey,
		Query:      msg.Content,
		Channel:    msg.Channel,
		ChatID:     msg.Context.ChatID,
	})
	if err != nil {
		_, _ = h.queue.HandleFailure(task, taskengine.DefaultBackoffPolicy(), err.Error())
		return
	}
	_, _ = h.queue.HandleSuccess(task.ID, result.Response)
}
