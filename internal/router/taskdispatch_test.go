package router

import (
	"context"
	"testing"

	"github.com/adamtash/ant-sub002/internal/agentengine"
	"github.com/adamtash/ant-sub002/internal/taskengine"
)

type fakeTurnEngine struct {
	reply string
	err   error
}

func (f *fakeTurnEngine) Execute(ctx context.Context, req agentengine.Request) (agentengine.ExecuteResult, error) {
	if f.err != nil {
		return agentengine.ExecuteResult{}, f.err
	}
	return agentengine.ExecuteResult{Response: f.reply, ProviderID: "fake", Model: "fake-model"}, nil
}

func newTestStoreAndQueue(t *testing.T) (*taskengine.Store, *taskengine.Queue) {
	t.Helper()
	store, err := taskengine.NewStore(taskengine.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	queue := taskengine.NewQueue(store, nil, nil, taskengine.DefaultQueueConfig())
	return store, queue
}

// TestRouter_HandleInbound_DispatchesIntoTaskQueue proves a Router dispatch
// reaching the default handler creates a Task, lands it in the Queue, and
// the task reaches a terminal status once the Engine turn completes.
func TestRouter_HandleInbound_DispatchesIntoTaskQueue(t *testing.T) {
	store, queue := newTestStoreAndQueue(t)
	handler := NewTaskDispatchHandler(store, queue, &fakeTurnEngine{reply: "done"}, taskengine.LaneMain)

	r := New(Config{}, nil, nil, nil, nil)
	r.SetDefaultHandler(handler)

	r.HandleInbound(context.Background(), NormalizedMessage{
		Channel: "telegram",
		Sender:  "user-1",
		Content: "hello there",
		Context: MessageContext{SessionKey: "telegram:dm:1"},
	})

	var tasks []*taskengine.Task
	waitUntil(t, func() bool {
		all, err := store.List()
		if err != nil {
			return false
		}
		tasks = all
		return len(tasks) == 1 && tasks[0].Status.IsTerminal()
	})

	if tasks[0].Status != taskengine.StatusSucceeded {
		t.Fatalf("status = %v, want succeeded (error=%q)", tasks[0].Status, tasks[0].Error)
	}
	if tasks[0].Result != "done" {
		t.Fatalf("result = %v, want %q", tasks[0].Result, "done")
	}
	if tasks[0].SessionKey != "telegram:dm:1" {
		t.Fatalf("sessionKey = %q, want telegram:dm:1", tasks[0].SessionKey)
	}
}

// TestRouter_HandleInbound_RecordsFailureFromEngine proves an Engine error
// surfaces as a failed (and retry-scheduled) Task rather than being dropped.
func TestRouter_HandleInbound_RecordsFailureFromEngine(t *testing.T) {
	store, queue := newTestStoreAndQueue(t)
	handler := NewTaskDispatchHandler(store, queue, &fakeTurnEngine{err: errBoom}, taskengine.LaneMain)

	r := New(Config{}, nil, nil, nil, nil)
	r.SetDefaultHandler(handler)

	r.HandleInbound(context.Background(), NormalizedMessage{
		Channel: "telegram",
		Content: "will fail",
		Context: MessageContext{SessionKey: "telegram:dm:2"},
	})

	waitUntil(t, func() bool {
		all, err := store.List()
		if err != nil || len(all) != 1 {
			return false
		}
		return all[0].Status == taskengine.StatusFailed || all[0].Status == taskengine.StatusRetrying
	})
}

var errBoom = errTestBoom{}

type errTestBoom struct{}

func (errTestBoom) Error() string { return "boom" }
