package mainagent

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/adamtash/ant-sub002/internal/bus"
	"github.com/adamtash/ant-sub002/internal/providers"
	"github.com/adamtash/ant-sub002/internal/taskengine"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingNotifier) SendMessage(ctx context.Context, recipient, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recipient+": "+text)
	return nil
}

func (r *recordingNotifier) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func newTestStoreAndQueue(t *testing.T, b *bus.Bus) (*taskengine.Store, *taskengine.Queue) {
	t.Helper()
	store, err := taskengine.NewStore(taskengine.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	queue := taskengine.NewQueue(store, b, nil, taskengine.DefaultQueueConfig())
	return store, queue
}

func TestProviderMaintenance_EntersAndExitsSurvivalMode(t *testing.T) {
	mgr := providers.NewManager(nil, nil, nil)
	notify := &recordingNotifier{}
	a := New(Config{Notify: NotifyOptions{Providers: true}, Owners: []string{"op"}}, mgr, nil, nil, nil, nil, nil, notify, nil)

	a.providerMaintenance(context.Background())
	a.mu.Lock()
	inSurvival := a.survivalMode
	a.mu.Unlock()
	if !inSurvival {
		t.Fatal("expected survival mode to be entered with no healthy provider")
	}

	healthySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	t.Cleanup(healthySrv.Close)
	if err := mgr.Register("local:a", providers.Config{Type: "local", BaseURL: healthySrv.URL, Model: "llama3"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mgr.SetDefaultProvider("local:a")

	a.providerMaintenance(context.Background())
	a.mu.Lock()
	inSurvival = a.survivalMode
	a.mu.Unlock()
	if inSurvival {
		t.Fatal("expected survival mode to be exited once a provider is healthy")
	}

	sent := notify.snapshot()
	if len(sent) != 2 {
		t.Fatalf("notifications = %v, want 2 (enter + exit)", sent)
	}
}

func TestIncidentResultLoop_NotifiesOnlyIncidentTaggedTasks(t *testing.T) {
	b := bus.New()
	store, queue := newTestStoreAndQueue(t, b)
	notify := &recordingNotifier{}
	a := New(Config{Notify: NotifyOptions{IncidentResults: true}, Owners: []string{"op"}}, nil, nil, nil, store, queue, b, notify, nil)

	incident, err := store.Create(&taskengine.Task{
		Description: "investigate disk usage",
		Metadata:    taskengine.Metadata{Tags: []string{"incident", "investigation"}},
	})
	if err != nil {
		t.Fatalf("Create incident: %v", err)
	}
	ordinary, err := store.Create(&taskengine.Task{Description: "ordinary work"})
	if err != nil {
		t.Fatalf("Create ordinary: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.wg.Add(1)
	go a.incidentResultLoop(ctx)

	if _, err := queue.HandleSuccess(incident.ID, nil); err != nil {
		t.Fatalf("HandleSuccess incident: %v", err)
	}
	if _, err := queue.HandleSuccess(ordinary.ID, nil); err != nil {
		t.Fatalf("HandleSuccess ordinary: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(notify.snapshot()) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for incident result notification")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	a.wg.Wait()

	sent := notify.snapshot()
	if len(sent) != 1 {
		t.Fatalf("notifications = %v, want exactly 1 (incident only)", sent)
	}
}

func TestRecoverOnStart_ReenqueuesActiveTasksAsQueued(t *testing.T) {
	b := bus.New()
	store, queue := newTestStoreAndQueue(t, b)
	a := New(Config{}, nil, nil, nil, store, queue, b, nil, nil)

	task, err := store.Create(&taskengine.Task{
		Description: "resume me",
		Status:      taskengine.StatusRunning,
		Lane:        taskengine.LaneMaintenance,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var ranWith *taskengine.Task
	var mu sync.Mutex
	done := make(chan struct{})
	a.cfg.ResumeRunner = func(ctx context.Context, t *taskengine.Task) {
		mu.Lock()
		ranWith = t
		mu.Unlock()
		close(done)
	}

	a.recoverOnStart()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resume runner did not execute")
	}

	mu.Lock()
	defer mu.Unlock()
	if ranWith == nil || ranWith.ID != task.ID {
		t.Fatalf("resume runner received %+v, want task %s", ranWith, task.ID)
	}

	fetched, err := store.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fetched.Status != taskengine.StatusQueued {
		t.Fatalf("status = %v, want queued after recovery", fetched.Status)
	}
}

func TestInMaintenanceWindow_MatchesConfiguredMinute(t *testing.T) {
	now := time.Now()
	expr := minuteExpr(now)
	a := New(Config{InvestigationCooldownOverride: expr}, nil, nil, nil, nil, nil, nil, nil, nil)
	if !a.inMaintenanceWindow(now) {
		t.Fatalf("expected now (%v) to fall within window %q", now, expr)
	}
	later := now.Add(5 * time.Minute)
	if a.inMaintenanceWindow(later) {
		t.Fatalf("expected %v to fall outside window %q", later, expr)
	}
}

func minuteExpr(t time.Time) string {
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour())
}
