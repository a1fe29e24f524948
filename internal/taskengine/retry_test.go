package taskengine

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

// TestHandleFailure_BackoffSchedule matches §8 scenario 3: maxAttempts=3,
// backoffMs=1000, multiplier=2, cap=60000 -> delays 1000, 2000 then terminal.
func TestHandleFailure_BackoffSchedule(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(store, nil, nil, DefaultQueueConfig())
	policy := DefaultBackoffPolicy()

	task, err := store.Create(&Task{
		Description: "do work",
		Lane:        LaneAutonomous,
		Retries:     Retries{MaxAttempts: 3},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	updated, err := q.HandleFailure(task, policy, "boom")
	if err != nil {
		t.Fatalf("HandleFailure #1: %v", err)
	}
	if updated.Status != StatusRetrying {
		t.Fatalf("status after attempt 1 = %v, want retrying", updated.Status)
	}
	if updated.Retries.BackoffMs != 1000 {
		t.Fatalf("backoff after attempt 1 = %d, want 1000", updated.Retries.BackoffMs)
	}

	updated, err = q.HandleFailure(updated, policy, "boom again")
	if err != nil {
		t.Fatalf("HandleFailure #2: %v", err)
	}
	if updated.Status != StatusRetrying {
		t.Fatalf("status after attempt 2 = %v, want retrying", updated.Status)
	}
	if updated.Retries.BackoffMs != 2000 {
		t.Fatalf("backoff after attempt 2 = %d, want 2000", updated.Retries.BackoffMs)
	}

	updated, err = q.HandleFailure(updated, policy, "boom thrice")
	if err != nil {
		t.Fatalf("HandleFailure #3: %v", err)
	}
	if updated.Status != StatusFailed {
		t.Fatalf("status after attempt 3 = %v, want failed (terminal)", updated.Status)
	}
	if updated.EndedAt == nil {
		t.Fatal("terminal failure should set EndedAt")
	}
}

func TestHandleFailure_CapsDelayAtPolicyMax(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(store, nil, nil, DefaultQueueConfig())
	policy := BackoffPolicy{InitialMs: 1000, Multiplier: 2, CapMs: 1500}

	task, err := store.Create(&Task{Retries: Retries{MaxAttempts: 5}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	updated, err := q.HandleFailure(task, policy, "first")
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if updated.Retries.BackoffMs != 1000 {
		t.Fatalf("first backoff = %d, want 1000", updated.Retries.BackoffMs)
	}
	updated, err = q.HandleFailure(updated, policy, "second")
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if updated.Retries.BackoffMs != 1500 {
		t.Fatalf("second backoff = %d, want capped 1500", updated.Retries.BackoffMs)
	}
}

func TestHandleSuccess_RecordsResultAndWakesWaiters(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(store, nil, nil, DefaultQueueConfig())

	task, err := store.Create(&Task{Description: "do work"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := make(chan *Task, 1)
	go func() {
		waited, err := q.WaitForCompletion(context.Background(), task.ID, 2000)
		if err != nil {
			t.Errorf("WaitForCompletion: %v", err)
			done <- nil
			return
		}
		done <- waited
	}()

	time.Sleep(20 * time.Millisecond)
	updated, err := q.HandleSuccess(task.ID, map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("HandleSuccess: %v", err)
	}
	if updated.Status != StatusSucceeded {
		t.Fatalf("status = %v, want succeeded", updated.Status)
	}

	select {
	case got := <-done:
		if got == nil || got.Status != StatusSucceeded {
			t.Fatalf("waiter observed %+v, want succeeded", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForCompletion did not wake after HandleSuccess")
	}
}
