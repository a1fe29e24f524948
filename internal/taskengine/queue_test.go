package taskengine

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestEnqueue_FIFOWithinLaneRespectsConcurrencyCap verifies that a lane
// capped at one concurrent slot runs its jobs strictly in enqueue order,
// never overlapping.
func TestEnqueue_FIFOWithinLaneRespectsConcurrencyCap(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(store, nil, nil, QueueConfig{MaintenanceConcurrency: 1})

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		n := i
		task := &Task{ID: "t", Lane: LaneMaintenance}
		q.Enqueue(task, LaneMaintenance, func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("jobs did not complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if n != i {
			t.Fatalf("order = %v, want strictly FIFO 0..4", order)
		}
	}
}

func TestEnqueue_ConcurrentLaneAllowsOverlap(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(store, nil, nil, QueueConfig{AutonomousConcurrency: 3})

	var active, maxActive int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		q.Enqueue(&Task{ID: "t"}, LaneAutonomous, func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			active++
			if active > int32(maxActive) {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		})
	}
	wg.Wait()
	if maxActive < 2 {
		t.Fatalf("maxActive = %d, want concurrent execution (>=2)", maxActive)
	}
}

func TestWaitForCompletion_TimesOutWithoutTerminalStatus(t *testing.T) {
	store := newTestStore(t)
	q := NewQueue(store, nil, nil, DefaultQueueConfig())
	task, err := store.Create(&Task{Description: "never finishes"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err = q.WaitForCompletion(context.Background(), task.ID, 50)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}
