package taskengine

import "testing"

func TestStore_CreateGetUpdateRoundTrip(t *testing.T) {
	store := newTestStore(t)

	created, err := store.Create(&Task{
		Description: "investigate",
		SessionKey:  "main:s1",
		Lane:        LaneMain,
		Metadata:    Metadata{Tags: []string{"incident"}},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Create should assign an id")
	}
	if created.Status != StatusCreated {
		t.Fatalf("default status = %v, want created", created.Status)
	}

	fetched, err := store.Get(created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fetched.Description != "investigate" || fetched.SessionKey != "main:s1" {
		t.Fatalf("round-tripped task mismatch: %+v", fetched)
	}
	if len(fetched.Metadata.Tags) != 1 || fetched.Metadata.Tags[0] != "incident" {
		t.Fatalf("tags did not round-trip: %+v", fetched.Metadata.Tags)
	}

	updated, err := store.UpdateStatus(created.ID, StatusRunning, "")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != StatusRunning || updated.StartedAt == nil {
		t.Fatalf("UpdateStatus(running) = %+v, want StartedAt set", updated)
	}

	terminal, err := store.UpdateStatus(created.ID, StatusSucceeded, "")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if terminal.EndedAt == nil {
		t.Fatal("terminal status should set EndedAt")
	}
}

func TestStore_GetActiveTasksFiltersTerminal(t *testing.T) {
	store := newTestStore(t)

	queued, err := store.Create(&Task{Status: StatusQueued})
	if err != nil {
		t.Fatalf("Create queued: %v", err)
	}
	_, err = store.Create(&Task{Status: StatusSucceeded})
	if err != nil {
		t.Fatalf("Create succeeded: %v", err)
	}
	retrying, err := store.Create(&Task{Status: StatusRetrying})
	if err != nil {
		t.Fatalf("Create retrying: %v", err)
	}

	active, err := store.GetActiveTasks()
	if err != nil {
		t.Fatalf("GetActiveTasks: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active tasks = %d, want 2", len(active))
	}
	ids := map[string]bool{}
	for _, a := range active {
		ids[a.ID] = true
	}
	if !ids[queued.ID] || !ids[retrying.ID] {
		t.Fatalf("active set missing expected tasks: %v", ids)
	}
}

func TestStore_GetMissingTaskReturnsError(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get("does-not-exist"); err == nil {
		t.Fatal("expected error for missing task")
	}
}
