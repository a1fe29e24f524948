package bus

import "testing"

func TestEventTopics_Constants(t *testing.T) {
	topics := map[string]bool{
		TopicTaskCreated:        true,
		TopicTaskQueued:         true,
		TopicTaskRunning:        true,
		TopicTaskRetryScheduled: true,
		TopicTaskTimeoutWarning: true,
		TopicTaskTimeout:        true,
		TopicTaskSucceeded:      true,
		TopicTaskFailed:         true,
		TopicSubagentSpawned:    true,
		TopicMessageReceived:    true,
		TopicMessageQueued:      true,
		TopicMessageDropped:     true,
		TopicMessageProcessing:  true,
		TopicMessageProcessed:   true,
		TopicErrorOccurred:      true,
	}
	for name := range topics {
		if name == "" {
			t.Fatal("found empty topic constant")
		}
	}
	if len(topics) != 15 {
		t.Fatalf("expected 15 unique topics, got %d", len(topics))
	}
}

func TestTaskStateChangedEvent_Fields(t *testing.T) {
	e := TaskStateChangedEvent{
		TaskID:    "task-1",
		SessionID: "sess-1",
		OldStatus: "QUEUED",
		NewStatus: "RUNNING",
	}
	if e.TaskID == "" || e.SessionID == "" || e.OldStatus == "" || e.NewStatus == "" {
		t.Fatal("all fields must be set")
	}
}

func TestMessageEvent_Fields(t *testing.T) {
	e := MessageEvent{SessionID: "s1", ChannelID: "c1", MessageID: "m1", Reason: "lane_full"}
	if e.Reason != "lane_full" {
		t.Fatalf("reason = %q", e.Reason)
	}
}

func TestErrorEvent_Fields(t *testing.T) {
	e := ErrorEvent{Component: "router", TaskID: "t1", Reason: "timeout", Message: "deadline exceeded"}
	if e.Component != "router" {
		t.Fatalf("component = %q", e.Component)
	}
}
