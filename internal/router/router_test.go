package router

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeAdapter struct {
	channel string
	mu      sync.Mutex
	sent    []NormalizedMessage
}

func (f *fakeAdapter) Channel() string { return f.channel }

func (f *fakeAdapter) Send(ctx context.Context, msg NormalizedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAdapter) snapshot() []NormalizedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NormalizedMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPriorityInsert_OrdersHighBeforeLowPreservingFIFOTies(t *testing.T) {
	var q []*QueuedMessage
	mk := func(p Priority) *QueuedMessage { return &QueuedMessage{Message: NormalizedMessage{Priority: p}} }

	q = priorityInsert(q, mk(PriorityLow))
	q = priorityInsert(q, mk(PriorityNormal))
	q = priorityInsert(q, mk(PriorityHigh))

	if len(q) != 3 || q[0].Message.Priority != PriorityHigh || q[1].Message.Priority != PriorityNormal || q[2].Message.Priority != PriorityLow {
		t.Fatalf("unexpected order: %+v", q)
	}

	q2 := []*QueuedMessage{mk(PriorityNormal)}
	q2 = priorityInsert(q2, mk(PriorityNormal))
	if len(q2) != 2 {
		t.Fatalf("expected ties to append, got %d items", len(q2))
	}
}

func TestHandleInbound_OverflowDropsLowestPriorityTail(t *testing.T) {
	adapter := &fakeAdapter{channel: "test"}
	r := New(Config{SessionOrderingEnabled: true, MaxQueueSize: 2, SessionQueueTimeoutMs: 50}, nil, nil, nil, nil)
	r.RegisterAdapter(adapter)

	blockHandler := make(chan struct{})
	r.SetDefaultHandler(HandlerFunc(func(ctx context.Context, msg NormalizedMessage) error {
		<-blockHandler
		return nil
	}))

	ctx := context.Background()
	send := func(id string, p Priority) {
		r.HandleInbound(ctx, NormalizedMessage{ID: id, Channel: "test", Context: MessageContext{SessionKey: "s1"}, Priority: p, Timestamp: time.Now()})
	}

	// Seed one in-flight message so the session is busy; subsequent sends
	// accumulate in the pending queue instead of dispatching immediately.
	send("seed", PriorityNormal)
	waitUntil(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		q := r.queues["session:s1"]
		return q != nil && q.inFlight
	})

	send("low", PriorityLow)
	send("normal", PriorityNormal)
	send("high", PriorityHigh)

	r.mu.Lock()
	q := r.queues["session:s1"]
	var remaining []string
	if q != nil {
		for _, it := range q.items {
			remaining = append(remaining, it.Message.ID)
		}
	}
	r.mu.Unlock()

	if len(remaining) != 2 || remaining[0] != "high" || remaining[1] != "normal" {
		t.Fatalf("expected [high, normal] left in queue after low dropped, got %v", remaining)
	}

	close(blockHandler)

	deadline := time.After(time.Second)
	for {
		notices := adapter.snapshot()
		found := false
		for _, n := range notices {
			if n.Content == "Your message queue is full; please wait and try again." {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected a queue-full notice to be sent")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSendToSession_SynthesizesSessionFromKey(t *testing.T) {
	adapter := &fakeAdapter{channel: "telegram"}
	r := New(Config{}, nil, nil, nil, nil)
	r.RegisterAdapter(adapter)

	if err := r.SendToSession(context.Background(), "telegram:dm:12345", "hello", nil); err != nil {
		t.Fatalf("SendToSession: %v", err)
	}

	sent := adapter.snapshot()
	if len(sent) != 1 || sent[0].Content != "hello" || sent[0].Context.ChatID != "12345" {
		t.Fatalf("unexpected sent messages: %+v", sent)
	}
}

func TestSendToSession_NoAdapterReturnsSessionNotFound(t *testing.T) {
	r := New(Config{}, nil, nil, nil, nil)
	err := r.SendToSession(context.Background(), "unknown:dm:1", "hi", nil)
	if err == nil {
		t.Fatal("expected session_not_found error")
	}
}

func TestAddRoute_HighestPriorityMatchesFirst(t *testing.T) {
	r := New(Config{}, nil, nil, nil, nil)
	var called string
	r.AddRoute(Route{Channel: "a", Priority: 1, Handler: HandlerFunc(func(ctx context.Context, msg NormalizedMessage) error {
		called = "low"
		return nil
	})})
	r.AddRoute(Route{Channel: "a", Priority: 10, Handler: HandlerFunc(func(ctx context.Context, msg NormalizedMessage) error {
		called = "high"
		return nil
	})})

	h := r.matchRoute(NormalizedMessage{Channel: "a"})
	if h == nil {
		t.Fatal("expected a match")
	}
	_ = h.Handle(context.Background(), NormalizedMessage{Channel: "a"})
	if called != "high" {
		t.Fatalf("expected higher-priority route to win, got %q", called)
	}
}
