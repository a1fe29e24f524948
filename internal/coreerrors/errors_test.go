package coreerrors

import (
	"errors"
	"testing"
)

func TestProviderInvocation_WrapsAndUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewProviderInvocation("openai:gpt", "gpt-4o", "timeout", 408, cause)

	var ce CoreError = err
	if ce.Kind() != "provider_invocation" {
		t.Fatalf("Kind() = %q, want provider_invocation", ce.Kind())
	}
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should see through to the wrapped cause")
	}
	var target *ProviderInvocation
	if !errors.As(err, &target) || target.ProviderID != "openai:gpt" || target.StatusCode != 408 {
		t.Fatalf("errors.As did not recover typed fields: %+v", target)
	}
}

func TestProviderSelection_HasNilCause(t *testing.T) {
	err := NewProviderSelection("chat")
	if err.Unwrap() != nil {
		t.Fatal("ProviderSelection should have no wrapped cause")
	}
	if err.Action != "chat" {
		t.Fatalf("Action = %q, want chat", err.Action)
	}
}

func TestEveryKind_ImplementsCoreError(t *testing.T) {
	kinds := []CoreError{
		NewProviderInvocation("p", "m", "auth", 401, nil),
		NewProviderSelection("tools"),
		NewTaskWait("task-1"),
		NewTaskTimeout("task-2"),
		NewQueueCapacity("session-1"),
		NewHandler("route-1", errors.New("boom")),
		NewSessionRecovery("session-2"),
		NewDiscoveryDisabled(),
		NewOverlayPersistence("/tmp/overlay.json", errors.New("disk full")),
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		if k.Kind() == "" {
			t.Fatalf("%T has empty Kind()", k)
		}
		if seen[k.Kind()] {
			t.Fatalf("duplicate Kind() %q", k.Kind())
		}
		seen[k.Kind()] = true
		if k.Error() == "" {
			t.Fatalf("%T has empty Error()", k)
		}
	}
}
