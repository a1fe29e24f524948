// Package coreerrors defines the error taxonomy shared across the execution
// core: provider invocation/selection failures, task wait/timeout, queue
// capacity, routing/handler failures, session recovery, and persistence.
// Each kind wraps an underlying cause so errors.As/errors.Is work across
// package boundaries, following the classification idiom used for provider
// failures but generalized to every component that needs a structured error.
package coreerrors

import "fmt"

// CoreError is implemented by every error kind in this package.
type CoreError interface {
	error
	Kind() string
	Unwrap() error
}

type baseError struct {
	kind string
	msg  string
	err  error
}

func (b *baseError) Kind() string { return b.kind }
func (b *baseError) Unwrap() error { return b.err }
func (b *baseError) Error() string {
	if b.err != nil {
		return fmt.Sprintf("%s: %s: %v", b.kind, b.msg, b.err)
	}
	return fmt.Sprintf("%s: %s", b.kind, b.msg)
}

func newErr(kind, msg string, cause error) *baseError {
	return &baseError{kind: kind, msg: msg, err: cause}
}

// ProviderInvocation wraps an upstream backend failure.
type ProviderInvocation struct {
	*baseError
	ProviderID string
	Model      string
	Reason     string // FailoverReason
	StatusCode int
}

func NewProviderInvocation(providerID, model, reason string, statusCode int, cause error) *ProviderInvocation {
	return &ProviderInvocation{
		baseError:  newErr("provider_invocation", fmt.Sprintf("provider %s failed", providerID), cause),
		ProviderID: providerID,
		Model:      model,
		Reason:     reason,
		StatusCode: statusCode,
	}
}

// ProviderSelection indicates no healthy provider exists for the requested action.
type ProviderSelection struct {
	*baseError
	Action string
}

func NewProviderSelection(action string) *ProviderSelection {
	return &ProviderSelection{
		baseError: newErr("no_healthy_provider", fmt.Sprintf("no healthy provider for action %q", action), nil),
		Action:    action,
	}
}

// TaskWait indicates waitForCompletion elapsed before the task reached a terminal status.
type TaskWait struct {
	*baseError
	TaskID string
}

func NewTaskWait(taskID string) *TaskWait {
	return &TaskWait{
		baseError: newErr("task_wait_timeout", fmt.Sprintf("task %s did not complete in time", taskID), nil),
		TaskID:    taskID,
	}
}

// TaskTimeout indicates the TimeoutMonitor marked a task failed.
type TaskTimeout struct {
	*baseError
	TaskID string
}

func NewTaskTimeout(taskID string) *TaskTimeout {
	return &TaskTimeout{
		baseError: newErr("timed_out", fmt.Sprintf("task %s timed out", taskID), nil),
		TaskID:    taskID,
	}
}

// QueueCapacity indicates a message was dropped because its queue was full.
type QueueCapacity struct {
	*baseError
	SessionKey string
}

func NewQueueCapacity(sessionKey string) *QueueCapacity {
	return &QueueCapacity{
		baseError:  newErr("queue_full", fmt.Sprintf("queue full for session %s", sessionKey), nil),
		SessionKey: sessionKey,
	}
}

// Handler indicates a matched route's handler raised an error.
type Handler struct {
	*baseError
	Route string
}

func NewHandler(route string, cause error) *Handler {
	return &Handler{
		baseError: newErr("handler_error", fmt.Sprintf("handler for route %s failed", route), cause),
		Route:     route,
	}
}

// SessionRecovery indicates an outbound send targeted an unknown session that
// could not be reconstructed from its key.
type SessionRecovery struct {
	*baseError
	SessionKey string
}

func NewSessionRecovery(sessionKey string) *SessionRecovery {
	return &SessionRecovery{
		baseError:  newErr("session_not_found", fmt.Sprintf("no session and no adapter for %s", sessionKey), nil),
		SessionKey: sessionKey,
	}
}

// DiscoveryDisabled is returned (never raised) when discovery is disabled by environment.
type DiscoveryDisabled struct {
	*baseError
}

func NewDiscoveryDisabled() *DiscoveryDisabled {
	return &DiscoveryDisabled{baseError: newErr("provider_discovery_disabled", "provider discovery is disabled", nil)}
}

// OverlayPersistence indicates an overlay write failed; callers should still
// trust in-memory state, since the write failure does not roll back the swap.
type OverlayPersistence struct {
	*baseError
	Path string
}

func NewOverlayPersistence(path string, cause error) *OverlayPersistence {
	return &OverlayPersistence{
		baseError: newErr("overlay_persistence", fmt.Sprintf("failed to persist overlay %s", path), cause),
		Path:      path,
	}
}
