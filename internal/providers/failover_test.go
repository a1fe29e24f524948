package providers

import (
	"context"
	"errors"
	"testing"
)

func TestClassify_PrecedenceRateLimitBeatsOthers(t *testing.T) {
	err := errors.New("429 Too Many Requests: rate limit exceeded, please check your billing")
	if got := Classify(err); got != ReasonRateLimit {
		t.Fatalf("Classify() = %v, want %v", got, ReasonRateLimit)
	}
}

func TestClassify_TimeoutBeatsBillingAuthFormatCompaction(t *testing.T) {
	err := errors.New("request timed out while validating billing and authentication")
	if got := Classify(err); got != ReasonTimeout {
		t.Fatalf("Classify() = %v, want %v", got, ReasonTimeout)
	}
}

func TestClassify_UnknownForUnmatchedMessage(t *testing.T) {
	err := errors.New("the sky fell down")
	if got := Classify(err); got != ReasonUnknown {
		t.Fatalf("Classify() = %v, want %v", got, ReasonUnknown)
	}
}

func TestClassify_NilErrorIsUnknown(t *testing.T) {
	if got := Classify(nil); got != ReasonUnknown {
		t.Fatalf("Classify(nil) = %v, want %v", got, ReasonUnknown)
	}
}

func TestClassifyHTTPStatus_MapsKnownCodes(t *testing.T) {
	cases := map[int]FailoverReason{
		402: ReasonBilling,
		429: ReasonRateLimit,
		401: ReasonAuth,
		403: ReasonAuth,
		408: ReasonTimeout,
	}
	for status, want := range cases {
		got, ok := ClassifyHTTPStatus(status)
		if !ok || got != want {
			t.Fatalf("ClassifyHTTPStatus(%d) = (%v, %v), want (%v, true)", status, got, ok, want)
		}
	}
	if _, ok := ClassifyHTTPStatus(500); ok {
		t.Fatal("ClassifyHTTPStatus(500) should report unmapped")
	}
}

func TestIsRetryable_BoundaryReasons(t *testing.T) {
	retryable := []FailoverReason{ReasonRateLimit, ReasonTimeout}
	for _, r := range retryable {
		if !IsRetryable(r) {
			t.Fatalf("IsRetryable(%v) = false, want true", r)
		}
	}
	notRetryable := []FailoverReason{ReasonBilling, ReasonFormat, ReasonCompaction, ReasonAuth, ReasonUnknown}
	for _, r := range notRetryable {
		if IsRetryable(r) {
			t.Fatalf("IsRetryable(%v) = true, want false", r)
		}
	}
}

// TestDelayForAttempt_DoublesUntilCap matches §8 scenario 3's schedule:
// maxAttempts=3, backoffMs=1000, multiplier=2, cap=60000.
func TestDelayForAttempt_DoublesUntilCap(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []int{1000, 2000, 4000}
	for attempt, w := range want {
		if got := p.DelayForAttempt(attempt); got != w {
			t.Fatalf("DelayForAttempt(%d) = %d, want %d", attempt, got, w)
		}
	}
}

func TestDelayForAttempt_CapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{InitialDelayMs: 1000, MaxDelayMs: 5000, BackoffMultiplier: 2}
	if got := p.DelayForAttempt(10); got != 5000 {
		t.Fatalf("DelayForAttempt(10) = %d, want capped 5000", got)
	}
}

func TestClassifyError_PrefersStatusCodeOverMessage(t *testing.T) {
	err := &StatusError{Provider: "openai", StatusCode: 402, Body: `{"error":"insufficient funds"}`}
	if got := ClassifyError(err); got != ReasonBilling {
		t.Fatalf("ClassifyError(402) = %v, want %v", got, ReasonBilling)
	}
}

func TestClassifyError_FallsBackToMessageForUnmappedStatus(t *testing.T) {
	err := &StatusError{Provider: "openai", StatusCode: 500, Body: "rate limit exceeded"}
	if got := ClassifyError(err); got != ReasonRateLimit {
		t.Fatalf("ClassifyError(500 with rate-limit body) = %v, want %v", got, ReasonRateLimit)
	}
}

func TestClassifyError_NonStatusErrorUsesMessageClassification(t *testing.T) {
	err := errors.New("request timed out")
	if got := ClassifyError(err); got != ReasonTimeout {
		t.Fatalf("ClassifyError(plain timeout) = %v, want %v", got, ReasonTimeout)
	}
}

func TestWithRetry_RetriesRetryableFailureThenSucceeds(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, InitialDelayMs: 1, MaxDelayMs: 10, BackoffMultiplier: 1}
	calls := 0
	err := WithRetry(context.Background(), policy, func() error {
		calls++
		if calls < 2 {
			return errors.New("request timed out")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestWithRetry_StopsImmediatelyOnNonRetryableReason(t *testing.T) {
	policy := DefaultRetryPolicy()
	calls := 0
	err := WithRetry(context.Background(), policy, func() error {
		calls++
		return errors.New("unauthorized")
	})
	if err == nil {
		t.Fatal("WithRetry should return the non-retryable error")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry for a non-retryable reason)", calls)
	}
}

func TestWithRetry_ZeroPolicyMeansNoRetries(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), RetryPolicy{}, func() error {
		calls++
		return errors.New("request timed out")
	})
	if err == nil {
		t.Fatal("WithRetry should surface the error once retries are exhausted")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 for the zero-value (no-retry) policy", calls)
	}
}
