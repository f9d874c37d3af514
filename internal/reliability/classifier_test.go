package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = false, want true", code)
		}
	}
	for _, code := range []int{200, 201, 400, 401, 404} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("IsRetryableHTTPStatus(%d) = true, want false", code)
		}
	}
}

func TestIsRetryableDispatchCode(t *testing.T) {
	if !IsRetryableDispatchCode("agent_busy") {
		t.Fatalf("agent_busy should be retryable")
	}
	if IsRetryableDispatchCode("invalid_task") {
		t.Fatalf("invalid_task should not be retryable")
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	cap := 2 * time.Second

	if got := ExponentialBackoff(0, base, cap); got != base {
		t.Fatalf("attempt 0 backoff = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(1, base, cap); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 backoff = %v, want 200ms", got)
	}
	if got := ExponentialBackoff(10, base, cap); got != cap {
		t.Fatalf("attempt 10 backoff = %v, want cap %v", got, cap)
	}
}
