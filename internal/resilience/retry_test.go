package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxmill/voxmill/pkg/types"
)

// fastRetry keeps test backoff in the millisecond range.
var fastRetry = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	MaxDelay:    5 * time.Millisecond,
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry, "synthesis", func() error {
		calls++
		if calls < 3 {
			return types.E(types.KindOutOfMemory, "device OOM")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry, "synthesis", func() error {
		calls++
		return types.E(types.KindTransientBackend, "cuda init failed")
	})
	if types.KindOf(err) != types.KindTransientBackend {
		t.Fatalf("err kind = %v, want transient_backend", types.KindOf(err))
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_NonRetriableFailsFast(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry, "synthesis", func() error {
		calls++
		return types.E(types.KindValidation, "bad text")
	})
	if types.KindOf(err) != types.KindValidation {
		t.Fatalf("err kind = %v, want validation_error", types.KindOf(err))
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for non-retriable)", calls)
	}
}

func TestRetry_UntypedErrorFailsFast(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry, "synthesis", func() error {
		calls++
		return errors.New("plain failure")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_ContextCancelInterruptsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Retry(ctx, cfg, "synthesis", func() error {
			calls++
			return types.E(types.KindTimeout, "deadline exceeded")
		})
	}()

	// Give the first attempt a moment, then cancel during backoff.
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestJittered_Bounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		got := jittered(d, 0.25)
		if got < 75*time.Millisecond || got > 125*time.Millisecond {
			t.Fatalf("jittered(%v) = %v, out of ±25%% bounds", d, got)
		}
	}
	if jittered(d, 0) != d {
		t.Error("zero jitter should return input unchanged")
	}
}
