package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: time.Millisecond,
		MaxWait:     5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), testConfig(), func() error {
		attempts++
		if attempts < 3 {
			return Retryable(errors.New("backend hiccup"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("no such bucket")
	attempts := 0
	err := Do(context.Background(), testConfig(), func() error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("Do = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (permanent errors are not retried)", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	transient := errors.New("still down")
	attempts := 0
	err := Do(context.Background(), testConfig(), func() error {
		attempts++
		return Retryable(transient)
	})
	if !errors.Is(err, transient) {
		t.Fatalf("Do = %v, want %v", err, transient)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, testConfig(), func() error {
		return Retryable(errors.New("backend hiccup"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do = %v, want context.Canceled", err)
	}
}

func TestDoWithResultReturnsValue(t *testing.T) {
	attempts := 0
	got, err := DoWithResult(context.Background(), testConfig(), func() ([]byte, error) {
		attempts++
		if attempts < 2 {
			return nil, Retryable(errors.New("backend hiccup"))
		}
		return []byte("content"), nil
	})
	if err != nil {
		t.Fatalf("DoWithResult: %v", err)
	}
	if string(got) != "content" {
		t.Fatalf("result = %q, want %q", got, "content")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(errors.New("plain")) {
		t.Fatal("plain error reported retryable")
	}
	wrapped := Retryable(errors.New("transient"))
	if !IsRetryable(wrapped) {
		t.Fatal("marked error not reported retryable")
	}
	if Retryable(nil) != nil {
		t.Fatal("Retryable(nil) should stay nil")
	}
}
