package retry

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestDelaysCapAtCeiling(t *testing.T) {
	got := Delays(time.Second, 2, 30*time.Second, 8)
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	if !slices.Equal(got, want) {
		t.Fatalf("Delays() = %v, want %v", got, want)
	}
}

func TestAttemptsStopsOnSuccess(t *testing.T) {
	waits := 0
	noWait := func(context.Context) error {
		waits++
		return nil
	}
	n, err := Attempts(context.Background(), 5, noWait, func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if n != 3 || waits != 2 {
		t.Fatalf("expected 3 attempts and 2 waits, got %d and %d", n, waits)
	}
}

func TestAttemptsExhausted(t *testing.T) {
	cause := errors.New("disk full")
	n, err := Attempts(context.Background(), 5, func(context.Context) error { return nil }, func(context.Context, int) error {
		return cause
	})
	if n != 5 {
		t.Fatalf("expected 5 attempts, got %d", n)
	}
	if !errors.Is(err, ErrExhausted) || !errors.Is(err, cause) {
		t.Fatalf("expected exhausted error wrapping cause, got %v", err)
	}
}

func TestExponentialBackoffHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ExponentialBackoff(time.Hour, 2, 0)(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
