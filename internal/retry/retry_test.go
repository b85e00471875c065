package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	fault := errors.New("storage down")
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		return fault
	})
	if !errors.Is(err, fault) {
		t.Fatalf("err = %v, want the storage fault", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnTerminalSentinel(t *testing.T) {
	notFound := errors.New("not found")
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		return notFound
	}, notFound)
	if !errors.Is(err, notFound) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	invalid := errors.New("invalid input")
	calls := 0
	err := Do(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		return Permanent(invalid)
	})
	if !errors.Is(err, invalid) {
		t.Fatalf("err = %v, want unwrapped cause", err)
	}
	if err.Error() != invalid.Error() {
		t.Fatalf("marker leaked: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoHonorsContextBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fault := errors.New("transient")
	calls := 0
	err := Do(ctx, 5, 50*time.Millisecond, func(context.Context) error {
		calls++
		cancel()
		return fault
	})
	if !errors.Is(err, fault) {
		t.Fatalf("err = %v, want last fault", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
