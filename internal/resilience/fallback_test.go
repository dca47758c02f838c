package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestExecute_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	out, name, err := Execute(context.Background(), fg, func(v string) (string, error) {
		return "via " + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "via primary" || name != "primary" {
		t.Errorf("got %q from %q", out, name)
	}
}

func TestExecute_FailsOver(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	var tried []string
	_, name, err := Execute(context.Background(), fg, func(v string) (int, error) {
		tried = append(tried, v)
		if v == "primary" {
			return 0, errTest
		}
		return 1, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "secondary" || len(tried) != 2 {
		t.Errorf("name = %q, tried = %v", name, tried)
	}
}

func TestExecute_AllFail(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	_, _, err := Execute(context.Background(), fg, func(string) (int, error) { return 0, errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v does not wrap the entries' errors", err)
	}
}

func TestExecute_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	for range 2 {
		_, _, _ = Execute(context.Background(), fg, func(v string) (int, error) {
			if v == "primary" {
				return 0, errTest
			}
			return 0, nil
		})
	}
	health := fg.Health()
	if health[0].State != StateOpen || health[1].State != StateClosed {
		t.Fatalf("health = %+v", health)
	}

	primaryCalled := false
	_, name, err := Execute(context.Background(), fg, func(v string) (int, error) {
		if v == "primary" {
			primaryCalled = true
		}
		return 0, nil
	})
	if err != nil || name != "secondary" {
		t.Fatalf("Execute = %q, %v", name, err)
	}
	if primaryCalled {
		t.Error("primary called while its breaker was open")
	}
}

func TestExecute_CancelledContextStops(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	ctx, cancel := context.WithCancel(context.Background())

	var tried []string
	_, _, err := Execute(ctx, fg, func(v string) (int, error) {
		tried = append(tried, v)
		cancel()
		return 0, errTest
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(tried) != 1 {
		t.Errorf("tried = %v, want only the primary", tried)
	}
}

func TestFallbackGroup_Accessors(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	if fg.Len() != 2 || fg.Primary() != "primary" {
		t.Errorf("Len = %d, Primary = %q", fg.Len(), fg.Primary())
	}
}
