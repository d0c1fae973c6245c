package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFailover_PrimarySucceeds(t *testing.T) {
	t.Parallel()
	f := NewFailover("primary", "ws://a", CircuitBreakerConfig{})
	f.Add("secondary", "ws://b")

	var tried []string
	got, err := Try(f, func(url string) (string, error) {
		tried = append(tried, url)
		return url, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ws://a" {
		t.Errorf("got %q, want %q", got, "ws://a")
	}
	if len(tried) != 1 {
		t.Errorf("tried %v, want only the primary", tried)
	}
}

func TestFailover_FallsThroughToSecondary(t *testing.T) {
	t.Parallel()
	f := NewFailover("primary", "ws://a", CircuitBreakerConfig{})
	f.Add("secondary", "ws://b")

	got, err := Try(f, func(url string) (string, error) {
		if url == "ws://a" {
			return "", errDial
		}
		return url, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ws://b" {
		t.Errorf("got %q, want %q", got, "ws://b")
	}
}

func TestFailover_AllFail(t *testing.T) {
	t.Parallel()
	f := NewFailover("primary", 1, CircuitBreakerConfig{})
	f.Add("secondary", 2)

	err := f.Execute(func(int) error { return errDial })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("got %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errDial) {
		t.Errorf("got %v, want it to wrap the last error", err)
	}
}

func TestFailover_SkipsOpenEndpoint(t *testing.T) {
	t.Parallel()
	f := NewFailover("primary", "ws://a", CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	f.Add("secondary", "ws://b")

	// Trip the primary.
	_, _ = Try(f, func(url string) (string, error) {
		if url == "ws://a" {
			return "", errDial
		}
		return url, nil
	})
	if got := f.States()["primary"]; got != StateOpen {
		t.Fatalf("primary: got %v, want open", got)
	}

	var tried []string
	_, err := Try(f, func(url string) (string, error) {
		tried = append(tried, url)
		return url, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tried) != 1 || tried[0] != "ws://b" {
		t.Errorf("tried %v, want [ws://b]", tried)
	}
}

func TestFailover_Len(t *testing.T) {
	t.Parallel()
	f := NewFailover("a", 0, CircuitBreakerConfig{})
	if got := f.Len(); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	f.Add("b", 1)
	if got := f.Len(); got != 2 {
		t.Errorf("got %d, want 2", got)
	}
}
