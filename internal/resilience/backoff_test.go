package resilience

import (
	"context"
	"testing"
	"time"
)

func TestBackoff_DoublesToCap(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig())

	want := []time.Duration{1, 2, 4, 8, 10, 10, 10}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("Next() #%d = %v, expected %v", i, got, w*time.Second)
		}
	}
}

func TestBackoff_MinFormula(t *testing.T) {
	config := DefaultBackoffConfig()
	b := NewBackoff(config)

	for n := 0; n < 8; n++ {
		expected := config.Initial * time.Duration(1<<n)
		if expected > config.Max {
			expected = config.Max
		}
		if got := b.Next(); got != expected {
			t.Errorf("Delay after %d failures = %v, expected %v", n, got, expected)
		}
	}
}

func TestBackoff_Reset(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig())
	b.Next()
	b.Next()
	if got := b.Next(); got != 4*time.Second {
		t.Errorf("Expected third delay 4s, got %v", got)
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("Expected 1s after reset, got %v", got)
	}
}

func TestNewBackoff_Sanitizes(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: 0, Max: 0, Multiplier: 0})
	if got := b.Next(); got != time.Second {
		t.Errorf("Expected default initial 1s, got %v", got)
	}
	if got := b.Next(); got != time.Second {
		t.Errorf("Expected flat backoff with multiplier clamped to 1, got %v", got)
	}
}

func TestSleep_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Hour); err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Expected Sleep to return promptly on cancelled context")
	}
}

func TestSleep_Elapses(t *testing.T) {
	if err := Sleep(context.Background(), 5*time.Millisecond); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}
