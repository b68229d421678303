package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	gominerErrors "github.com/bardlex/gominer/pkg/errors"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts = 3, got %d", config.MaxAttempts)
	}
	if config.BaseDelay != 100*time.Millisecond {
		t.Errorf("Expected BaseDelay = 100ms, got %v", config.BaseDelay)
	}
	if !config.Jitter {
		t.Error("Expected Jitter = true")
	}
}

func TestFixed(t *testing.T) {
	tests := []struct {
		name     string
		retries  int
		attempts int
	}{
		{"unlimited", -1, Unlimited},
		{"no retries", 0, 1},
		{"two retries", 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Fixed(tt.retries, 10*time.Second)
			if config.MaxAttempts != tt.attempts {
				t.Errorf("MaxAttempts = %d, want %d", config.MaxAttempts, tt.attempts)
			}
			for attempt := 0; attempt < 4; attempt++ {
				if d := config.calculateDelay(attempt); d != 10*time.Second {
					t.Errorf("delay(%d) = %v, want a fixed 10s", attempt, d)
				}
			}
		})
	}
}

func TestDo_Success(t *testing.T) {
	config := &Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}

	callCount := 0
	err := Do(context.Background(), config, func() error {
		callCount++
		if callCount == 1 {
			return gominerErrors.New(gominerErrors.ErrorTypeNetwork, "test", "retryable error")
		}
		return nil
	})
	if err != nil {
		t.Errorf("Expected success, got error: %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
}

func TestDo_FixedBudgetExhausted(t *testing.T) {
	config := Fixed(2, time.Millisecond)

	var retries []int
	config.OnRetry = func(attempt int, _ time.Duration, _ error) {
		retries = append(retries, attempt)
	}

	callCount := 0
	err := Do(context.Background(), config, func() error {
		callCount++
		return errors.New("plain failure")
	})

	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retries)
	}
	if !Exhausted(err) {
		t.Errorf("Exhausted(%v) = false", err)
	}
}

func TestDo_NonRetryableError(t *testing.T) {
	callCount := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		callCount++
		return gominerErrors.New(gominerErrors.ErrorTypeProtocol, "test", "bad message")
	})

	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if !gominerErrors.IsType(err, gominerErrors.ErrorTypeProtocol) {
		t.Error("Expected the original protocol error")
	}
	if Exhausted(err) {
		t.Error("a non-retryable failure is not an exhausted budget")
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := Fixed(Unlimited, 50*time.Millisecond)

	callCount := 0
	err := Do(ctx, config, func() error {
		callCount++
		if callCount == 2 {
			cancel()
		}
		return errors.New("still down")
	})

	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if callCount != 2 {
		t.Errorf("Expected 2 calls, got %d", callCount)
	}
}

func TestDoWithResult(t *testing.T) {
	config := &Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}

	callCount := 0
	result, err := DoWithResult(context.Background(), config, func() (string, error) {
		callCount++
		if callCount < 3 {
			return "", gominerErrors.New(gominerErrors.ErrorTypeTimeout, "test", "slow")
		}
		return "success", nil
	})
	if err != nil || result != "success" {
		t.Errorf("DoWithResult() = %q, %v", result, err)
	}
}

func TestConfig_calculateDelay(t *testing.T) {
	config := &Config{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   1 * time.Second,
		Multiplier: 2.0,
	}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, 1 * time.Second},
	}

	for _, tt := range tests {
		if delay := config.calculateDelay(tt.attempt); delay != tt.expected {
			t.Errorf("For attempt %d, expected delay %v, got %v", tt.attempt, tt.expected, delay)
		}
	}
}
