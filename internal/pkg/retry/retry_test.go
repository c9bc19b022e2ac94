package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Class
	}{
		{"nil", nil, ClassPermanent},
		{"network_lost", errors.New("Network connection lost"), ClassTransient},
		{"network_lost_lower", errors.New("network connection lost mid-query"), ClassTransient},
		{"internal_error", errors.New("D1_ERROR: Internal Error"), ClassTransient},
		{"connection_reset", errors.New("read tcp: connection reset by peer"), ClassTransient},
		{"sqlite_busy", errors.New("database is locked"), ClassTransient},
		{"unique_constraint", errors.New("UNIQUE constraint failed: sales_history.item_id"), ClassPermanent},
		{"duplicate_entry", errors.New("Error 1062: Duplicate entry '42' for key"), ClassPermanent},
		{"syntax", errors.New("near \"SELCT\": syntax error"), ClassPermanent},
		{"unknown", errors.New("something odd happened"), ClassPermanent},
		// 同时命中两类时按永久处理
		{"both_patterns", errors.New("internal error: UNIQUE constraint failed"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.expected {
				t.Errorf("Classify(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestDo_RetriesTransientUpToMax(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		return errors.New("network connection lost")
	}, Options{MaxAttempts: 3, BaseDelay: time.Millisecond})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_PermanentNotRetried(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		return errors.New("UNIQUE constraint failed: items.item_id")
	}, Options{MaxAttempts: 5, BaseDelay: time.Millisecond})

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt for permanent error, got %d", attempts)
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	}, Options{MaxAttempts: 5, BaseDelay: time.Millisecond})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	errCh := make(chan error, 1)
	go func() {
		errCh <- Do(ctx, func() error {
			attempts++
			return errors.New("internal error")
		}, Options{MaxAttempts: 100, BaseDelay: 50 * time.Millisecond})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts == 0 {
		t.Error("expected at least one attempt before cancel")
	}
}

func TestBackoffDelay_Grows(t *testing.T) {
	base := 100 * time.Millisecond
	d1 := backoffDelay(base, 1)
	d3 := backoffDelay(base, 3)

	if d1 < base || d1 > base+base/2 {
		t.Errorf("attempt 1 delay %v out of range [%v, %v]", d1, base, base+base/2)
	}
	if d3 < 4*base || d3 > 4*base+base/2 {
		t.Errorf("attempt 3 delay %v out of range [%v, %v]", d3, 4*base, 4*base+base/2)
	}
}
