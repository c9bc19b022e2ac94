package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLimiter_BoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(2, 5*time.Millisecond)

	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	var completed atomic.Int32

	tasks := make([]Task, 5)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			cur := inFlight.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
			completed.Add(1)
			return nil
		}
	}

	if err := limiter.RunAll(context.Background(), tasks); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	if completed.Load() != 5 {
		t.Errorf("expected 5 completed tasks, got %d", completed.Load())
	}
	if maxSeen.Load() > 2 {
		t.Errorf("observed %d concurrent tasks, limit is 2", maxSeen.Load())
	}
}

func TestLimiter_TaskErrorDoesNotBlockOthers(t *testing.T) {
	limiter := NewLimiter(1, time.Millisecond)

	errBoom := errors.New("boom")
	var ran atomic.Int32

	tasks := []Task{
		func(ctx context.Context) error { ran.Add(1); return errBoom },
		func(ctx context.Context) error { ran.Add(1); return nil },
		func(ctx context.Context) error { ran.Add(1); return nil },
	}

	err := limiter.RunAll(context.Background(), tasks)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected joined error to contain boom, got %v", err)
	}
	if ran.Load() != 3 {
		t.Errorf("expected all 3 tasks to run, got %d", ran.Load())
	}
}

func TestLimiter_FIFOAdmission(t *testing.T) {
	limiter := NewLimiter(1, time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = limiter.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		idx := i
		go func() {
			defer wg.Done()
			_ = limiter.Run(context.Background(), func(ctx context.Context) error {
				mu.Lock()
				order = append(order, idx)
				mu.Unlock()
				return nil
			})
		}()
		// 保证排队顺序与提交顺序一致
		time.Sleep(20 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestLimiter_HandoffDelay(t *testing.T) {
	delay := 50 * time.Millisecond
	limiter := NewLimiter(1, delay)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = limiter.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	queued := make(chan struct{})
	var elapsed time.Duration
	var freedAt time.Time
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(queued)
		_ = limiter.Run(context.Background(), func(ctx context.Context) error {
			elapsed = time.Since(freedAt)
			return nil
		})
	}()

	<-queued
	time.Sleep(10 * time.Millisecond)
	freedAt = time.Now()
	close(release)
	<-done

	if elapsed < delay {
		t.Errorf("queued task started after %v, expected at least %v handoff delay", elapsed, delay)
	}
}

func TestLimiter_ContextCancelWhileQueued(t *testing.T) {
	limiter := NewLimiter(1, time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = limiter.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- limiter.Run(ctx, func(ctx context.Context) error { return nil })
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(release)

	// 取消的等待者不应占用槽位
	deadline := time.Now().Add(time.Second)
	for limiter.Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("limiter still reports %d active tasks", limiter.Active())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLimiter_RunAllEmpty(t *testing.T) {
	limiter := NewLimiter(2, time.Millisecond)
	if err := limiter.RunAll(context.Background(), nil); err != nil {
		t.Fatalf("RunAll(nil): %v", err)
	}
}
