package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Task 表示一个受并发限制约束的工作单元。
type Task func(ctx context.Context) error

// Limiter 限制同时进行的上游请求数量。
//
// 它约束的是「在途并发数」而非速率：任意时刻最多 maxConcurrent 个任务
// 在执行，排队任务按 FIFO 顺序获得空出的槽位，且槽位移交前固定等待
// delay，避免瞬间突发打到上游。
type Limiter struct {
	maxConcurrent int
	delay         time.Duration

	mu      sync.Mutex
	active  int
	waiters []chan struct{}
}

const defaultHandoffDelay = 200 * time.Millisecond

// NewLimiter 创建并发限制器。
//
// maxConcurrent 小于 1 时按 1 处理；delay 为 0 时使用默认 200ms。
func NewLimiter(maxConcurrent int, delay time.Duration) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if delay <= 0 {
		delay = defaultHandoffDelay
	}
	return &Limiter{
		maxConcurrent: maxConcurrent,
		delay:         delay,
	}
}

// Run 在并发限制内执行 task，task 返回的错误原样透传。
func (l *Limiter) Run(ctx context.Context, task Task) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()
	return task(ctx)
}

// RunAll 并发执行所有任务，单个任务失败不影响其他任务。
//
// 返回值是所有失败任务错误的合并（errors.Join），全部成功时为 nil。
func (l *Limiter) RunAll(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(tasks))

	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			errs[i] = l.Run(ctx, task)
		}(i, task)
	}

	wg.Wait()
	return errors.Join(errs...)
}

// Active 返回当前在途任务数（用于测试与指标）。
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Limiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	if l.active < l.maxConcurrent {
		l.active++
		l.mu.Unlock()
		return nil
	}

	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// 槽位已在取消的同时移交过来，必须归还后再退出。
		<-ready
		l.release()
		return ctx.Err()
	}
}

// release 释放槽位：有排队者时延迟 delay 后把槽位直接移交给队首，
// active 计数保持不变；无排队者时递减计数。
func (l *Limiter) release() {
	l.mu.Lock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		l.mu.Unlock()
		time.AfterFunc(l.delay, func() { close(next) })
		return
	}
	l.active--
	l.mu.Unlock()
}
