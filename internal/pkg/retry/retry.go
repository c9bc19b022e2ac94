package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Class 表示错误的重试分类。
type Class int

const (
	// ClassPermanent 永久错误：约束冲突、语法错误等，重试必然再次失败。
	ClassPermanent Class = iota
	// ClassTransient 瞬时错误：网络抖动、存储引擎内部错误等，可重试。
	ClassTransient
)

// transientPatterns 与 permanentPatterns 集中维护分类规则，
// 匹配时统一转为小写做子串比较。
var transientPatterns = []string{
	"network connection lost",
	"internal error",
	"connection reset",
	"connection refused",
	"i/o timeout",
	"database is locked",
	"try restarting transaction",
}

var permanentPatterns = []string{
	"unique constraint",
	"constraint failed",
	"duplicate entry",
	"syntax error",
	"no such table",
	"no such column",
}

// Classify 根据错误消息判断错误是否可重试。
//
// 永久类模式优先：一条同时命中两类模式的消息按永久处理。
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return ClassPermanent
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return ClassTransient
		}
	}
	return ClassPermanent
}

// Options 控制重试行为。
type Options struct {
	MaxAttempts int           // 最大尝试次数（含首次），默认 3
	BaseDelay   time.Duration // 首次重试前的基础延迟，默认 100ms
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 100 * time.Millisecond
	}
	return o
}

// Do 执行 fn，仅对瞬时错误做指数退避重试（带抖动）。
//
// 永久错误立即返回；达到最大尝试次数后返回最后一次的错误。
func Do(ctx context.Context, fn func() error, opts Options) error {
	opts = opts.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) != ClassTransient || attempt == opts.MaxAttempts {
			return lastErr
		}

		delay := backoffDelay(opts.BaseDelay, attempt)
		if opts.Logger != nil {
			opts.Logger.Warn("transient error, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", opts.MaxAttempts),
				slog.String("delay", delay.String()),
				slog.String("error", lastErr.Error()))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// backoffDelay 计算第 attempt 次失败后的退避时间：base·2^(attempt-1) 加
// 最多半个 base 的随机抖动。
func backoffDelay(base time.Duration, attempt int) time.Duration {
	backoff := float64(base) * math.Pow(2, float64(attempt-1))
	jitter := rand.Float64() * float64(base) * 0.5
	return time.Duration(backoff + jitter)
}
