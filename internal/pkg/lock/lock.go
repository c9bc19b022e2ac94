package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"
)

// ErrHeld 表示锁已被另一个存活进程持有。
//
// 调用方应视为「跳过本轮」而非错误：记录日志后干净退出。
var ErrHeld = errors.New("lock held by another process")

// Lease 是基于锁文件 + PID 存活检查的单机咨询锁。
//
// 它不提供跨主机互斥：多机部署需要换成带 TTL 的存储租约。
type Lease struct {
	path string
}

type lockData struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
}

// Acquire 尝试获取锁。
//
// 锁文件存在且记录的 PID 仍存活时返回 ErrHeld；记录的进程已死亡或
// 文件无法解析时视为陈旧锁，移除后继续获取。
func Acquire(path string, logger *slog.Logger) (*Lease, error) {
	if raw, err := os.ReadFile(path); err == nil {
		var data lockData
		if jsonErr := json.Unmarshal(raw, &data); jsonErr == nil {
			if isProcessAlive(data.PID) {
				if logger != nil {
					logger.Warn("lock held by live process",
						slog.Int("pid", data.PID),
						slog.Time("since", data.Timestamp))
				}
				return nil, ErrHeld
			}
			if logger != nil {
				logger.Warn("removing stale lock from dead process",
					slog.Int("pid", data.PID),
					slog.Time("since", data.Timestamp))
			}
		} else if logger != nil {
			logger.Warn("removing unreadable lock file", slog.String("path", path))
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}

	data, err := json.Marshal(lockData{PID: os.Getpid(), Timestamp: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("marshal lock data: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lease{path: path}, nil
}

// Release 释放锁，删除锁文件。重复调用是安全的。
func (l *Lease) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// isProcessAlive 通过向目标进程发送空信号探测其是否存活。
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM 说明进程存在但无权限发信号
	return errors.Is(err, syscall.EPERM)
}
