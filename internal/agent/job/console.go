// Copyright 2026 fanjia1024
// Console 构建输出转发

package job

import (
	"context"
	"sync/atomic"

	"fleet-agent/internal/agent/work"
	"fleet-agent/pkg/log"
)

// ConsumeFunc 把一行输出送往服务端（transport.Client.ConsumeLine）
type ConsumeFunc func(ctx context.Context, b work.BuildRef, line string) error

// Console 实现 work.LineWriter；所属 Runner 观察到取消后不再转发
type Console struct {
	runner  *Runner
	consume ConsumeFunc
	logger  *log.Logger
	warned  atomic.Bool
	dropped atomic.Int64
}

var _ work.LineWriter = (*Console)(nil)

// NewConsole 创建 Console；runner 为 nil 时从不静默
func NewConsole(runner *Runner, consume ConsumeFunc, logger *log.Logger) *Console {
	if logger == nil {
		logger = log.Nop()
	}
	return &Console{runner: runner, consume: consume, logger: logger}
}

// WriteLine 转发一行；发送失败只记录第一次，不影响构建
func (c *Console) WriteLine(ctx context.Context, b work.BuildRef, line string) {
	if c.runner != nil && c.runner.IsJobCancelled() {
		c.dropped.Add(1)
		return
	}
	if c.consume == nil {
		return
	}
	if err := c.consume(ctx, b, line); err != nil && c.warned.CompareAndSwap(false, true) {
		c.logger.Warn("控制台输出发送失败，后续失败不再记录", "build_id", b.BuildID, "error", err)
	}
}

// Dropped 取消后被丢弃的行数
func (c *Console) Dropped() int64 { return c.dropped.Load() }
