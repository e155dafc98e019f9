// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"
	"runtime/debug"
	"time"

	"fleet-agent/pkg/log"
)

// Pinger 一次 ping（session.Session）
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingRunner 独立于拉取循环的 ping 定时器；构建执行期间拉取循环被占用，取消指令只能经由这里到达
type PingRunner struct {
	pinger   Pinger
	interval time.Duration
	onError  func(err error)
	logger   *log.Logger
}

// PingRunnerConfig ping 定时器配置
type PingRunnerConfig struct {
	// Interval ping 间隔，默认 10s
	Interval time.Duration
	// OnError ping 失败时的回调；可选，默认打 Warn 日志
	OnError func(err error)
}

// NewPingRunner 创建 ping 定时器
func NewPingRunner(p Pinger, cfg PingRunnerConfig, logger *log.Logger) *PingRunner {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &PingRunner{
		pinger:   p,
		interval: interval,
		onError:  cfg.OnError,
		logger:   logger,
	}
}

// Interval ping 间隔
func (h *PingRunner) Interval() time.Duration { return h.interval }

// Run 周期调用 Ping，直到 ctx 取消或 stopCh 关闭
func (h *PingRunner) Run(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *PingRunner) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("ping 时发生 panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	err := h.pinger.Ping(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	if h.onError != nil {
		h.onError(err)
		return
	}
	h.logger.Warn("ping 失败", "error", err)
}
