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

// Package scheduler Agent 的两个后台循环：带指数退避的工作拉取循环与独立的 ping 定时器
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fleet-agent/internal/agent/work"
	pkgerrors "fleet-agent/pkg/errors"
	"fleet-agent/pkg/log"
	"fleet-agent/pkg/metrics"
)

// Performer 执行一轮拉取（session.Session）
type Performer interface {
	PerformWork(ctx context.Context) (work.Outcome, error)
}

// SleepFunc 等待 d；ctx 取消时返回 ctx.Err()
type SleepFunc func(ctx context.Context, d time.Duration) error

// LoopConfig 拉取循环配置
type LoopConfig struct {
	// Initial 非 Completed 之后的首个等待，默认 5s
	Initial time.Duration
	// Multiplier 每次非 Completed 后的放大倍数，<=1 时默认 2
	Multiplier float64
	// Max 等待上限，默认 60s
	Max time.Duration
	// Wake 收到信号时提前结束等待（持久通道推送工作时）；可选
	Wake <-chan struct{}
	// Sleep 替换默认等待实现，测试用；设置后 Wake 不生效
	Sleep SleepFunc
}

// RetrievalLoop 在独立 goroutine 上循环：等待退避间隔 → PerformWork → 按结果重置或推进退避。
// 任何错误或 panic 都按 Failed 处理，循环只在 ctx 取消或 Stop 时退出。
type RetrievalLoop struct {
	performer Performer
	backoff   *backoff.ExponentialBackOff
	sleep     SleepFunc
	wake      <-chan struct{}
	logger    *log.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRetrievalLoop 创建拉取循环
func NewRetrievalLoop(p Performer, cfg LoopConfig, logger *log.Logger) *RetrievalLoop {
	if cfg.Initial <= 0 {
		cfg.Initial = 5 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2
	}
	if cfg.Max <= 0 {
		cfg.Max = 60 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.Max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	l := &RetrievalLoop{
		performer: p,
		backoff:   b,
		sleep:     cfg.Sleep,
		wake:      cfg.Wake,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
	if l.sleep == nil {
		l.sleep = l.wait
	}
	return l
}

// Start 在后台 goroutine 中运行，直到 ctx 取消或 Stop
func (l *RetrievalLoop) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer cancel()
		go func() {
			select {
			case <-l.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		l.Run(ctx)
	}()
}

// Stop 中断当前等待并等待循环退出
func (l *RetrievalLoop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// Run 在调用方 goroutine 上运行循环，ctx 取消后返回
func (l *RetrievalLoop) Run(ctx context.Context) {
	l.logger.Info("工作拉取循环已启动")
	var wait time.Duration
	for {
		metrics.BackoffWaitSeconds.Observe(wait.Seconds())
		if err := l.sleep(ctx, wait); err != nil {
			l.logger.Info("工作拉取循环退出", "reason", err)
			return
		}
		outcome := l.attempt(ctx)
		metrics.WorkAttemptsTotal.WithLabelValues(outcome.String()).Inc()
		if ctx.Err() != nil {
			l.logger.Info("工作拉取循环退出", "reason", ctx.Err())
			return
		}
		wait = l.next(outcome)
	}
}

// next Completed 后重置并立即进行下一轮，否则推进退避
func (l *RetrievalLoop) next(outcome work.Outcome) time.Duration {
	if outcome == work.Completed {
		l.backoff.Reset()
		return 0
	}
	return l.backoff.NextBackOff()
}

// attempt 执行一轮；错误与 panic 都归为 Failed
func (l *RetrievalLoop) attempt(ctx context.Context) (outcome work.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("拉取工作时发生 panic，按失败处理", "panic", r, "stack", string(debug.Stack()))
			outcome = work.Failed
		}
	}()
	outcome, err := l.performer.PerformWork(ctx)
	if err == nil {
		return outcome
	}
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, pkgerrors.ErrChannelBroken):
		l.logger.Error("持久通道不可用，下一轮重新建连", "error", err)
	case errors.Is(err, pkgerrors.ErrConfiguration):
		l.logger.Error("服务端拒绝了 agent 的请求", "error", err)
	case pkgerrors.IsRetryable(err):
		l.logger.Info("服务端暂时不可用，按退避间隔重试", "error", err)
	default:
		l.logger.Warn("拉取工作失败", "error", err)
	}
	return work.Failed
}

// wait 默认等待：计时结束、被唤醒或 ctx 取消
func (l *RetrievalLoop) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-l.wake:
		l.logger.Debug("收到唤醒信号，提前拉取")
		return nil
	}
}
