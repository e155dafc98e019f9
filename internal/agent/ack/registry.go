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

// Package ack 持久通道上待确认消息的登记表
package ack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"fleet-agent/internal/agent/protocol"
	pkgerrors "fleet-agent/pkg/errors"
	"fleet-agent/pkg/log"
	"fleet-agent/pkg/metrics"
)

// ErrSendFailed 多次重试后仍无法写出消息；通道已不可用，由调用方负责重连
var ErrSendFailed = fmt.Errorf("send failed after retries: %w", pkgerrors.ErrChannelBroken)

// ErrNotConnected 底层连接已断开；Transmitter 返回它时不再重试，重连由调用方负责
var ErrNotConnected = fmt.Errorf("channel is not open: %w", pkgerrors.ErrTransient)

// Transmitter 把消息写到底层连接
type Transmitter func(ctx context.Context, msg protocol.Message) error

// Config 登记表参数
type Config struct {
	// Timeout 等待确认的上限，默认 300s
	Timeout time.Duration
	// Attempts 写出消息的总尝试次数，默认 5
	Attempts int
	// RetryDelay 两次写出之间的固定间隔，默认 1s
	RetryDelay time.Duration
}

// waiter 一次性等待者；resolve 与 discard 至多一个生效
type waiter struct {
	ch chan bool
}

// Registry 待确认消息登记表：Send 阻塞至收到同 id 的确认或超时；Acknowledge 与 Send 可并发
type Registry struct {
	transmit Transmitter
	cfg      Config
	logger   *log.Logger

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewRegistry 创建登记表；cfg 零值字段取默认值
func NewRegistry(transmit Transmitter, cfg Config, logger *log.Logger) *Registry {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Registry{
		transmit: transmit,
		cfg:      cfg,
		logger:   logger,
		waiters:  make(map[string]*waiter),
	}
}

// Send 生成 correlationId、登记等待者、写出消息并等待确认。
// 超时返回 (false, nil)：上报失败不能中断正在执行的构建。
// 写出重试耗尽返回 ErrSendFailed。
func (r *Registry) Send(ctx context.Context, msg protocol.Message) (bool, error) {
	msg.CorrelationID = uuid.NewString()
	w := &waiter{ch: make(chan bool, 1)}

	r.mu.Lock()
	r.waiters[msg.CorrelationID] = w
	r.mu.Unlock()

	if err := r.transmitWithRetry(ctx, msg); err != nil {
		r.remove(msg.CorrelationID, w)
		metrics.AckTotal.WithLabelValues(string(msg.Action), "send_failed").Inc()
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.logger.Error("消息发送失败，通道不可用", "action", msg.Action, "correlation_id", msg.CorrelationID, "error", err)
		return false, fmt.Errorf("%w: action=%s: %v", ErrSendFailed, msg.Action, err)
	}

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()
	select {
	case ok := <-w.ch:
		return r.resolved(msg.Action, ok), nil
	case <-timer.C:
		if !r.remove(msg.CorrelationID, w) {
			// 已被 Acknowledge 或 Reset 摘除，结果随后必然写入 w.ch
			return r.resolved(msg.Action, <-w.ch), nil
		}
		metrics.AckTotal.WithLabelValues(string(msg.Action), "timeout").Inc()
		r.logger.Warn("等待确认超时", "action", msg.Action, "correlation_id", msg.CorrelationID, "timeout", r.cfg.Timeout)
		return false, nil
	case <-ctx.Done():
		r.remove(msg.CorrelationID, w)
		return false, ctx.Err()
	}
}

func (r *Registry) transmitWithRetry(ctx context.Context, msg protocol.Message) error {
	attempt := 0
	op := func() error {
		attempt++
		err := r.transmit(ctx, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrNotConnected) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("消息写出失败，稍后重试", "action", msg.Action, "attempt", attempt, "error", err)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.RetryDelay), uint64(r.cfg.Attempts-1)),
		ctx,
	)
	return backoff.Retry(op, policy)
}

// Acknowledge 按确认消息中的 id 原子地摘除并唤醒等待者；id 未登记（迟到、重复、已被重连丢弃）时静默忽略
func (r *Registry) Acknowledge(msg protocol.Message) {
	id, err := msg.AckedID()
	if err != nil {
		r.logger.Warn("无法解析确认消息", "error", err)
		return
	}
	r.mu.Lock()
	w, ok := r.waiters[id]
	if ok {
		delete(r.waiters, id)
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("确认的消息无等待者", "correlation_id", id)
		return
	}
	w.ch <- true
}

// Reset 丢弃全部等待者；重连后服务端无法再确认旧 id。被丢弃的 Send 立即返回 false
func (r *Registry) Reset() {
	r.mu.Lock()
	old := r.waiters
	r.waiters = make(map[string]*waiter)
	r.mu.Unlock()
	for _, w := range old {
		w.ch <- false
	}
	if len(old) > 0 {
		r.logger.Info("重连，丢弃未确认消息", "count", len(old))
	}
}

// Pending 当前等待确认的消息数
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// remove 仅当登记的仍是 w 时才删除；返回是否由本次删除
func (r *Registry) remove(id string, w *waiter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.waiters[id]; ok && cur == w {
		delete(r.waiters, id)
		return true
	}
	return false
}

func (r *Registry) resolved(action protocol.Action, ok bool) bool {
	if ok {
		metrics.AckTotal.WithLabelValues(string(action), "acked").Inc()
	} else {
		metrics.AckTotal.WithLabelValues(string(action), "discarded").Inc()
	}
	return ok
}
