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

// Package job 单个 Work 的执行生命周期：同步执行、协作式取消、一次性指令门
package job

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fleet-agent/internal/agent/agentinfo"
	"fleet-agent/internal/agent/work"
	"fleet-agent/pkg/log"
	"fleet-agent/pkg/metrics"
	"fleet-agent/pkg/tracing"
)

// Runner 执行当前分配的 Work，并处理随心跳或推送到达的 Cancel / KillRunningTasks 指令。
// Run 在调用方 goroutine 上同步执行；HandleInstruction 可从其他 goroutine 并发调用。
// 两个指令各自只生效一次，分配新的 Work 时重置。
type Runner struct {
	env    *work.EnvironmentContext
	info   *agentinfo.RuntimeInfo
	logger *log.Logger

	mu      sync.Mutex
	current work.Work

	running       atomic.Bool
	cancelled     atomic.Bool
	cancelHandled atomic.Bool
	killHandled   atomic.Bool
}

// NewRunner 创建 Runner；env 与 info 在整个进程内共享
func NewRunner(env *work.EnvironmentContext, info *agentinfo.RuntimeInfo, logger *log.Logger) *Runner {
	if env == nil {
		env = &work.EnvironmentContext{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Runner{env: env, info: info, logger: logger}
}

// Assign 分配 Work；与当前 Work 不同时开始新的生命周期，清除取消状态与两个一次性门
func (r *Runner) Assign(w work.Work) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignLocked(w)
}

func (r *Runner) assignLocked(w work.Work) {
	if r.current == w {
		return
	}
	r.current = w
	r.cancelled.Store(false)
	r.cancelHandled.Store(false)
	r.killHandled.Store(false)
}

// Current 当前分配的 Work，未分配时为 nil
func (r *Runner) Current() work.Work {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// HandleInstruction 应用控制指令；未分配 Work 或对应的门已触发时为 no-op
func (r *Runner) HandleInstruction(instr work.Instruction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	if instr == work.InstructionCancel && r.cancelHandled.CompareAndSwap(false, true) {
		r.cancelLocked(instr)
	}
	if instr == work.InstructionKillRunningTasks && r.killHandled.CompareAndSwap(false, true) {
		r.cancelLocked(instr)
	}
}

func (r *Runner) cancelLocked(instr work.Instruction) {
	r.logger.Info("收到控制指令，取消当前工作", "instruction", instr.String(), "work", r.current.Kind())
	r.cancelled.Store(true)
	r.current.Cancel(r.env, r.info)
}

// IsJobCancelled 当前 Work 是否已被取消（供控制台输出等协作方在取消后静默）
func (r *Runner) IsJobCancelled() bool { return r.cancelled.Load() }

// IsRunning 是否正在执行 Work
func (r *Runner) IsRunning() bool { return r.running.Load() }

// Run 分配并同步执行 w；running 标志与 agent 状态在任何退出路径（含 panic）上恢复
func (r *Runner) Run(ctx context.Context, w work.Work, wc work.WorkContext) (err error) {
	if w == nil {
		return nil
	}
	r.Assign(w)
	if wc.Info == nil {
		wc.Info = r.info
	}

	r.running.Store(true)
	defer r.running.Store(false)

	if bw, ok := w.(*work.BuildWork); ok {
		agentID := ""
		if r.info != nil {
			agentID = r.info.Identifier().UUID
			r.info.Busy(bw.Build.BuildID)
		}
		jobCtx, span := tracing.StartJobSpan(ctx, bw.Build.BuildID, agentID)
		metrics.AgentBusy.Set(1)
		start := time.Now()
		returned := false
		defer func() {
			span.End()
			metrics.AgentBusy.Set(0)
			metrics.JobDuration.WithLabelValues(r.resultLabel(returned, err)).Observe(time.Since(start).Seconds())
			if r.info != nil {
				r.info.Idle()
			}
		}()
		r.logger.Info("开始执行构建", "build_id", bw.Build.BuildID)
		err = w.DoWork(jobCtx, r.env, wc)
		returned = true
		r.logger.Info("构建执行结束", "build_id", bw.Build.BuildID, "cancelled", r.IsJobCancelled(), "error", err)
		return err
	}
	return w.DoWork(ctx, r.env, wc)
}

func (r *Runner) resultLabel(returned bool, err error) string {
	switch {
	case r.IsJobCancelled():
		return "cancelled"
	case !returned || err != nil:
		return "failed"
	default:
		return "passed"
	}
}
