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

package work

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"fleet-agent/internal/agent/agentinfo"
)

// BuildWork 一次构建任务；Plan 对 agent 核心不透明，原样交给 Executor
type BuildWork struct {
	Build BuildRef        `json:"build"`
	Plan  json.RawMessage `json:"plan,omitempty"`

	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled bool
}

func (*BuildWork) Kind() Kind { return KindBuild }
func (*BuildWork) sealed()    {}

// ExecRequest 交给 Executor 的执行请求
type ExecRequest struct {
	Build   BuildRef
	Plan    json.RawMessage
	WorkDir string
	// Println 写一行控制台输出；作业取消后静默丢弃
	Println func(line string)
}

// Executor 具体构建步骤的执行者（编译、shell、产物上传等），由进程外部注入
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (JobResult, error)
}

// DoWork 上报 Preparing → Building → Completing → Completed；执行期间 ctx 取消即视为 Cancelled
func (w *BuildWork) DoWork(ctx context.Context, env *EnvironmentContext, wc WorkContext) error {
	if env == nil || env.Executor == nil {
		return errors.New("build work: no executor in environment")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.mu.Lock()
	w.cancel = cancel
	if w.cancelled {
		cancel()
	}
	w.mu.Unlock()

	report := func(state JobState, result JobResult) Report {
		r := Report{Build: w.Build, State: state, Result: result}
		if wc.Info != nil {
			r.Agent = wc.Info.Snapshot()
		}
		return r
	}

	if wc.Reporter != nil {
		if err := wc.Reporter.ReportCurrentStatus(ctx, report(JobPreparing, "")); err != nil {
			return fmt.Errorf("report preparing: %w", err)
		}
		ignored, err := wc.Reporter.IsIgnored(ctx, report(JobPreparing, ""))
		if err != nil {
			return fmt.Errorf("check ignored: %w", err)
		}
		if ignored {
			if env.Logger != nil {
				env.Logger.Info("服务端已忽略该构建，跳过执行", "build_id", w.Build.BuildID)
			}
			return nil
		}
		if err := wc.Reporter.ReportCurrentStatus(ctx, report(JobBuilding, "")); err != nil {
			return fmt.Errorf("report building: %w", err)
		}
	}

	printLine := func(line string) {
		if wc.Console != nil {
			wc.Console.WriteLine(ctx, w.Build, line)
		}
	}
	result, execErr := env.Executor.Execute(runCtx, ExecRequest{
		Build:   w.Build,
		Plan:    w.Plan,
		WorkDir: env.WorkDir,
		Println: printLine,
	})
	if w.IsCancelled() || runCtx.Err() != nil {
		result = ResultCancelled
	} else if execErr != nil || result == "" {
		result = ResultFailed
	}
	if execErr != nil && env.Logger != nil {
		env.Logger.Warn("构建执行失败", "build_id", w.Build.BuildID, "error", execErr)
	}

	if wc.Reporter != nil {
		// 上报使用外层 ctx：作业取消后仍需把 Cancelled 结果送达服务端
		if err := wc.Reporter.ReportCompleting(ctx, report(JobCompleting, result)); err != nil {
			return fmt.Errorf("report completing: %w", err)
		}
		if err := wc.Reporter.ReportCompleted(ctx, report(JobCompleted, result)); err != nil {
			return fmt.Errorf("report completed: %w", err)
		}
	}
	return execErr
}

// Cancel 取消执行中的 Executor；DoWork 之前调用时，DoWork 开始即处于取消状态
func (w *BuildWork) Cancel(env *EnvironmentContext, info *agentinfo.RuntimeInfo) {
	w.mu.Lock()
	w.cancelled = true
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if info != nil {
		info.Cancel()
	}
	if env != nil && env.Logger != nil {
		env.Logger.Info("构建已请求取消", "build_id", w.Build.BuildID)
	}
}

// IsCancelled 是否收到过取消
func (w *BuildWork) IsCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

// UnavailableExecutor 未安装构建执行器时的默认实现：输出一行说明并判定失败
type UnavailableExecutor struct{}

func (UnavailableExecutor) Execute(ctx context.Context, req ExecRequest) (JobResult, error) {
	if req.Println != nil {
		req.Println(fmt.Sprintf("[fleet-agent] no build executor is installed on this agent; build %s cannot run", req.Build.BuildID))
	}
	return ResultFailed, nil
}
