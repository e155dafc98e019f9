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

// Package work 服务端下发的工作单元（封闭变体）、控制指令与拉取结果分类
package work

import (
	"context"

	"fleet-agent/internal/agent/agentinfo"
	pkgerrors "fleet-agent/pkg/errors"
	"fleet-agent/pkg/log"
)

// Kind Work 变体标签，同时是线路上 envelope 的 type 字段
type Kind string

const (
	KindNoWork       Kind = "NoWork"
	KindBuild        Kind = "BuildWork"
	KindDenied       Kind = "DeniedAgentWork"
	KindUnregistered Kind = "UnregisteredAgentWork"
)

// Work 服务端下发的工作单元；变体集合封闭，仅本包内可实现
type Work interface {
	Kind() Kind
	// DoWork 在调用方 goroutine 上同步执行
	DoWork(ctx context.Context, env *EnvironmentContext, wc WorkContext) error
	// Cancel 协作式取消：只发信号，由 DoWork 自行停止子操作
	Cancel(env *EnvironmentContext, info *agentinfo.RuntimeInfo)
	sealed()
}

// EnvironmentContext 进程级环境，启动时构造一次并显式传递
type EnvironmentContext struct {
	WorkDir  string
	Executor Executor
	Logger   *log.Logger
}

// WorkContext 单次执行的上下文
type WorkContext struct {
	Info     *agentinfo.RuntimeInfo
	Reporter Reporter
	Console  LineWriter
}

// Reporter 构建进度上报；由 transport.Client 实现
type Reporter interface {
	ReportCurrentStatus(ctx context.Context, r Report) error
	ReportCompleting(ctx context.Context, r Report) error
	ReportCompleted(ctx context.Context, r Report) error
	IsIgnored(ctx context.Context, r Report) (bool, error)
}

// LineWriter 控制台输出
type LineWriter interface {
	WriteLine(ctx context.Context, b BuildRef, line string)
}

// NoWork 服务端暂无可分配的工作
type NoWork struct{}

func (NoWork) Kind() Kind { return KindNoWork }
func (NoWork) DoWork(context.Context, *EnvironmentContext, WorkContext) error {
	return nil
}
func (NoWork) Cancel(*EnvironmentContext, *agentinfo.RuntimeInfo) {}
func (NoWork) sealed()                                            {}

// DeniedAgentWork 服务端拒绝为该 agent 分配工作（如 agent 被禁用）
type DeniedAgentWork struct {
	UUID string `json:"uuid,omitempty"`
}

func (DeniedAgentWork) Kind() Kind { return KindDenied }
func (DeniedAgentWork) DoWork(context.Context, *EnvironmentContext, WorkContext) error {
	return nil
}
func (DeniedAgentWork) Cancel(*EnvironmentContext, *agentinfo.RuntimeInfo) {}
func (DeniedAgentWork) sealed()                                            {}

// UnregisteredAgentWork 服务端不认识该 agent；执行即返回 ErrUnregistered
type UnregisteredAgentWork struct {
	UUID string `json:"uuid,omitempty"`
}

func (UnregisteredAgentWork) Kind() Kind { return KindUnregistered }
func (w UnregisteredAgentWork) DoWork(context.Context, *EnvironmentContext, WorkContext) error {
	return pkgerrors.Wrapf(pkgerrors.ErrUnregistered, "agent %s", w.UUID)
}
func (UnregisteredAgentWork) Cancel(*EnvironmentContext, *agentinfo.RuntimeInfo) {}
func (UnregisteredAgentWork) sealed()                                            {}
