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

// Package session 一轮拉取的前置检查（升级、注册、插件就绪）与按传输方式分派的 tryDoWork，以及独立定时的 Ping
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"fleet-agent/internal/agent/agentinfo"
	"fleet-agent/internal/agent/job"
	"fleet-agent/internal/agent/protocol"
	"fleet-agent/internal/agent/transport"
	"fleet-agent/internal/agent/work"
	"fleet-agent/pkg/log"
	"fleet-agent/pkg/metrics"
	"fleet-agent/pkg/tracing"
)

// Registrar 注册与证书管理
type Registrar interface {
	IsRegistered() bool
	// CreateSSLInfrastructure 完成注册并准备客户端证书；未完成前不得拉取工作
	CreateSSLInfrastructure(ctx context.Context) error
	// InvalidateCertificate 服务端不再认识该 agent 时丢弃本地证书，下一轮重新注册
	InvalidateCertificate()
}

// PluginGate 插件就绪门：解释 Work 可能需要插件
type PluginGate interface {
	HasRunAtLeastOnce() bool
	AwaitFirstLoad(ctx context.Context) error
}

// UpgradeChecker 每轮拉取前的升级检查
type UpgradeChecker interface {
	CheckForUpgrade(ctx context.Context) error
}

// Options Session 依赖；全部为必填
type Options struct {
	Client    transport.Client
	Info      *agentinfo.RuntimeInfo
	Env       *work.EnvironmentContext
	Registrar Registrar
	Plugins   PluginGate
	Upgrader  UpgradeChecker
	Logger    *log.Logger
}

// driver 传输方式相关的一轮拉取与执行
type driver interface {
	name() string
	tryDoWork(ctx context.Context) (work.Outcome, error)
}

// Session 串联一轮拉取；PerformWork 只在拉取循环 goroutine 上调用，Ping 在心跳 goroutine 上调用
type Session struct {
	client    transport.Client
	info      *agentinfo.RuntimeInfo
	env       *work.EnvironmentContext
	registrar Registrar
	plugins   PluginGate
	upgrader  UpgradeChecker
	logger    *log.Logger

	driver driver
	// runner 正在执行的 Work 的 Runner；空闲时为 nil
	runner atomic.Pointer[job.Runner]
}

// New 创建 Session；Client 为持久通道实现时使用通道驱动并接管推送
func New(opts Options) (*Session, error) {
	if opts.Client == nil || opts.Info == nil {
		return nil, errors.New("session: client and runtime info are required")
	}
	if opts.Registrar == nil || opts.Plugins == nil || opts.Upgrader == nil {
		return nil, errors.New("session: registrar, plugin gate and upgrade checker are required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Env == nil {
		opts.Env = &work.EnvironmentContext{WorkDir: opts.Info.WorkDir(), Executor: work.UnavailableExecutor{}, Logger: opts.Logger}
	}
	s := &Session{
		client:    opts.Client,
		info:      opts.Info,
		env:       opts.Env,
		registrar: opts.Registrar,
		plugins:   opts.Plugins,
		upgrader:  opts.Upgrader,
		logger:    opts.Logger,
	}
	switch c := opts.Client.(type) {
	case channelClient:
		s.driver = &channelDriver{s: s, client: c}
		c.SetPushHandler(s.handlePush)
	default:
		s.driver = &httpDriver{s: s}
	}
	return s, nil
}

// Transport 当前传输方式名称
func (s *Session) Transport() string { return s.driver.name() }

// Info 共享的运行时信息
func (s *Session) Info() *agentinfo.RuntimeInfo { return s.info }

// CurrentRunner 正在执行的 Runner，空闲时为 nil
func (s *Session) CurrentRunner() *job.Runner { return s.runner.Load() }

// PerformWork 一轮拉取：升级检查 → 确保注册 → 插件就绪门 → tryDoWork。
// 证书信任类错误记录运维指引后按 Failed 返回，不向上抛。
func (s *Session) PerformWork(ctx context.Context) (work.Outcome, error) {
	ctx, span := tracing.StartWorkSpan(ctx, s.info.Identifier().UUID, s.driver.name())
	defer span.End()

	if err := s.upgrader.CheckForUpgrade(ctx); err != nil {
		return s.failed(fmt.Errorf("check for upgrade: %w", err))
	}
	if !s.registrar.IsRegistered() {
		s.logger.Info("agent 尚未注册，开始注册")
		if err := s.registrar.CreateSSLInfrastructure(ctx); err != nil {
			return s.failed(fmt.Errorf("register agent: %w", err))
		}
	}
	if !s.plugins.HasRunAtLeastOnce() {
		s.logger.Info("插件尚未完成首次加载，跳过本轮拉取")
		return work.Failed, nil
	}

	outcome, err := s.driver.tryDoWork(ctx)
	if err != nil {
		span.RecordError(err)
		return s.failed(err)
	}
	return outcome, nil
}

func (s *Session) failed(err error) (work.Outcome, error) {
	if transport.IsSecurityError(err) {
		s.logSecurityError(err)
		return work.Failed, nil
	}
	return work.Failed, err
}

func (s *Session) logSecurityError(err error) {
	s.logger.Error("与服务端的 TLS 握手失败：服务端证书不受信任或客户端证书无效。"+
		"请检查 agent 的信任库与服务端证书链；如果服务端证书已更换，删除本地证书后重新注册",
		"error", err)
}

// ensureCookie 本地没有 cookie 时向服务端申请
func (s *Session) ensureCookie(ctx context.Context) error {
	if s.info.HasCookie() {
		return nil
	}
	cookie, err := s.client.GetCookie(ctx, s.info.Snapshot())
	if err != nil {
		return fmt.Errorf("get cookie: %w", err)
	}
	s.info.SetCookie(cookie)
	s.logger.Info("已取得会话 cookie")
	return nil
}

// runWork 用新的 Runner 同步执行 w；执行错误只记录，结果由 Classify 决定
func (s *Session) runWork(ctx context.Context, w work.Work) {
	r := job.NewRunner(s.env, s.info, s.logger)
	r.Assign(w)
	s.runner.Store(r)
	defer s.runner.CompareAndSwap(r, nil)

	wc := work.WorkContext{
		Info:     s.info,
		Reporter: s.client,
		Console:  job.NewConsole(r, s.client.ConsumeLine, s.logger),
	}
	if err := r.Run(ctx, w, wc); err != nil {
		s.logger.Warn("工作执行返回错误", "work", w.Kind(), "error", err)
	}
}

// deliver 把指令交给正在执行的 Runner
func (s *Session) deliver(instr work.Instruction) {
	if instr == work.InstructionNone {
		return
	}
	r := s.runner.Load()
	if r == nil {
		s.logger.Debug("收到控制指令但没有正在执行的工作", "instruction", instr.String())
		return
	}
	r.HandleInstruction(instr)
}

// Ping 刷新磁盘空间、上报运行时信息并应用返回的指令；未注册或没有 cookie 时静默跳过
func (s *Session) Ping(ctx context.Context) error {
	if !s.registrar.IsRegistered() || !s.info.HasCookie() {
		metrics.PingTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if err := s.info.RefreshUsableSpace(); err != nil {
		s.logger.Debug("刷新磁盘空间失败", "error", err)
	}
	instr, err := s.client.Ping(ctx, s.info.Snapshot())
	if err != nil {
		metrics.PingTotal.WithLabelValues("error").Inc()
		s.info.MarkLostContact()
		if transport.IsSecurityError(err) {
			s.logSecurityError(err)
			return nil
		}
		return err
	}
	metrics.PingTotal.WithLabelValues("ok").Inc()
	s.info.RecordPing(time.Now())
	s.deliver(instr)
	return nil
}

// handlePush 处理持久通道的服务端推送；在通道读循环 goroutine 上调用
func (s *Session) handlePush(_ context.Context, msg protocol.Message) {
	switch msg.Action {
	case protocol.ActionCancelBuild:
		s.deliver(work.InstructionCancel)
	case protocol.ActionReregister:
		s.logger.Warn("服务端要求重新注册，丢弃本地证书与 cookie")
		s.registrar.InvalidateCertificate()
		s.info.SetCookie("")
	case protocol.ActionSetCookie:
		var cookie string
		if err := msg.DecodePayload(&cookie); err == nil && cookie != "" {
			s.info.SetCookie(cookie)
		}
	case protocol.ActionAssignWork, protocol.ActionBuild:
		if r := s.runner.Load(); r != nil && r.IsRunning() {
			s.logger.Warn("执行中收到新的工作，取消当前工作")
			r.HandleInstruction(work.InstructionCancel)
		}
	}
}
