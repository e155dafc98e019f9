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

// Package agent 组装 Agent 进程：传输客户端、会话、拉取循环、ping 定时器与本地状态接口
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/uuid"
	hertzslog "github.com/hertz-contrib/logger/slog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"fleet-agent/internal/agent/ack"
	"fleet-agent/internal/agent/agentinfo"
	"fleet-agent/internal/agent/scheduler"
	"fleet-agent/internal/agent/session"
	"fleet-agent/internal/agent/transport"
	"fleet-agent/internal/agent/work"
	"fleet-agent/internal/api/status"
	"fleet-agent/pkg/config"
	"fleet-agent/pkg/log"
	"fleet-agent/pkg/secrets"
	"fleet-agent/pkg/tracing"
)

// App Agent 应用
type App struct {
	config  *config.Config
	logger  *log.Logger
	info    *agentinfo.RuntimeInfo
	client  transport.Client
	session *session.Session
	loop    *scheduler.RetrievalLoop
	pinger  *scheduler.PingRunner
	plugins *pluginGate

	tracer     *sdktrace.TracerProvider
	hertz      *server.Hertz
	grpcHealth *status.GRPCHealth

	cancel       context.CancelFunc
	pingStop     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewApp 根据配置创建 Agent 应用
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	a := &App{config: cfg, logger: logger, plugins: newPluginGate(), pingStop: make(chan struct{})}

	if cfg.Monitoring.Tracing.Enable {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链路追踪失败: %w", err)
		}
		a.tracer = tp
		logger.Info("链路追踪已启用", "service_name", cfg.Monitoring.Tracing.ServiceName)
	}

	agentID := cfg.Agent.UUID
	if agentID == "" {
		agentID = uuid.NewString()
		logger.Warn("未配置 agent.uuid，使用临时生成的标识；重启后服务端会视为新 agent", "uuid", agentID)
	}
	hostname := cfg.Agent.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	a.info = agentinfo.New(agentinfo.NewIdentifier(hostname, agentID), cfg.Agent.WorkDir)
	a.logger = logger.With("agent_uuid", agentID)

	store, err := secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Dir:      cfg.Secrets.Dir,
		Vault: secrets.VaultConfig{
			Address:    cfg.Secrets.Vault.Address,
			Token:      cfg.Secrets.Vault.Token,
			PathPrefix: cfg.Secrets.Vault.PathPrefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 secrets store 失败: %w", err)
	}
	registrar := newSecretRegistrar(store, cfg.Agent.TokenKey, a.logger)

	waker := scheduler.NewWaker()
	a.client, err = newClient(cfg, agentID, registrar.Token, waker, a.logger)
	if err != nil {
		return nil, err
	}

	a.session, err = session.New(session.Options{
		Client: a.client,
		Info:   a.info,
		Env: &work.EnvironmentContext{
			WorkDir:  cfg.Agent.WorkDir,
			Executor: work.UnavailableExecutor{},
			Logger:   a.logger,
		},
		Registrar: registrar,
		Plugins:   a.plugins,
		Upgrader:  noopUpgradeChecker{},
		Logger:    a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化会话失败: %w", err)
	}

	a.loop = scheduler.NewRetrievalLoop(a.session, scheduler.LoopConfig{
		Initial:    cfg.BackoffInitial(),
		Multiplier: cfg.Backoff.Multiplier,
		Max:        cfg.BackoffMax(),
		Wake:       waker.C(),
	}, a.logger)
	a.pinger = scheduler.NewPingRunner(a.session, scheduler.PingRunnerConfig{Interval: cfg.PingInterval()}, a.logger)
	return a, nil
}

// newClient 按 agent.transport 构造传输客户端；两种实现运行期不切换
func newClient(cfg *config.Config, agentID string, token transport.TokenSource, waker *scheduler.Waker, logger *log.Logger) (transport.Client, error) {
	switch cfg.Agent.Transport {
	case config.TransportChannel:
		c, err := transport.NewChannelClient(transport.ChannelOptions{
			URL:       cfg.Agent.ChannelURL,
			AgentUUID: agentID,
			Token:     token,
			Ack: ack.Config{
				Timeout:    cfg.AckTimeout(),
				Attempts:   cfg.Ack.SendRetries,
				RetryDelay: cfg.AckRetryDelay(),
			},
			DialInterval: cfg.ChannelDialInterval(),
			MaxIdle:      cfg.ChannelMaxIdle(),
			OnAssignment: waker.Notify,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化持久通道客户端失败: %w", err)
		}
		return c, nil
	default:
		c, err := transport.NewHTTPClient(transport.HTTPOptions{
			ServerURL: cfg.Agent.ServerURL,
			AgentUUID: agentID,
			Token:     token,
			Timeout:   cfg.HTTPTimeout(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化 HTTP 客户端失败: %w", err)
		}
		return c, nil
	}
}

// Start 启动状态接口、等待插件首次加载，然后启动拉取循环与 ping 定时器
func (a *App) Start() error {
	a.logger.Info("启动 agent", "transport", a.session.Transport(), "work_dir", a.info.WorkDir())

	if a.config.StatusAPI.Enable {
		if err := a.startStatusAPI(); err != nil {
			return fmt.Errorf("启动状态接口失败: %w", err)
		}
	}

	// 当前没有外部插件，启动即视为完成首次加载
	a.plugins.MarkLoaded()
	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer awaitCancel()
	if err := a.plugins.AwaitFirstLoad(awaitCtx); err != nil {
		return fmt.Errorf("等待插件加载失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.loop.Start(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pinger.Run(ctx, a.pingStop)
	}()

	a.logger.Info("agent 启动成功")
	return nil
}

func (a *App) startStatusAPI() error {
	// 使用 Hertz slog 扩展，与 agent 日志级别、输出对齐
	levelVar := &slog.LevelVar{}
	levelVar.Set(a.logger.Level())
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(a.logger.Output()),
		hertzslog.WithLevel(levelVar),
	))

	handler := status.NewHandler(a.info, a.session.Transport(), a.pinger.Interval())
	router := status.NewRouter(handler)
	addr := net.JoinHostPort(a.config.StatusAPI.Host, strconv.Itoa(a.config.StatusAPI.Port))
	if a.tracer != nil {
		tracerOpt, cfg := hertztracing.NewServerTracer()
		a.hertz = router.Build(addr, tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(cfg))
	} else {
		a.hertz = router.Build(addr)
	}
	go func() {
		if err := a.hertz.Run(); err != nil {
			a.logger.Error("状态接口退出", "error", err)
		}
	}()
	a.logger.Info("状态接口已启动", "addr", addr)

	if a.config.StatusAPI.GrpcPort > 0 {
		grpcAddr := net.JoinHostPort(a.config.StatusAPI.Host, strconv.Itoa(a.config.StatusAPI.GrpcPort))
		g, err := status.StartGRPC(grpcAddr, handler.IsConnected, a.pinger.Interval())
		if err != nil {
			return fmt.Errorf("启动 gRPC health 服务失败: %w", err)
		}
		a.grpcHealth = g
		a.logger.Info("gRPC health 服务已启动", "addr", g.Addr())
	}
	return nil
}

// Shutdown 停止循环与定时器、关闭连接与状态接口（传入 ctx 以支持超时）；重复调用无效果
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() { a.shutdown(ctx) })
	return nil
}

func (a *App) shutdown(ctx context.Context) {
	a.logger.Info("关闭 agent")

	if a.cancel != nil {
		a.cancel()
		a.loop.Stop()
		close(a.pingStop)
		a.wg.Wait()
	}
	if err := a.client.Close(); err != nil {
		a.logger.Error("关闭传输客户端失败", "error", err)
	}
	if a.grpcHealth != nil {
		a.grpcHealth.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			a.logger.Error("关闭状态接口失败", "error", err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("关闭链路追踪失败", "error", err)
		}
	}

	a.logger.Info("agent 关闭成功")
}
