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

package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"fleet-agent/internal/agent/session"
	"fleet-agent/pkg/log"
	"fleet-agent/pkg/secrets"
)

// secretRegistrar 以 secrets store 中的 bearer token 作为注册凭据：
// 注册即加载 token，失效即丢弃缓存，下一轮从 store 重新加载（可拾取轮换后的 token）
type secretRegistrar struct {
	store  secrets.Store
	key    string
	logger *log.Logger
	token  atomic.Pointer[string]
}

var _ session.Registrar = (*secretRegistrar)(nil)

func newSecretRegistrar(store secrets.Store, key string, logger *log.Logger) *secretRegistrar {
	return &secretRegistrar{store: store, key: key, logger: logger}
}

func (r *secretRegistrar) IsRegistered() bool { return r.token.Load() != nil }

func (r *secretRegistrar) CreateSSLInfrastructure(ctx context.Context) error {
	tok, err := secrets.Token(ctx, r.store, r.key)
	if err != nil {
		return fmt.Errorf("load agent token %q: %w", r.key, err)
	}
	if tok == "" {
		r.logger.Warn("未找到 agent token，以匿名身份访问服务端", "key", r.key)
	}
	r.token.Store(&tok)
	return nil
}

func (r *secretRegistrar) InvalidateCertificate() {
	if r.token.Swap(nil) != nil {
		r.logger.Info("已丢弃本地 agent 凭据，下一轮重新加载", "key", r.key)
	}
}

// Token 实现 transport.TokenSource；未注册时按需加载
func (r *secretRegistrar) Token(ctx context.Context) (string, error) {
	if p := r.token.Load(); p != nil {
		return *p, nil
	}
	if err := r.CreateSSLInfrastructure(ctx); err != nil {
		return "", err
	}
	if p := r.token.Load(); p != nil {
		return *p, nil
	}
	return "", nil
}

// pluginGate 插件首次加载完成前阻止拉取工作
type pluginGate struct {
	once   sync.Once
	loaded chan struct{}
}

var _ session.PluginGate = (*pluginGate)(nil)

func newPluginGate() *pluginGate {
	return &pluginGate{loaded: make(chan struct{})}
}

// MarkLoaded 标记首次加载完成；可重复调用
func (g *pluginGate) MarkLoaded() {
	g.once.Do(func() { close(g.loaded) })
}

func (g *pluginGate) HasRunAtLeastOnce() bool {
	select {
	case <-g.loaded:
		return true
	default:
		return false
	}
}

func (g *pluginGate) AwaitFirstLoad(ctx context.Context) error {
	select {
	case <-g.loaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// noopUpgradeChecker 不做自升级，由部署系统负责替换二进制
type noopUpgradeChecker struct{}

func (noopUpgradeChecker) CheckForUpgrade(context.Context) error { return nil }
