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

// Package status Agent 本地状态接口：连通性健康检查、运行时快照与 Prometheus 指标
package status

import (
	"bytes"
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/prometheus/common/expfmt"

	"fleet-agent/internal/agent/agentinfo"
	"fleet-agent/pkg/metrics"
)

// Handler 状态接口处理器
type Handler struct {
	info         *agentinfo.RuntimeInfo
	transport    string
	pingInterval time.Duration
	now          func() time.Time
}

// NewHandler 创建处理器；最近一次 ping 在两个 ping 间隔内视为与服务端保持连接
func NewHandler(info *agentinfo.RuntimeInfo, transport string, pingInterval time.Duration) *Handler {
	if pingInterval <= 0 {
		pingInterval = 10 * time.Second
	}
	return &Handler{info: info, transport: transport, pingInterval: pingInterval, now: time.Now}
}

// IsConnected 最近一次 ping 是否足够新
func (h *Handler) IsConnected() bool {
	last := h.info.LastPing()
	if last.IsZero() {
		return false
	}
	return h.now().Sub(last) <= 2*h.pingInterval
}

// IsConnectedToServer GET /health/v1/isConnectedToServer
func (h *Handler) IsConnectedToServer(ctx context.Context, c *app.RequestContext) {
	if h.IsConnected() {
		c.String(consts.StatusOK, "OK!")
		return
	}
	c.String(consts.StatusServiceUnavailable, "Bad!")
}

// statusResponse GET /status 的响应
type statusResponse struct {
	agentinfo.Snapshot
	Transport string `json:"transport"`
	Connected bool   `json:"connectedToServer"`
}

// Status GET /status
func (h *Handler) Status(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, statusResponse{
		Snapshot:  h.info.Snapshot(),
		Transport: h.transport,
		Connected: h.IsConnected(),
	})
}

// Metrics GET /metrics
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		hlog.CtxErrorf(ctx, "导出指标失败: %v", err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	c.Data(consts.StatusOK, string(expfmt.FmtText), buf.Bytes())
}
