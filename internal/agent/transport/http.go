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

package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"fleet-agent/internal/agent/agentinfo"
	"fleet-agent/internal/agent/work"
	pkgerrors "fleet-agent/pkg/errors"
	"fleet-agent/pkg/log"
	"fleet-agent/pkg/tracing"
)

// 请求/响应模式的动作名，对应 {server}/remoting/api/agent/{action}
const (
	actionPing                = "ping"
	actionGetWork             = "get_work"
	actionReportCurrentStatus = "report_current_status"
	actionReportCompleting    = "report_completing"
	actionReportCompleted     = "report_completed"
	actionIsIgnored           = "is_ignored"
	actionGetCookie           = "get_cookie"

	remotingPath = "/remoting/api/agent/"
)

// HTTPOptions HTTPClient 配置
type HTTPOptions struct {
	ServerURL string
	AgentUUID string
	Token     TokenSource
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// HTTPClient 请求/响应模式：每次调用一次往返，携带 agent 标识与 bearer token
type HTTPClient struct {
	client *resty.Client
	token  TokenSource
	logger *log.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient 创建请求/响应模式客户端
func NewHTTPClient(opts HTTPOptions, logger *log.Logger) (*HTTPClient, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Token == nil {
		opts.Token = StaticToken("")
	}
	if logger == nil {
		logger = log.Nop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.ServerURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader(headerAgentGUID, opts.AgentUUID).
		// 3xx 直接交给状态码分类，不跟随跳转
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))
	if opts.TLSConfig != nil {
		client.SetTLSClientConfig(opts.TLSConfig)
	}
	return &HTTPClient{client: client, token: opts.Token, logger: logger}, nil
}

// call 发送一次 POST；out 非 nil 时解码响应体
func (c *HTTPClient) call(ctx context.Context, action string, body any, out any) error {
	ctx, span := tracing.StartRequestSpan(ctx, action)
	defer span.End()

	req := c.client.R().SetContext(ctx).SetBody(body)
	tok, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("action=%s: resolve token: %w", action, err)
	}
	if tok != "" {
		req.SetAuthToken(tok)
	}

	resp, err := req.Post(remotingPath + action)
	if err != nil {
		span.RecordError(err)
		return transportError(action, err)
	}
	if err := classifyStatus(action, resp.StatusCode(), resp.String()); err != nil {
		span.RecordError(err)
		if resp.StatusCode() >= 500 {
			c.logger.Error("服务端错误", "action", action, "status", resp.StatusCode(), "body", resp.String())
		}
		return err
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("action=%s: decode response: %w", action, err)
	}
	return nil
}

type pingResponse struct {
	Instruction work.Instruction `json:"instruction"`
}

// Ping 实现 Client
func (c *HTTPClient) Ping(ctx context.Context, info agentinfo.Snapshot) (work.Instruction, error) {
	var out pingResponse
	if err := c.call(ctx, actionPing, info, &out); err != nil {
		return work.InstructionNone, err
	}
	return out.Instruction, nil
}

// GetWork 实现 Client；响应体为带 type 的 work envelope
func (c *HTTPClient) GetWork(ctx context.Context, info agentinfo.Snapshot) (work.Work, error) {
	var raw json.RawMessage
	if err := c.call(ctx, actionGetWork, info, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return work.NoWork{}, nil
	}
	w, err := work.Decode(raw)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "action=%s", actionGetWork)
	}
	return w, nil
}

// ReportCurrentStatus 实现 work.Reporter
func (c *HTTPClient) ReportCurrentStatus(ctx context.Context, r work.Report) error {
	return c.call(ctx, actionReportCurrentStatus, r, nil)
}

// ReportCompleting 实现 work.Reporter
func (c *HTTPClient) ReportCompleting(ctx context.Context, r work.Report) error {
	return c.call(ctx, actionReportCompleting, r, nil)
}

// ReportCompleted 实现 work.Reporter
func (c *HTTPClient) ReportCompleted(ctx context.Context, r work.Report) error {
	return c.call(ctx, actionReportCompleted, r, nil)
}

type ignoredResponse struct {
	Ignored bool `json:"ignored"`
}

// IsIgnored 服务端是否已放弃该构建（如构建已被重新调度）
func (c *HTTPClient) IsIgnored(ctx context.Context, r work.Report) (bool, error) {
	var out ignoredResponse
	if err := c.call(ctx, actionIsIgnored, r, &out); err != nil {
		return false, err
	}
	return out.Ignored, nil
}

type cookieResponse struct {
	Cookie string `json:"cookie"`
}

// GetCookie 实现 Client
func (c *HTTPClient) GetCookie(ctx context.Context, info agentinfo.Snapshot) (string, error) {
	var out cookieResponse
	if err := c.call(ctx, actionGetCookie, info, &out); err != nil {
		return "", err
	}
	if out.Cookie == "" {
		return "", pkgerrors.Wrapf(pkgerrors.ErrNoCookie, "action=%s: empty cookie", actionGetCookie)
	}
	return out.Cookie, nil
}

// ConsumeLine PUT 到构建的控制台地址；地址为空时丢弃
func (c *HTTPClient) ConsumeLine(ctx context.Context, b work.BuildRef, line string) error {
	if b.ConsoleURL == "" {
		return nil
	}
	req := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain; charset=utf-8").
		SetBody(line + "\n")
	tok, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("console: resolve token: %w", err)
	}
	if tok != "" {
		req.SetAuthToken(tok)
	}
	resp, err := req.Put(b.ConsoleURL)
	if err != nil {
		return transportError("console", err)
	}
	return classifyStatus("console", resp.StatusCode(), resp.String())
}

// Close 实现 Client；HTTP 模式无常驻连接
func (c *HTTPClient) Close() error {
	return nil
}
