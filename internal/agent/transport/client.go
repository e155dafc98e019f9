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

// Package transport Agent 与服务端的通信：请求/响应（HTTP）与持久确认通道（WebSocket）两种实现
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"

	"fleet-agent/internal/agent/agentinfo"
	"fleet-agent/internal/agent/work"
	pkgerrors "fleet-agent/pkg/errors"
)

// Client Agent 到服务端的通信契约；两种实现在构造时选定，运行期不协商
type Client interface {
	work.Reporter

	// Ping 上报运行时信息并取回下一条控制指令
	Ping(ctx context.Context, info agentinfo.Snapshot) (work.Instruction, error)
	// GetWork 请求一个工作单元
	GetWork(ctx context.Context, info agentinfo.Snapshot) (work.Work, error)
	// GetCookie 取会话 cookie
	GetCookie(ctx context.Context, info agentinfo.Snapshot) (string, error)
	// ConsumeLine 上传一行控制台输出
	ConsumeLine(ctx context.Context, b work.BuildRef, line string) error
	// Close 释放连接
	Close() error
}

// TokenSource 每次请求前取 bearer token；返回空串时不带 Authorization
type TokenSource func(ctx context.Context) (string, error)

// StaticToken 固定 token
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

const (
	headerAgentGUID = "X-Agent-GUID"
	headerAuth      = "Authorization"
)

// StatusError 服务端返回非 2xx；Err 为错误分类哨兵
type StatusError struct {
	Action string
	Code   int
	Body   string
	Err    error
}

func (e *StatusError) Error() string {
	switch {
	case errors.Is(e.Err, pkgerrors.ErrConfiguration):
		return fmt.Sprintf("The server sent a response that the agent could not use for %q.\n"+
			"The HTTP status was %d. The response body was:\n%s\n\n"+
			"This usually means one of:\n"+
			"  - the agent was deleted from the server configuration\n"+
			"  - the agent is pending approval on the server\n"+
			"  - a reverse proxy between the agent and the server is misconfigured",
			e.Action, e.Code, e.Body)
	case errors.Is(e.Err, pkgerrors.ErrTransient):
		return fmt.Sprintf("action=%s: server error (HTTP %d): %s", e.Action, e.Code, pkgerrors.ErrTransient)
	default:
		return fmt.Sprintf("action=%s: %s (HTTP %d)", e.Action, e.Err, e.Code)
	}
}

func (e *StatusError) Unwrap() error { return e.Err }

// classifyStatus 按状态码分类；2xx 以下返回 nil
func classifyStatus(action string, code int, body string) error {
	switch {
	case code >= http.StatusInternalServerError:
		return &StatusError{Action: action, Code: code, Body: body, Err: pkgerrors.ErrTransient}
	case code >= http.StatusBadRequest:
		return &StatusError{Action: action, Code: code, Body: body, Err: pkgerrors.ErrConfiguration}
	case code >= http.StatusMultipleChoices:
		return &StatusError{Action: action, Code: code, Body: body, Err: pkgerrors.ErrProtocol}
	default:
		return nil
	}
}

// IsSecurityError 错误链中是否包含证书/信任链失败
func IsSecurityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, pkgerrors.ErrSecurity) {
		return true
	}
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalidCert      x509.CertificateInvalidError
		hostname         x509.HostnameError
		verifyErr        *tls.CertificateVerificationError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &hostname) ||
		errors.As(err, &verifyErr)
}

// transportError 网络层失败包装为 ErrTransient，保留原始错误链供安全分类
func transportError(action string, err error) error {
	return fmt.Errorf("%w: action=%s: %w", pkgerrors.ErrTransient, action, err)
}
