// Package errors 提供统一错误辅助与 Agent 错误分类，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
)

// Agent 错误分类：transport 与 session 返回的错误均包装其中之一，调用方用 errors.Is 判断
var (
	// ErrTransient 网络故障或服务端 5xx；下一轮循环重试
	ErrTransient = errors.New("transient transport error")
	// ErrConfiguration 服务端 4xx：agent 被删除、待审批或反向代理配置错误；需人工处理但不致命
	ErrConfiguration = errors.New("agent configuration error")
	// ErrProtocol 服务端返回 3xx，未收到成功响应
	ErrProtocol = errors.New("did not receive a successful response")
	// ErrSecurity 证书/信任链失败；需要运维介入
	ErrSecurity = errors.New("security error")
	// ErrChannelBroken 持久通道多次重试后仍无法发送；当前会话不可用
	ErrChannelBroken = errors.New("channel broken")
	// ErrNoCookie 尚未取得 session cookie，不能请求 work
	ErrNoCookie = errors.New("session cookie not available")
	// ErrUnregistered 服务端不认识该 agent
	ErrUnregistered = errors.New("agent is not registered")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// IsRetryable 是否为下一轮循环可自动恢复的错误（仅 ErrTransient）
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
