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
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fleet-agent/internal/agent/ack"
	"fleet-agent/internal/agent/agentinfo"
	"fleet-agent/internal/agent/protocol"
	"fleet-agent/internal/agent/work"
	pkgerrors "fleet-agent/pkg/errors"
	"fleet-agent/pkg/log"
	"fleet-agent/pkg/metrics"
	"fleet-agent/pkg/tracing"
)

const (
	channelWriteTimeout = 10 * time.Second
	channelReadLimit    = 4 << 20
)

// ChannelOptions ChannelClient 配置
type ChannelOptions struct {
	URL       string
	AgentUUID string
	Token     TokenSource
	Ack       ack.Config
	// DialInterval 两次建连之间的最小间隔，默认 5s
	DialInterval time.Duration
	// MaxIdle 读空闲上限，超过即断开，默认 60s
	MaxIdle   time.Duration
	TLSConfig *tls.Config
	// OnAssignment 服务端推送新工作时回调（用于唤醒拉取循环）；在读循环 goroutine 上调用，不可阻塞
	OnAssignment func()
}

// PushHandler 处理服务端主动推送的消息（acknowledge 除外）；在读循环 goroutine 上调用
type PushHandler func(ctx context.Context, msg protocol.Message)

// ChannelClient 持久确认通道：单条长连接，变更类调用包装为 Message 并经 ack.Registry 等待确认
type ChannelClient struct {
	opts     ChannelOptions
	logger   *log.Logger
	registry *ack.Registry
	limiter  *rate.Limiter

	handler atomic.Pointer[PushHandler]
	cookie  atomic.Pointer[string]
	cookies chan string
	// assignments 容量 1，新推送覆盖未取走的旧推送
	assignments chan work.Work

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Client = (*ChannelClient)(nil)

// NewChannelClient 创建持久通道客户端；首次发送时才建连
func NewChannelClient(opts ChannelOptions, logger *log.Logger) (*ChannelClient, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("channel url is required")
	}
	if opts.Token == nil {
		opts.Token = StaticToken("")
	}
	if opts.DialInterval <= 0 {
		opts.DialInterval = 5 * time.Second
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 60 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	c := &ChannelClient{
		opts:        opts,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(opts.DialInterval), 1),
		cookies:     make(chan string, 1),
		assignments: make(chan work.Work, 1),
	}
	c.registry = ack.NewRegistry(c.transmit, opts.Ack, logger)
	return c, nil
}

// SetPushHandler 设置推送处理器
func (c *ChannelClient) SetPushHandler(h PushHandler) {
	c.handler.Store(&h)
}

// IsOpen 连接是否可用
func (c *ChannelClient) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// EnsureOpen 未连接时建立新连接；新连接上旧的等待者全部丢弃
func (c *ChannelClient) EnsureOpen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	hdr := http.Header{}
	hdr.Set(headerAgentGUID, c.opts.AgentUUID)
	tok, err := c.opts.Token(ctx)
	if err != nil {
		return fmt.Errorf("connect: resolve token: %w", err)
	}
	if tok != "" {
		hdr.Set(headerAuth, "Bearer "+tok)
	}
	dialOpts := &websocket.DialOptions{HTTPHeader: hdr}
	if c.opts.TLSConfig != nil {
		dialOpts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: c.opts.TLSConfig}}
	}

	conn, resp, err := websocket.Dial(ctx, c.opts.URL, dialOpts)
	if err != nil {
		if resp != nil {
			body := ""
			if resp.Body != nil {
				b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				body = string(b)
			}
			if statusErr := classifyStatus("connect", resp.StatusCode, body); statusErr != nil {
				return statusErr
			}
		}
		return transportError("connect", err)
	}
	conn.SetReadLimit(channelReadLimit)

	c.registry.Reset()
	c.clearCookie()
	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.cancel = cancel
	metrics.ChannelReconnectsTotal.Inc()
	c.logger.Info("持久通道已连接", "url", c.opts.URL)

	c.wg.Add(1)
	go c.readLoop(readCtx, conn)
	return nil
}

func (c *ChannelClient) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// transmit 写出到当前连接；不重连，重连由调用方负责
func (c *ChannelClient) transmit(ctx context.Context, msg protocol.Message) error {
	conn := c.current()
	if conn == nil {
		return ack.ErrNotConnected
	}
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, channelWriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		c.drop(conn)
		return fmt.Errorf("%w: action=%s: %w", ack.ErrNotConnected, msg.Action, err)
	}
	return nil
}

// drop 断开 conn 并丢弃其上的等待者；conn 已被替换时只关闭它本身
func (c *ChannelClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	owned := c.conn == conn
	if owned {
		c.conn = nil
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
	c.mu.Unlock()
	_ = conn.CloseNow()
	if owned {
		c.registry.Reset()
		c.clearCookie()
	}
}

// clearCookie 丢弃已缓存和尚未取走的 cookie；cookie 只在下发它的连接上有效
func (c *ChannelClient) clearCookie() {
	c.cookie.Store(nil)
	select {
	case <-c.cookies:
	default:
	}
}

func (c *ChannelClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.drop(conn)
	for {
		rctx, cancel := context.WithTimeout(ctx, c.opts.MaxIdle)
		_, data, err := conn.Read(rctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("持久通道断开", "error", err)
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("无法解析服务端消息", "error", err)
			continue
		}
		c.dispatch(ctx, conn, msg)
	}
}

func (c *ChannelClient) dispatch(ctx context.Context, conn *websocket.Conn, msg protocol.Message) {
	switch msg.Action {
	case protocol.ActionAcknowledge:
		c.registry.Acknowledge(msg)
		return
	case protocol.ActionSetCookie:
		var cookie string
		if err := msg.DecodePayload(&cookie); err != nil || cookie == "" {
			c.logger.Warn("setCookie 消息无效", "error", err)
			break
		}
		c.cookie.Store(&cookie)
		select {
		case <-c.cookies:
		default:
		}
		c.cookies <- cookie
	case protocol.ActionAssignWork, protocol.ActionBuild:
		w, err := work.Decode(msg.Payload)
		if err != nil {
			c.logger.Warn("无法解析推送的工作", "action", msg.Action, "error", err)
			break
		}
		select {
		case <-c.assignments:
		default:
		}
		c.assignments <- w
		if c.opts.OnAssignment != nil {
			c.opts.OnAssignment()
		}
	case protocol.ActionReregister:
		c.clearCookie()
	}

	// 服务端消息带 correlationId 时回确认
	if msg.CorrelationID != "" {
		wctx, cancel := context.WithTimeout(ctx, channelWriteTimeout)
		b, _ := protocol.Encode(protocol.Ack(msg.CorrelationID))
		if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
			c.logger.Warn("回确认失败", "action", msg.Action, "error", err)
		}
		cancel()
	}

	if h := c.handler.Load(); h != nil && *h != nil {
		(*h)(ctx, msg)
	}

	if msg.Action == protocol.ActionReregister {
		c.logger.Info("服务端要求重新注册，断开持久通道")
		c.drop(conn)
	}
}

// SendAndWait 确保连接后发送并等待确认；超时返回 false、不返回错误
func (c *ChannelClient) SendAndWait(ctx context.Context, action protocol.Action, payload any) (bool, error) {
	ctx, span := tracing.StartRequestSpan(ctx, string(action))
	defer span.End()
	if err := c.EnsureOpen(ctx); err != nil {
		span.RecordError(err)
		return false, err
	}
	msg, err := protocol.NewMessage(action, payload)
	if err != nil {
		return false, err
	}
	return c.registry.Send(ctx, msg)
}

// Ping 发送运行时信息；指令通过推送（cancelBuild）异步到达，这里总是返回 InstructionNone
func (c *ChannelClient) Ping(ctx context.Context, info agentinfo.Snapshot) (work.Instruction, error) {
	ok, err := c.SendAndWait(ctx, protocol.ActionPing, info)
	if err != nil {
		return work.InstructionNone, err
	}
	if !ok {
		return work.InstructionNone, fmt.Errorf("%w: ping was not acknowledged", pkgerrors.ErrTransient)
	}
	return work.InstructionNone, nil
}

// GetWork 取走一个已推送的工作；没有时返回 NoWork
func (c *ChannelClient) GetWork(ctx context.Context, info agentinfo.Snapshot) (work.Work, error) {
	if w, ok := c.TakeAssignment(); ok {
		return w, nil
	}
	return work.NoWork{}, nil
}

// TakeAssignment 非阻塞取走推送的工作
func (c *ChannelClient) TakeAssignment() (work.Work, bool) {
	select {
	case w := <-c.assignments:
		return w, true
	default:
		return nil, false
	}
}

func (c *ChannelClient) report(ctx context.Context, action protocol.Action, r work.Report) error {
	ok, err := c.SendAndWait(ctx, action, r)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Warn("上报未被确认，继续执行", "action", action, "build_id", r.Build.BuildID)
	}
	return nil
}

// ReportCurrentStatus 实现 work.Reporter
func (c *ChannelClient) ReportCurrentStatus(ctx context.Context, r work.Report) error {
	return c.report(ctx, protocol.ActionReportCurrentStatus, r)
}

// ReportCompleting 实现 work.Reporter
func (c *ChannelClient) ReportCompleting(ctx context.Context, r work.Report) error {
	return c.report(ctx, protocol.ActionReportCompleting, r)
}

// ReportCompleted 实现 work.Reporter
func (c *ChannelClient) ReportCompleted(ctx context.Context, r work.Report) error {
	return c.report(ctx, protocol.ActionReportCompleted, r)
}

// IsIgnored 通道模式下服务端自行丢弃过期上报，总是 false
func (c *ChannelClient) IsIgnored(context.Context, work.Report) (bool, error) {
	return false, nil
}

// GetCookie 发送 ping 并等待服务端推送 setCookie，最长等待确认超时
func (c *ChannelClient) GetCookie(ctx context.Context, info agentinfo.Snapshot) (string, error) {
	if p := c.cookie.Load(); p != nil {
		return *p, nil
	}
	if _, err := c.SendAndWait(ctx, protocol.ActionPing, info); err != nil {
		return "", err
	}
	if p := c.cookie.Load(); p != nil {
		return *p, nil
	}
	timeout := c.opts.Ack.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case cookie := <-c.cookies:
		return cookie, nil
	case <-timer.C:
		return "", pkgerrors.Wrap(pkgerrors.ErrNoCookie, "channel")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ConsumeLine 发送 consoleOut，不等待确认
func (c *ChannelClient) ConsumeLine(ctx context.Context, b work.BuildRef, line string) error {
	if err := c.EnsureOpen(ctx); err != nil {
		return err
	}
	msg, err := protocol.NewMessage(protocol.ActionConsoleOut, protocol.ConsoleLine{BuildID: b.BuildID, Line: line})
	if err != nil {
		return err
	}
	msg.CorrelationID = uuid.NewString()
	return c.transmit(ctx, msg)
}

// Close 正常关闭连接并等待读循环退出
func (c *ChannelClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "agent shutting down"); err != nil {
			c.logger.Debug("关闭持久通道", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.registry.Reset()
	return nil
}
