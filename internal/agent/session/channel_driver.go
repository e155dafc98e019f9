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

package session

import (
	"context"
	"fmt"
	"time"

	"fleet-agent/internal/agent/transport"
	"fleet-agent/internal/agent/work"
)

// channelClient 持久通道在 transport.Client 之外的能力
type channelClient interface {
	transport.Client
	EnsureOpen(ctx context.Context) error
	SetPushHandler(h transport.PushHandler)
	TakeAssignment() (work.Work, bool)
}

var _ channelClient = (*transport.ChannelClient)(nil)

// channelDriver 持久通道模式：工作由服务端推送，每轮只取走已推送的工作
type channelDriver struct {
	s      *Session
	client channelClient
}

func (d *channelDriver) name() string { return "channel" }

func (d *channelDriver) tryDoWork(ctx context.Context) (work.Outcome, error) {
	s := d.s
	if err := d.client.EnsureOpen(ctx); err != nil {
		if transport.IsSecurityError(err) {
			s.registrar.InvalidateCertificate()
		}
		return work.Failed, fmt.Errorf("open channel: %w", err)
	}
	if err := s.ensureCookie(ctx); err != nil {
		return work.Failed, err
	}
	// 空闲 ping 让服务端知道 agent 可接收工作
	if _, err := d.client.Ping(ctx, s.info.Snapshot()); err != nil {
		return work.Failed, fmt.Errorf("idle ping: %w", err)
	}
	s.info.RecordPing(time.Now())

	w, ok := d.client.TakeAssignment()
	if !ok {
		return work.NothingToDo, nil
	}
	s.runWork(ctx, w)
	return work.Classify(w), nil
}
