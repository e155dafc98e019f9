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

	"fleet-agent/internal/agent/work"
)

// httpDriver 请求/响应模式：每轮主动 get_work
type httpDriver struct {
	s *Session
}

func (d *httpDriver) name() string { return "http" }

func (d *httpDriver) tryDoWork(ctx context.Context) (work.Outcome, error) {
	s := d.s
	if err := s.ensureCookie(ctx); err != nil {
		return work.Failed, err
	}
	w, err := s.client.GetWork(ctx, s.info.Snapshot())
	if err != nil {
		return work.Failed, fmt.Errorf("get work: %w", err)
	}
	if _, ok := w.(work.UnregisteredAgentWork); ok {
		s.logger.Warn("服务端不认识该 agent，丢弃本地证书，下一轮重新注册")
		s.registrar.InvalidateCertificate()
	}
	s.runWork(ctx, w)
	return work.Classify(w), nil
}
