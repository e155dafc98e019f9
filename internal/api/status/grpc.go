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

package status

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName gRPC health 中 agent 连通性对应的服务名
const ServiceName = "fleet.agent"

// GRPCHealth gRPC health 服务：按 IsConnected 周期更新 SERVING / NOT_SERVING
type GRPCHealth struct {
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// StartGRPC 监听 addr 并启动 gRPC health 服务；connected 每个 interval 评估一次
func StartGRPC(addr string, connected func() bool, interval time.Duration) (*GRPCHealth, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	g := &GRPCHealth{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		lis:    lis,
		stopCh: make(chan struct{}),
	}
	healthpb.RegisterHealthServer(g.srv, g.health)
	g.update(connected)

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		_ = g.srv.Serve(lis)
	}()
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.update(connected)
			}
		}
	}()
	return g, nil
}

func (g *GRPCHealth) update(connected func() bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if connected() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(ServiceName, st)
	g.health.SetServingStatus("", st)
}

// Addr 实际监听地址
func (g *GRPCHealth) Addr() string { return g.lis.Addr().String() }

// Shutdown 停止更新并优雅关闭；ctx 到期后强制关闭
func (g *GRPCHealth) Shutdown(ctx context.Context) {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		g.health.Shutdown()
		done := make(chan struct{})
		go func() {
			g.srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			g.srv.Stop()
		}
		g.wg.Wait()
	})
}
