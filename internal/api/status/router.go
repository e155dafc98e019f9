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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
)

// Router 状态接口路由
type Router struct {
	handler *Handler
}

// NewRouter 创建路由
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// Build 创建 Hertz 服务并注册路由；opts 用于注入 tracer 等服务端选项
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(opts...)

	health := h.Group("/health")
	{
		health.GET("/v1/isConnectedToServer", r.handler.IsConnectedToServer)
		health.GET("/latest/isConnectedToServer", r.handler.IsConnectedToServer)
	}
	h.GET("/status", r.handler.Status)
	h.GET("/metrics", r.handler.Metrics)
	return h
}
