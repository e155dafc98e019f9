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

package agentinfo

import (
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status Agent 运行状态
type Status int32

const (
	StatusIdle Status = iota
	StatusBuilding
	StatusCancelled
	StatusLostContact
)

// String 实现 fmt.Stringer；与服务端 runtime status 取值一致
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusBuilding:
		return "Building"
	case StatusCancelled:
		return "Cancelled"
	case StatusLostContact:
		return "LostContact"
	default:
		return "Unknown"
	}
}

// MarshalText 以字符串形式编码
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Identifier Agent 身份
type Identifier struct {
	Hostname  string `json:"hostName"`
	IPAddress string `json:"ipAddress"`
	UUID      string `json:"uuid"`
}

// NewIdentifier 补全缺省字段：uuid 为空时生成，hostname 为空时取 os.Hostname，IP 取第一个非回环 IPv4
func NewIdentifier(hostname, id string) Identifier {
	if id == "" {
		id = uuid.NewString()
	}
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "localhost"
		}
	}
	return Identifier{Hostname: hostname, IPAddress: firstNonLoopbackIP(), UUID: id}
}

func firstNonLoopbackIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return "127.0.0.1"
}

// RuntimeInfo Agent 运行时信息；拉取循环与心跳定时器并发读写，所有字段均为原子操作
type RuntimeInfo struct {
	id          Identifier
	status      atomic.Int32
	lostContact atomic.Bool
	lastPing    atomic.Int64 // unix nano；0 表示从未成功
	cookie      atomic.Pointer[string]
	buildID     atomic.Pointer[string]
	usableSpace atomic.Int64
	workDir     string
}

// New 创建 RuntimeInfo，初始为 Idle
func New(id Identifier, workDir string) *RuntimeInfo {
	info := &RuntimeInfo{id: id, workDir: workDir}
	info.status.Store(int32(StatusIdle))
	info.usableSpace.Store(-1)
	return info
}

// Identifier 返回 Agent 身份
func (r *RuntimeInfo) Identifier() Identifier { return r.id }

// WorkDir 工作目录
func (r *RuntimeInfo) WorkDir() string { return r.workDir }

// Status 当前状态；与服务端失联时为 LostContact，否则为最近一次状态迁移的结果
func (r *RuntimeInfo) Status() Status {
	if r.lostContact.Load() {
		return StatusLostContact
	}
	return Status(r.status.Load())
}

// Busy 进入 Building
func (r *RuntimeInfo) Busy(buildID string) {
	r.buildID.Store(&buildID)
	r.status.Store(int32(StatusBuilding))
}

// Cancel Building 中收到取消；其它状态不变
func (r *RuntimeInfo) Cancel() {
	r.status.CompareAndSwap(int32(StatusBuilding), int32(StatusCancelled))
}

// Idle 回到 Idle 并清空当前 build
func (r *RuntimeInfo) Idle() {
	r.buildID.Store(nil)
	r.status.Store(int32(StatusIdle))
}

// BuildID 当前 build id；空闲时为空
func (r *RuntimeInfo) BuildID() string {
	if p := r.buildID.Load(); p != nil {
		return *p
	}
	return ""
}

// Cookie 服务端下发的会话 cookie
func (r *RuntimeInfo) Cookie() string {
	if p := r.cookie.Load(); p != nil {
		return *p
	}
	return ""
}

// SetCookie 设置会话 cookie；空串表示清除
func (r *RuntimeInfo) SetCookie(c string) {
	if c == "" {
		r.cookie.Store(nil)
		return
	}
	r.cookie.Store(&c)
}

// HasCookie 是否已持有 cookie
func (r *RuntimeInfo) HasCookie() bool { return r.cookie.Load() != nil }

// RecordPing 记录一次成功心跳，并解除 LostContact
func (r *RuntimeInfo) RecordPing(at time.Time) {
	r.lastPing.Store(at.UnixNano())
	r.lostContact.Store(false)
}

// MarkLostContact 心跳失败
func (r *RuntimeInfo) MarkLostContact() {
	r.lostContact.Store(true)
}

// LastPing 最近一次成功心跳时间；从未成功时为零值
func (r *RuntimeInfo) LastPing() time.Time {
	n := r.lastPing.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SetUsableSpace 更新可用磁盘空间（字节）
func (r *RuntimeInfo) SetUsableSpace(bytes int64) { r.usableSpace.Store(bytes) }

// UsableSpace 可用磁盘空间（字节）；未知时为 -1
func (r *RuntimeInfo) UsableSpace() int64 { return r.usableSpace.Load() }

// RefreshUsableSpace 重新统计工作目录所在磁盘的可用空间；失败时保留旧值
func (r *RuntimeInfo) RefreshUsableSpace() error {
	n, err := DiskSpace(r.workDir)
	if err != nil {
		return err
	}
	r.usableSpace.Store(n)
	return nil
}

// Snapshot 线路上传输的只读副本
type Snapshot struct {
	Identifier  Identifier `json:"identifier"`
	Status      Status     `json:"runtimeStatus"`
	BuildID     string     `json:"buildId,omitempty"`
	Cookie      string     `json:"cookie,omitempty"`
	UsableSpace int64      `json:"usableSpace"`
	LastPing    *time.Time `json:"lastHeardFrom,omitempty"`
}

// Snapshot 拷贝当前值
func (r *RuntimeInfo) Snapshot() Snapshot {
	s := Snapshot{
		Identifier:  r.id,
		Status:      r.Status(),
		BuildID:     r.BuildID(),
		Cookie:      r.Cookie(),
		UsableSpace: r.UsableSpace(),
	}
	if t := r.LastPing(); !t.IsZero() {
		s.LastPing = &t
	}
	return s
}
