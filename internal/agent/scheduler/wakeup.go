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

package scheduler

// Waker 唤醒信号：持久通道收到推送的工作时 Notify，拉取循环在等待中被提前唤醒，
// 不必等到退避间隔结束。容量为 1，多次 Notify 合并为一次。
type Waker struct {
	ch chan struct{}
}

// NewWaker 创建唤醒信号
func NewWaker() *Waker {
	return &Waker{ch: make(chan struct{}, 1)}
}

// Notify 非阻塞发送；已有未消费的信号时丢弃
func (w *Waker) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C 供 LoopConfig.Wake 使用
func (w *Waker) C() <-chan struct{} { return w.ch }
