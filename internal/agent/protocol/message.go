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

// Package protocol 持久通道上的消息格式
package protocol

import (
	"encoding/json"
	"fmt"
)

// Action 通道消息动作；集合固定
type Action string

const (
	ActionPing                Action = "ping"
	ActionAssignWork          Action = "assignWork"
	ActionCancelBuild         Action = "cancelBuild"
	ActionReregister          Action = "reregister"
	ActionSetCookie           Action = "setCookie"
	ActionBuild               Action = "build"
	ActionConsoleOut          Action = "consoleOut"
	ActionReportCurrentStatus Action = "reportCurrentStatus"
	ActionReportCompleting    Action = "reportCompleting"
	ActionReportCompleted     Action = "reportCompleted"
	ActionAcknowledge         Action = "acknowledge"
)

// Valid 是否为已知动作
func (a Action) Valid() bool {
	switch a {
	case ActionPing, ActionAssignWork, ActionCancelBuild, ActionReregister, ActionSetCookie,
		ActionBuild, ActionConsoleOut, ActionReportCurrentStatus, ActionReportCompleting,
		ActionReportCompleted, ActionAcknowledge:
		return true
	}
	return false
}

// Message 通道通信单元；acknowledge 的 payload 是被确认消息的 correlationId
type Message struct {
	Action        Action          `json:"action"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// NewMessage 将 payload 编码为 JSON；payload 为 nil 时不带 payload
func NewMessage(action Action, payload any) (Message, error) {
	m := Message{Action: action}
	if payload == nil {
		return m, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", action, err)
	}
	m.Payload = b
	return m, nil
}

// Ack 构造确认消息
func Ack(correlationID string) Message {
	b, _ := json.Marshal(correlationID)
	return Message{Action: ActionAcknowledge, Payload: b}
}

// AckedID 从 acknowledge 消息中取出被确认的 correlationId
func (m Message) AckedID() (string, error) {
	if m.Action != ActionAcknowledge {
		return "", fmt.Errorf("message %s is not an acknowledgement", m.Action)
	}
	var id string
	if err := json.Unmarshal(m.Payload, &id); err != nil {
		return "", fmt.Errorf("decode acknowledged id: %w", err)
	}
	return id, nil
}

// DecodePayload 将 payload 解码到 v
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Action)
	}
	return json.Unmarshal(m.Payload, v)
}

// Encode 编码为线路字节
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode 从线路字节解码；未知动作返回错误
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if !m.Action.Valid() {
		return Message{}, fmt.Errorf("unknown message action %q", m.Action)
	}
	return m, nil
}

// ConsoleLine consoleOut 的 payload
type ConsoleLine struct {
	BuildID string `json:"buildId"`
	Line    string `json:"line"`
}
