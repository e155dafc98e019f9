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

package work

import (
	"encoding/json"
	"fmt"
)

// Instruction 随心跳或通道推送下发的控制指令
type Instruction int

const (
	InstructionNone Instruction = iota
	InstructionCancel
	InstructionKillRunningTasks
)

func (i Instruction) String() string {
	switch i {
	case InstructionNone:
		return "NONE"
	case InstructionCancel:
		return "CANCEL"
	case InstructionKillRunningTasks:
		return "KILL_RUNNING_TASKS"
	default:
		return fmt.Sprintf("Instruction(%d)", int(i))
	}
}

// MarshalJSON 编码为字符串
func (i Instruction) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// UnmarshalJSON 解码字符串；空串与 null 视为 NONE
func (i *Instruction) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "", "NONE":
		*i = InstructionNone
	case "CANCEL":
		*i = InstructionCancel
	case "KILL_RUNNING_TASKS":
		*i = InstructionKillRunningTasks
	default:
		return fmt.Errorf("unknown agent instruction %q", s)
	}
	return nil
}
