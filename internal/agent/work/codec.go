package work

import (
	"encoding/json"
	"fmt"
)

// envelope 线路格式：{"type": "<Kind>", ...变体字段}
type envelope struct {
	Type Kind `json:"type"`
}

// Decode 按 type 字段显式分派解码；未知 type 返回错误
func Decode(data []byte) (Work, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode work envelope: %w", err)
	}
	switch env.Type {
	case KindNoWork:
		return NoWork{}, nil
	case KindBuild:
		w := &BuildWork{}
		if err := json.Unmarshal(data, w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return w, nil
	case KindDenied:
		var w DeniedAgentWork
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return w, nil
	case KindUnregistered:
		var w UnregisteredAgentWork
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unknown work type %q", env.Type)
	}
}

// Encode 编码为带 type 的 envelope
func Encode(w Work) ([]byte, error) {
	switch v := w.(type) {
	case NoWork:
		return json.Marshal(envelope{Type: KindNoWork})
	case *BuildWork:
		return json.Marshal(struct {
			Type  Kind            `json:"type"`
			Build BuildRef        `json:"build"`
			Plan  json.RawMessage `json:"plan,omitempty"`
		}{KindBuild, v.Build, v.Plan})
	case DeniedAgentWork:
		return json.Marshal(struct {
			Type Kind   `json:"type"`
			UUID string `json:"uuid,omitempty"`
		}{KindDenied, v.UUID})
	case UnregisteredAgentWork:
		return json.Marshal(struct {
			Type Kind   `json:"type"`
			UUID string `json:"uuid,omitempty"`
		}{KindUnregistered, v.UUID})
	default:
		return nil, fmt.Errorf("cannot encode work %T", w)
	}
}
