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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfig(t, `
agent:
  uuid: "agent-1"
  transport: "http"
  server_url: "https://ci.example.com/go"
backoff:
  initial: "2s"
  multiplier: 3
  max: "30s"
ack:
  timeout: "45s"
log:
  level: "debug"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.UUID != "agent-1" {
		t.Errorf("Agent.UUID: got %q", cfg.Agent.UUID)
	}
	if cfg.BackoffInitial() != 2*time.Second {
		t.Errorf("BackoffInitial: got %v", cfg.BackoffInitial())
	}
	if cfg.Backoff.Multiplier != 3 {
		t.Errorf("Backoff.Multiplier: got %v", cfg.Backoff.Multiplier)
	}
	if cfg.BackoffMax() != 30*time.Second {
		t.Errorf("BackoffMax: got %v", cfg.BackoffMax())
	}
	if cfg.AckTimeout() != 45*time.Second {
		t.Errorf("AckTimeout: got %v", cfg.AckTimeout())
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  server_url: "https://ci.example.com/go"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.Transport != TransportHTTP {
		t.Errorf("Transport: got %q", cfg.Agent.Transport)
	}
	if cfg.Ack.SendRetries != 5 {
		t.Errorf("SendRetries: got %d", cfg.Ack.SendRetries)
	}
	if cfg.AckTimeout() != 300*time.Second {
		t.Errorf("AckTimeout: got %v", cfg.AckTimeout())
	}
	if cfg.StatusAPI.Port != 8152 || cfg.StatusAPI.Host != "localhost" {
		t.Errorf("StatusAPI: got %s:%d", cfg.StatusAPI.Host, cfg.StatusAPI.Port)
	}
	if cfg.Backoff.Multiplier != 2 {
		t.Errorf("Multiplier: got %v", cfg.Backoff.Multiplier)
	}
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("FLEET_TEST_CHANNEL_URL", "wss://ci.example.com/go/agent-websocket")
	path := writeConfig(t, `
agent:
  transport: "channel"
  channel_url: "${FLEET_TEST_CHANNEL_URL}"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Agent.ChannelURL != "wss://ci.example.com/go/agent-websocket" {
		t.Errorf("ChannelURL: got %q", cfg.Agent.ChannelURL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		agent   AgentConfig
		wantErr bool
	}{
		{"http ok", AgentConfig{Transport: TransportHTTP, ServerURL: "http://x"}, false},
		{"http missing url", AgentConfig{Transport: TransportHTTP}, true},
		{"channel ok", AgentConfig{Transport: TransportChannel, ChannelURL: "ws://x"}, false},
		{"channel missing url", AgentConfig{Transport: TransportChannel}, true},
		{"unknown transport", AgentConfig{Transport: "carrier-pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Agent: tt.agent}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("", time.Second); got != time.Second {
		t.Errorf("empty: got %v", got)
	}
	if got := ParseDuration("bogus", time.Second); got != time.Second {
		t.Errorf("invalid: got %v", got)
	}
	if got := ParseDuration("-3s", time.Second); got != time.Second {
		t.Errorf("negative: got %v", got)
	}
	if got := ParseDuration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("valid: got %v", got)
	}
}
