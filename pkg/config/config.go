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
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport 取值
const (
	TransportHTTP    = "http"
	TransportChannel = "channel"
)

// Config Agent 配置结构体
type Config struct {
	Agent      AgentConfig      `mapstructure:"agent"`
	Backoff    BackoffConfig    `mapstructure:"backoff"`
	Ping       PingConfig       `mapstructure:"ping"`
	Ack        AckConfig        `mapstructure:"ack"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Channel    ChannelConfig    `mapstructure:"channel"`
	StatusAPI  StatusAPIConfig  `mapstructure:"status_api"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AgentConfig Agent 身份与服务端地址
type AgentConfig struct {
	UUID       string `mapstructure:"uuid"`        // 空则启动时生成
	Hostname   string `mapstructure:"hostname"`    // 空则取 os.Hostname
	WorkDir    string `mapstructure:"work_dir"`    // 统计可用磁盘空间的目录
	Transport  string `mapstructure:"transport"`   // http | channel
	ServerURL  string `mapstructure:"server_url"`  // 请求/响应模式的服务端根地址，如 https://ci.example.com/go
	ChannelURL string `mapstructure:"channel_url"` // 持久通道地址，如 wss://ci.example.com/go/agent-websocket
	TokenKey   string `mapstructure:"token_key"`   // secrets store 中 bearer token 的 key
}

// BackoffConfig 拉取循环的指数退避
type BackoffConfig struct {
	Initial    string  `mapstructure:"initial"`    // 如 "5s"
	Multiplier float64 `mapstructure:"multiplier"` // <=1 时默认 2
	Max        string  `mapstructure:"max"`        // 如 "60s"
}

// PingConfig 心跳定时器
type PingConfig struct {
	Interval string `mapstructure:"interval"` // 如 "10s"
}

// AckConfig 持久通道确认等待与发送重试
type AckConfig struct {
	Timeout     string `mapstructure:"timeout"`      // 默认 300s
	SendRetries int    `mapstructure:"send_retries"` // 默认 5
	RetryDelay  string `mapstructure:"retry_delay"`  // 默认 1s
}

// HTTPConfig 请求/响应模式配置
type HTTPConfig struct {
	Timeout string `mapstructure:"timeout"` // 单次请求超时，默认 30s
}

// ChannelConfig 持久通道配置
type ChannelConfig struct {
	DialInterval string `mapstructure:"dial_interval"` // 两次建连最小间隔，默认 5s
	MaxIdle      string `mapstructure:"max_idle"`      // 读空闲上限，默认 60s
}

// StatusAPIConfig 本地状态接口
type StatusAPIConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Host     string `mapstructure:"host"`      // 默认 localhost
	Port     int    `mapstructure:"port"`      // 默认 8152
	GrpcPort int    `mapstructure:"grpc_port"` // >0 时启动 gRPC health 服务
}

// SecretsConfig token 来源
type SecretsConfig struct {
	Provider string      `mapstructure:"provider"` // env | memory | file | vault
	Dir      string      `mapstructure:"dir"`      // file provider 的挂载目录
	Vault    VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 连接配置
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}

	replaceEnvVars(&config)
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadAgentConfig 加载 Agent 配置（configs/agent.yaml）
func LoadAgentConfig() (*Config, error) {
	return LoadConfig("configs/agent.yaml")
}

var envPattern = regexp.MustCompile(`^\$\{([^}]+)\}$`)

// expandEnv 将 ${VAR} 形式的值替换为环境变量；未设置时保持原值
func expandEnv(s string) string {
	m := envPattern.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	if val := os.Getenv(m[1]); val != "" {
		return val
	}
	return s
}

// replaceEnvVars 替换配置中的环境变量
func replaceEnvVars(config *Config) {
	config.Agent.UUID = expandEnv(config.Agent.UUID)
	config.Agent.ServerURL = expandEnv(config.Agent.ServerURL)
	config.Agent.ChannelURL = expandEnv(config.Agent.ChannelURL)
	config.Secrets.Vault.Address = expandEnv(config.Secrets.Vault.Address)
	config.Secrets.Vault.Token = expandEnv(config.Secrets.Vault.Token)
	config.Secrets.Dir = expandEnv(config.Secrets.Dir)
}

func (c *Config) applyDefaults() {
	if c.Agent.Transport == "" {
		c.Agent.Transport = TransportHTTP
	}
	if c.Agent.WorkDir == "" {
		c.Agent.WorkDir = "."
	}
	if c.Agent.TokenKey == "" {
		c.Agent.TokenKey = "AGENT_TOKEN"
	}
	if c.Backoff.Multiplier <= 1 {
		c.Backoff.Multiplier = 2
	}
	if c.Ack.SendRetries <= 0 {
		c.Ack.SendRetries = 5
	}
	if c.StatusAPI.Host == "" {
		c.StatusAPI.Host = "localhost"
	}
	if c.StatusAPI.Port <= 0 {
		c.StatusAPI.Port = 8152
	}
	if c.Secrets.Provider == "" {
		c.Secrets.Provider = "env"
	}
}

// Validate 校验必填字段
func (c *Config) Validate() error {
	switch c.Agent.Transport {
	case TransportHTTP:
		if c.Agent.ServerURL == "" {
			return fmt.Errorf("agent.server_url is required for transport %q", TransportHTTP)
		}
	case TransportChannel:
		if c.Agent.ChannelURL == "" {
			return fmt.Errorf("agent.channel_url is required for transport %q", TransportChannel)
		}
	default:
		return fmt.Errorf("unsupported agent.transport %q (want http or channel)", c.Agent.Transport)
	}
	return nil
}

// ParseDuration 解析时长字符串，无效或空时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// BackoffInitial 退避初始间隔，默认 5s
func (c *Config) BackoffInitial() time.Duration { return ParseDuration(c.Backoff.Initial, 5*time.Second) }

// BackoffMax 退避上限，默认 60s
func (c *Config) BackoffMax() time.Duration { return ParseDuration(c.Backoff.Max, 60*time.Second) }

// PingInterval 心跳间隔，默认 10s
func (c *Config) PingInterval() time.Duration { return ParseDuration(c.Ping.Interval, 10*time.Second) }

// AckTimeout 确认等待上限，默认 300s
func (c *Config) AckTimeout() time.Duration { return ParseDuration(c.Ack.Timeout, 300*time.Second) }

// AckRetryDelay 发送重试间隔，默认 1s
func (c *Config) AckRetryDelay() time.Duration { return ParseDuration(c.Ack.RetryDelay, time.Second) }

// HTTPTimeout 单次请求超时，默认 30s
func (c *Config) HTTPTimeout() time.Duration { return ParseDuration(c.HTTP.Timeout, 30*time.Second) }

// ChannelDialInterval 建连最小间隔，默认 5s
func (c *Config) ChannelDialInterval() time.Duration {
	return ParseDuration(c.Channel.DialInterval, 5*time.Second)
}

// ChannelMaxIdle 通道读空闲上限，默认 60s
func (c *Config) ChannelMaxIdle() time.Duration { return ParseDuration(c.Channel.MaxIdle, 60*time.Second) }
