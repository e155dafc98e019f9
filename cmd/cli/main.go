package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"fleet-agent/pkg/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "version":
		fmt.Fprintln(stdout, "fleet-agentctl 0.1.0")
	case "health":
		return runHealth(stdout, stderr)
	case "status":
		return runStatus(stdout, stderr)
	case "metrics":
		return runMetrics(args[1:], stdout, stderr)
	case "config":
		return runConfig(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: fleet-agentctl <command> [args]

Commands:
  version            打印版本
  health             agent 是否与服务端保持连接（失联时退出码 2）
  status             打印 agent 运行时快照
  metrics [prefix]   打印 Prometheus 指标，可按名称前缀过滤
  config [path]      校验并打印配置摘要（默认 configs/agent.yaml）

Environment:
  FLEET_AGENT_STATUS_URL  状态接口地址（默认 http://localhost:8152）`)
}

func runHealth(stdout, stderr io.Writer) int {
	ok, err := isConnected()
	if err != nil {
		fmt.Fprintf(stderr, "health: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintln(stdout, "lost contact with server")
		return 2
	}
	fmt.Fprintln(stdout, "connected")
	return 0
}

func runStatus(stdout, stderr io.Writer) int {
	st, err := getStatus()
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(st))
	return 0
}

func runMetrics(args []string, stdout, stderr io.Writer) int {
	text, err := getMetrics()
	if err != nil {
		fmt.Fprintf(stderr, "metrics: %v\n", err)
		return 1
	}
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	for _, line := range strings.Split(text, "\n") {
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if prefix == "" || strings.HasPrefix(line, prefix) {
			fmt.Fprintln(stdout, line)
		}
	}
	return 0
}

func runConfig(args []string, stdout, stderr io.Writer) int {
	var (
		cfg *config.Config
		err error
	)
	if len(args) > 0 {
		cfg, err = config.LoadConfig(args[0])
	} else {
		cfg, err = config.LoadAgentConfig()
	}
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, prettyJSON(map[string]interface{}{
		"transport":       cfg.Agent.Transport,
		"server_url":      cfg.Agent.ServerURL,
		"channel_url":     cfg.Agent.ChannelURL,
		"backoff":         fmt.Sprintf("%s x%g <= %s", cfg.BackoffInitial(), cfg.Backoff.Multiplier, cfg.BackoffMax()),
		"ping_interval":   cfg.PingInterval().String(),
		"ack_timeout":     cfg.AckTimeout().String(),
		"secret_provider": cfg.Secrets.Provider,
		"status_api":      cfg.StatusAPI.Enable,
	}))
	return 0
}
