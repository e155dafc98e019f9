package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 Agent 与状态接口注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		WorkAttemptsTotal, BackoffWaitSeconds,
		PingTotal, AckTotal, ChannelReconnectsTotal,
		JobDuration, AgentBusy,
	)
}

// WorkAttemptsTotal 拉取循环每轮结果（按 outcome）
var WorkAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleet_agent_work_attempts_total",
		Help: "拉取 work 的次数（按结果）",
	},
	[]string{"outcome"}, // completed | nothing_to_do | failed
)

// BackoffWaitSeconds 每轮拉取前的退避等待（秒）
var BackoffWaitSeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "fleet_agent_backoff_seconds",
		Help:    "拉取前退避等待（秒）",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 30, 60, 120},
	},
)

// PingTotal 心跳次数（按结果）
var PingTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleet_agent_ping_total",
		Help: "心跳次数",
	},
	[]string{"result"}, // ok | error | skipped
)

// AckTotal 持久通道消息确认结果
var AckTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleet_agent_ack_total",
		Help: "持久通道消息确认结果",
	},
	[]string{"action", "result"}, // result: acked | timeout | send_failed | discarded
)

// ChannelReconnectsTotal 持久通道建连次数
var ChannelReconnectsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "fleet_agent_channel_connects_total",
		Help: "持久通道建连次数",
	},
)

// JobDuration Job 执行耗时（秒）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fleet_agent_job_duration_seconds",
		Help:    "Job 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"result"}, // passed | failed | cancelled
)

// AgentBusy 当前是否在执行 Job（0/1）
var AgentBusy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "fleet_agent_busy",
		Help: "当前正在执行的 Job 数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供状态接口复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
