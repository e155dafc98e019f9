package work

import "fleet-agent/internal/agent/agentinfo"

// JobState 构建阶段
type JobState string

const (
	JobPreparing  JobState = "Preparing"
	JobBuilding   JobState = "Building"
	JobCompleting JobState = "Completing"
	JobCompleted  JobState = "Completed"
)

// JobResult 构建结果
type JobResult string

const (
	ResultPassed    JobResult = "Passed"
	ResultFailed    JobResult = "Failed"
	ResultCancelled JobResult = "Cancelled"
)

// BuildRef 构建标识与控制台地址
type BuildRef struct {
	BuildID    string `json:"buildId"`
	Pipeline   string `json:"pipeline,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Job        string `json:"job,omitempty"`
	ConsoleURL string `json:"consoleUrl,omitempty"`
}

// Report 进度上报内容
type Report struct {
	Build  BuildRef           `json:"build"`
	State  JobState           `json:"jobState,omitempty"`
	Result JobResult          `json:"result,omitempty"`
	Agent  agentinfo.Snapshot `json:"agentRuntimeInfo"`
}
