package work

// Outcome 一轮拉取的结果，只用于退避策略，不上线路
type Outcome int

const (
	Completed Outcome = iota
	NothingToDo
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case NothingToDo:
		return "nothing_to_do"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Classify 将收到的 Work 映射为 Outcome；退避只在 Completed 时重置。
// 未识别的变体按 Completed 处理，避免未来新增的 Work 类型被误当作空转而拉长轮询间隔。
func Classify(w Work) Outcome {
	if w == nil {
		return NothingToDo
	}
	switch w.(type) {
	case *BuildWork:
		return Completed
	case NoWork, *NoWork, DeniedAgentWork, *DeniedAgentWork:
		return NothingToDo
	case UnregisteredAgentWork, *UnregisteredAgentWork:
		return Failed
	default:
		return Completed
	}
}
