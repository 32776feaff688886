package executor

// Phase: 单块请求状态机。
//
//	Idle → Sending → Streaming → {Succeeded, Retrying, Failed}
//	Retrying → Sending
type Phase int

const (
	Idle Phase = iota
	Sending
	Streaming
	Succeeded
	Retrying
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case Streaming:
		return "streaming"
	case Succeeded:
		return "succeeded"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Display: 推理类（conditional）文本的展示策略。
type Display string

const (
	// DisplayHide: 不展示、不写入输出。
	DisplayHide Display = "hide"
	// DisplayStream: 仅转发给实时回调。
	DisplayStream Display = "stream"
	// DisplayInline: 转发并前置写入最终输出。
	DisplayInline Display = "inline"
)
