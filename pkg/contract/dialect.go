package contract

import "encoding/json"

// DeltaKind: 归一化增量的种类。
type DeltaKind uint8

const (
	// KindDelta: 可直接追加的流式文本。
	KindDelta DeltaKind = iota
	// KindOutput: 完整替换已累积文本（重发全文的方言）。
	KindOutput
	// KindConditional: 推理类文本，需按推理展示策略决定是否追加。
	KindConditional
)

func (k DeltaKind) String() string {
	switch k {
	case KindDelta:
		return "delta"
	case KindOutput:
		return "output"
	case KindConditional:
		return "conditional"
	default:
		return "unknown"
	}
}

// 输出条目类型（responses 方言）。
const (
	ItemMessage            = "message"
	ItemReasoning          = "reasoning"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
)

// OutputItem: 完整的结构化输出条目。
// Raw 保存上游原文，透传类条目按原样回放。
type OutputItem struct {
	Type             string
	ID               string
	EncryptedContent string
	Summary          []string
	Content          []string
	Raw              json.RawMessage
}

// Passthrough 报告该条目是否需要原样回放。
func (it OutputItem) Passthrough() bool {
	return it.Type == ItemFunctionCall || it.Type == ItemFunctionCallOutput
}

// Delta: ParseChunk 的归一化产物。Item 非空时交由 ReasoningTracker/透传处理。
type Delta struct {
	Text string
	Kind DeltaKind
	// Summary: 仅 KindConditional 有意义，标记推理摘要（而非推理正文）。
	Summary bool
	Item    *OutputItem
}

// Param: 可选生成参数；仅 Enabled 时写入请求体，否则保留后端默认值。
type Param[T any] struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Value   T    `json:"value" yaml:"value"`
}

// On 返回启用状态的参数。
func On[T any](v T) Param[T] { return Param[T]{Enabled: true, Value: v} }

// Ptr 启用时返回值指针，否则 nil（配合 omitempty 省略字段）。
func (p Param[T]) Ptr() *T {
	if !p.Enabled {
		return nil
	}
	v := p.Value
	return &v
}

// Params: 生成参数集合。
type Params struct {
	Temperature     Param[float64] `json:"temperature" yaml:"temperature"`
	TopP            Param[float64] `json:"top_p" yaml:"top_p"`
	TopK            Param[int]     `json:"top_k" yaml:"top_k"`
	PresencePenalty Param[float64] `json:"presence_penalty" yaml:"presence_penalty"`
	Seed            Param[int]     `json:"seed" yaml:"seed"`
	ReasoningEffort Param[string]  `json:"reasoning_effort" yaml:"reasoning_effort"`
	MaxOutputTokens Param[int]     `json:"max_output_tokens" yaml:"max_output_tokens"`
}

// ReplayMode: 会话模式下推理状态的回放偏好（后端只接受其一时）。
type ReplayMode string

const (
	ReplayNone        ReplayMode = "none"
	ReplayEncrypted   ReplayMode = "encrypted"
	ReplayUnencrypted ReplayMode = "unencrypted"
)

// Exchange: 构造一次请求所需的全部输入（方言无关）。
type Exchange struct {
	Model   string
	System  string
	History []Message
	Prompt  string
	Images  []string
	Params  Params
	// Reasoning: 上一 assistant 轮次的推理状态（已按回放偏好过滤；batch 模式恒为空）。
	// 方言将其附着到 History 中最后一条 assistant 消息。
	Reasoning ReasoningState
	Replay    ReplayMode
	Stream    bool
}

// Dialect: 后端线协议策略（封闭变体集合：chat / responses / legacy）。
// 约束：
//  1. BuildPayload 纯计算，不做 I/O；
//  2. ParseChunk 只解析单个事件载荷；无法识别的形状返回 ErrResponseInvalid；
//  3. 不持有跨请求状态（推理状态由 ReasoningTracker 持有）。
type Dialect interface {
	Name() string
	EndpointPath() string
	BuildPayload(x Exchange) ([]byte, error)
	ParseChunk(data []byte) ([]Delta, error)
}

// StreamHook: 实时渲染回调；index 为所属块序号。
type StreamHook func(index int, d Delta)

// CancellableJob: 可被外部信号中断的作业句柄。
type CancellableJob interface {
	Cancel()
}
