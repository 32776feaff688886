package contract

// ChunkJob: 原子调度单元（一次独立的网络往返）。
// 约束：
// - 由 Segmenter 一次性产出，之后只读；
// - Index 自 0 严格递增且连续（0..N-1），顺序即源文顺序；
// - Text 非空（纯空白块在切分期丢弃）。
type ChunkJob struct {
	Index int
	Text  string
}

// RequestOutcome: 单个 ChunkJob 成功后的结果，所有权移交给 Assembler。
type RequestOutcome struct {
	Index     int
	Text      string
	Reasoning ReasoningState
	// Items: 需原样回放的条目（如 responses 方言的 function_call/function_call_output）。
	Items []OutputItem
}

// ReasoningState: 累积的“隐藏推理”状态。三者均可缺省（nil）。
// Encrypted 为不透明续传令牌，只存储与回放，从不解析。
type ReasoningState struct {
	Encrypted   *string `json:"encrypted,omitempty"`
	Unencrypted *string `json:"unencrypted,omitempty"`
	Summary     *string `json:"summary,omitempty"`
}

// Empty 报告三个字段是否全部缺省。
func (s ReasoningState) Empty() bool {
	return s.Encrypted == nil && s.Unencrypted == nil && s.Summary == nil
}

// 会话角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message: 会话历史中的一轮（session 模式使用）。
type Message struct {
	Role   string
	Text   string
	Images []string
	// Items: assistant 轮次的透传条目（function_call 等）。
	Items []OutputItem
}

// StrPtr 返回 s 的指针；空串返回 nil。
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StrVal 解引用；nil 返回空串。
func StrVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
