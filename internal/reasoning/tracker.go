// Package reasoning 持有“隐藏推理”累积状态：加密续传令牌、明文推理记录与最新摘要。
package reasoning

import (
	"strings"
	"sync"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Tracker: 单会话/单块的推理状态。
// batch 模式每块一个新实例；session 模式跨轮次复用，由执行器串行驱动。
// 加锁仅为并发安全，同一时刻只有一个块在使用。
type Tracker struct {
	mu sync.Mutex

	replay      contract.ReplayMode
	encrypted   *string
	unencrypted strings.Builder
	hasText     bool
	summary     *string

	// 自上一个 reasoning 条目以来是否已通过增量见过正文/摘要
	streamedText    bool
	streamedSummary bool
}

// New 以回放偏好构造；空值视为 encrypted 优先。
func New(replay contract.ReplayMode) *Tracker {
	if replay == "" {
		replay = contract.ReplayEncrypted
	}
	return &Tracker{replay: replay}
}

// ProcessOutputItem 吸收一个完整的输出条目，返回本条目新揭示的文本。
// 非 reasoning 条目忽略。加密内容只存储不解析；已通过增量见过的正文/摘要不重复揭示。
func (t *Tracker) ProcessOutputItem(item contract.OutputItem) string {
	if item.Type != contract.ItemReasoning {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if item.EncryptedContent != "" {
		enc := item.EncryptedContent
		t.encrypted = &enc
	}
	var revealed []string
	if s := strings.Join(item.Summary, "\n\n"); s != "" {
		if !t.streamedSummary {
			revealed = append(revealed, s)
		}
		t.summary = &s
	}
	if text := strings.Join(item.Content, ""); text != "" && !t.streamedText {
		t.appendText(text)
		revealed = append(revealed, text)
	}
	t.streamedText, t.streamedSummary = false, false
	return strings.Join(revealed, "\n\n")
}

// AppendUnencrypted 追加明文推理增量。
func (t *Tracker) AppendUnencrypted(delta string) {
	if delta == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendText(delta)
	t.streamedText = true
}

// AppendSummary 追加推理摘要增量。
func (t *Tracker) AppendSummary(delta string) {
	if delta == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := contract.StrVal(t.summary) + delta
	t.summary = &s
	t.streamedSummary = true
}

func (t *Tracker) appendText(s string) {
	t.unencrypted.WriteString(s)
	t.hasText = true
}

// State 返回当前完整状态的副本。
func (t *Tracker) State() contract.ReasoningState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Tracker) stateLocked() contract.ReasoningState {
	var s contract.ReasoningState
	if t.encrypted != nil {
		s.Encrypted = contract.StrPtr(*t.encrypted)
	}
	if t.hasText {
		u := t.unencrypted.String()
		s.Unencrypted = &u
	}
	if t.summary != nil {
		sum := *t.summary
		s.Summary = &sum
	}
	return s
}

// ReplayState 按回放偏好过滤后的状态（供下一请求携带）。
// encrypted 偏好携带令牌与摘要；unencrypted 仅携带明文；none 为空。
func (t *Tracker) ReplayState() contract.ReasoningState {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateLocked()
	switch t.replay {
	case contract.ReplayEncrypted:
		if s.Encrypted == nil {
			return contract.ReasoningState{}
		}
		s.Unencrypted = nil
	case contract.ReplayUnencrypted:
		s.Encrypted, s.Summary = nil, nil
	default:
		return contract.ReasoningState{}
	}
	return s
}

// Reset 清空全部状态。
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.encrypted, t.summary = nil, nil
	t.unencrypted.Reset()
	t.hasText = false
	t.streamedText, t.streamedSummary = false, false
}

// Snapshot 返回可用于 Restore 的状态副本。
func (t *Tracker) Snapshot() contract.ReasoningState { return t.State() }

// Restore 回滚到 Snapshot 时的状态（丢弃失败尝试期间的累积）。
func (t *Tracker) Restore(s contract.ReasoningState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.encrypted = nil
	if s.Encrypted != nil {
		enc := *s.Encrypted
		t.encrypted = &enc
	}
	t.unencrypted.Reset()
	t.hasText = s.Unencrypted != nil
	if s.Unencrypted != nil {
		t.unencrypted.WriteString(*s.Unencrypted)
	}
	t.summary = nil
	if s.Summary != nil {
		sum := *s.Summary
		t.summary = &sum
	}
	t.streamedText, t.streamedSummary = false, false
}
