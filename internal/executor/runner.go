package executor

import (
	"context"
	"sync"

	"github.com/asyncd1spatch/telocity-sub001/internal/reasoning"
	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Batch: 每块独立、推理状态每块重置；可并发调用。
type Batch struct {
	e *Executor
}

// NewBatch 构造 batch 运行器。
func NewBatch(e *Executor) *Batch { return &Batch{e: e} }

// Run 以全新的 Tracker 执行一个块。
func (b *Batch) Run(ctx context.Context, job contract.ChunkJob) (contract.RequestOutcome, error) {
	return b.e.Run(ctx, job, Turn{}, reasoning.New(b.e.opts.Replay))
}

// Session: 会话模式。历史与推理状态跨轮次串行传递，天然只能并发 1。
type Session struct {
	e        *Executor
	maxTurns int

	mu      sync.Mutex
	history []contract.Message
	tr      *reasoning.Tracker
}

// NewSession 构造会话运行器。maxTurns>0 时仅保留最近 maxTurns 轮历史。
func NewSession(e *Executor, maxTurns int) *Session {
	return &Session{e: e, maxTurns: maxTurns, tr: reasoning.New(e.opts.Replay)}
}

// Run 执行下一轮。失败时历史与推理状态保持不变。
func (s *Session) Run(ctx context.Context, job contract.ChunkJob) (contract.RequestOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turn := Turn{
		History:   append([]contract.Message(nil), s.history...),
		Reasoning: s.tr.ReplayState(),
	}
	prev := s.tr.Snapshot()
	s.tr.Reset()
	out, err := s.e.Run(ctx, job, turn, s.tr)
	if err != nil {
		s.tr.Restore(prev)
		return contract.RequestOutcome{}, err
	}
	s.history = append(s.history,
		contract.Message{Role: contract.RoleUser, Text: s.e.prompt.User(job.Text)},
		contract.Message{Role: contract.RoleAssistant, Text: out.Text, Items: out.Items},
	)
	if s.maxTurns > 0 && len(s.history) > 2*s.maxTurns {
		s.history = append([]contract.Message(nil), s.history[len(s.history)-2*s.maxTurns:]...)
	}
	return out, nil
}

// History 返回当前历史副本。
func (s *Session) History() []contract.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contract.Message(nil), s.history...)
}
