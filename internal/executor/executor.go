// Package executor 驱动单个块完成一次网络交换：构造载荷、发起请求、消费流式响应，
// 失败时按温度递增策略重试，产出 RequestOutcome。
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/asyncd1spatch/telocity-sub001/internal/diag"
	"github.com/asyncd1spatch/telocity-sub001/internal/reasoning"
	"github.com/asyncd1spatch/telocity-sub001/internal/transport"
	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Poster: 发送载荷并返回响应体（transport.Client 满足）。
type Poster interface {
	Post(ctx context.Context, body []byte, stream bool) (io.ReadCloser, error)
}

// Prompter: system 指令与块前缀（prompt.Builder 满足）。
type Prompter interface {
	System() string
	User(chunk string) string
}

// Options 为执行器的运行期配置。
type Options struct {
	Model   string
	Params  contract.Params
	Retry   Retry
	Timeout time.Duration // 单次尝试超时；<=0 不设
	Stream  bool
	Display Display
	Replay  contract.ReplayMode
	Images  []string
	Job     string // 日志字段
	// Hook: 实时渲染回调（可选）。重试前会收到一次空文本的 output 增量用于清屏。
	Hook contract.StreamHook
	// OnPhase: 状态迁移观察者（可选）。
	OnPhase func(index, attempt int, p Phase)
}

// Executor 本身无可变状态，可被多个块并发使用；推理状态由调用方传入的 Tracker 持有。
type Executor struct {
	dialect contract.Dialect
	post    Poster
	prompt  Prompter
	opts    Options
	log     *diag.Logger
	sleep   func(context.Context, time.Duration) error
}

// New 构造执行器。
func New(d contract.Dialect, p Poster, pr Prompter, opts Options, logger *diag.Logger) (*Executor, error) {
	if d == nil || p == nil || pr == nil {
		return nil, fmt.Errorf("executor: %w: nil component", contract.ErrInvalidInput)
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Display == "" {
		opts.Display = DisplayHide
	}
	return &Executor{dialect: d, post: p, prompt: pr, opts: opts, log: logger, sleep: sleepWithCtx}, nil
}

// Turn: 会话上下文（batch 模式为零值）。
type Turn struct {
	History   []contract.Message
	Reasoning contract.ReasoningState
}

// Run 驱动一个块直至 Succeeded 或 Failed。
// 每次重试都是全新请求：失败尝试的部分文本与推理累积一并丢弃。
func (e *Executor) Run(ctx context.Context, job contract.ChunkJob, turn Turn, tr *reasoning.Tracker) (contract.RequestOutcome, error) {
	if tr == nil {
		tr = reasoning.New(e.opts.Replay)
	}
	chunk := strconv.Itoa(job.Index)
	tm := e.log.StartWith("executor", "chunk", e.opts.Job, chunk)
	e.phase(job.Index, 0, Idle)
	var lastErr error
	for attempt := 0; attempt < e.opts.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.phase(job.Index, attempt, Retrying)
			diag.IncRetry(e.dialect.Name())
			if e.opts.Hook != nil {
				e.opts.Hook(job.Index, contract.Delta{Kind: contract.KindOutput})
			}
			if err := e.sleep(ctx, e.opts.Retry.Delay); err != nil {
				e.phase(job.Index, attempt, Failed)
				return contract.RequestOutcome{}, err
			}
		}
		snap := tr.Snapshot()
		start := time.Now()
		out, err := e.attempt(ctx, job, turn, tr, attempt)
		if err == nil {
			e.phase(job.Index, attempt, Succeeded)
			diag.IncOp("executor", "finish", "success")
			diag.ObserveDuration("executor", "attempt", time.Since(start).Milliseconds())
			tm.Finish("succeeded", int64(attempt+1))
			return out, nil
		}
		tr.Restore(snap)
		lastErr = err
		code := diag.Classify(err)
		diag.IncError("executor", string(code))
		if !retryable(ctx, err) {
			e.phase(job.Index, attempt, Failed)
			if ctx.Err() != nil {
				return contract.RequestOutcome{}, ctx.Err()
			}
			e.log.ErrorWithKV("executor", string(code), err.Error(), &start, e.opts.Job, chunk, upstreamKV(err, attempt))
			return contract.RequestOutcome{}, err
		}
		e.log.Warn("executor", string(code), "attempt failed: "+err.Error(), e.opts.Job, chunk, upstreamKV(err, attempt))
	}
	e.phase(job.Index, e.opts.Retry.MaxAttempts-1, Failed)
	diag.IncOp("executor", "error", "error")
	err := fmt.Errorf("executor: chunk %d after %d attempts: %w: %w", job.Index, e.opts.Retry.MaxAttempts, contract.ErrRetriesExhausted, lastErr)
	e.log.ErrorWithKV("executor", string(diag.CodeRetriesExhausted), err.Error(), nil, e.opts.Job, chunk, upstreamKV(lastErr, e.opts.Retry.MaxAttempts-1))
	return contract.RequestOutcome{}, err
}

// attempt: Sending → Streaming 的单次往返。
func (e *Executor) attempt(ctx context.Context, job contract.ChunkJob, turn Turn, tr *reasoning.Tracker, attempt int) (contract.RequestOutcome, error) {
	e.phase(job.Index, attempt, Sending)
	params := e.opts.Params
	params.Temperature = e.opts.Retry.Temperature(params.Temperature, attempt)
	x := contract.Exchange{
		Model:     e.opts.Model,
		System:    e.prompt.System(),
		History:   turn.History,
		Prompt:    e.prompt.User(job.Text),
		Images:    e.opts.Images,
		Params:    params,
		Reasoning: turn.Reasoning,
		Replay:    e.opts.Replay,
		Stream:    e.opts.Stream,
	}
	body, err := e.dialect.BuildPayload(x)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidInput) {
			return contract.RequestOutcome{}, err
		}
		return contract.RequestOutcome{}, fmt.Errorf("build payload: %v: %w", err, contract.ErrInvalidInput)
	}

	actx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}
	rc, err := e.post.Post(actx, body, e.opts.Stream)
	if err != nil {
		return contract.RequestOutcome{}, err
	}
	defer rc.Close()

	e.phase(job.Index, attempt, Streaming)
	acc := accumulator{index: job.Index, display: e.opts.Display, hook: e.opts.Hook, tr: tr}
	err = transport.ReadEvents(actx, rc, func(data []byte) error {
		deltas, err := e.dialect.ParseChunk(data)
		if err != nil {
			return err
		}
		for _, d := range deltas {
			acc.fold(d)
		}
		return nil
	})
	if err != nil {
		return contract.RequestOutcome{}, err
	}
	if strings.TrimSpace(acc.body.String()) == "" {
		return contract.RequestOutcome{}, fmt.Errorf("executor: empty response: %w", contract.ErrResponseInvalid)
	}
	return contract.RequestOutcome{Index: job.Index, Text: acc.text(), Reasoning: tr.State(), Items: acc.items}, nil
}

// accumulator: 单次尝试的局部缓冲。三种增量统一处理，不按方言分支。
type accumulator struct {
	index   int
	display Display
	hook    contract.StreamHook
	tr      *reasoning.Tracker

	body   strings.Builder
	inline strings.Builder
	items  []contract.OutputItem
}

func (a *accumulator) fold(d contract.Delta) {
	switch {
	case d.Item != nil:
		if d.Item.Passthrough() {
			a.items = append(a.items, *d.Item)
			return
		}
		a.conditional(a.tr.ProcessOutputItem(*d.Item), false)
	case d.Kind == contract.KindDelta:
		a.body.WriteString(d.Text)
		a.emit(d)
	case d.Kind == contract.KindOutput:
		a.body.Reset()
		a.body.WriteString(d.Text)
		a.emit(d)
	case d.Kind == contract.KindConditional:
		if d.Summary {
			a.tr.AppendSummary(d.Text)
		} else {
			a.tr.AppendUnencrypted(d.Text)
		}
		a.conditional(d.Text, d.Summary)
	}
}

func (a *accumulator) conditional(text string, summary bool) {
	if text == "" || a.display == DisplayHide {
		return
	}
	if a.display == DisplayInline {
		a.inline.WriteString(text)
	}
	a.emit(contract.Delta{Text: text, Kind: contract.KindConditional, Summary: summary})
}

func (a *accumulator) emit(d contract.Delta) {
	if a.hook != nil {
		a.hook(a.index, d)
	}
}

func (a *accumulator) text() string {
	if a.inline.Len() == 0 {
		return a.body.String()
	}
	return strings.TrimSpace(a.inline.String()) + "\n\n" + a.body.String()
}

func (e *Executor) phase(index, attempt int, p Phase) {
	if e.opts.OnPhase != nil {
		e.opts.OnPhase(index, attempt, p)
	}
	e.log.Debug("executor", "phase", p.String(), e.opts.Job, strconv.Itoa(index), map[string]string{"attempt": strconv.Itoa(attempt + 1)})
}

// upstreamKV: 若为上游 HTTP 错误，附带状态码/消息片段。
func upstreamKV(err error, attempt int) map[string]string {
	kv := map[string]string{"attempt": strconv.Itoa(attempt + 1)}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			kv["upstream_msg"], _ = contract.Truncate(m, 200)
		}
	}
	return kv
}
