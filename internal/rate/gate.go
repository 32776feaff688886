// Package rate 提供请求起始节流闸门：固定请求间隔 + RPM/TPM 令牌桶。
package rate

import (
	"context"
	"fmt"
	"time"

	xrate "golang.org/x/time/rate"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Limits: 限额配置。0 表示该维度不启用。
type Limits struct {
	Interval        time.Duration // 相邻请求起始的最小间隔
	RPM             int           // requests per minute
	TPM             int           // tokens per minute
	MaxTokensPerReq int           // 单次请求 token 上限（含输入+预期输出），0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false 且不消耗任何维度。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot() (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now（仅影响 Try/Snapshot）。
func NewGate(lim Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{lim: lim, clk: clk}
	if lim.Interval > 0 {
		g.interval = xrate.NewLimiter(xrate.Every(lim.Interval), 1)
	}
	if lim.RPM > 0 {
		g.rpm = xrate.NewLimiter(xrate.Limit(float64(lim.RPM)/60.0), lim.RPM)
	}
	if lim.TPM > 0 {
		g.tpm = xrate.NewLimiter(xrate.Limit(float64(lim.TPM)/60.0), lim.TPM)
	}
	return g
}

type gate struct {
	lim      Limits
	clk      func() time.Time
	interval *xrate.Limiter
	rpm      *xrate.Limiter
	tpm      *xrate.Limiter
}

func (g *gate) check(a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return fmt.Errorf("rate: %w: requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	if g.lim.MaxTokensPerReq > 0 && a.Tokens > g.lim.MaxTokensPerReq {
		return fmt.Errorf("rate: %w: %d tokens exceeds per-request limit %d", contract.ErrInvalidInput, a.Tokens, g.lim.MaxTokensPerReq)
	}
	return nil
}

// tokensFor: 超过桶容量的申请按容量计（独占一整分钟额度），否则永远无法放行。
func tokensFor(l *xrate.Limiter, n int) int {
	if b := l.Burst(); n > b {
		return b
	}
	return n
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	if err := g.check(a); err != nil {
		return err
	}
	if g.rpm != nil {
		if err := g.rpm.WaitN(ctx, tokensFor(g.rpm, a.Requests)); err != nil {
			return ctxErr(ctx, err)
		}
	}
	if g.tpm != nil && a.Tokens > 0 {
		if err := g.tpm.WaitN(ctx, tokensFor(g.tpm, a.Tokens)); err != nil {
			return ctxErr(ctx, err)
		}
	}
	// 间隔最后判定，使其度量的是真实的请求起始时刻
	if g.interval != nil {
		if err := g.interval.Wait(ctx); err != nil {
			return ctxErr(ctx, err)
		}
	}
	return nil
}

// ctxErr: WaitN 在 deadline 不足时返回自有错误，统一映射为 ctx 错误。
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if _, ok := ctx.Deadline(); ok {
		return context.DeadlineExceeded
	}
	return err
}

func (g *gate) Try(a Ask) bool {
	if g.check(a) != nil {
		return false
	}
	now := g.clk()
	var taken []*xrate.Reservation
	undo := func() {
		for _, r := range taken {
			r.CancelAt(now)
		}
	}
	for _, step := range []struct {
		l *xrate.Limiter
		n int
	}{{g.rpm, a.Requests}, {g.tpm, a.Tokens}, {g.interval, 1}} {
		if step.l == nil || step.n <= 0 {
			continue
		}
		r := step.l.ReserveN(now, tokensFor(step.l, step.n))
		if !r.OK() || r.DelayFrom(now) > 0 {
			r.CancelAt(now)
			undo()
			return false
		}
		taken = append(taken, r)
	}
	return true
}

// Snapshot: 返回当前可用请求/令牌的向下取整估值（仅诊断）。
func (g *gate) Snapshot() (rpmAvail, tpmAvail int) {
	now := g.clk()
	if g.rpm != nil {
		rpmAvail = clampInt(g.rpm.TokensAt(now), g.rpm.Burst())
	}
	if g.tpm != nil {
		tpmAvail = clampInt(g.tpm.TokensAt(now), g.tpm.Burst())
	}
	return
}

func clampInt(v float64, max int) int {
	if v < 0 {
		return 0
	}
	if v > float64(max) {
		return max
	}
	return int(v)
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
