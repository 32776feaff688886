package executor

import (
	"context"
	"errors"
	"time"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Retry: 重试与温度递增策略。
// 第 n 次重试（attempt=n，首发为 0）的温度偏移为 min(n*Increment, Cap)。
type Retry struct {
	MaxAttempts int
	Delay       time.Duration
	Increment   float64
	Cap         float64
	// BaseTemperature: 温度参数未启用时，重试以此为基准启用温度。
	BaseTemperature float64
	// MaxTemperature: 生效温度上限（<=0 表示不限）。
	MaxTemperature float64
}

// Offset 返回第 attempt 次尝试的温度偏移。
func (r Retry) Offset(attempt int) float64 {
	if attempt <= 0 || r.Increment <= 0 {
		return 0
	}
	off := float64(attempt) * r.Increment
	if r.Cap > 0 && off > r.Cap {
		off = r.Cap
	}
	return off
}

// Temperature 返回第 attempt 次尝试的生效温度参数。
// 首发保持原样（未启用则保持未启用，保留后端默认）；重试总是启用并递增。
func (r Retry) Temperature(p contract.Param[float64], attempt int) contract.Param[float64] {
	if attempt <= 0 {
		return p
	}
	base := r.BaseTemperature
	if p.Enabled {
		base = p.Value
	}
	v := base + r.Offset(attempt)
	if r.MaxTemperature > 0 && v > r.MaxTemperature {
		v = r.MaxTemperature
	}
	return contract.On(v)
}

// retryable: 除调用方取消与载荷构造错误外，一律可重试。
// 单次尝试超时（DeadlineExceeded 且父 ctx 仍有效）按传输错误处理。
func retryable(parent context.Context, err error) bool {
	if err == nil || parent.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !errors.Is(err, contract.ErrInvalidInput)
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
