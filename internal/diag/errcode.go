package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Code 是最小错误分类代码。
// 用于日志/指标汇总与 CLI 输出 `[code] message`；退出码由 CLI 按 Code 映射。
type Code string

const (
	CodeUnknown          Code = "unknown"
	CodeConfig           Code = "config"
	CodeStaleProgress    Code = "stale_progress"
	CodeTargetExists     Code = "target_exists"
	CodeSourceMissing    Code = "source_missing"
	CodeRetriesExhausted Code = "retries_exhausted"
	CodeNetwork          Code = "network"
	CodeProtocol         Code = "protocol"
	CodeInvariant        Code = "invariant"
	CodeBudget           Code = "budget"
	CodeCancel           Code = "cancel"
	CodeIO               Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 启动前即可判定的致命错误
	switch {
	case errors.Is(err, contract.ErrInvalidConfig):
		return CodeConfig
	case errors.Is(err, contract.ErrStaleProgress):
		return CodeStaleProgress
	case errors.Is(err, contract.ErrTargetExists):
		return CodeTargetExists
	case errors.Is(err, contract.ErrSourceNotFound):
		return CodeSourceMissing
	}
	// 重试耗尽包裹最后一次错误，需先于网络/协议判定
	if errors.Is(err, contract.ErrRetriesExhausted) {
		return CodeRetriesExhausted
	}
	// 取消/超时
	if errors.Is(err, contract.ErrCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	// 限流
	if errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	// 协议/解码
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	// 不变量
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrSeqInvalid) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	// I/O
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	// 网络（连接/超时/非 2xx）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
