package contract

import "errors"

// 最小错误分类（用于上层策略判定与 diag.Classify）。
var (
	// ErrInvalidInput: 入参非法（通常为编程错误或配置传递错误）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidConfig: 配置错误；必须在任何网络活动前暴露。
	ErrInvalidConfig = errors.New("invalid config")
	// ErrResponseInvalid: 响应形状不符合任何已知方言（可重试）。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrRateLimited: 上游限流（可重试）。
	ErrRateLimited = errors.New("rate limited")
	// ErrRetriesExhausted: 单块重试耗尽；对该块致命，作业中止。
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrStaleProgress: 进度文件指纹与当前配置不符；需人工处理，绝不自动丢弃。
	ErrStaleProgress = errors.New("stale or incompatible progress")
	// ErrTargetExists: 目标文件已存在且无可续传进度。
	ErrTargetExists = errors.New("target already exists")
	// ErrSourceNotFound: 源文件不存在。
	ErrSourceNotFound = errors.New("source not found")
	// ErrSeqInvalid: 提交序列违规（重复/越界 Index）。
	ErrSeqInvalid = errors.New("sequence invalid")
	// ErrCancelled: 作业被取消（优雅或强制）。
	ErrCancelled = errors.New("cancelled")
	// ErrPathInvalid: 路径无效。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)
