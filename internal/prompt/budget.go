package prompt

import "github.com/asyncd1spatch/telocity-sub001/pkg/contract"

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// OverheadEstimator: 能估算固定提示开销的对象（Builder）。
type OverheadEstimator interface {
	EstimateOverheadTokens(estimate contract.TokenEstimator) int
}

// RequestTokens 估算一次请求的 token 占用：固定开销 + 块文本 + 预留输出。
// 用于 TPM 限速预扣。
func RequestTokens(pb OverheadEstimator, est contract.TokenEstimator, chunk string, maxOutput int) int {
	if est == nil {
		return 0
	}
	n := est(chunk)
	if pb != nil {
		n += pb.EstimateOverheadTokens(est)
	}
	if maxOutput > 0 {
		n += maxOutput
	}
	return n
}
