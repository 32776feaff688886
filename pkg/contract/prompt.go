package contract

// TokenEstimator: 近似 token 估算函数（用于 TPM 预扣）。
type TokenEstimator func(s string) int
