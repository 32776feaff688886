package contract

// Assembler: 接收任意到达顺序的结果，按 Index 严格顺序写出最长连续前缀。
// 约束：
//  1. 并发 Submit 安全（内部串行化），调用方无需加锁；
//  2. 不得先于 k 写出 k+1；
//  3. 同一 Index 仅可提交一次，重复或已提交的 Index 返回 ErrSeqInvalid；
//  4. 每推进一次连续前缀，先落盘再调用 Checkpointer。
type Assembler interface {
	Submit(o RequestOutcome) error
}

// Checkpointer: 连续前缀推进后的持久化回调（由 ProgressStore 提供）。
// lastIndex 为已落盘的最后一个块；targetBytes 为此时目标文件的字节数。
type Checkpointer interface {
	Commit(lastIndex int, targetBytes int64) error
}

// Sink: 目标输出（仅追加）。
type Sink interface {
	Write(p []byte) (int, error)
	Sync() error
	Size() int64
	Close() error
}
