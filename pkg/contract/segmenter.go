package contract

import "context"

// Segmenter: 将归一化源文切分为有序 ChunkJob 序列。
// 约束：
// 1) 纯函数：仅依赖 (text, maxChunkSize)，无副作用，可重入；
// 2) 优先段落边界，其次句子边界，单元超限时才按字符数硬切；
// 3) 不在词中切分；唯一允许超限的是不可再分的单个词；
// 4) 丢弃纯空白块；Index 自 0 连续递增。
type Segmenter interface {
	Segment(ctx context.Context, text string, maxChunkSize int) ([]ChunkJob, error)
}
