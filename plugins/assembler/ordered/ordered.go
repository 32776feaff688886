// Package ordered 实现顺序装配：稀疏缓冲 + next 游标，只写出最长连续前缀。
package ordered

import (
	"fmt"
	"strings"
	"sync"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Separator 相邻块之间的分隔。
const Separator = "\n\n"

// Options 装配器选项。
type Options struct {
	// Start 首个待写出的块（续传时为 lastIndex+1）
	Start int
	// OnCommit 可选：每次前缀推进（已落盘、已检查点）后回调
	OnCommit func(lastIndex, count int)
}

// Assembler 是目标文件与进度文件的唯一写者（后者经 Checkpointer）。
type Assembler struct {
	mu      sync.Mutex
	sink    contract.Sink
	cp      contract.Checkpointer
	opts    Options
	next    int
	pending map[int]string
	err     error // 写出失败后粘滞
}

// New 构造装配器；cp 可为空（不做检查点）。
func New(sink contract.Sink, cp contract.Checkpointer, opts Options) (*Assembler, error) {
	if sink == nil {
		return nil, fmt.Errorf("assembler: %w: nil sink", contract.ErrInvalidConfig)
	}
	if opts.Start < 0 {
		return nil, fmt.Errorf("assembler: %w: start %d", contract.ErrInvalidInput, opts.Start)
	}
	return &Assembler{sink: sink, cp: cp, opts: opts, next: opts.Start, pending: map[int]string{}}, nil
}

// Submit 接收任意到达顺序的结果。重复或已提交的 Index 返回 ErrSeqInvalid。
// 前缀推进时：一次写出 → fsync → Checkpointer.Commit。
func (a *Assembler) Submit(o contract.RequestOutcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if o.Index < a.next {
		return fmt.Errorf("assembler: %w: chunk %d already committed (next=%d)", contract.ErrSeqInvalid, o.Index, a.next)
	}
	if _, dup := a.pending[o.Index]; dup {
		return fmt.Errorf("assembler: %w: duplicate chunk %d", contract.ErrSeqInvalid, o.Index)
	}
	a.pending[o.Index] = o.Text
	if o.Index != a.next {
		return nil
	}

	var b strings.Builder
	first := a.next
	for {
		text, ok := a.pending[a.next]
		if !ok {
			break
		}
		if a.next > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(text)
		delete(a.pending, a.next)
		a.next++
	}
	if _, err := a.sink.Write([]byte(b.String())); err != nil {
		a.err = fmt.Errorf("assembler: write chunks %d..%d: %w", first, a.next-1, err)
		return a.err
	}
	if err := a.sink.Sync(); err != nil {
		a.err = fmt.Errorf("assembler: sync: %w", err)
		return a.err
	}
	if a.cp != nil {
		if err := a.cp.Commit(a.next-1, a.sink.Size()); err != nil {
			a.err = fmt.Errorf("assembler: checkpoint %d: %w", a.next-1, err)
			return a.err
		}
	}
	if a.opts.OnCommit != nil {
		a.opts.OnCommit(a.next-1, a.next-first)
	}
	return nil
}

// Next 下一个待写出的块。
func (a *Assembler) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Pending 已到达但尚未写出的块数。
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

var _ contract.Assembler = (*Assembler)(nil)
