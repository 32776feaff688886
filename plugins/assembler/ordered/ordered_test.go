package ordered

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"pgregory.net/rapid"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

type memSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	syncs  int
	failAt int // 第 n 次写失败（0 不失败）
	writes int
}

func (m *memSink) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failAt > 0 && m.writes == m.failAt {
		return 0, errors.New("disk full")
	}
	return m.buf.Write(p)
}
func (m *memSink) Sync() error  { m.syncs++; return nil }
func (m *memSink) Size() int64  { return int64(m.buf.Len()) }
func (m *memSink) Close() error { return nil }

type commit struct {
	last  int
	bytes int64
}

type recCP struct{ commits []commit }

func (r *recCP) Commit(last int, n int64) error {
	r.commits = append(r.commits, commit{last, n})
	return nil
}

func out(i int) contract.RequestOutcome {
	return contract.RequestOutcome{Index: i, Text: fmt.Sprintf("c%d", i)}
}

// UT-ASM-01: 乱序到达，仅在前缀连续时写出并检查点
func TestSubmitOutOfOrder(t *testing.T) {
	sink, cp := &memSink{}, &recCP{}
	a, err := New(sink, cp, Options{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, i := range []int{2, 1} {
		if err := a.Submit(out(i)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if sink.buf.Len() != 0 || len(cp.commits) != 0 {
		t.Fatalf("缺少 0 时不应写出")
	}
	if a.Pending() != 2 {
		t.Fatalf("pending=%d", a.Pending())
	}
	if err := a.Submit(out(0)); err != nil {
		t.Fatalf("submit 0: %v", err)
	}
	if got := sink.buf.String(); got != "c0\n\nc1\n\nc2" {
		t.Fatalf("输出不符: %q", got)
	}
	if len(cp.commits) != 1 || cp.commits[0] != (commit{2, int64(len("c0\n\nc1\n\nc2"))}) {
		t.Fatalf("检查点不符: %+v", cp.commits)
	}
	if sink.syncs != 1 || a.Next() != 3 || a.Pending() != 0 {
		t.Fatalf("状态不符: syncs=%d next=%d pending=%d", sink.syncs, a.Next(), a.Pending())
	}
}

// UT-ASM-02: 重复与已提交的 Index
func TestSubmitSeqInvalid(t *testing.T) {
	a, _ := New(&memSink{}, nil, Options{})
	_ = a.Submit(out(0))
	if err := a.Submit(out(0)); !errors.Is(err, contract.ErrSeqInvalid) {
		t.Fatalf("已提交应为 ErrSeqInvalid, got %v", err)
	}
	_ = a.Submit(out(3))
	if err := a.Submit(out(3)); !errors.Is(err, contract.ErrSeqInvalid) {
		t.Fatalf("重复应为 ErrSeqInvalid, got %v", err)
	}
}

// UT-ASM-03: 续传起点 >0 时首块前也写分隔
func TestResumeStartWritesSeparator(t *testing.T) {
	sink := &memSink{}
	sink.buf.WriteString("c0\n\nc1")
	var seen []int
	a, _ := New(sink, nil, Options{Start: 2, OnCommit: func(last, n int) { seen = append(seen, last, n) }})
	if err := a.Submit(out(1)); !errors.Is(err, contract.ErrSeqInvalid) {
		t.Fatalf("起点之前的块应拒绝, got %v", err)
	}
	if err := a.Submit(out(2)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := sink.buf.String(); got != "c0\n\nc1\n\nc2" {
		t.Fatalf("输出不符: %q", got)
	}
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 1 {
		t.Fatalf("回调不符: %v", seen)
	}
}

// UT-ASM-04: 写失败后粘滞，且不检查点
func TestWriteFailureSticky(t *testing.T) {
	sink, cp := &memSink{failAt: 1}, &recCP{}
	a, _ := New(sink, cp, Options{})
	if err := a.Submit(out(0)); err == nil {
		t.Fatalf("写失败应返回错误")
	}
	if err := a.Submit(out(1)); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("错误应粘滞, got %v", err)
	}
	if len(cp.commits) != 0 {
		t.Fatalf("失败不得检查点")
	}
}

// 任意到达顺序、任意并发提交，写出字节等于顺序提交的结果
func TestOrderEquivalenceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(t, "n")
		perm := rapid.Permutation(seq(n)).Draw(t, "perm")
		workers := rapid.IntRange(1, 8).Draw(t, "workers")

		want := &memSink{}
		ref, _ := New(want, nil, Options{})
		for i := 0; i < n; i++ {
			if err := ref.Submit(out(i)); err != nil {
				t.Fatalf("ref submit: %v", err)
			}
		}

		got, cp := &memSink{}, &recCP{}
		a, _ := New(got, cp, Options{})
		ch := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range ch {
					if err := a.Submit(out(i)); err != nil {
						t.Errorf("submit %d: %v", i, err)
					}
				}
			}()
		}
		for _, i := range perm {
			ch <- i
		}
		close(ch)
		wg.Wait()

		if got.buf.String() != want.buf.String() {
			t.Fatalf("输出与顺序提交不一致:\n got %q\nwant %q", got.buf.String(), want.buf.String())
		}
		last := -1
		for _, c := range cp.commits {
			if c.last <= last {
				t.Fatalf("检查点必须严格递增: %+v", cp.commits)
			}
			last = c.last
		}
		if last != n-1 {
			t.Fatalf("最终检查点 %d != %d", last, n-1)
		}
	})
}

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
