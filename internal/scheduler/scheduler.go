// Package scheduler 管理有界并发槽位：按源顺序接纳块，节流请求起始，完成结果按到达顺序交给装配器。
//
// - 单点并发：仅此层持有并发；执行器与装配器各自同步。
// - 背压：固定容量信号量，槽位空出才接纳下一块，在途请求数永不超过 Concurrency。
// - 首错停收：任一块致命失败即停止接纳，在途块正常完成并提交，排空后返回首错。
// - 取消：requested 停止接纳（排空）；forceful 中止在途请求并丢弃其结果。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/asyncd1spatch/telocity-sub001/internal/cancel"
	"github.com/asyncd1spatch/telocity-sub001/internal/diag"
	"github.com/asyncd1spatch/telocity-sub001/internal/rate"
	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Runner 执行单个块（executor.Batch / executor.Session 均满足）。
type Runner interface {
	Run(ctx context.Context, job contract.ChunkJob) (contract.RequestOutcome, error)
}

// Settings 调度参数。
type Settings struct {
	Concurrency int
	// Gate 可选：每次接纳前 Wait 一次（请求间隔 + RPM/TPM）
	Gate rate.Gate
	// Tokens 可选：估算该块请求的 token 数，供 TPM 维度使用
	Tokens func(contract.ChunkJob) int
	// Cancel 可选：三态取消控制器
	Cancel *cancel.Controller
	Job    string
}

// Stats 一次运行的计数。
type Stats struct {
	Admitted  int
	Completed int
	Failed    int
	Discarded int // forceful/ctx 取消导致丢弃的在途结果
}

type Scheduler struct {
	r   Runner
	set Settings
	log *diag.Logger
}

func New(r Runner, set Settings, logger *diag.Logger) (*Scheduler, error) {
	if r == nil {
		return nil, fmt.Errorf("scheduler: %w: nil runner", contract.ErrInvalidConfig)
	}
	if set.Concurrency < 1 {
		return nil, fmt.Errorf("scheduler: %w: concurrency must be >= 1, got %d", contract.ErrInvalidConfig, set.Concurrency)
	}
	if set.Cancel == nil {
		set.Cancel = cancel.NewController()
	}
	return &Scheduler{r: r, set: set, log: logger}, nil
}

// Run 调度 chunks（须按源顺序），每个成功结果立即 Submit 给 sink。
// 返回首个致命错误；被取消时返回 ErrCancelled。
func (s *Scheduler) Run(ctx context.Context, chunks []contract.ChunkJob, sink contract.Assembler) (Stats, error) {
	if sink == nil {
		return Stats{}, fmt.Errorf("scheduler: %w: nil sink", contract.ErrInvalidConfig)
	}
	ctl := s.set.Cancel

	// runCtx: 在途请求；forceful 或父 ctx 取消时中止
	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	// admitCtx: 接纳循环；requested、首错或 runCtx 结束时停止
	admitCtx, stopAdmit := context.WithCancel(runCtx)
	defer stopAdmit()

	// 监视协程只负责唤醒阻塞中的 Acquire/Wait 与在途请求；接纳与否以循环内的同步检查为准
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctl.Requested():
			stopAdmit()
		case <-watchDone:
			return
		}
		select {
		case <-ctl.Forceful():
			abort()
		case <-watchDone:
		}
	}()

	var (
		mu       sync.Mutex
		st       Stats
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		st.Failed++
		mu.Unlock()
		stopAdmit()
	}
	aborted := func() bool { return runCtx.Err() != nil || ctl.State() == cancel.Forceful }
	// halted: 取消或首错后不得再接纳（槽位释放先于 watcher 调度时也成立）
	halted := func() bool { return ctl.State() != cancel.None || admitCtx.Err() != nil }

	sem := semaphore.NewWeighted(int64(s.set.Concurrency))
	var wg sync.WaitGroup
	start := time.Now()
	timer := s.log.StartWithKV("scheduler", "run", s.set.Job, "", map[string]string{
		"chunks":      strconv.Itoa(len(chunks)),
		"concurrency": strconv.Itoa(s.set.Concurrency),
	})

admit:
	for _, job := range chunks {
		if err := sem.Acquire(admitCtx, 1); err != nil {
			break
		}
		if halted() {
			sem.Release(1)
			break
		}
		if s.set.Gate != nil {
			ask := rate.Ask{Requests: 1}
			if s.set.Tokens != nil {
				ask.Tokens = s.set.Tokens(job)
			}
			if err := s.pace(admitCtx, job, ask); err != nil {
				sem.Release(1)
				if halted() {
					break admit
				}
				fail(fmt.Errorf("scheduler: gate chunk %d: %w", job.Index, err))
				break admit
			}
		}
		mu.Lock()
		// 首错记录与 Admitted 计数同锁，避免与失败协程交错
		if halted() || firstErr != nil {
			mu.Unlock()
			sem.Release(1)
			break
		}
		st.Admitted++
		mu.Unlock()
		s.log.Debug("scheduler", "admit", "chunk admitted", s.set.Job, strconv.Itoa(job.Index), nil)

		wg.Add(1)
		go func(job contract.ChunkJob) {
			defer wg.Done()
			// 先记录结果与首错，再释放槽位：保证首错后不会再接纳
			defer sem.Release(1)
			out, err := s.r.Run(runCtx, job)
			if aborted() {
				mu.Lock()
				st.Discarded++
				mu.Unlock()
				return
			}
			if err != nil {
				fail(err)
				return
			}
			if err := sink.Submit(out); err != nil {
				fail(fmt.Errorf("scheduler: submit chunk %d: %w", job.Index, err))
				return
			}
			mu.Lock()
			st.Completed++
			mu.Unlock()
		}(job)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	switch {
	case firstErr != nil:
		code := diag.Classify(firstErr)
		s.log.ErrorWith("scheduler", string(code), firstErr.Error(), &start, s.set.Job, "")
		diag.IncOp("scheduler", "error", "error")
		return st, firstErr
	case st.Completed < len(chunks) && (ctl.State() != cancel.None || ctx.Err() != nil):
		err := fmt.Errorf("scheduler: %w (state=%s, completed=%d)", contract.ErrCancelled, ctl.State(), st.Completed)
		if cerr := ctx.Err(); cerr != nil {
			err = fmt.Errorf("%w: %w", err, cerr)
		}
		s.log.Warn("scheduler", string(diag.CodeCancel), err.Error(), s.set.Job, "", map[string]string{
			"discarded": strconv.Itoa(st.Discarded),
		})
		diag.IncOp("scheduler", "cancel", "cancelled")
		return st, err
	}
	timer.Finish("run", int64(st.Completed))
	diag.IncOp("scheduler", "finish", "success")
	return st, nil
}

// pace: 额度充足时 Try 直接放行；否则记一次节流并阻塞 Wait。
func (s *Scheduler) pace(ctx context.Context, job contract.ChunkJob, ask rate.Ask) error {
	g := s.set.Gate
	if g.Try(ask) {
		return nil
	}
	kv := map[string]string{"tokens": strconv.Itoa(ask.Tokens)}
	if sn, ok := g.(rate.Snapshoter); ok {
		rpm, tpm := sn.Snapshot()
		kv["rpm_avail"] = strconv.Itoa(rpm)
		kv["tpm_avail"] = strconv.Itoa(tpm)
	}
	s.log.Debug("scheduler", "throttle", "waiting for rate budget", s.set.Job, strconv.Itoa(job.Index), kv)
	diag.IncOp("scheduler", "throttle", "wait")
	return g.Wait(ctx, ask)
}

// IsCancelled 判断错误是否来自取消（requested/forceful/ctx）。
func IsCancelled(err error) bool {
	return errors.Is(err, contract.ErrCancelled) || errors.Is(err, context.Canceled)
}
