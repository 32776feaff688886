// Package engine 把一次作业串起来：读取源文本 → 分段 → 续传判定 → 调度执行 → 顺序装配与检查点。
//
// 约束：
//   - 单作业单后端；Job 只能 Execute 一次。
//   - 目标文件只由装配器写出；进度文件只经装配器的 Checkpointer 推进。
//   - 启动前可判定的错误（源缺失、目标已存在、进度不匹配）不产生任何写入。
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/asyncd1spatch/telocity-sub001/internal/cancel"
	"github.com/asyncd1spatch/telocity-sub001/internal/diag"
	"github.com/asyncd1spatch/telocity-sub001/internal/executor"
	"github.com/asyncd1spatch/telocity-sub001/internal/progress"
	"github.com/asyncd1spatch/telocity-sub001/internal/prompt"
	"github.com/asyncd1spatch/telocity-sub001/internal/rate"
	"github.com/asyncd1spatch/telocity-sub001/internal/scheduler"
	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
	"github.com/asyncd1spatch/telocity-sub001/plugins/assembler/ordered"
	"github.com/asyncd1spatch/telocity-sub001/plugins/writer/filesystem"
)

// Mode 作业模式。
type Mode string

const (
	// ModeBatch: 每块独立，可并发。
	ModeBatch Mode = "batch"
	// ModeChat: 会话模式，历史跨块传递，并发固定为 1。
	ModeChat Mode = "chat"
)

// Components: 由 config.Assemble 装配的实现。
type Components struct {
	Segmenter contract.Segmenter
	Dialect   contract.Dialect
	Poster    executor.Poster
	Prompt    *prompt.Builder
	Gate      rate.Gate // 可选
}

// Settings: 已校验的运行参数。
type Settings struct {
	Source       string
	Target       string
	ProgressPath string // 为空时使用 progress.PathFor(Target)

	ChunkSize   int
	Concurrency int
	Mode        Mode
	MaxTurns    int

	Model   string
	Params  contract.Params
	Retry   executor.Retry
	Timeout time.Duration
	Stream  bool
	Display executor.Display
	Replay  contract.ReplayMode
	Images  []string
	Hook    contract.StreamHook

	// Snapshot: 参与指纹的配置视图（由 config.Snapshot 生成）
	Snapshot progress.Snapshot

	BytesPerToken int
	MetricsFile   string
	Writer        *filesystem.Options
}

// Outcome 作业结局。
type Outcome int

const (
	Completed Outcome = iota
	NothingToDo
	EmptySource
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case NothingToDo:
		return "nothing_to_do"
	case EmptySource:
		return "empty_source"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result 一次 Execute 的结果。
type Result struct {
	Outcome    Outcome
	Chunks     int // 分段总数
	ResumeFrom int // 本次首个执行的块
	Stats      scheduler.Stats
	Duration   time.Duration
}

// Job 单次作业；实现 contract.CancellableJob。
type Job struct {
	id   string
	set  Settings
	comp Components
	log  *diag.Logger
	ctl  *cancel.Controller
	used atomic.Bool

	retries atomic.Int64 // 终端进度行展示
}

// New 校验组件并构造作业。
func New(set Settings, comp Components, logger *diag.Logger) (*Job, error) {
	switch {
	case comp.Segmenter == nil, comp.Dialect == nil, comp.Poster == nil, comp.Prompt == nil:
		return nil, fmt.Errorf("engine: %w: missing component", contract.ErrInvalidConfig)
	case set.Source == "" || set.Target == "":
		return nil, fmt.Errorf("engine: %w: source and target are required", contract.ErrInvalidConfig)
	case set.ChunkSize <= 0:
		return nil, fmt.Errorf("engine: %w: chunk size must be > 0", contract.ErrInvalidConfig)
	}
	switch set.Mode {
	case "":
		set.Mode = ModeBatch
	case ModeBatch, ModeChat:
	default:
		return nil, fmt.Errorf("engine: %w: unknown mode %q", contract.ErrInvalidConfig, set.Mode)
	}
	if set.Mode == ModeChat || set.Concurrency < 1 {
		set.Concurrency = 1
	}
	if set.ProgressPath == "" {
		set.ProgressPath = progress.PathFor(set.Target)
	}
	return &Job{id: uuid.NewString(), set: set, comp: comp, log: logger, ctl: cancel.NewController()}, nil
}

// ID 作业标识（日志 job 字段）。
func (j *Job) ID() string { return j.id }

// Cancel 升级一级终止状态：首次 requested（排空），再次 forceful（中止在途）。
func (j *Job) Cancel() { j.ctl.Cancel() }

// State 当前终止状态。
func (j *Job) State() cancel.State { return j.ctl.State() }

// Execute 运行作业。slot 可为空；非空时作业期间登记在 slot 中供信号处理器取消。
// 被取消时返回 Outcome=Cancelled 与 ErrCancelled；进度文件保留以便续传。
func (j *Job) Execute(ctx context.Context, slot *cancel.Slot) (res Result, err error) {
	if !j.used.CompareAndSwap(false, true) {
		return res, fmt.Errorf("engine: %w: job already executed", contract.ErrInvariantViolation)
	}
	if slot != nil {
		release := slot.Set(j)
		defer release()
	}
	start := time.Now()
	timer := j.log.StartWithKV("engine", "execute", j.id, "", map[string]string{
		"source": j.set.Source,
		"target": j.set.Target,
		"mode":   string(j.set.Mode),
	})
	defer func() {
		res.Duration = time.Since(start)
		diag.ObserveDuration("engine", "execute", res.Duration.Milliseconds())
		if err != nil {
			code := diag.Classify(err)
			j.log.ErrorWith("engine", string(code), err.Error(), &start, j.id, "")
			diag.IncOp("engine", "execute", "error")
			diag.IncError("engine", string(code))
			return
		}
		diag.IncOp("engine", "execute", res.Outcome.String())
		timer.Finish(res.Outcome.String(), int64(res.Stats.Completed))
	}()

	src, err := os.ReadFile(j.set.Source)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res, fmt.Errorf("engine: %w: %s", contract.ErrSourceNotFound, j.set.Source)
		}
		return res, fmt.Errorf("engine: read source: %w", err)
	}
	chunks, err := j.comp.Segmenter.Segment(ctx, string(src), j.set.ChunkSize)
	if err != nil {
		return res, fmt.Errorf("engine: segment: %w", err)
	}
	res.Chunks = len(chunks)
	if len(chunks) == 0 {
		j.log.Info("engine", "segment", "empty source", map[string]string{"source": j.set.Source})
		res.Outcome = EmptySource
		return res, nil
	}

	target, err := filesystem.ResolveTarget(j.set.Target)
	if err != nil {
		return res, err
	}
	// 进度文件记录目标输出的绝对路径
	fileName, err := filepath.Abs(target)
	if err != nil {
		return res, fmt.Errorf("engine: %w: %v", contract.ErrPathInvalid, err)
	}

	store := progress.NewStore(j.set.ProgressPath, j.log)
	sink, startAt, done, err := j.open(store, target, fileName, len(chunks))
	if err != nil || done {
		if done {
			res.Outcome = NothingToDo
		}
		return res, err
	}
	res.ResumeFrom = startAt

	term := diag.GetTerminal()
	term.JobStart(filepath.Base(j.set.Source), len(chunks), startAt)

	asm, err := ordered.New(sink, store, ordered.Options{
		Start: startAt,
		OnCommit: func(lastIndex, count int) {
			diag.AddCommitted(count)
			term.JobProgress(lastIndex+1, len(chunks), int(j.retries.Load()))
		},
	})
	if err != nil {
		_ = sink.Close()
		return res, err
	}
	sched, err := j.scheduler()
	if err != nil {
		_ = sink.Close()
		return res, err
	}

	res.Stats, err = sched.Run(ctx, chunks[startAt:], asm)
	if cerr := sink.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("engine: close target: %w", cerr)
	}
	term.JobFinish(err == nil, time.Since(start))
	if err != nil {
		if scheduler.IsCancelled(err) {
			res.Outcome = Cancelled
			j.log.Warn("engine", string(diag.CodeCancel), "cancelled; progress kept", j.id, strconv.Itoa(asm.Next()),
				map[string]string{"state": j.ctl.State().String(), "progress": store.Path()})
		}
		return res, err
	}
	if asm.Next() != len(chunks) {
		return res, fmt.Errorf("engine: %w: committed %d of %d chunks", contract.ErrInvariantViolation, asm.Next(), len(chunks))
	}
	if err := store.Remove(); err != nil {
		return res, err
	}
	if j.set.MetricsFile != "" {
		if err := diag.WriteMetrics(j.set.MetricsFile); err != nil {
			j.log.Warn("engine", string(diag.Classify(err)), "metrics dump failed: "+err.Error(), j.id, "", nil)
		}
	}
	res.Outcome = Completed
	return res, nil
}

// open 按进度文件决定新建或续传，返回目标 sink 与起始块。
// done=true 表示所有块均已提交（进度文件已清理）。
func (j *Job) open(store *progress.Store, target, fileName string, n int) (sink contract.Sink, startAt int, done bool, err error) {
	saved, ok, err := store.Load()
	if err != nil {
		return nil, 0, false, err
	}
	if ok {
		if err := progress.Check(saved, j.set.Snapshot, fileName); err != nil {
			return nil, 0, false, err
		}
		if saved.LastIndex >= n-1 {
			j.log.Info("engine", "resume", "all chunks already committed", map[string]string{"last_index": strconv.Itoa(saved.LastIndex)})
			return nil, 0, true, store.Remove()
		}
		if saved.LastIndex < 0 {
			// 进度已落盘但目标尚未创建：从头新建
			exists, err := filesystem.Exists(target)
			if err != nil {
				return nil, 0, false, err
			}
			if !exists {
				j.log.Info("engine", "resume", "target missing before first commit, starting fresh", nil)
				t, err := filesystem.Create(target, j.set.Writer)
				if err != nil {
					return nil, 0, false, err
				}
				return t, 0, false, nil
			}
		}
		t, err := filesystem.OpenResume(target, saved.TargetBytes, j.set.Writer)
		if err != nil {
			return nil, 0, false, err
		}
		j.log.Info("engine", "resume", "resuming", map[string]string{
			"from":         strconv.Itoa(saved.LastIndex + 1),
			"target_bytes": strconv.FormatInt(saved.TargetBytes, 10),
		})
		return t, saved.LastIndex + 1, false, nil
	}

	exists, err := filesystem.Exists(target)
	if err != nil {
		return nil, 0, false, err
	}
	if exists {
		return nil, 0, false, fmt.Errorf("engine: %w: %s", contract.ErrTargetExists, target)
	}
	// 先落进度（lastIndex=-1），再独占创建目标：崩溃后总能续传或识别残留
	if err := store.Save(progress.NewState(j.set.Snapshot, fileName)); err != nil {
		return nil, 0, false, err
	}
	t, err := filesystem.Create(target, j.set.Writer)
	if err != nil {
		_ = store.Remove()
		return nil, 0, false, err
	}
	return t, 0, false, nil
}

// scheduler 装配执行器、运行器与调度器。
func (j *Job) scheduler() (*scheduler.Scheduler, error) {
	onPhase := func(index, attempt int, p executor.Phase) {
		if p == executor.Retrying {
			j.retries.Add(1)
		}
	}
	ex, err := executor.New(j.comp.Dialect, j.comp.Poster, j.comp.Prompt, executor.Options{
		Model:   j.set.Model,
		Params:  j.set.Params,
		Retry:   j.set.Retry,
		Timeout: j.set.Timeout,
		Stream:  j.set.Stream,
		Display: j.set.Display,
		Replay:  j.set.Replay,
		Images:  j.set.Images,
		Job:     j.id,
		Hook:    j.set.Hook,
		OnPhase: onPhase,
	}, j.log)
	if err != nil {
		return nil, err
	}
	var runner scheduler.Runner = executor.NewBatch(ex)
	if j.set.Mode == ModeChat {
		runner = executor.NewSession(ex, j.set.MaxTurns)
	}

	est := prompt.MakeEstimator(j.set.BytesPerToken)
	maxOut := 0
	if j.set.Params.MaxOutputTokens.Enabled {
		maxOut = j.set.Params.MaxOutputTokens.Value
	}
	return scheduler.New(runner, scheduler.Settings{
		Concurrency: j.set.Concurrency,
		Gate:        j.comp.Gate,
		Tokens: func(c contract.ChunkJob) int {
			return prompt.RequestTokens(j.comp.Prompt, est, c.Text, maxOut)
		},
		Cancel: j.ctl,
		Job:    j.id,
	}, j.log)
}

var _ contract.CancellableJob = (*Job)(nil)
