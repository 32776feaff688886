package diag

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 为结构化日志器：zap JSON 编码，写入按大小轮转的日志文件。
// 字段：ts, level, corr_id, comp, stage(start|finish|error|phase), code, dur_ms, count, job, chunk, msg, kv。
// nil 接收者安全。
type Logger struct {
	z    *zap.Logger
	sink *RotatingFile
}

// NewLogger 通过 level 初始化，日志写入 dir（空则 logs）下的 telocity-current.txt，10MiB 轮转。
func NewLogger(corrID, level, dir string) *Logger {
	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	sink := NewRotatingFile(dir, 10*1024*1024)
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.Lock(zapcore.AddSync(sink)), parseLevel(level))
	l := NewWithCore(corrID, core)
	l.sink = sink
	return l
}

// NewWithCore 以任意 zapcore.Core 构造（测试可注入 observer）。
func NewWithCore(corrID string, core zapcore.Core) *Logger {
	// sink 写失败时 zap 将内部错误写到 stderr
	z := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	if corrID != "" {
		z = z.With(zap.String("corr_id", corrID))
	}
	return &Logger{z: z}
}

// NewNop 返回丢弃一切输出的日志器。
func NewNop() *Logger { return &Logger{z: zap.NewNop()} }

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Event 为标准事件结构。
type Event struct {
	Comp  string
	Stage string
	Code  string
	DurMS int64
	Count int64
	Job   string
	Chunk string
	Msg   string
	KV    map[string]string
}

func (l *Logger) log(lv zapcore.Level, ev Event) {
	if l == nil || l.z == nil {
		return
	}
	ce := l.z.Check(lv, ev.Msg)
	if ce == nil {
		return
	}
	fs := make([]zap.Field, 0, 8)
	fs = append(fs, zap.String("comp", ev.Comp), zap.String("stage", ev.Stage))
	if ev.Code != "" {
		fs = append(fs, zap.String("code", ev.Code))
	}
	if ev.DurMS != 0 {
		fs = append(fs, zap.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count != 0 {
		fs = append(fs, zap.Int64("count", ev.Count))
	}
	if ev.Job != "" {
		fs = append(fs, zap.String("job", ev.Job))
	}
	if ev.Chunk != "" {
		fs = append(fs, zap.String("chunk", ev.Chunk))
	}
	if len(ev.KV) > 0 {
		fs = append(fs, zap.Any("kv", ev.KV))
	}
	ce.Write(fs...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(zapcore.InfoLevel, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 job/chunk 的 start。
func (l *Logger) StartWith(comp, msg, job, chunk string) *Timer {
	l.log(zapcore.InfoLevel, Event{Comp: comp, Stage: "start", Job: job, Chunk: chunk, Msg: msg})
	return &Timer{l: l, comp: comp, job: job, chunk: chunk, t0: time.Now()}
}

// StartWithKV 记录带 job/chunk 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, job, chunk string, kv map[string]string) *Timer {
	l.log(zapcore.InfoLevel, Event{Comp: comp, Stage: "start", Job: job, Chunk: chunk, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, job: job, chunk: chunk, t0: time.Now()}
}

// Info 记录普通信息事件。
func (l *Logger) Info(comp, stage, msg string, kv map[string]string) {
	l.log(zapcore.InfoLevel, Event{Comp: comp, Stage: stage, Msg: msg, KV: kv})
}

// Warn 记录告警事件（如单次尝试失败、将重试）。
func (l *Logger) Warn(comp, code, msg, job, chunk string, kv map[string]string) {
	l.log(zapcore.WarnLevel, Event{Comp: comp, Stage: "warn", Code: code, Job: job, Chunk: chunk, Msg: msg, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.log(zapcore.ErrorLevel, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg})
}

// ErrorWith 支持 job/chunk。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, job, chunk string) {
	l.log(zapcore.ErrorLevel, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, Job: job, Chunk: chunk})
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, job, chunk string, kv map[string]string) {
	l.log(zapcore.ErrorLevel, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, Job: job, Chunk: chunk, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(zapcore.InfoLevel, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的 start 类事件（仅 level=debug 生效）。
func (l *Logger) DebugStart(comp, msg, job, chunk string, kv map[string]string) {
	l.log(zapcore.DebugLevel, Event{Comp: comp, Stage: "start", Job: job, Chunk: chunk, Msg: msg, KV: kv})
}

// Debug 输出任意阶段的调试事件（状态机迁移等）。
func (l *Logger) Debug(comp, stage, msg, job, chunk string, kv map[string]string) {
	l.log(zapcore.DebugLevel, Event{Comp: comp, Stage: stage, Job: job, Chunk: chunk, Msg: msg, KV: kv})
}

// Close 刷新并关闭底层文件。
func (l *Logger) Close() error {
	if l == nil || l.z == nil {
		return nil
	}
	_ = l.z.Sync()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func since(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return time.Since(*t).Milliseconds()
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l     *Logger
	comp  string
	job   string
	chunk string
	t0    time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	t.l.log(zapcore.InfoLevel, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, Job: t.job, Chunk: t.chunk, Msg: msg})
	ObserveDuration(t.comp, "finish", dur)
}
