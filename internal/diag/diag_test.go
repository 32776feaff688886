package diag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	if _, err := w.Write([]byte("first line that is very long\n")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if _, err := w.Write([]byte("second\n")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
}

// 当前文件名与时间戳文件存在
func TestRotatingFileRotateFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10)
	for i := 0; i < 5; i++ {
		if _, err := w.Write([]byte("xxxxxxxxxxxxxxxxxx\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		if e.Name() == "telocity-current.txt" {
			hasCurrent = true
		}
		if strings.HasPrefix(e.Name(), "telocity-") && !strings.Contains(e.Name(), "current") {
			hasRotated = true
		}
	}
	if !hasCurrent || !hasRotated {
		t.Fatalf("expect both current and rotated files, got current=%v rotated=%v", hasCurrent, hasRotated)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// 默认 maxBytes 与 rotate 在 f==nil 分支
func TestRotatingFileDefaultsAndRotateNoOpen(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 0)
	if w.maxBytes != 10*1024*1024 {
		t.Fatalf("默认上限错误: %d", w.maxBytes)
	}
	if _, err := w.Write([]byte("a\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.f.Close()
	w.f = nil
	if err := w.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	_ = w.Close()
}

// UT-DIAG-02: 指标计数
func TestMetrics(t *testing.T) {
	before := testutil.ToFloat64(opTotal.WithLabelValues("comp", "stage", "success"))
	IncOp("comp", "stage", "success")
	if got := testutil.ToFloat64(opTotal.WithLabelValues("comp", "stage", "success")); got != before+1 {
		t.Fatalf("op_total 未递增: %v -> %v", before, got)
	}
	IncError("comp", "network")
	IncRetry("chat")
	AddCommitted(2)
	ObserveDuration("comp", "stage", 12)
	if testutil.ToFloat64(retryTotal.WithLabelValues("chat")) < 1 {
		t.Fatalf("retry_total 未递增")
	}

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := WriteMetrics(path); err != nil {
		t.Fatalf("WriteMetrics: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	for _, name := range []string{"op_total", "error_total", "retry_total", "chunks_committed_total", "op_duration_ms"} {
		if !strings.Contains(string(b), name) {
			t.Fatalf("导出缺少 %s:\n%s", name, b)
		}
	}
}

// UT-DIAG-03: 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{fmt.Errorf("config: %w", contract.ErrInvalidConfig), CodeConfig},
		{contract.ErrStaleProgress, CodeStaleProgress},
		{contract.ErrTargetExists, CodeTargetExists},
		{contract.ErrSourceNotFound, CodeSourceMissing},
		{fmt.Errorf("%w: %w", contract.ErrRetriesExhausted, &net.DNSError{Err: "x"}), CodeRetriesExhausted},
		{contract.ErrResponseInvalid, CodeProtocol},
		{context.Canceled, CodeCancel},
		{contract.ErrCancelled, CodeCancel},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrSeqInvalid, CodeInvariant},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{errors.New("other"), CodeUnknown},
		{nil, CodeUnknown},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v)=%s, want %s", c.err, got, c.want)
		}
	}
}

// UT-DIAG-04: Logger 字段与级别过滤
func TestLoggerFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := NewWithCore("corr", core)

	tm := l.StartWith("engine", "begin", "job-1", "3")
	tm.Finish("ok", 2)
	l.ErrorWithKV("executor", "network", "boom", nil, "job-1", "3", map[string]string{"http_status": "503"})
	l.DebugStart("executor", "filtered", "job-1", "3", nil) // info 级别下被过滤

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("期望 3 条日志, got %d", len(entries))
	}
	first := entries[0].ContextMap()
	if first["corr_id"] != "corr" || first["comp"] != "engine" || first["stage"] != "start" || first["job"] != "job-1" || first["chunk"] != "3" {
		t.Fatalf("start 字段不符: %v", first)
	}
	fin := entries[1].ContextMap()
	if fin["stage"] != "finish" || fin["count"] != int64(2) {
		t.Fatalf("finish 字段不符: %v", fin)
	}
	errEv := entries[2]
	if errEv.Level != zapcore.ErrorLevel || errEv.ContextMap()["code"] != "network" {
		t.Fatalf("error 字段不符: %v", errEv.ContextMap())
	}
}

// 覆盖文件 sink 写入成功路径
func TestLoggerWithSink(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger("corr", "info", dir)
	timer := l.Start("comp", "msg")
	timer.Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "telocity-current.txt"))
	if err != nil {
		t.Fatalf("log file not found: %v", err)
	}
	if !strings.Contains(string(b), `"corr_id":"corr"`) || !strings.Contains(string(b), `"stage":"error"`) {
		t.Fatalf("日志内容不符: %s", b)
	}
}

// nil/Nop 日志器不 panic
func TestLoggerNopAndNil(t *testing.T) {
	var nl *Logger
	nl.Info("c", "s", "m", nil)
	nl.Start("c", "m").Finish("x", 0)
	_ = nl.Close()
	l := NewNop()
	l.Warn("c", "code", "m", "j", "0", nil)
	start := time.Now()
	l.ErrorWith("c", "code", "m", &start, "j", "0")
	l.InfoFinish("c", "m", start, 1)
	l.Debug("c", "phase", "m", "j", "0", nil)
	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
	if parseLevel("WARN") != zapcore.WarnLevel || parseLevel("bogus") != zapcore.InfoLevel {
		t.Fatalf("parseLevel 错误")
	}
}

// UT-DIAG-05: 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart(4, "gpt-x")
	term.JobStart("docs/guide.md", 12, 0)
	term.JobProgress(6, 12, 0) // 非 TTY：不输出进度
	term.JobFinish(true, 5100*time.Millisecond)
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	for _, want := range []string{
		"[run] 并发=4 | model=gpt-x",
		"[job] guide.md | 计划块=12",
		"[done] guide.md | 块 12 | 总用时 5.1s",
		"[ok] 结束 | 作业 1 | 总用时 41.3s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestTerminalResumeLine(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.JobStart("out.txt", 10, 4)
	term.Notice("已请求停止")
	if !strings.Contains(sb.String(), "续传自 #4") || !strings.Contains(sb.String(), "已请求停止") {
		t.Fatalf("unexpected: %q", sb.String())
	}
}

// UT-DIAG-06: 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart(2, "mock")
	term.JobStart("/a/b/c/longfilename.txt", 3, 0)

	term.JobProgress(1, 3, 0)
	first := sb.String()
	if !strings.Contains(first, "\r[") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	term.JobProgress(2, 3, 1)
	second := sb.String()
	if second != first {
		t.Fatalf("second progress should be throttled; got changed output")
	}
	time.Sleep(120 * time.Millisecond)
	term.JobProgress(2, 3, 1)
	third := sb.String()
	if len(third) <= len(second) {
		t.Fatalf("third progress should append output")
	}
	term.JobFinish(false, 2200*time.Millisecond)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("finish should include fail line: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 || !strings.Contains(seg[cr+1:], " ") {
		t.Fatalf("clear tail should write spaces after CR: %q", seg)
	}
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

// UT-DIAG-07: 写失败降级为禁用态
func TestTerminalDisableOnWriteError(t *testing.T) {
	fw := &flakyWriter{fail: true}
	term := NewTerminal(fw, true)
	term.isTTY = false
	term.RunStart(1, "x")
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.JobStart("a", 0, 0)
	term.JobProgress(0, 0, 0)
	term.JobFinish(true, 0)
	term.RunFinish(true, 0)

	fw2 := &flakyWriter{fail: true}
	tty := NewTerminal(fw2, true)
	tty.isTTY = true
	tty.JobStart("f.txt", 2, 0)
	tty.JobProgress(1, 2, 0)
	if tty.enabled {
		t.Fatalf("terminal should be disabled after inline error")
	}
}

func TestTerminalNilReceiverNoop(t *testing.T) {
	var tn *Terminal
	tn.RunStart(1, "x")
	tn.JobStart("a", 1, 0)
	tn.JobProgress(0, 0, 0)
	tn.JobFinish(true, 0)
	tn.RunFinish(true, 0)
	tn.Notice("x")
}

func TestTerminalEnvAndGlobal(t *testing.T) {
	t.Setenv("CI", "true")
	var sb strings.Builder
	if NewTerminal(&sb, true).isTTY {
		t.Fatalf("CI env should force non-tty")
	}
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
	SetTerminal(NewTerminal(os.Stderr, false))
	if GetTerminal() == nil {
		t.Fatalf("expected non-nil terminal")
	}
	SetTerminal(nil)
}

func TestHelpers(t *testing.T) {
	if shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.txt", 10) == "" {
		t.Fatalf("shortenBase should produce non-empty")
	}
	if shortenBase("x", 0) != "" {
		t.Fatalf("shortenBase max<=0 should be empty")
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur failed")
	}
	if NowUTC() == "" {
		t.Fatalf("应返回时间字符串")
	}
}
