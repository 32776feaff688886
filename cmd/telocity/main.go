package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cfgpkg "github.com/asyncd1spatch/telocity-sub001/internal/config"
	"github.com/asyncd1spatch/telocity-sub001/internal/cancel"
	"github.com/asyncd1spatch/telocity-sub001/internal/diag"
	"github.com/asyncd1spatch/telocity-sub001/internal/engine"
	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// 测试替换点
var (
	notifySignals = func(c chan<- os.Signal) { signal.Notify(c, os.Interrupt, syscall.SIGTERM) }
	stopSignals   = signal.Stop
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run 执行命令并映射退出码：3 配置类（含进度失配、目标已存在、源缺失），130 取消，其余 1。
func run(args []string, stdout, stderr io.Writer) int {
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if err == nil {
		return 0
	}
	code := diag.Classify(err)
	fprintf(stderr, "[%s] %v\n", code, err)
	return exitCode(code)
}

func exitCode(code diag.Code) int {
	switch code {
	case diag.CodeConfig, diag.CodeStaleProgress, diag.CodeTargetExists, diag.CodeSourceMissing:
		return 3
	case diag.CodeCancel:
		return 130
	default:
		return 1
	}
}

// runFlags: run 子命令的覆盖项；仅 Changed 的旗标进入 CLI 覆盖层。
type runFlags struct {
	config      string
	dialect     string
	model       string
	mode        string
	concurrency int
	chunkSize   int
	sourceLang  string
	targetLang  string
	maxAttempts int
	stream      bool
	transport   string
	reasoning   string
	progress    string
	logLevel    string
	status      bool
	dump        bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "telocity",
		Short:         "分块批量调用 LLM 端点处理长文本（可续传、按源顺序输出）",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", contract.ErrInvalidConfig, err)
	})
	root.AddCommand(newRunCmd(stderr), newInitCmd(stdout, stderr))
	return root
}

func newRunCmd(stderr io.Writer) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run SOURCE TARGET",
		Short: "处理 SOURCE 并写出 TARGET；存在进度文件时从断点续传",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("%w: run requires SOURCE and TARGET, got %d args", contract.ErrInvalidConfig, len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, &f, args[0], args[1], stderr)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.config, "config", "", "配置文件（JSON/YAML）；缺省依次读取 TELOCITY_CONFIG_FILE、TELOCITY_CONFIG_JSON、./config.json、./config.yaml")
	fl.StringVar(&f.dialect, "dialect", "", "后端方言 chat|responses|legacy")
	fl.StringVar(&f.model, "model", "", "模型名")
	fl.StringVar(&f.mode, "mode", "", "batch|chat")
	fl.IntVar(&f.concurrency, "concurrency", 0, "并发度（chat 模式固定 1）")
	fl.IntVar(&f.chunkSize, "chunk-size", 0, "单块最大字符数")
	fl.StringVar(&f.sourceLang, "source-lang", "", "源语言")
	fl.StringVar(&f.targetLang, "target-lang", "", "目标语言")
	fl.IntVar(&f.maxAttempts, "max-attempts", 0, "单块最大尝试次数（含首发）")
	fl.BoolVar(&f.stream, "stream", true, "流式请求")
	fl.StringVar(&f.transport, "transport", "", "传输层 http|mock|flaky")
	fl.StringVar(&f.reasoning, "reasoning", "", "推理文本展示 hide|stream|inline")
	fl.StringVar(&f.progress, "progress-file", "", "进度文件路径（默认 TARGET.progress.json）")
	fl.StringVar(&f.logLevel, "log-level", "", "日志等级 debug|info|warn|error")
	fl.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	fl.BoolVar(&f.dump, "dump-config", false, "打印有效配置（密钥已脱敏）后继续")
	return cmd
}

// resolveConfig: 默认 < 文件 < ENV < CLI。
func resolveConfig(cmd *cobra.Command, f *runFlags, source, target string) (cfgpkg.Config, error) {
	path := f.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	var raw []byte
	if path == "" {
		if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
			raw = []byte(s)
		}
	}
	if path == "" && raw == nil {
		for _, cand := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(cand); err == nil {
				path = cand
				break
			}
		}
	}

	cfg := cfgpkg.Defaults()
	if path != "" || raw != nil {
		base, err := cfgpkg.Load(path, raw)
		if err != nil {
			if !errors.Is(err, contract.ErrInvalidConfig) {
				err = fmt.Errorf("%w: %v", contract.ErrInvalidConfig, err)
			}
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, overEnv)
	return cfgpkg.Merge(cfg, cliOverlay(cmd, f, source, target)), nil
}

func cliOverlay(cmd *cobra.Command, f *runFlags, source, target string) cfgpkg.Config {
	over := cfgpkg.Config{
		Source:       source,
		Target:       target,
		ProgressFile: f.progress,
		Dialect:      f.dialect,
		Model:        f.model,
		Mode:         f.mode,
		Concurrency:  f.concurrency,
		ChunkSize:    f.chunkSize,
		Transport:    f.transport,
	}
	over.Prompt.SourceLanguage = f.sourceLang
	over.Prompt.TargetLanguage = f.targetLang
	over.Retry.MaxAttempts = f.maxAttempts
	over.Reasoning.Display = f.reasoning
	over.Logging.Level = f.logLevel
	if cmd.Flags().Changed("stream") {
		v := f.stream
		over.Stream = &v
	}
	return over
}

func runJob(cmd *cobra.Command, f *runFlags, source, target string, stderr io.Writer) error {
	start := time.Now()
	corrID := uuid.NewString()

	cfg, err := resolveConfig(cmd, f, source, target)
	if err != nil {
		return err
	}
	if f.dump {
		_ = dumpConfig(stderr, cfg)
	}
	logger := diag.NewLogger(corrID, cfg.Logging.Level, cfg.Logging.Dir)
	defer logger.Close()

	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		if errors.Is(err, contract.ErrInvalidConfig) && !f.dump {
			// 提示打印有效配置，便于诊断
			_ = dumpConfig(stderr, cfg)
		}
		logger.Error("cli", string(diag.Classify(err)), err.Error(), &start)
		return err
	}

	term := diag.NewTerminal(stderr, f.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	set.Hook = streamHook(stderr, set)

	// debug: 输出运行时配置信息（已脱敏）
	logger.DebugStart("config", "effective", "", "", map[string]string{
		"model":       cfg.Model,
		"dialect":     set.Snapshot.Dialect,
		"mode":        string(set.Mode),
		"transport":   cfg.Transport,
		"base_url":    cfg.Endpoint.BaseURL,
		"concurrency": strconv.Itoa(cfg.Concurrency),
		"chunk_size":  strconv.Itoa(cfg.ChunkSize),
	})

	job, err := engine.New(set, comp, logger)
	if err != nil {
		return err
	}
	slot := &cancel.Slot{}
	sigs := make(chan os.Signal, 2)
	notifySignals(sigs)
	defer stopSignals(sigs)
	stopWatch := watchSignals(sigs, slot, term)
	defer stopWatch()

	concurrency := cfg.Concurrency
	if set.Mode == engine.ModeChat {
		concurrency = 1
	}
	term.RunStart(concurrency, cfg.Model)
	res, err := job.Execute(cmd.Context(), slot)
	if err != nil {
		term.RunFinish(false, time.Since(start))
		return err
	}
	switch res.Outcome {
	case engine.EmptySource:
		term.Notice("源文本为空，未创建任何文件")
	case engine.NothingToDo:
		term.Notice("所有块均已完成，已清理进度文件")
	}
	logger.InfoFinish("cli", res.Outcome.String(), start, int64(res.Stats.Completed))
	term.RunFinish(true, time.Since(start))
	return nil
}

// watchSignals: 每次信号将活动作业升级一级（首次排空、再次中止在途）。返回停止函数。
func watchSignals(sigs <-chan os.Signal, slot *cancel.Slot, term *diag.Terminal) func() {
	done := make(chan struct{})
	go func() {
		n := 0
		for {
			select {
			case <-done:
				return
			case <-sigs:
				n++
				if !slot.Cancel() {
					continue
				}
				if n == 1 {
					term.Notice("收到中断：等待在途块完成后退出（再次中断立即终止）")
				} else {
					term.Notice("再次中断：立即终止在途请求")
				}
			}
		}
	}()
	return func() { close(done) }
}

// streamHook: reasoning=stream 且串行时把推理增量直接写到 stderr；并发时不逐字渲染。
func streamHook(w io.Writer, set engine.Settings) contract.StreamHook {
	if set.Display != "stream" || (set.Mode != engine.ModeChat && set.Concurrency > 1) {
		return nil
	}
	return func(_ int, d contract.Delta) {
		if d.Kind == contract.KindConditional {
			_, _ = io.WriteString(w, d.Text)
		}
	}
}

func newInitCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [DIR]",
		Short: "在 DIR（默认当前目录）生成 config.json 与 .env 模板；已存在则跳过，不覆盖",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			if dir == "-" {
				return writeConfig(stdout, "-", cfgpkg.DefaultTemplateConfig())
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("%w: 生成默认配置失败: %v", contract.ErrInvalidConfig, err)
			}
			if err := writeConfig(stdout, filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
				return fmt.Errorf("%w: 生成默认配置失败: %v", contract.ErrInvalidConfig, err)
			}
			if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
				fprintf(stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
			}
			return nil
		},
	}
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

// dumpConfig 打印有效配置与进度指纹；api_key 脱敏。
func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	if c.Endpoint.APIKey != "" {
		c.Endpoint.APIKey = "***"
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(w, "有效配置:\n%s\n", b); err != nil {
		return err
	}
	fp, err := c.Fingerprint()
	if err != nil {
		fp = "(" + err.Error() + ")"
	}
	_, err = fmt.Fprintf(w, "fingerprint: %s\n", fp)
	return err
}

func writeConfig(stdout io.Writer, path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export ".
// - 仅按首个 '=' 分割；key 为左侧去空白；value 去首尾空白；
// - 若 value 被成对的单/双引号包裹，则去除外层引号；双引号内常见转义 \n/\t/\\/\" 作最小处理。
// - 空值视为未设置，不写入；不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		key, val, ok := parseDotEnvLine(s.Text())
		if !ok || val == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func parseDotEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	eq := strings.IndexByte(line, '=')
	if eq <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:eq])
	val = strings.TrimSpace(line[eq+1:])
	if key == "" {
		return "", "", false
	}
	// 去除成对引号
	if len(val) >= 2 && (val[0] == '\'' || val[0] == '"') && val[len(val)-1] == val[0] {
		quoted := val[0]
		val = val[1 : len(val)-1]
		if quoted == '"' {
			val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
		}
	}
	return key, val, true
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
// 仅创建文件；不覆盖，不合并。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# telocity .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件 > 默认\n")
	b.WriteString("# 空值表示未设置；按需填写。\n\n")

	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("TELOCITY_CONFIG_FILE=\n")
	b.WriteString("TELOCITY_CONFIG_JSON=\n\n")

	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"MODE", "CONCURRENCY", "CHUNK_SIZE", "MAX_TURNS", "MODEL", "DIALECT", "STREAM", "MAX_ATTEMPTS", "RETRY_DELAY_MS"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 生成参数\n")
	for _, k := range []string{"TEMPERATURE", "TOP_P", "TOP_K", "PRESENCE_PENALTY", "SEED", "REASONING_EFFORT", "MAX_OUTPUT_TOKENS"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 端点与限额\n")
	for _, k := range []string{"TRANSPORT", "BASE_URL", "API_KEY_ENV", "ENDPOINT_PATH", "TIMEOUT_SECONDS", "RPM", "TPM", "INTERVAL_MS", "MAX_TOKENS_PER_REQ"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 提示词与日志\n")
	for _, k := range []string{"SOURCE_LANGUAGE", "TARGET_LANGUAGE", "LOG_LEVEL", "LOG_DIR", "METRICS_FILE"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	// 供应商 API Key（由 endpoint.api_key_env 指向，不经 TELOCITY_ 前缀）
	b.WriteString("\n# 供应商 API Key\n")
	b.WriteString("OPENAI_API_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}
