package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/asyncd1spatch/telocity-sub001/internal/engine"
	"github.com/asyncd1spatch/telocity-sub001/internal/executor"
	"github.com/asyncd1spatch/telocity-sub001/internal/progress"
	"github.com/asyncd1spatch/telocity-sub001/internal/prompt"
	"github.com/asyncd1spatch/telocity-sub001/internal/rate"
	"github.com/asyncd1spatch/telocity-sub001/internal/transport"
	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
	"github.com/asyncd1spatch/telocity-sub001/pkg/registry"
)

// Validate 对最小必要边界做静态校验（网络请求之前）。全部错误一并返回，均包裹 ErrInvalidConfig。
func Validate(cfg Config) error {
	var errs []error
	bad := func(format string, a ...any) { errs = append(errs, fmt.Errorf(format, a...)) }

	if strings.TrimSpace(cfg.Source) == "" {
		bad("source not set")
	}
	if strings.TrimSpace(cfg.Target) == "" {
		bad("target not set")
	}
	if cfg.Source != "" && cfg.Source == cfg.Target {
		bad("source and target must differ")
	}
	switch engine.Mode(effName(cfg.Mode, Defaults().Mode)) {
	case engine.ModeBatch, engine.ModeChat:
	default:
		bad("mode %q must be batch or chat", cfg.Mode)
	}
	if cfg.Concurrency < 1 {
		bad("concurrency must be >= 1")
	}
	if cfg.ChunkSize <= 0 {
		bad("chunk_size must be > 0")
	}
	if cfg.MaxTurns < 0 {
		bad("max_turns must be >= 0")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		bad("model not set")
	}
	if registry.Dialect[effName(cfg.Dialect, Defaults().Dialect)] == nil {
		bad("dialect %q not registered (have %v)", cfg.Dialect, registry.Names(registry.Dialect))
	}
	if registry.Segmenter[effName(cfg.Segmenter, Defaults().Segmenter)] == nil {
		bad("segmenter %q not registered", cfg.Segmenter)
	}
	tn := effName(cfg.Transport, Defaults().Transport)
	if registry.Transport[tn] == nil {
		bad("transport %q not registered (have %v)", cfg.Transport, registry.Names(registry.Transport))
	}
	if tn == "http" && !absoluteURL(cfg.Endpoint.EndpointPath) {
		if u, err := url.Parse(cfg.Endpoint.BaseURL); cfg.Endpoint.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
			bad("endpoint.base_url %q must be an absolute URL", cfg.Endpoint.BaseURL)
		}
	}
	if cfg.Endpoint.TimeoutSeconds < 0 {
		bad("endpoint.timeout_seconds must be >= 0")
	}

	switch executor.Display(effName(cfg.Reasoning.Display, "hide")) {
	case executor.DisplayHide, executor.DisplayStream, executor.DisplayInline:
	default:
		bad("reasoning.display %q must be hide, stream or inline", cfg.Reasoning.Display)
	}
	switch contract.ReplayMode(effName(cfg.Reasoning.Replay, "none")) {
	case contract.ReplayNone, contract.ReplayEncrypted, contract.ReplayUnencrypted:
	default:
		bad("reasoning.replay %q must be none, encrypted or unencrypted", cfg.Reasoning.Replay)
	}

	p := cfg.Params
	if p.Temperature.Enabled && (p.Temperature.Value < 0 || p.Temperature.Value > 2) {
		bad("params.temperature must be within [0,2]")
	}
	if p.TopP.Enabled && (p.TopP.Value <= 0 || p.TopP.Value > 1) {
		bad("params.top_p must be within (0,1]")
	}
	if p.TopK.Enabled && p.TopK.Value < 1 {
		bad("params.top_k must be >= 1")
	}
	if p.MaxOutputTokens.Enabled && p.MaxOutputTokens.Value < 1 {
		bad("params.max_output_tokens must be >= 1")
	}
	if p.MaxOutputTokens.Enabled && cfg.Limits.MaxTokensPerReq > 0 && p.MaxOutputTokens.Value > cfg.Limits.MaxTokensPerReq {
		bad("params.max_output_tokens(%d) exceeds limits.max_tokens_per_req(%d)", p.MaxOutputTokens.Value, cfg.Limits.MaxTokensPerReq)
	}

	r := cfg.Retry
	if r.MaxAttempts < 1 {
		bad("retry.max_attempts must be >= 1")
	}
	if r.DelayMS < 0 || r.TemperatureIncrement < 0 || r.TemperatureCap < 0 || r.BaseTemperature < 0 || r.MaxTemperature < 0 {
		bad("retry values must be >= 0")
	}
	l := cfg.Limits
	if l.IntervalMS < 0 || l.RPM < 0 || l.TPM < 0 || l.MaxTokensPerReq < 0 {
		bad("limits must be >= 0")
	}
	if cfg.BytesPerToken < 0 {
		bad("bytes_per_token must be >= 0")
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w: %w", contract.ErrInvalidConfig, errors.Join(errs...))
}

func absoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Snapshot 生成参与指纹的配置视图；system 与前缀取渲染后的文本（模板文件变化即失配）。
func (cfg Config) Snapshot() (progress.Snapshot, error) {
	pb, err := prompt.New(&cfg.Prompt)
	if err != nil {
		return progress.Snapshot{}, fmt.Errorf("config: %w: prompt: %v", contract.ErrInvalidConfig, err)
	}
	return cfg.snapshot(pb), nil
}

func (cfg Config) snapshot(pb *prompt.Builder) progress.Snapshot {
	p := cfg.Params
	return progress.Snapshot{
		Model:           cfg.Model,
		Dialect:         effName(cfg.Dialect, Defaults().Dialect),
		Mode:            effName(cfg.Mode, Defaults().Mode),
		SystemPrompt:    pb.System(),
		PromptPrefix:    pb.Prefix(),
		SourceLanguage:  cfg.Prompt.SourceLanguage,
		TargetLanguage:  cfg.Prompt.TargetLanguage,
		ChunkSize:       cfg.ChunkSize,
		Temperature:     p.Temperature,
		TopP:            p.TopP,
		TopK:            p.TopK,
		PresencePenalty: p.PresencePenalty,
		Seed:            p.Seed,
		MaxOutputTokens: p.MaxOutputTokens,
		ReasoningEffort: p.ReasoningEffort,
	}
}

// Fingerprint 返回配置指纹（sha256 hex）。
func (cfg Config) Fingerprint() (string, error) {
	s, err := cfg.Snapshot()
	if err != nil {
		return "", err
	}
	return progress.Fingerprint(s), nil
}

// Assemble 校验并构造引擎组件与运行参数。
// 严格 Options 解析在 registry（工厂）层进行；此处只传原样 JSON。
func Assemble(cfg Config) (engine.Components, engine.Settings, error) {
	if err := Validate(cfg); err != nil {
		return engine.Components{}, engine.Settings{}, err
	}
	d := Defaults()
	stream := true
	if cfg.Stream != nil {
		stream = *cfg.Stream
	}

	seg, err := registry.Segmenter[effName(cfg.Segmenter, d.Segmenter)](cfg.SegmenterOptions)
	if err != nil {
		return engine.Components{}, engine.Settings{}, fmt.Errorf("config: segmenter: %w", err)
	}
	dialect, err := registry.Dialect[effName(cfg.Dialect, d.Dialect)](stream)
	if err != nil {
		return engine.Components{}, engine.Settings{}, fmt.Errorf("config: dialect: %w", err)
	}
	tn := effName(cfg.Transport, d.Transport)
	rt, err := registry.Transport[tn](cfg.TransportOptions)
	if err != nil {
		return engine.Components{}, engine.Settings{}, fmt.Errorf("config: transport: %w", err)
	}
	ep := cfg.Endpoint
	if tn != "http" && ep.BaseURL == "" {
		// 离线传输不发起网络请求，仅需一个可解析的地址
		ep.BaseURL = "http://" + tn + ".invalid/v1"
	}
	client, err := transport.New(ep, dialect.EndpointPath(), rt)
	if err != nil {
		return engine.Components{}, engine.Settings{}, err
	}
	pb, err := prompt.New(&cfg.Prompt)
	if err != nil {
		return engine.Components{}, engine.Settings{}, fmt.Errorf("config: %w: prompt: %v", contract.ErrInvalidConfig, err)
	}

	comp := engine.Components{
		Segmenter: seg,
		Dialect:   dialect,
		Poster:    client,
		Prompt:    pb,
	}
	if l := cfg.Limits; l.IntervalMS > 0 || l.RPM > 0 || l.TPM > 0 || l.MaxTokensPerReq > 0 {
		comp.Gate = rate.NewGate(rate.Limits{
			Interval:        time.Duration(l.IntervalMS) * time.Millisecond,
			RPM:             l.RPM,
			TPM:             l.TPM,
			MaxTokensPerReq: l.MaxTokensPerReq,
		}, nil)
	}

	writer := cfg.Writer
	set := engine.Settings{
		Source:       cfg.Source,
		Target:       cfg.Target,
		ProgressPath: cfg.ProgressFile,
		ChunkSize:    cfg.ChunkSize,
		Concurrency:  cfg.Concurrency,
		Mode:         engine.Mode(effName(cfg.Mode, d.Mode)),
		MaxTurns:     cfg.MaxTurns,
		Model:        cfg.Model,
		Params:       cfg.Params,
		Retry: executor.Retry{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			Delay:           time.Duration(cfg.Retry.DelayMS) * time.Millisecond,
			Increment:       cfg.Retry.TemperatureIncrement,
			Cap:             cfg.Retry.TemperatureCap,
			BaseTemperature: cfg.Retry.BaseTemperature,
			MaxTemperature:  cfg.Retry.MaxTemperature,
		},
		Timeout:       ep.Timeout(),
		Stream:        stream,
		Display:       executor.Display(effName(cfg.Reasoning.Display, d.Reasoning.Display)),
		Replay:        contract.ReplayMode(effName(cfg.Reasoning.Replay, d.Reasoning.Replay)),
		Images:        cloneStrings(cfg.Images),
		Snapshot:      cfg.snapshot(pb),
		BytesPerToken: cfg.BytesPerToken,
		MetricsFile:   cfg.MetricsFile,
		Writer:        &writer,
	}
	return comp, set, nil
}

func effName(got, def string) string {
	if strings.TrimSpace(got) == "" {
		return def
	}
	return strings.TrimSpace(got)
}
