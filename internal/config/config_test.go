package config

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/asyncd1spatch/telocity-sub001/internal/engine"
	"github.com/asyncd1spatch/telocity-sub001/internal/executor"
	"github.com/asyncd1spatch/telocity-sub001/internal/transport"
	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// UT-CFG-01: 解析完整 JSON 并通过校验
func TestLoadJSON(t *testing.T) {
	cfg, err := Load("../../testdata/config/basic.json", nil)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Dialect != "responses" || cfg.Model != "gpt-4o-mini" {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	if cfg.Stream == nil || *cfg.Stream {
		t.Fatalf("stream 应显式为 false")
	}
	if !cfg.Params.Temperature.Enabled || cfg.Params.Temperature.Value != 0.2 || cfg.Params.TopP.Enabled {
		t.Fatalf("params 映射错误: %+v", cfg.Params)
	}
	merged := Merge(Defaults(), cfg)
	if err := Validate(merged); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
	if merged.Retry.TemperatureIncrement != Defaults().Retry.TemperatureIncrement || merged.Retry.MaxAttempts != 4 {
		t.Fatalf("合并默认值错误: %+v", merged.Retry)
	}
}

// UT-CFG-02: YAML 与 JSON 共用严格解码；原样 Options 子树保留
func TestLoadYAML(t *testing.T) {
	cfg, err := Load("../../testdata/config/basic.yaml", nil)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Mode != "chat" || cfg.MaxTurns != 2 || cfg.Dialect != "legacy" {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	if !cfg.Params.Seed.Enabled || cfg.Params.Seed.Value != 42 {
		t.Fatalf("seed 映射错误: %+v", cfg.Params.Seed)
	}
	var opts map[string]any
	if err := json.Unmarshal(cfg.TransportOptions, &opts); err != nil || opts["failures"] != float64(1) {
		t.Fatalf("transport_options 未保留: %s %v", cfg.TransportOptions, err)
	}
	// 原始内容（非 '{' 开头）按 YAML 解析；未知字段同样拒绝
	if _, err := Load("", []byte("model: x\nunknown: 1\n")); !errors.Is(err, contract.ErrInvalidConfig) {
		t.Fatalf("YAML 未知字段应报错: %v", err)
	}
	if _, err := Load("", []byte("model: [unterminated\n")); !errors.Is(err, contract.ErrInvalidConfig) {
		t.Fatalf("YAML 语法错误应报 ErrInvalidConfig: %v", err)
	}
}

// UT-CFG-03: 含非法字段
func TestLoadJSONUnknown(t *testing.T) {
	raw := []byte(`{"unknown":1}`)
	if _, err := Load("", raw); !errors.Is(err, contract.ErrInvalidConfig) {
		t.Fatalf("应当返回 ErrInvalidConfig, got %v", err)
	}
	if _, err := Load("", nil); err == nil {
		t.Fatalf("无配置来源应报错")
	}
}

// UT-CFG-04: ENV 覆盖部分字段；非法数值致命
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"TELOCITY_CONCURRENCY=3",
		"TELOCITY_MODEL=m1",
		"TELOCITY_STREAM=false",
		"TELOCITY_TEMPERATURE=0.5",
		"TELOCITY_TARGET_LANGUAGE=French",
		"TELOCITY_TRANSPORT_OPTIONS_JSON={\"prefix\":\"E\"}",
		"TELOCITY_RPM=",
		"OTHER_MODEL=ignored",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	if over.Model != "m1" || over.Concurrency != 3 || over.Prompt.TargetLanguage != "French" {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if over.Stream == nil || *over.Stream {
		t.Fatalf("stream 覆盖错误")
	}
	if !over.Params.Temperature.Enabled || over.Params.Temperature.Value != 0.5 {
		t.Fatalf("temperature 覆盖错误: %+v", over.Params.Temperature)
	}
	if over.Limits.RPM != 0 {
		t.Fatalf("空值不应覆盖")
	}
	if string(over.TransportOptions) != `{"prefix":"E"}` {
		t.Fatalf("原样 JSON 错误: %s", over.TransportOptions)
	}

	_, err = EnvOverlay([]string{"TELOCITY_CONCURRENCY=abc", "TELOCITY_STREAM=maybe"})
	if !errors.Is(err, contract.ErrInvalidConfig) {
		t.Fatalf("非法数值应报 ErrInvalidConfig: %v", err)
	}
	if !strings.Contains(err.Error(), "TELOCITY_CONCURRENCY") || !strings.Contains(err.Error(), "TELOCITY_STREAM") {
		t.Fatalf("错误信息应列出全部非法键: %v", err)
	}
}

// UT-CFG-05: 优先级 CLI > ENV > 文件 > 默认
func TestMergePrecedence(t *testing.T) {
	f := false
	file := Config{Model: "file", Concurrency: 2, Stream: &f, Params: contract.Params{TopP: contract.On(0.5)}}
	env := Config{Model: "env", ChunkSize: 900}
	cli := Config{Model: "cli", Endpoint: transport.Options{ExtraHeaders: map[string]string{"X-A": "1"}}}

	got := Merge(Merge(Merge(Defaults(), file), env), cli)
	if got.Model != "cli" || got.Concurrency != 2 || got.ChunkSize != 900 {
		t.Fatalf("优先级错误: %+v", got)
	}
	if got.Stream == nil || *got.Stream {
		t.Fatalf("显式 false 应覆盖默认 true")
	}
	if !got.Params.TopP.Enabled || got.Params.Temperature.Enabled {
		t.Fatalf("params 合并错误: %+v", got.Params)
	}
	if got.Dialect != "chat" || got.Retry.MaxAttempts != 3 {
		t.Fatalf("默认值丢失: %+v", got)
	}
	if got.Endpoint.ExtraHeaders["X-A"] != "1" {
		t.Fatalf("extra_headers 合并错误")
	}
	// Merge 不得修改入参
	if *file.Stream {
		t.Fatalf("入参被修改")
	}
}

// UT-CFG-06: 校验错误汇总
func TestValidateErrors(t *testing.T) {
	good := DefaultTemplateConfig()
	good.Source, good.Target = "a.txt", "b.txt"
	if err := Validate(good); err != nil {
		t.Fatalf("模板配置应通过校验: %v", err)
	}
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"no source", func(c *Config) { c.Source = "" }, "source not set"},
		{"same path", func(c *Config) { c.Target = c.Source }, "must differ"},
		{"mode", func(c *Config) { c.Mode = "stream" }, "mode"},
		{"concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"chunk", func(c *Config) { c.ChunkSize = -1 }, "chunk_size"},
		{"model", func(c *Config) { c.Model = " " }, "model"},
		{"dialect", func(c *Config) { c.Dialect = "gemini" }, "dialect"},
		{"transport", func(c *Config) { c.Transport = "grpc" }, "transport"},
		{"base_url", func(c *Config) { c.Transport = "http"; c.Endpoint.BaseURL = "api.local" }, "base_url"},
		{"display", func(c *Config) { c.Reasoning.Display = "loud" }, "reasoning.display"},
		{"replay", func(c *Config) { c.Reasoning.Replay = "all" }, "reasoning.replay"},
		{"temperature", func(c *Config) { c.Params.Temperature = contract.On(3.0) }, "temperature"},
		{"max tokens", func(c *Config) { c.Params.MaxOutputTokens = contract.On(9000) }, "max_tokens_per_req"},
		{"attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"limits", func(c *Config) { c.Limits.RPM = -1 }, "limits"},
	}
	for _, tc := range cases {
		c := good
		tc.mut(&c)
		err := Validate(c)
		if !errors.Is(err, contract.ErrInvalidConfig) || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: 期望包含 %q 的 ErrInvalidConfig, got %v", tc.name, tc.want, err)
		}
	}
}

// UT-CFG-07: 指纹只受参与确定性的字段影响
func TestSnapshotFingerprint(t *testing.T) {
	a := DefaultTemplateConfig()
	fa, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("指纹失败: %v", err)
	}
	b := a
	b.Concurrency = 9
	b.Logging.Level = "debug"
	b.Limits.RPM = 1
	if fb, _ := b.Fingerprint(); fb != fa {
		t.Fatalf("并发/日志/限额不应影响指纹")
	}
	c := a
	c.Prompt.TargetLanguage = "German"
	fc, _ := c.Fingerprint()
	if fc == fa {
		t.Fatalf("目标语言应影响指纹")
	}
	snap, _ := c.Snapshot()
	if !strings.Contains(snap.SystemPrompt, "German") {
		t.Fatalf("system 应为渲染后的文本: %q", snap.SystemPrompt)
	}
	d := a
	d.Prompt.SystemTemplatePath = "/nonexistent/system.tmpl"
	if _, err := d.Snapshot(); !errors.Is(err, contract.ErrInvalidConfig) {
		t.Fatalf("模板缺失应报 ErrInvalidConfig: %v", err)
	}
}

// UT-CFG-08: Assemble 映射到引擎参数
func TestAssemble(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Source, cfg.Target = "in.txt", "out.txt"
	cfg.Mode = "chat"
	cfg.Retry.DelayMS = 1500
	cfg.Limits = Limits{IntervalMS: 100}
	comp, set, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	if comp.Segmenter == nil || comp.Dialect == nil || comp.Poster == nil || comp.Prompt == nil || comp.Gate == nil {
		t.Fatalf("组件缺失: %+v", comp)
	}
	if comp.Dialect.Name() != "chat" {
		t.Fatalf("方言错误: %s", comp.Dialect.Name())
	}
	if set.Mode != engine.ModeChat || set.Retry.Delay != 1500*time.Millisecond || set.Display != executor.DisplayHide {
		t.Fatalf("参数映射错误: %+v", set)
	}
	if !set.Stream || set.Timeout != 120*time.Second || set.Snapshot.Model != "mock-model" {
		t.Fatalf("参数映射错误: %+v", set)
	}
	if _, err := engine.New(set, comp, nil); err != nil {
		t.Fatalf("装配结果应可构造作业: %v", err)
	}

	cfg.Limits = Limits{}
	comp, _, err = Assemble(cfg)
	if err != nil || comp.Gate != nil {
		t.Fatalf("无限额时不应构造 Gate: %v", err)
	}
	cfg.TransportOptions = json.RawMessage(`{"nope":true}`)
	if _, _, err := Assemble(cfg); !errors.Is(err, contract.ErrInvalidConfig) {
		t.Fatalf("未知 transport 选项应报 ErrInvalidConfig: %v", err)
	}
}

// 补充覆盖: splitComma、atoi 与 YAML 键规范化
func TestHelpers(t *testing.T) {
	parts := splitComma("a, b , ,c")
	if len(parts) != 3 || parts[1] != "b" {
		t.Fatalf("splitComma 结果错误: %v", parts)
	}
	if v, err := atoi(" 10 "); err != nil || v != 10 {
		t.Fatalf("atoi 失败: %v %d", err, v)
	}
	if _, err := normalizeYAML(map[any]any{1: "x"}); err == nil {
		t.Fatalf("非字符串键应报错")
	}
	js, err := yamlToJSON([]byte(""))
	if err != nil || string(js) != "{}" {
		t.Fatalf("空 YAML 应为空对象: %s %v", js, err)
	}
}
