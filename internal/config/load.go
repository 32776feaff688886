package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// EnvPrefix 环境变量前缀。
const EnvPrefix = "TELOCITY_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：Model、Source、Target 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	stream := true
	return Config{
		Mode:        "batch",
		Concurrency: 4,
		ChunkSize:   2000,
		Dialect:     "chat",
		Stream:      &stream,
		Reasoning:   Reasoning{Display: "hide", Replay: "none"},
		Retry: Retry{
			MaxAttempts:          3,
			DelayMS:              1000,
			TemperatureIncrement: 0.1,
			TemperatureCap:       0.5,
			BaseTemperature:      0.7,
			MaxTemperature:       2.0,
		},
		Transport:     "http",
		Segmenter:     "paragraph",
		BytesPerToken: 4,
		Logging:       Logging{Level: "info"},
	}
}

// Load 从文件路径或原始内容解析 Config（严格拒绝未知字段）。
// 格式：路径以 .yaml/.yml 结尾或原始内容不以 '{' 开头时按 YAML 解析，否则 JSON。
func Load(path string, raw []byte) (Config, error) {
	var cfg Config
	var b []byte
	switch {
	case len(bytes.TrimSpace(raw)) > 0:
		b = raw
	case path != "":
		var err error
		if b, err = os.ReadFile(path); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("%w: no config source provided", contract.ErrInvalidConfig)
	}
	if isYAML(path, b) {
		js, err := yamlToJSON(b)
		if err != nil {
			return cfg, fmt.Errorf("%w: yaml: %v", contract.ErrInvalidConfig, err)
		}
		b = js
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", contract.ErrInvalidConfig, err)
	}
	return cfg, nil
}

func isYAML(path string, b []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	case ".json":
		return false
	}
	t := bytes.TrimSpace(b)
	return len(t) > 0 && t[0] != '{'
}

// yamlToJSON: YAML 文档 → 等价 JSON，使 YAML 与 JSON 共用同一严格解码路径
// （原样 Options 子树仍为 json.RawMessage）。
func yamlToJSON(b []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	if v == nil {
		return []byte("{}"), nil
	}
	nv, err := normalizeYAML(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nv)
}

func normalizeYAML(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			ne, err := normalizeYAML(e)
			if err != nil {
				return nil, err
			}
			t[k] = ne
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			ne, err := normalizeYAML(e)
			if err != nil {
				return nil, err
			}
			out[ks] = ne
		}
		return out, nil
	case []any:
		for i, e := range t {
			ne, err := normalizeYAML(e)
			if err != nil {
				return nil, err
			}
			t[i] = ne
		}
		return t, nil
	default:
		return v, nil
	}
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；零值视为未覆盖；不做深度合并（extra_headers 按键合并）。
func Merge(base, over Config) Config {
	out := base
	setStr(&out.Source, over.Source)
	setStr(&out.Target, over.Target)
	setStr(&out.ProgressFile, over.ProgressFile)
	setStr(&out.Mode, over.Mode)
	setInt(&out.Concurrency, over.Concurrency)
	setInt(&out.ChunkSize, over.ChunkSize)
	setInt(&out.MaxTurns, over.MaxTurns)
	setStr(&out.Model, over.Model)
	setStr(&out.Dialect, over.Dialect)
	if over.Stream != nil {
		v := *over.Stream
		out.Stream = &v
	}
	setStr(&out.Reasoning.Display, over.Reasoning.Display)
	setStr(&out.Reasoning.Replay, over.Reasoning.Replay)
	if len(over.Images) > 0 {
		out.Images = cloneStrings(over.Images)
	}
	out.Params = mergeParams(out.Params, over.Params)

	// Retry
	setInt(&out.Retry.MaxAttempts, over.Retry.MaxAttempts)
	setInt(&out.Retry.DelayMS, over.Retry.DelayMS)
	setFloat(&out.Retry.TemperatureIncrement, over.Retry.TemperatureIncrement)
	setFloat(&out.Retry.TemperatureCap, over.Retry.TemperatureCap)
	setFloat(&out.Retry.BaseTemperature, over.Retry.BaseTemperature)
	setFloat(&out.Retry.MaxTemperature, over.Retry.MaxTemperature)

	// Limits
	setInt(&out.Limits.IntervalMS, over.Limits.IntervalMS)
	setInt(&out.Limits.RPM, over.Limits.RPM)
	setInt(&out.Limits.TPM, over.Limits.TPM)
	setInt(&out.Limits.MaxTokensPerReq, over.Limits.MaxTokensPerReq)

	// Endpoint
	setStr(&out.Endpoint.BaseURL, over.Endpoint.BaseURL)
	setStr(&out.Endpoint.APIKeyEnv, over.Endpoint.APIKeyEnv)
	setStr(&out.Endpoint.APIKey, over.Endpoint.APIKey)
	setInt(&out.Endpoint.TimeoutSeconds, over.Endpoint.TimeoutSeconds)
	setStr(&out.Endpoint.EndpointPath, over.Endpoint.EndpointPath)
	if over.Endpoint.DisableDefaultAuth {
		out.Endpoint.DisableDefaultAuth = true
	}
	if len(over.Endpoint.ExtraHeaders) > 0 {
		h := make(map[string]string, len(out.Endpoint.ExtraHeaders)+len(over.Endpoint.ExtraHeaders))
		for k, v := range out.Endpoint.ExtraHeaders {
			h[k] = v
		}
		for k, v := range over.Endpoint.ExtraHeaders {
			h[k] = v
		}
		out.Endpoint.ExtraHeaders = h
	}

	// 实现名与 Options（完整替换）
	setStr(&out.Transport, over.Transport)
	if len(over.TransportOptions) > 0 {
		out.TransportOptions = cloneRaw(over.TransportOptions)
	}
	setStr(&out.Segmenter, over.Segmenter)
	if len(over.SegmenterOptions) > 0 {
		out.SegmenterOptions = cloneRaw(over.SegmenterOptions)
	}

	// Prompt
	setStr(&out.Prompt.InlineSystemTemplate, over.Prompt.InlineSystemTemplate)
	setStr(&out.Prompt.SystemTemplatePath, over.Prompt.SystemTemplatePath)
	setStr(&out.Prompt.InlinePrefixTemplate, over.Prompt.InlinePrefixTemplate)
	setStr(&out.Prompt.PrefixTemplatePath, over.Prompt.PrefixTemplatePath)
	setStr(&out.Prompt.InlineGlossary, over.Prompt.InlineGlossary)
	setStr(&out.Prompt.GlossaryPath, over.Prompt.GlossaryPath)
	setStr(&out.Prompt.SourceLanguage, over.Prompt.SourceLanguage)
	setStr(&out.Prompt.TargetLanguage, over.Prompt.TargetLanguage)

	// Writer
	if over.Writer.PermFile != 0 {
		out.Writer.PermFile = over.Writer.PermFile
	}
	if over.Writer.PermDir != 0 {
		out.Writer.PermDir = over.Writer.PermDir
	}
	setInt(&out.Writer.BufSize, over.Writer.BufSize)

	setInt(&out.BytesPerToken, over.BytesPerToken)
	setStr(&out.Logging.Level, over.Logging.Level)
	setStr(&out.Logging.Dir, over.Logging.Dir)
	setStr(&out.MetricsFile, over.MetricsFile)
	return out
}

// mergeParams: 仅 Enabled 的参数覆盖。
func mergeParams(base, over contract.Params) contract.Params {
	out := base
	if over.Temperature.Enabled {
		out.Temperature = over.Temperature
	}
	if over.TopP.Enabled {
		out.TopP = over.TopP
	}
	if over.TopK.Enabled {
		out.TopK = over.TopK
	}
	if over.PresencePenalty.Enabled {
		out.PresencePenalty = over.PresencePenalty
	}
	if over.Seed.Enabled {
		out.Seed = over.Seed
	}
	if over.ReasoningEffort.Enabled {
		out.ReasoningEffort = over.ReasoningEffort
	}
	if over.MaxOutputTokens.Enabled {
		out.MaxOutputTokens = over.MaxOutputTokens
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 TELOCITY_；集合之外的键忽略；数值无法解析视为配置错误（启动前失败）。
// 配置来源 TELOCITY_CONFIG_FILE / TELOCITY_CONFIG_JSON 由 CLI 处理，不在此列。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	var errs []error
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			// 空值表示未设置（.env 模板留空项）
			continue
		}
		num := func(dst *int) {
			v, err := atoi(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = v
		}
		flt := func(dst *float64) {
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = v
		}
		switch key {
		case "SOURCE":
			over.Source = val
		case "TARGET":
			over.Target = val
		case "PROGRESS_FILE":
			over.ProgressFile = val
		case "MODE":
			over.Mode = val
		case "CONCURRENCY":
			num(&over.Concurrency)
		case "CHUNK_SIZE":
			num(&over.ChunkSize)
		case "MAX_TURNS":
			num(&over.MaxTurns)
		case "MODEL":
			over.Model = val
		case "DIALECT":
			over.Dialect = val
		case "STREAM":
			b, err := strconv.ParseBool(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%sSTREAM: %v", EnvPrefix, err))
				continue
			}
			over.Stream = &b
		case "REASONING_DISPLAY":
			over.Reasoning.Display = val
		case "REASONING_REPLAY":
			over.Reasoning.Replay = val
		case "IMAGES":
			over.Images = splitComma(val)
		case "TEMPERATURE":
			over.Params.Temperature.Enabled = true
			flt(&over.Params.Temperature.Value)
		case "TOP_P":
			over.Params.TopP.Enabled = true
			flt(&over.Params.TopP.Value)
		case "TOP_K":
			over.Params.TopK.Enabled = true
			num(&over.Params.TopK.Value)
		case "PRESENCE_PENALTY":
			over.Params.PresencePenalty.Enabled = true
			flt(&over.Params.PresencePenalty.Value)
		case "SEED":
			over.Params.Seed.Enabled = true
			num(&over.Params.Seed.Value)
		case "REASONING_EFFORT":
			over.Params.ReasoningEffort = contract.On(val)
		case "MAX_OUTPUT_TOKENS":
			over.Params.MaxOutputTokens.Enabled = true
			num(&over.Params.MaxOutputTokens.Value)
		case "MAX_ATTEMPTS":
			num(&over.Retry.MaxAttempts)
		case "RETRY_DELAY_MS":
			num(&over.Retry.DelayMS)
		case "INTERVAL_MS":
			num(&over.Limits.IntervalMS)
		case "RPM":
			num(&over.Limits.RPM)
		case "TPM":
			num(&over.Limits.TPM)
		case "MAX_TOKENS_PER_REQ":
			num(&over.Limits.MaxTokensPerReq)
		case "BASE_URL":
			over.Endpoint.BaseURL = val
		case "API_KEY_ENV":
			over.Endpoint.APIKeyEnv = val
		case "ENDPOINT_PATH":
			over.Endpoint.EndpointPath = val
		case "TIMEOUT_SECONDS":
			num(&over.Endpoint.TimeoutSeconds)
		case "TRANSPORT":
			over.Transport = val
		case "TRANSPORT_OPTIONS_JSON":
			// 原样 JSON；严格解析在注册表工厂
			over.TransportOptions = json.RawMessage(val)
		case "SEGMENTER":
			over.Segmenter = val
		case "SOURCE_LANGUAGE":
			over.Prompt.SourceLanguage = val
		case "TARGET_LANGUAGE":
			over.Prompt.TargetLanguage = val
		case "SYSTEM_TEMPLATE_PATH":
			over.Prompt.SystemTemplatePath = val
		case "GLOSSARY_PATH":
			over.Prompt.GlossaryPath = val
		case "BYTES_PER_TOKEN":
			num(&over.BytesPerToken)
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LOG_DIR":
			over.Logging.Dir = val
		case "METRICS_FILE":
			over.MetricsFile = val
		}
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: env: %w", contract.ErrInvalidConfig, errors.Join(errs...))
	}
	return over, nil
}

func setStr(dst *string, v string) {
	if t := strings.TrimSpace(v); t != "" {
		*dst = t
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
