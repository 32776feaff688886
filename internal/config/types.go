package config

import (
	"encoding/json"

	"github.com/asyncd1spatch/telocity-sub001/internal/prompt"
	"github.com/asyncd1spatch/telocity-sub001/internal/transport"
	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
	"github.com/asyncd1spatch/telocity-sub001/plugins/writer/filesystem"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键名使用 snake_case；未知字段在解析期失败（JSON 与 YAML 同一规则）。
type Config struct {
	Source string `json:"source"`
	Target string `json:"target"`
	// ProgressFile: 为空时为 <target>.progress.json
	ProgressFile string `json:"progress_file"`

	Mode        string `json:"mode"` // batch | chat
	Concurrency int    `json:"concurrency"`
	ChunkSize   int    `json:"chunk_size"` // 单块最大字符数（rune）
	// MaxTurns: chat 模式保留的历史轮数；0 表示不截断。
	MaxTurns int `json:"max_turns"`

	Model   string `json:"model"`
	Dialect string `json:"dialect"` // chat | responses | legacy
	// Stream: nil 表示未设置（Merge 需区分“未覆盖”与显式 false）。
	Stream    *bool           `json:"stream"`
	Reasoning Reasoning       `json:"reasoning"`
	Images    []string        `json:"images"`
	Params    contract.Params `json:"params"`

	Retry    Retry             `json:"retry"`
	Limits   Limits            `json:"limits"`
	Endpoint transport.Options `json:"endpoint"`

	// 实现名选择（空则使用默认名），Options 子树原样传入注册表工厂。
	Transport        string          `json:"transport"` // http | mock | flaky
	TransportOptions json.RawMessage `json:"transport_options"`
	Segmenter        string          `json:"segmenter"`
	SegmenterOptions json.RawMessage `json:"segmenter_options"`

	Prompt prompt.Options     `json:"prompt"`
	Writer filesystem.Options `json:"writer"`

	// BytesPerToken: token 估算（TPM 预扣）；0 使用默认 4。
	BytesPerToken int     `json:"bytes_per_token"`
	Logging       Logging `json:"logging"`
	// MetricsFile: 非空时在作业成功后写出 Prometheus 文本格式指标。
	MetricsFile string `json:"metrics_file"`
}

// Reasoning: 推理文本的展示与会话回放策略。
type Reasoning struct {
	Display string `json:"display"` // hide | stream | inline
	Replay  string `json:"replay"`  // none | encrypted | unencrypted
}

// Retry: 重试与温度递增。
type Retry struct {
	MaxAttempts int `json:"max_attempts"` // 含首发，>=1
	DelayMS     int `json:"delay_ms"`
	// 第 n 次重试温度偏移 min(n*TemperatureIncrement, TemperatureCap)
	TemperatureIncrement float64 `json:"temperature_increment"`
	TemperatureCap       float64 `json:"temperature_cap"`
	// BaseTemperature: params.temperature 未启用时重试的基准温度
	BaseTemperature float64 `json:"base_temperature"`
	MaxTemperature  float64 `json:"max_temperature"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	IntervalMS      int `json:"interval_ms"`
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}

// Logging: 日志等级与目录；文件名与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}
