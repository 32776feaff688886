package config

import (
	"encoding/json"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock 传输与 chat 方言（离线调试友好，不需要密钥）；
// - Source/Target 留空，由 `telocity run SOURCE TARGET` 提供；
// - 所有键均出现（值可为空/默认），便于按需修改；
// - endpoint 给出 OpenAI 兼容服务的常见写法，切换到 http 传输即可使用。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := d
	cfg.Model = "mock-model"
	cfg.Concurrency = 2
	cfg.Params = contract.Params{
		Temperature:     contract.On(0.3),
		MaxOutputTokens: contract.Param[int]{Value: 4096},
	}
	cfg.Limits = Limits{IntervalMS: 0, RPM: 60, TPM: 100000, MaxTokensPerReq: 8192}
	cfg.Endpoint.BaseURL = "https://api.openai.com/v1"
	cfg.Endpoint.APIKeyEnv = "OPENAI_API_KEY"
	cfg.Endpoint.TimeoutSeconds = 120
	cfg.Endpoint.ExtraHeaders = map[string]string{}
	cfg.Images = []string{}
	cfg.Transport = "mock"
	// 包含所有 mock 选项键
	cfg.TransportOptions = json.RawMessage(`{"prefix":"MOCK","reasoning":false,"latency":0}`)
	cfg.SegmenterOptions = json.RawMessage(`{}`)
	cfg.Prompt.TargetLanguage = "English"
	cfg.Writer.BufSize = 64 * 1024
	cfg.Logging = Logging{Level: "info", Dir: "logs"}
	return cfg
}
