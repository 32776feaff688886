// Package legacy 实现单 prompt 的 completions 方言。
package legacy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Name 为注册名。
const Name = "legacy"

// Dialect: 载荷形状在流式与非流式下相同，故构造期需告知是否流式。
type Dialect struct {
	stream bool
}

// New 构造方言。stream=true 时 choices[].text 视为增量，否则视为全文。
func New(stream bool) *Dialect { return &Dialect{stream: stream} }

func (*Dialect) Name() string         { return Name }
func (*Dialect) EndpointPath() string { return "/completions" }

type request struct {
	Model           string   `json:"model"`
	Prompt          string   `json:"prompt"`
	Stream          bool     `json:"stream"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	TopK            *int     `json:"top_k,omitempty"`
	PresencePenalty *float64 `json:"presence_penalty,omitempty"`
	Seed            *int     `json:"seed,omitempty"`
	MaxTokens       *int     `json:"max_tokens,omitempty"`
}

// BuildPayload 将 system、history 与 user 拼接为单个 prompt。图片与推理回放不受支持，静默忽略。
func (*Dialect) BuildPayload(x contract.Exchange) ([]byte, error) {
	if strings.TrimSpace(x.Model) == "" {
		return nil, fmt.Errorf("legacy: %w: empty model", contract.ErrInvalidInput)
	}
	p := x.Params
	return json.Marshal(request{
		Model:           x.Model,
		Prompt:          Flatten(x),
		Stream:          x.Stream,
		Temperature:     p.Temperature.Ptr(),
		TopP:            p.TopP.Ptr(),
		TopK:            p.TopK.Ptr(),
		PresencePenalty: p.PresencePenalty.Ptr(),
		Seed:            p.Seed.Ptr(),
		MaxTokens:       p.MaxOutputTokens.Ptr(),
	})
}

// Flatten: 无 history 时为 "system\n\nprompt"；有 history 时按 "User:/Assistant:" 标注轮次，并以 "Assistant:" 收尾。
func Flatten(x contract.Exchange) string {
	var sb strings.Builder
	if x.System != "" {
		sb.WriteString(x.System)
		sb.WriteString("\n\n")
	}
	if len(x.History) == 0 {
		sb.WriteString(x.Prompt)
		return sb.String()
	}
	for _, m := range x.History {
		sb.WriteString(label(m.Role))
		sb.WriteString(m.Text)
		sb.WriteString("\n\n")
	}
	sb.WriteString(label(contract.RoleUser))
	sb.WriteString(x.Prompt)
	sb.WriteString("\n\n")
	sb.WriteString(label(contract.RoleAssistant))
	return strings.TrimRight(sb.String(), " ")
}

func label(role string) string {
	if role == contract.RoleAssistant {
		return "Assistant: "
	}
	return "User: "
}

type chunk struct {
	Choices *[]struct {
		Text *string `json:"text"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

// ParseChunk 解析 choices[].text。
func (d *Dialect) ParseChunk(data []byte) ([]contract.Delta, error) {
	var c chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("legacy: decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	if len(c.Error) > 0 && string(c.Error) != "null" {
		return nil, fmt.Errorf("legacy: upstream error: %w", contract.ErrResponseInvalid)
	}
	if c.Choices == nil {
		return nil, fmt.Errorf("legacy: no choices: %w", contract.ErrResponseInvalid)
	}
	if len(*c.Choices) == 0 || (*c.Choices)[0].Text == nil {
		return nil, nil
	}
	text := *(*c.Choices)[0].Text
	if d.stream {
		if text == "" {
			return nil, nil
		}
		return []contract.Delta{{Text: text, Kind: contract.KindDelta}}, nil
	}
	return []contract.Delta{{Text: text, Kind: contract.KindOutput}}, nil
}

var _ contract.Dialect = (*Dialect)(nil)
