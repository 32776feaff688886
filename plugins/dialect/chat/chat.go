// Package chat 实现 chat-completions 方言：role 消息列表，增量 delta.content / delta.reasoning_content。
package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Name 为注册名。
const Name = "chat"

// Dialect 无状态，可并发使用。
type Dialect struct{}

// New 构造方言。
func New() *Dialect { return &Dialect{} }

func (*Dialect) Name() string         { return Name }
func (*Dialect) EndpointPath() string { return "/chat/completions" }

type message struct {
	Role             string `json:"role"`
	Content          any    `json:"content"` // string 或 []part
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type part struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type request struct {
	Model           string    `json:"model"`
	Messages        []message `json:"messages"`
	Stream          bool      `json:"stream"`
	Temperature     *float64  `json:"temperature,omitempty"`
	TopP            *float64  `json:"top_p,omitempty"`
	TopK            *int      `json:"top_k,omitempty"`
	PresencePenalty *float64  `json:"presence_penalty,omitempty"`
	Seed            *int      `json:"seed,omitempty"`
	ReasoningEffort *string   `json:"reasoning_effort,omitempty"`
	MaxTokens       *int      `json:"max_tokens,omitempty"`
}

// BuildPayload: system → history → user（图片作为 image_url 内容片段）。
// 明文推理回放附着在 history 最后一条 assistant 消息的 reasoning_content 上。
func (*Dialect) BuildPayload(x contract.Exchange) ([]byte, error) {
	if strings.TrimSpace(x.Model) == "" {
		return nil, fmt.Errorf("chat: %w: empty model", contract.ErrInvalidInput)
	}
	msgs := make([]message, 0, len(x.History)+2)
	if x.System != "" {
		msgs = append(msgs, message{Role: contract.RoleSystem, Content: x.System})
	}
	lastAssistant := -1
	for _, m := range x.History {
		if m.Role == contract.RoleAssistant {
			lastAssistant = len(msgs)
		}
		msgs = append(msgs, message{Role: m.Role, Content: content(m.Text, m.Images)})
	}
	if lastAssistant >= 0 && x.Replay == contract.ReplayUnencrypted && x.Reasoning.Unencrypted != nil {
		msgs[lastAssistant].ReasoningContent = *x.Reasoning.Unencrypted
	}
	msgs = append(msgs, message{Role: contract.RoleUser, Content: content(x.Prompt, x.Images)})

	p := x.Params
	return json.Marshal(request{
		Model:           x.Model,
		Messages:        msgs,
		Stream:          x.Stream,
		Temperature:     p.Temperature.Ptr(),
		TopP:            p.TopP.Ptr(),
		TopK:            p.TopK.Ptr(),
		PresencePenalty: p.PresencePenalty.Ptr(),
		Seed:            p.Seed.Ptr(),
		ReasoningEffort: p.ReasoningEffort.Ptr(),
		MaxTokens:       p.MaxOutputTokens.Ptr(),
	})
}

func content(text string, images []string) any {
	if len(images) == 0 {
		return text
	}
	parts := make([]part, 0, len(images)+1)
	parts = append(parts, part{Type: "text", Text: text})
	for _, u := range images {
		parts = append(parts, part{Type: "image_url", ImageURL: &imageURL{URL: u}})
	}
	return parts
}

type fragment struct {
	Content          *string `json:"content"`
	ReasoningContent *string `json:"reasoning_content"`
	Reasoning        *string `json:"reasoning"`
}

type chunk struct {
	Choices *[]struct {
		Delta   *fragment `json:"delta"`
		Message *fragment `json:"message"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

// ParseChunk 解析单个流式事件或完整响应体。
func (*Dialect) ParseChunk(data []byte) ([]contract.Delta, error) {
	var c chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("chat: decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	if len(c.Error) > 0 && string(c.Error) != "null" {
		return nil, fmt.Errorf("chat: upstream error %s: %w", clip(c.Error), contract.ErrResponseInvalid)
	}
	if c.Choices == nil {
		return nil, fmt.Errorf("chat: no choices: %w", contract.ErrResponseInvalid)
	}
	if len(*c.Choices) == 0 {
		return nil, nil
	}
	// 仅首个候选
	var out []contract.Delta
	ch := (*c.Choices)[0]
	if ch.Delta != nil {
		out = appendFragment(out, ch.Delta, contract.KindDelta)
	} else if ch.Message != nil {
		out = appendFragment(out, ch.Message, contract.KindOutput)
	}
	return out, nil
}

func appendFragment(out []contract.Delta, f *fragment, kind contract.DeltaKind) []contract.Delta {
	r := f.ReasoningContent
	if r == nil {
		r = f.Reasoning
	}
	if r != nil && *r != "" {
		out = append(out, contract.Delta{Text: *r, Kind: contract.KindConditional})
	}
	if f.Content != nil && (*f.Content != "" || kind == contract.KindOutput) {
		out = append(out, contract.Delta{Text: *f.Content, Kind: kind})
	}
	return out
}

func clip(b []byte) string {
	if s, cut := contract.Truncate(string(b), 256); cut {
		return s + "…"
	}
	return string(b)
}

var _ contract.Dialect = (*Dialect)(nil)
