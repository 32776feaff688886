// Package responses 实现结构化 responses 方言：instructions + 类型化 input 列表，
// 支持加密推理令牌的接收与回放。
package responses

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Name 为注册名。
const Name = "responses"

// Dialect 无状态，可并发使用。
type Dialect struct{}

// New 构造方言。
func New() *Dialect { return &Dialect{} }

func (*Dialect) Name() string         { return Name }
func (*Dialect) EndpointPath() string { return "/responses" }

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type inputMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type reasoningItem struct {
	Type             string     `json:"type"`
	EncryptedContent string     `json:"encrypted_content,omitempty"`
	Summary          []textPart `json:"summary"`
	Content          []textPart `json:"content,omitempty"`
}

type reasoningOpts struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary"`
}

type request struct {
	Model           string         `json:"model"`
	Instructions    string         `json:"instructions,omitempty"`
	Input           []any          `json:"input"`
	Stream          bool           `json:"stream"`
	Store           bool           `json:"store"`
	Include         []string       `json:"include,omitempty"`
	Temperature     *float64       `json:"temperature,omitempty"`
	TopP            *float64       `json:"top_p,omitempty"`
	TopK            *int           `json:"top_k,omitempty"`
	PresencePenalty *float64       `json:"presence_penalty,omitempty"`
	Seed            *int           `json:"seed,omitempty"`
	Reasoning       *reasoningOpts `json:"reasoning,omitempty"`
	MaxOutputTokens *int           `json:"max_output_tokens,omitempty"`
}

// BuildPayload 构造请求体。store 恒为 false；加密回放偏好时请求 reasoning.encrypted_content，
// 并在最后一条 assistant 消息之前重新提交上一轮的 reasoning 条目。
func (*Dialect) BuildPayload(x contract.Exchange) ([]byte, error) {
	if strings.TrimSpace(x.Model) == "" {
		return nil, fmt.Errorf("responses: %w: empty model", contract.ErrInvalidInput)
	}
	lastAssistant := -1
	for i, m := range x.History {
		if m.Role == contract.RoleAssistant {
			lastAssistant = i
		}
	}
	input := make([]any, 0, len(x.History)+3)
	for i, m := range x.History {
		if m.Role == contract.RoleAssistant {
			if i == lastAssistant {
				if it := replayItem(x.Reasoning, x.Replay); it != nil {
					input = append(input, it)
				}
			}
			for _, it := range m.Items {
				if it.Passthrough() && len(it.Raw) > 0 {
					input = append(input, it.Raw)
				}
			}
			input = append(input, inputMessage{Role: m.Role, Content: []contentPart{{Type: "output_text", Text: m.Text}}})
			continue
		}
		input = append(input, userMessage(m.Role, m.Text, m.Images))
	}
	input = append(input, userMessage(contract.RoleUser, x.Prompt, x.Images))

	p := x.Params
	req := request{
		Model:           x.Model,
		Instructions:    x.System,
		Input:           input,
		Stream:          x.Stream,
		Store:           false,
		Temperature:     p.Temperature.Ptr(),
		TopP:            p.TopP.Ptr(),
		TopK:            p.TopK.Ptr(),
		PresencePenalty: p.PresencePenalty.Ptr(),
		Seed:            p.Seed.Ptr(),
		MaxOutputTokens: p.MaxOutputTokens.Ptr(),
	}
	if p.ReasoningEffort.Enabled {
		req.Reasoning = &reasoningOpts{Effort: p.ReasoningEffort.Value, Summary: "auto"}
	}
	if x.Replay == contract.ReplayEncrypted {
		req.Include = []string{"reasoning.encrypted_content"}
	}
	return json.Marshal(req)
}

func userMessage(role, text string, images []string) inputMessage {
	parts := make([]contentPart, 0, len(images)+1)
	parts = append(parts, contentPart{Type: "input_text", Text: text})
	for _, u := range images {
		parts = append(parts, contentPart{Type: "input_image", ImageURL: u})
	}
	return inputMessage{Role: role, Content: parts}
}

func replayItem(s contract.ReasoningState, mode contract.ReplayMode) *reasoningItem {
	switch mode {
	case contract.ReplayEncrypted:
		if s.Encrypted == nil {
			return nil
		}
		it := &reasoningItem{Type: contract.ItemReasoning, EncryptedContent: *s.Encrypted, Summary: []textPart{}}
		if s.Summary != nil {
			it.Summary = append(it.Summary, textPart{Type: "summary_text", Text: *s.Summary})
		}
		return it
	case contract.ReplayUnencrypted:
		if s.Unencrypted == nil {
			return nil
		}
		return &reasoningItem{Type: contract.ItemReasoning, Summary: []textPart{}, Content: []textPart{{Type: "reasoning_text", Text: *s.Unencrypted}}}
	}
	return nil
}

// 事件载荷（流式）或完整响应体（非流式）的并集。
type event struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta"`
	Item     json.RawMessage `json:"item"`
	Response *struct {
		Output []json.RawMessage `json:"output"`
		Error  json.RawMessage   `json:"error"`
	} `json:"response"`
	Output  []json.RawMessage `json:"output"`
	Object  string            `json:"object"`
	Message string            `json:"message"`
	Error   json.RawMessage   `json:"error"`
}

type wireItem struct {
	Type             string `json:"type"`
	ID               string `json:"id"`
	EncryptedContent string `json:"encrypted_content"`
	Summary          []struct {
		Text string `json:"text"`
	} `json:"summary"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// ParseChunk 解析单个事件或完整响应体。
func (*Dialect) ParseChunk(data []byte) ([]contract.Delta, error) {
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("responses: decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	switch ev.Type {
	case "response.output_text.delta":
		return one(contract.Delta{Text: ev.Delta, Kind: contract.KindDelta}), nil
	case "response.reasoning_text.delta":
		return one(contract.Delta{Text: ev.Delta, Kind: contract.KindConditional}), nil
	case "response.reasoning_summary_text.delta":
		return one(contract.Delta{Text: ev.Delta, Kind: contract.KindConditional, Summary: true}), nil
	case "response.output_item.done":
		d, err := parseItem(ev.Item)
		if err != nil {
			return nil, err
		}
		return one(d), nil
	case "response.completed":
		if ev.Response == nil {
			return nil, fmt.Errorf("responses: completed without response: %w", contract.ErrResponseInvalid)
		}
		// 条目已由 output_item.done 交付；此处只用消息全文做最终替换
		text, ok, err := messageText(ev.Response.Output)
		if err != nil || !ok {
			return nil, err
		}
		return one(contract.Delta{Text: text, Kind: contract.KindOutput}), nil
	case "response.failed", "response.incomplete", "error":
		msg := ev.Message
		if ev.Response != nil && len(ev.Response.Error) > 0 {
			msg = string(ev.Response.Error)
		}
		return nil, fmt.Errorf("responses: %s %s: %w", ev.Type, clip(msg), contract.ErrResponseInvalid)
	case "":
		return parseBody(ev)
	}
	if strings.HasPrefix(ev.Type, "response.") {
		// created/in_progress/content_part.* 等生命周期事件
		return nil, nil
	}
	return nil, fmt.Errorf("responses: unknown event %q: %w", ev.Type, contract.ErrResponseInvalid)
}

// parseBody: 非流式完整响应 {"object":"response","output":[...]}。
func parseBody(ev event) ([]contract.Delta, error) {
	if len(ev.Error) > 0 && string(ev.Error) != "null" {
		return nil, fmt.Errorf("responses: upstream error %s: %w", clip(string(ev.Error)), contract.ErrResponseInvalid)
	}
	if ev.Output == nil {
		return nil, fmt.Errorf("responses: no output: %w", contract.ErrResponseInvalid)
	}
	out := make([]contract.Delta, 0, len(ev.Output))
	for _, raw := range ev.Output {
		d, err := parseItem(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseItem(raw json.RawMessage) (contract.Delta, error) {
	var w wireItem
	if err := json.Unmarshal(raw, &w); err != nil || w.Type == "" {
		return contract.Delta{}, fmt.Errorf("responses: bad item: %w", contract.ErrResponseInvalid)
	}
	if w.Type == contract.ItemMessage {
		return contract.Delta{Text: joinText(w), Kind: contract.KindOutput}, nil
	}
	it := &contract.OutputItem{Type: w.Type, ID: w.ID, EncryptedContent: w.EncryptedContent, Raw: raw}
	for _, s := range w.Summary {
		it.Summary = append(it.Summary, s.Text)
	}
	for _, c := range w.Content {
		it.Content = append(it.Content, c.Text)
	}
	return contract.Delta{Kind: contract.KindConditional, Item: it}, nil
}

func messageText(items []json.RawMessage) (string, bool, error) {
	var sb strings.Builder
	found := false
	for _, raw := range items {
		var w wireItem
		if err := json.Unmarshal(raw, &w); err != nil {
			return "", false, fmt.Errorf("responses: bad item: %w", contract.ErrResponseInvalid)
		}
		if w.Type != contract.ItemMessage {
			continue
		}
		found = true
		sb.WriteString(joinText(w))
	}
	return sb.String(), found, nil
}

func joinText(w wireItem) string {
	var sb strings.Builder
	for _, c := range w.Content {
		if c.Type == "output_text" || c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

func one(d contract.Delta) []contract.Delta { return []contract.Delta{d} }

func clip(s string) string {
	if t, cut := contract.Truncate(s, 256); cut {
		return t + "…"
	}
	return s
}

var _ contract.Dialect = (*Dialect)(nil)
