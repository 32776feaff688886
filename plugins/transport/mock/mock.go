// Package mock 提供离线 RoundTripper：按请求路径识别方言，回显最后一条用户输入，
// 以该方言的流式（SSE）或非流式 JSON 形状返回。仅用于联调与测试，不发起网络请求。
package mock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix" yaml:"prefix"` // 输出前缀，默认 "MOCK"
	// Reasoning: 同时产出推理增量（chat: reasoning_content；responses: reasoning 条目）
	Reasoning bool `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	// Latency: 每个请求的模拟时延（受请求 ctx 约束）
	Latency time.Duration `json:"latency,omitempty" yaml:"latency,omitempty"`
}

// Transport 实现 http.RoundTripper。并发安全。
type Transport struct {
	opts  Options
	calls atomic.Int64
}

func New(opts *Options) *Transport {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	return &Transport{opts: o}
}

// Calls 已处理的请求数。
func (t *Transport) Calls() int64 { return t.calls.Load() }

// Reply 返回对给定用户输入的回显文本。
func (t *Transport) Reply(user string) string { return t.opts.Prefix + ": " + user }

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	ctx := req.Context()
	if t.opts.Latency > 0 {
		tm := time.NewTimer(t.opts.Latency)
		select {
		case <-ctx.Done():
			tm.Stop()
			return nil, ctx.Err()
		case <-tm.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var body map[string]any
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &body); err != nil {
			return respond(req, http.StatusBadRequest, "application/json", []byte(`{"error":{"message":"invalid json"}}`)), nil
		}
	}
	stream, _ := body["stream"].(bool)

	var payload []byte
	switch path := req.URL.Path; {
	case strings.HasSuffix(path, "/chat/completions"):
		payload = t.chat(lastChatUser(body), stream)
	case strings.HasSuffix(path, "/responses"):
		payload = t.responses(lastResponsesUser(body), stream)
	case strings.HasSuffix(path, "/completions"):
		prompt, _ := body["prompt"].(string)
		payload = t.legacy(strings.TrimSuffix(strings.TrimSpace(prompt), "Assistant:"), stream)
	default:
		return respond(req, http.StatusNotFound, "application/json", []byte(`{"error":{"message":"unknown endpoint"}}`)), nil
	}
	ct := "application/json"
	if stream {
		ct = "text/event-stream"
	}
	return respond(req, http.StatusOK, ct, payload), nil
}

func respond(req *http.Request, status int, ct string, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{ct}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// pieces: 按空白切成若干增量（保留空白），拼接后等于原文。
func pieces(s string) []string {
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\n' {
			out = append(out, s[start:i])
			start = i
		}
	}
	return append(out, s[start:])
}

type sse struct{ bytes.Buffer }

func (w *sse) event(v any) {
	b, _ := json.Marshal(v)
	w.WriteString("data: ")
	w.Write(b)
	w.WriteString("\n\n")
}

func (w *sse) done() { w.WriteString("data: [DONE]\n\n") }

type obj = map[string]any

func (t *Transport) chat(user string, stream bool) []byte {
	text := t.Reply(user)
	const thought = "mock reasoning"
	if !stream {
		msg := obj{"role": "assistant", "content": text}
		if t.opts.Reasoning {
			msg["reasoning_content"] = thought
		}
		b, _ := json.Marshal(obj{"object": "chat.completion", "choices": []obj{{"index": 0, "message": msg}}})
		return b
	}
	var w sse
	if t.opts.Reasoning {
		w.event(obj{"choices": []obj{{"index": 0, "delta": obj{"reasoning_content": thought}}}})
	}
	for _, p := range pieces(text) {
		w.event(obj{"choices": []obj{{"index": 0, "delta": obj{"content": p}}}})
	}
	w.event(obj{"choices": []obj{{"index": 0, "delta": obj{}, "finish_reason": "stop"}}})
	w.done()
	return w.Bytes()
}

func (t *Transport) responses(user string, stream bool) []byte {
	text := t.Reply(user)
	n := t.calls.Load()
	message := obj{"type": "message", "role": "assistant", "content": []obj{{"type": "output_text", "text": text}}}
	reasoning := obj{
		"type":              "reasoning",
		"id":                fmt.Sprintf("rs_mock_%d", n),
		"encrypted_content": fmt.Sprintf("enc-mock-%d", n),
		"summary":           []obj{{"type": "summary_text", "text": "mock summary"}},
	}
	output := []obj{message}
	if t.opts.Reasoning {
		output = []obj{reasoning, message}
	}
	if !stream {
		b, _ := json.Marshal(obj{"object": "response", "status": "completed", "output": output})
		return b
	}
	var w sse
	w.event(obj{"type": "response.created", "response": obj{"status": "in_progress"}})
	if t.opts.Reasoning {
		w.event(obj{"type": "response.reasoning_summary_text.delta", "delta": "mock summary"})
		w.event(obj{"type": "response.output_item.done", "item": reasoning})
	}
	for _, p := range pieces(text) {
		w.event(obj{"type": "response.output_text.delta", "delta": p})
	}
	w.event(obj{"type": "response.output_item.done", "item": message})
	w.event(obj{"type": "response.completed", "response": obj{"status": "completed", "output": output}})
	return w.Bytes()
}

func (t *Transport) legacy(prompt string, stream bool) []byte {
	text := t.Reply(strings.TrimSpace(prompt))
	if !stream {
		b, _ := json.Marshal(obj{"object": "text_completion", "choices": []obj{{"index": 0, "text": text}}})
		return b
	}
	var w sse
	for _, p := range pieces(text) {
		w.event(obj{"choices": []obj{{"index": 0, "text": p}}})
	}
	w.done()
	return w.Bytes()
}

func lastChatUser(body map[string]any) string {
	msgs, _ := body["messages"].([]any)
	for i := len(msgs) - 1; i >= 0; i-- {
		m, _ := msgs[i].(map[string]any)
		if m["role"] != "user" {
			continue
		}
		switch c := m["content"].(type) {
		case string:
			return c
		case []any:
			return joinText(c, "text")
		}
	}
	return ""
}

func lastResponsesUser(body map[string]any) string {
	in, _ := body["input"].([]any)
	for i := len(in) - 1; i >= 0; i-- {
		m, _ := in[i].(map[string]any)
		if m["role"] != "user" {
			continue
		}
		c, _ := m["content"].([]any)
		return joinText(c, "input_text")
	}
	return ""
}

func joinText(parts []any, typ string) string {
	var sb strings.Builder
	for _, p := range parts {
		m, _ := p.(map[string]any)
		if m["type"] == typ {
			s, _ := m["text"].(string)
			sb.WriteString(s)
		}
	}
	return sb.String()
}

var _ http.RoundTripper = (*Transport)(nil)
