// Package registry 显式登记可选实现（零反射）：方言、分段器、传输层。
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
	"github.com/asyncd1spatch/telocity-sub001/plugins/dialect/chat"
	"github.com/asyncd1spatch/telocity-sub001/plugins/dialect/legacy"
	"github.com/asyncd1spatch/telocity-sub001/plugins/dialect/responses"
	"github.com/asyncd1spatch/telocity-sub001/plugins/segmenter/paragraph"
	"github.com/asyncd1spatch/telocity-sub001/plugins/transport/flaky"
	"github.com/asyncd1spatch/telocity-sub001/plugins/transport/mock"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", contract.ErrInvalidConfig, err)
	}
	return nil
}

// NewDialect 工厂签名：stream 仅 legacy 方言解析非流式响应时需要。
type NewDialect func(stream bool) (contract.Dialect, error)

// NewSegmenter 工厂签名：接收原样 JSON Options。
type NewSegmenter func(raw json.RawMessage) (contract.Segmenter, error)

// NewTransport 工厂签名：接收原样 JSON Options；返回 nil 表示使用默认 HTTP 传输。
type NewTransport func(raw json.RawMessage) (http.RoundTripper, error)

// Dialect 方言注册表（封闭集合）。
var Dialect = map[string]NewDialect{
	chat.Name:      func(bool) (contract.Dialect, error) { return chat.New(), nil },
	responses.Name: func(bool) (contract.Dialect, error) { return responses.New(), nil },
	legacy.Name:    func(stream bool) (contract.Dialect, error) { return legacy.New(stream), nil },
}

// Segmenter 分段器注册表。
var Segmenter = map[string]NewSegmenter{
	// paragraph: 段落 → 句子 → 词 逐级贪心打包
	"paragraph": func(raw json.RawMessage) (contract.Segmenter, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return paragraph.New(), nil
	},
}

// flakyOptions: flaky 自身选项 + 被包装的内层传输。
type flakyOptions struct {
	flaky.Options
	// Inner: mock（默认）| http
	Inner string       `json:"inner"`
	Mock  mock.Options `json:"mock"`
}

// Transport 传输层注册表。
var Transport = map[string]NewTransport{
	"http": func(raw json.RawMessage) (http.RoundTripper, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return nil, nil
	},
	// mock: 离线回显
	"mock": func(raw json.RawMessage) (http.RoundTripper, error) {
		var opts mock.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return mock.New(&opts), nil
	},
	// flaky: 前 N 次失败，之后转发给 inner
	"flaky": func(raw json.RawMessage) (http.RoundTripper, error) {
		var opts flakyOptions
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		var inner http.RoundTripper
		switch opts.Inner {
		case "", "mock":
			inner = mock.New(&opts.Mock)
		case "http":
			inner = http.DefaultTransport
		default:
			return nil, fmt.Errorf("%w: flaky: unknown inner transport %q", contract.ErrInvalidConfig, opts.Inner)
		}
		return flaky.New(inner, &opts.Options), nil
	},
}

// Names 返回注册表中的名称（排序），用于校验与帮助信息。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
