// Package flaky 包装一个 RoundTripper，使前 N 次请求失败，用于演练重试与温度递增。
package flaky

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync/atomic"
)

// Options 定义可选项。
type Options struct {
	// Failures: 失败的请求数，默认 2。
	Failures int `json:"failures" yaml:"failures"`
	// Status: 奇数次失败返回的 HTTP 状态码，默认 503。
	Status int `json:"status,omitempty" yaml:"status,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty" yaml:"log_path,omitempty"`
}

// Transport 是带状态的 RoundTripper：
// 第 1、3、5… 次失败返回 Status；第 2、4… 次失败返回 200 但流体无法解析；
// 之后转发给 inner。
type Transport struct {
	inner    http.RoundTripper
	failures int64
	status   int
	logPath  string
	count    atomic.Int64
}

// New 构造 Transport；inner 为空时使用 http.DefaultTransport。
func New(inner http.RoundTripper, opts *Options) *Transport {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Failures <= 0 {
		o.Failures = 2
	}
	if o.Status == 0 {
		o.Status = http.StatusServiceUnavailable
	}
	if inner == nil {
		inner = http.DefaultTransport
	}
	return &Transport{inner: inner, failures: int64(o.Failures), status: o.Status, logPath: o.LogPath}
}

// Count 已收到的请求数。
func (t *Transport) Count() int64 { return t.count.Load() }

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := t.count.Add(1)
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	if n > t.failures {
		t.log(fmt.Sprintf("%d pass", n))
		return t.inner.RoundTrip(req)
	}
	if req.Body != nil {
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()
	}
	if n%2 == 1 {
		t.log(fmt.Sprintf("%d status_%d", n, t.status))
		return respond(req, t.status, "application/json", fmt.Sprintf(`{"error":{"message":"flaky: simulated %d"}}`, t.status)), nil
	}
	t.log(fmt.Sprintf("%d malformed", n))
	return respond(req, http.StatusOK, "text/event-stream", "data: {\"choices\": [\n\n"), nil
}

func (t *Transport) log(s string) {
	if t.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	f, err := os.OpenFile(t.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(s + "\n")
}

func respond(req *http.Request, status int, ct, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{ct}},
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

var _ http.RoundTripper = (*Transport)(nil)
