package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/asyncd1spatch/telocity-sub001/pkg/contract"
)

// Options: 最小必需的端点配置。
type Options struct {
	BaseURL   string `json:"base_url" yaml:"base_url"`       // 例如 https://api.openai.com/v1
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"` // 优先从环境变量读取
	APIKey    string `json:"api_key" yaml:"api_key"`         // 明文传入（不推荐，按需用于测试）
	// TimeoutSeconds: 单次尝试超时（秒），由执行器施加到每次请求的 ctx 上。
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`
	// EndpointPath 覆盖方言默认路径；可为完整 URL（以 http 开头）。
	EndpointPath       string            `json:"endpoint_path" yaml:"endpoint_path"`
	DisableDefaultAuth bool              `json:"disable_default_auth" yaml:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers" yaml:"extra_headers"`               // 追加/覆盖请求头（Azure/OpenRouter 等兼容服务）
}

// Timeout 返回单次尝试超时；未配置时为 120s。
func (o Options) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// Client: 单端点 HTTP POST 客户端。不持有请求级状态，可并发使用。
type Client struct {
	hc          *http.Client
	url         string
	apiKey      string
	extraH      map[string]string
	disableAuth bool
}

// New 构造客户端。defaultPath 为方言默认路径；rt 为 nil 时使用 http.DefaultTransport。
// 流式响应不设 client 级超时，超时由调用方 ctx 控制。
func New(opts Options, defaultPath string, rt http.RoundTripper) (*Client, error) {
	if rt == nil {
		rt = http.DefaultTransport
	}
	path := opts.EndpointPath
	if path == "" {
		path = defaultPath
	}
	fullURL := path
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		if strings.TrimSpace(opts.BaseURL) == "" {
			return nil, fmt.Errorf("transport: %w: base_url required", contract.ErrInvalidConfig)
		}
		// 确保恰好一个斜杠
		fullURL = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	return &Client{
		hc:          &http.Client{Transport: rt},
		url:         fullURL,
		apiKey:      key,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
	}, nil
}

// Post 发送 JSON 载荷并返回 2xx 响应体（调用方负责 Close）。
// 非 2xx 返回 *StatusError；429 额外包裹 ErrRateLimited。
func (c *Client) Post(ctx context.Context, body []byte, stream bool) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth && c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
		}
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		// 读取少量响应体辅助定位
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(slurp))}
	}
	return resp.Body, nil
}

// StatusError: 上游非 2xx。实现 net.Error 与 contract.UpstreamError，便于分类与日志。
type StatusError struct {
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	msg, cut := contract.Truncate(e.Msg, 512)
	if cut {
		msg += "…"
	}
	return fmt.Sprintf("upstream %d: %s", e.Status, msg)
}
func (e *StatusError) Timeout() bool {
	return e.Status == http.StatusRequestTimeout || e.Status == http.StatusGatewayTimeout
}
func (e *StatusError) Temporary() bool {
	return e.Status/100 == 5 || e.Status == http.StatusTooManyRequests
}
func (e *StatusError) UpstreamStatus() int     { return e.Status }
func (e *StatusError) UpstreamMessage() string { return e.Msg }

// Unwrap: 429 映射为 ErrRateLimited。
func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusTooManyRequests {
		return contract.ErrRateLimited
	}
	return nil
}

var _ contract.UpstreamError = (*StatusError)(nil)
