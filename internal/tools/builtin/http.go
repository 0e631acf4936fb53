package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	xerrors "Warden/internal/errors"
	"Warden/internal/governance"
)

const (
	defaultHTTPTimeout   = 15 * time.Second
	defaultFetchMaxBytes = 64 * 1024
)

// HTTPConfig 是 HTTP 类工具共享的参数。
type HTTPConfig struct {
	Timeout  time.Duration
	MaxBytes int64
	// Transport 仅供测试替换。
	Transport http.RoundTripper
}

func newRestyClient(cfg HTTPConfig) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "warden/1.0")
	if cfg.Transport != nil {
		client.SetTransport(cfg.Transport)
	}
	return client
}

// classifyStatus 把 HTTP 状态码映射为错误码：429 为限流，5xx 可重试，其余 4xx 不可重试。
func classifyStatus(resp *resty.Response, what string) error {
	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests:
		opts := []xerrors.Option{xerrors.WithMetadata("status", strconv.Itoa(status))}
		if secs := retryAfterSeconds(resp.Header().Get("Retry-After"), time.Now()); secs > 0 {
			opts = append(opts, xerrors.WithMetadata("retry_after_seconds", strconv.FormatInt(secs, 10)))
		}
		return xerrors.New(xerrors.CodeRateLimited, what+" 被限流", opts...)
	case status >= 500:
		return xerrors.New(xerrors.CodeRecoverableIO, fmt.Sprintf("%s 返回 %d", what, status),
			xerrors.WithMetadata("status", strconv.Itoa(status)))
	case status >= 400:
		return xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("%s 返回 %d", what, status),
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("status", strconv.Itoa(status)))
	}
	return nil
}

// retryAfterSeconds 解析 Retry-After，支持秒数与 HTTP 日期两种格式。
func retryAfterSeconds(header string, now time.Time) int64 {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(header, 10, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return secs
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return int64(d.Seconds())
		}
	}
	return 0
}

// Fetcher 实现 web_fetch：对 http/https 地址发起 GET 请求。
type Fetcher struct {
	client   *resty.Client
	maxBytes int64
}

// NewFetcher 创建 Fetcher。
func NewFetcher(cfg HTTPConfig) *Fetcher {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultFetchMaxBytes
	}
	return &Fetcher{client: newRestyClient(cfg), maxBytes: maxBytes}
}

// FetchResult 是 web_fetch 返回给推理服务的内容。
type FetchResult struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetch 读取 rawURL。4xx 作为结果返回，429 与 5xx 作为错误返回以便排队重试。
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的地址 %q", rawURL))
	}
	resp, err := f.client.R().SetContext(ctx).Get(parsed.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "web_fetch 已取消")
		}
		return nil, xerrors.Wrap(xerrors.CodeRecoverableIO, err, "web_fetch 请求失败")
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500 {
		return nil, classifyStatus(resp, "web_fetch")
	}
	body := resp.Body()
	out := &FetchResult{
		URL:         parsed.String(),
		Status:      resp.StatusCode(),
		ContentType: resp.Header().Get("Content-Type"),
	}
	if int64(len(body)) > f.maxBytes {
		body = body[:f.maxBytes]
		out.Truncated = true
	}
	out.Body = string(body)
	return out, nil
}

// Tool 把 Fetcher 包装为 L1 工具。
func (f *Fetcher) Tool() governance.Tool {
	return &governance.FuncTool{
		ToolName:        NameWebFetch,
		ToolDescription: "Fetch a web page or JSON document over HTTP(S) with GET.",
		Parameters:      json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","format":"uri"}},"required":["url"]}`),
		ToolLevel:       governance.L1,
		Retryable:       true,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				URL string `json:"url"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := required("url", args.URL); err != nil {
				return "", err
			}
			res, err := f.Fetch(ctx, args.URL)
			if err != nil {
				return "", err
			}
			return encode(res)
		},
	}
}

// SocialConfig 描述社交平台发帖的 webhook。
type SocialConfig struct {
	HTTPConfig
	Webhook string
	Token   string
}

// SocialPoster 实现 social_post：把文本 POST 到配置的 webhook。
type SocialPoster struct {
	client  *resty.Client
	webhook string
	token   string
}

// NewSocialPoster 创建 SocialPoster，webhook 为空时返回 nil。
func NewSocialPoster(cfg SocialConfig) *SocialPoster {
	if strings.TrimSpace(cfg.Webhook) == "" {
		return nil
	}
	return &SocialPoster{client: newRestyClient(cfg.HTTPConfig), webhook: cfg.Webhook, token: cfg.Token}
}

// PostResult 是平台返回的摘要。
type PostResult struct {
	Status int    `json:"status"`
	ID     string `json:"id,omitempty"`
}

// Post 发布一条消息。429 映射为 RATE_LIMITED 并携带 Retry-After。
func (p *SocialPoster) Post(ctx context.Context, text string) (*PostResult, error) {
	var body struct {
		ID string `json:"id"`
	}
	req := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"text": text}).
		SetResult(&body)
	if p.token != "" {
		req.SetAuthToken(p.token)
	}
	resp, err := req.Post(p.webhook)
	if err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "social_post 已取消")
		}
		return nil, xerrors.Wrap(xerrors.CodeRecoverableIO, err, "social_post 请求失败")
	}
	if err := classifyStatus(resp, "social_post"); err != nil {
		return nil, err
	}
	return &PostResult{Status: resp.StatusCode(), ID: body.ID}, nil
}

// Tool 把 SocialPoster 包装为 L2 工具。
func (p *SocialPoster) Tool() governance.Tool {
	return &governance.FuncTool{
		ToolName:        NameSocialPost,
		ToolDescription: "Publish a short post to the configured social account.",
		Parameters:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string","maxLength":2000}},"required":["text"]}`),
		ToolLevel:       governance.L2,
		Retryable:       true,
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args struct {
				Text string `json:"text"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if err := required("text", args.Text); err != nil {
				return "", err
			}
			res, err := p.Post(ctx, args.Text)
			if err != nil {
				return "", err
			}
			return encode(res)
		},
	}
}
