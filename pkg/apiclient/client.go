// Package apiclient 是访问 djidjimusic REST API 的 HTTP 客户端。
// 它负责 base URL、超时、默认请求头、bearer 令牌注入，
// 并通过响应拦截器把所有失败归一化为 *Error。
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"djidji-uploader/pkg/credential"
	"djidji-uploader/pkg/log"
)

// DefaultTimeout 是元数据请求的固定超时时间。
const DefaultTimeout = 10 * time.Second

// Client 是带有统一错误处理的 JSON API 客户端。
type Client struct {
	baseURL string
	http    *http.Client
	headers http.Header
	creds   credential.Provider
}

// Option 用于定制 Client。
type Option func(*Client)

// WithTimeout 设置请求超时时间。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithHTTPClient 替换底层 http.Client，测试中常用。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithHeader 添加一个默认请求头。
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// New 创建一个新的 API 客户端。creds 可以为 nil（不发送 Authorization 头）。
func New(baseURL string, creds credential.Provider, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		headers: http.Header{},
		creds:   creds,
	}
	c.headers.Set("Accept", "application/json")
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get 发送 GET 请求并把 JSON 响应解码到 out。
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post 发送 JSON 请求体的 POST 请求并把 JSON 响应解码到 out。
func (c *Client) Post(ctx context.Context, path string, in, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, in, out)
}

// Do 发送一次请求，不做任何重试。in 为 nil 时不发送请求体，out 为 nil 时丢弃响应体。
func (c *Client) Do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("序列化请求体失败: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	for key, values := range c.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnf("[APIClient] 请求失败 %s %s: %v", method, path, err)
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.intercept(method, path, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("解析响应失败 %s %s: %w", method, path, err)
	}
	return nil
}

// authorize 注入 bearer 令牌。本地已判定过期的令牌直接按 401 处理，不发出网络请求。
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.creds == nil {
		return nil
	}
	tok, err := c.creds.Token(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrTokenExpired) || errors.Is(err, credential.ErrNoCredentials) {
			c.invalidate()
			return &Error{Kind: KindAuth, StatusCode: http.StatusUnauthorized, Message: MsgSessionExpired, Detail: err.Error(), Err: err}
		}
		return fmt.Errorf("获取访问令牌失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// intercept 是响应拦截器：读取错误响应体并归一化。
func (c *Client) intercept(method, path string, resp *http.Response) error {
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := NewStatusError(resp.StatusCode, payload)
	log.Warnw("[APIClient] 请求返回错误状态",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"detail", apiErr.Detail,
	)
	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidate()
	}
	return apiErr
}

func (c *Client) invalidate() {
	inv, ok := c.creds.(credential.Invalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(); err != nil {
		log.Warnf("[APIClient] 清除失效令牌失败: %v", err)
	}
}
