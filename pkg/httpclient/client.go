package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// headerInternalKey は内部キーを運ぶHTTPヘッダー名。
	// 内部サービス側は middleware.InternalAuth で同じヘッダーを検証する。
	headerInternalKey = "X-Internal-Key"
	// headerRequestID はリクエストIDを運ぶHTTPヘッダー名。
	headerRequestID = "X-Request-ID"

	defaultTimeout     = 30 * time.Second
	defaultIdleTimeout = 60 * time.Second
	defaultChunkSize   = 32 * 1024
	// maxResponseBytes はForwardで読み取るレスポンスボディの上限。
	maxResponseBytes = 10 << 20
)

// ErrTimeout は上流サービスの応答がタイムアウトしたことを表す。
var ErrTimeout = errors.New("上流サービスの応答がタイムアウトしました")

// Client は内部サービス向けのHTTPクライアント。
// 1つの上流サービス（ベースURL）に対して1つ生成する。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	// ストリーミングを妨げないよう全体タイムアウトは設定せず、呼び出しごとに制御する。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// internalKey はすべてのリクエストに付与する内部キー。
	internalKey string
	// timeout はForwardの全体タイムアウト。
	timeout time.Duration
	// idleTimeout はStreamでチャンクが届かない状態を許容する最大時間。
	idleTimeout time.Duration
	// chunkSize はStreamで1回に読み取る最大バイト数。
	chunkSize int
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithTimeout はForwardの全体タイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithIdleTimeout はStreamのアイドルタイムアウトを設定する。
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// WithHTTPClient は内部で使用するHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New は新しい内部サービス向けHTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://llm-service:8000"）を指定する。
func New(baseURL, internalKey string, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{},
		baseURL:     baseURL,
		internalKey: internalKey,
		timeout:     defaultTimeout,
		idleTimeout: defaultIdleTimeout,
		chunkSize:   defaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL は接続先サービスのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Response はForwardで受け取った上流サービスのレスポンス。
type Response struct {
	// StatusCode は上流サービスが返したHTTPステータス。
	StatusCode int
	// ContentType は上流サービスが返したContent-Type。
	ContentType string
	// Body はレスポンスボディ全体。
	Body []byte
}

// Forward は指定パスにリクエストを送信し、レスポンス全体を読み取って返す。
// 上流サービスが非2xxを返してもエラーにはせず、ステータスとボディをそのまま返す。
// エラーを返すのは通信自体に失敗した場合のみ。
func (c *Client) Forward(ctx context.Context, method, path string, body io.Reader, contentType string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗: %w", err)
	}
	if len(respBody) > maxResponseBytes {
		return nil, fmt.Errorf("レスポンスボディが上限（%dバイト）を超えています", maxResponseBytes)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}, nil
}

// newRequest は内部キーとリクエストIDを付与したHTTPリクエストを生成する。
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if body != nil {
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(headerInternalKey, c.internalKey)

	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok && requestID != "" {
		req.Header.Set(headerRequestID, requestID)
	}
	return req, nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
const contextKeyRequestID contextKey = "request_id"

// WithRequestID はコンテキストにリクエストIDを設定する。
// 上流サービスへのリクエストに X-Request-ID として伝播される。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}
