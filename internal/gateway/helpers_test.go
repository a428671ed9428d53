package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/nao1215/aigateway/internal/config"
	"github.com/nao1215/aigateway/internal/ratelimit"
	"github.com/nao1215/aigateway/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	// testSecret はテスト用のトークン署名秘密鍵。
	testSecret = "test-secret-key-for-gateway"
	// testInternalKey はテスト用の内部キー。
	testInternalKey = "internal-key-for-gateway-tests"
)

// recordedRequest は模擬上流サービスが受け取ったリクエスト。
type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// fakeUpstream はリクエストを記録する模擬上流サービス。
type fakeUpstream struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
}

// newFakeUpstream は受け取ったリクエストを記録してからhandlerに処理させる模擬上流サービスを起動する。
// handlerがnilの場合は200と {"status":"ok"} を返す。
func newFakeUpstream(t *testing.T, handler http.HandlerFunc) *fakeUpstream {
	t.Helper()

	if handler == nil {
		handler = func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"status":"ok"}`)
		}
	}

	u := &fakeUpstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.requests = append(u.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		u.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(u.server.Close)
	return u
}

// Calls は受け取ったリクエスト数を返す。
func (u *fakeUpstream) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

// Last は最後に受け取ったリクエストを返す。
func (u *fakeUpstream) Last(t *testing.T) recordedRequest {
	t.Helper()

	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.requests) == 0 {
		t.Fatal("上流サービスがリクエストを受け取っていない")
	}
	return u.requests[len(u.requests)-1]
}

// envOptions はテスト環境の設定。
type envOptions struct {
	auth, llm, kb http.HandlerFunc
	// admitter が指定された場合はminiredisの代わりに使う。
	admitter Admitter
	// streamTimeout はチャットストリームのアイドルタイムアウト。0の場合は5秒。
	streamTimeout time.Duration
	// llmURL が指定された場合はLLMサービスのURLとして使う。
	llmURL string
}

// testEnv はGatewayと模擬上流サービス一式。
type testEnv struct {
	server *Server
	auth   *fakeUpstream
	llm    *fakeUpstream
	kb     *fakeUpstream
	redis  *miniredis.Miniredis
}

// newTestEnv はminiredisと模擬上流サービスに接続したテスト用Gatewayを生成する。
func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	env := &testEnv{
		auth: newFakeUpstream(t, opts.auth),
		llm:  newFakeUpstream(t, opts.llm),
		kb:   newFakeUpstream(t, opts.kb),
	}

	admitter := opts.admitter
	if admitter == nil {
		env.redis = miniredis.RunT(t)
		store, err := ratelimit.NewRedisStore("redis://" + env.redis.Addr())
		if err != nil {
			t.Fatalf("NewRedisStore()でエラーが発生: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		admitter = ratelimit.NewLimiter(store, ratelimit.DefaultPolicies())
	}

	streamTimeout := opts.streamTimeout
	if streamTimeout == 0 {
		streamTimeout = 5 * time.Second
	}
	llmURL := env.llm.server.URL
	if opts.llmURL != "" {
		llmURL = opts.llmURL
	}

	cfg := &config.Config{
		Port:              "0",
		AuthServiceURL:    env.auth.server.URL,
		LLMServiceURL:     llmURL,
		KBServiceURL:      env.kb.server.URL,
		SecretKey:         testSecret,
		InternalAPIKey:    testInternalKey,
		AllowedOrigins:    []string{"*"},
		ChatStreamTimeout: streamTimeout,
		UpstreamTimeout:   5 * time.Second,
		RateLimits:        ratelimit.DefaultPolicies(),
	}
	env.server = NewServer(cfg, admitter)
	return env
}

// do はGatewayにリクエストを送信する。bearerが空でなければAuthorizationヘッダーを付与する。
func (e *testEnv) do(t *testing.T, method, path, bearer string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

// issueToken はテスト用のアクセストークンを発行する。
func issueToken(t *testing.T, username, role string) string {
	t.Helper()

	raw, err := token.Issue(testSecret, token.Identity{Username: username, UserID: 1, Role: role}, time.Hour)
	if err != nil {
		t.Fatalf("token.Issue()でエラーが発生: %v", err)
	}
	return raw
}

// decodeError はエラーレスポンスのメッセージを取り出す。
func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (body=%q)", err, w.Body.String())
	}
	return body["error"]
}

// flushWrite はデータを書き込んで即座にフラッシュする。
func flushWrite(w http.ResponseWriter, s string) {
	_, _ = io.WriteString(w, s)
	w.(http.Flusher).Flush()
}

// stubAdmitter は固定の判定結果を返すAdmitter。
type stubAdmitter struct {
	decision ratelimit.Decision
	err      error
}

func (s stubAdmitter) Allow(context.Context, string, string) (ratelimit.Decision, error) {
	return s.decision, s.err
}
