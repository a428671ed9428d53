package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/aigateway/internal/ratelimit"
	"github.com/nao1215/aigateway/pkg/middleware"
	"github.com/nao1215/aigateway/pkg/token"
)

// accessPolicy はルートに必要なアクセス条件。
type accessPolicy int

const (
	// policyPublic は認証不要。
	policyPublic accessPolicy = iota
	// policyBearer は有効なアクセストークンが必要。
	policyBearer
	// policyAdmin は管理者ロールのアクセストークンが必要。
	policyAdmin
	// policyInternal は内部キーが必要。
	policyInternal
)

// String はポリシー名を返す。
func (p accessPolicy) String() string {
	switch p {
	case policyPublic:
		return "public"
	case policyBearer:
		return "bearer"
	case policyAdmin:
		return "admin"
	case policyInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// ルートクラス名。レート制限のポリシーとカウンターキーに使う。
const (
	classAuth      = "auth"
	classChat      = ratelimit.ClassChat
	classHistory   = "history"
	classDocuments = "documents"
	classSearch    = "search"
)

// route はGatewayの1ルートの定義。
type route struct {
	method string
	path   string
	policy accessPolicy
	// class はルートクラス。空の場合はレート制限の対象外。
	class string
	// admission がtrueの場合、認証後にレート制限を適用する。
	admission bool
	handler   gin.HandlerFunc
}

// routes はGatewayのルートテーブルを返す。
func (s *Server) routes() []route {
	return []route{
		// 認証（認証サービスへそのまま転送）
		{method: http.MethodPost, path: "/api/auth/register", policy: policyPublic, class: classAuth,
			handler: s.handleForward(s.upstreams.Auth, "auth", fixedPath("/register"))},
		{method: http.MethodPost, path: "/api/auth/token", policy: policyPublic, class: classAuth,
			handler: s.handleForward(s.upstreams.Auth, "auth", fixedPath("/token"))},

		// 会話
		{method: http.MethodPost, path: "/api/conversations/chat", policy: policyBearer, class: classChat, admission: true,
			handler: s.handleChat()},
		{method: http.MethodDelete, path: "/api/conversations", policy: policyBearer, class: classHistory,
			handler: s.handleDeleteHistory()},

		// ナレッジベース
		{method: http.MethodPost, path: "/api/documents", policy: policyAdmin, class: classDocuments,
			handler: s.handleForward(s.upstreams.KB, "kb", fixedPath("/documents"))},
		{method: http.MethodDelete, path: "/api/documents/:id", policy: policyAdmin, class: classDocuments,
			handler: s.handleForward(s.upstreams.KB, "kb", paramPath("/documents/", "id"))},
		{method: http.MethodPost, path: "/api/documents/search", policy: policyBearer, class: classSearch, admission: true,
			handler: s.handleForward(s.upstreams.KB, "kb", fixedPath("/documents/search"))},

		// 運用
		{method: http.MethodGet, path: "/metrics", policy: policyInternal, handler: s.metrics.handler()},
		{method: http.MethodGet, path: "/", policy: policyPublic, handler: handleHealth},
		{method: http.MethodGet, path: "/health", policy: policyPublic, handler: handleHealth},
	}
}

// setupRoutes はルートテーブルからハンドラーチェーンを組み立ててルーターに登録する。
func (s *Server) setupRoutes() {
	for _, r := range s.routes() {
		s.router.Handle(r.method, r.path, s.chain(r)...)
	}
}

// chain はルートのハンドラーチェーンを 認証 → ロール → レート制限 → ハンドラー の順で組み立てる。
func (s *Server) chain(r route) []gin.HandlerFunc {
	var handlers []gin.HandlerFunc
	switch r.policy {
	case policyBearer:
		handlers = append(handlers, middleware.BearerAuth(s.verifier))
	case policyAdmin:
		handlers = append(handlers, middleware.BearerAuth(s.verifier), middleware.RequireRole(token.RoleAdmin))
	case policyInternal:
		handlers = append(handlers, middleware.InternalAuth(s.internalKey))
	}
	if r.admission && r.class != "" {
		handlers = append(handlers, s.admission(r.class))
	}
	return append(handlers, r.handler)
}

// handleHealth はヘルスチェックのハンドラー。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "api-gateway"})
}
