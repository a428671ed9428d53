package middleware

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/aigateway/pkg/token"
)

// contextKeyIdentity は検証済みIdentityをGinコンテキストに格納するキー。
const contextKeyIdentity = "identity"

// TokenVerifier はアクセストークンを検証するインターフェース。
// token.Verifier が実装する。
type TokenVerifier interface {
	Verify(raw string) (token.Identity, error)
}

// BearerAuth はAuthorizationヘッダーのBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストにIdentityを設定する。
// 失敗時は401と WWW-Authenticate: Bearer を返し、後続のハンドラを実行しない。
func BearerAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "Authorizationヘッダーが必要です")
			return
		}

		scheme, raw, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
			abortUnauthorized(c, "Bearer トークン形式が不正です")
			return
		}

		identity, err := verifier.Verify(strings.TrimSpace(raw))
		if err != nil {
			// トークン本体はログに出さない
			log.Printf("トークン検証エラー: path=%s, request_id=%s, reason=%v", c.Request.URL.Path, GetRequestID(c), err)
			if errors.Is(err, token.ErrExpired) {
				abortUnauthorized(c, "トークンの有効期限が切れています")
				return
			}
			abortUnauthorized(c, "トークンが無効です")
			return
		}

		c.Set(contextKeyIdentity, identity)
		c.Next()
	}
}

// RequireRole は検証済みIdentityが指定ロールを持つことを要求するGinミドルウェアを返す。
// BearerAuthの後に適用する必要がある。
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := GetIdentity(c)
		if !ok {
			abortUnauthorized(c, "認証が必要です")
			return
		}
		if identity.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "この操作を行う権限がありません",
			})
			return
		}
		c.Next()
	}
}

// GetIdentity はGinコンテキストから検証済みIdentityを取得する。
// BearerAuthミドルウェアが事前に適用されている必要がある。
func GetIdentity(c *gin.Context) (token.Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return token.Identity{}, false
	}
	identity, ok := v.(token.Identity)
	return identity, ok
}

// abortUnauthorized は401レスポンスを返してリクエストを中断する。
func abortUnauthorized(c *gin.Context, message string) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
