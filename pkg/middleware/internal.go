package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderInternalKey はサービス間通信で内部キーを運ぶHTTPヘッダー名。
const HeaderInternalKey = "X-Internal-Key"

// CheckInternalSecret は提示された内部キーが設定値と完全一致するかを返す。
// 設定値が空の場合は常にfalseを返す（未設定のサービスを素通りさせない）。
func CheckInternalSecret(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}

// InternalAuth は内部キーを検証するGinミドルウェアを返す。
// ユーザーのBearerトークンとは独立した信頼境界であり、
// 有効なBearerトークンを持っていてもこのチェックは通過できない。
func InternalAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !CheckInternalSecret(c.GetHeader(HeaderInternalKey), secret) {
			log.Printf("内部キー検証エラー: %s %s, request_id=%s", c.Request.Method, c.Request.URL.Path, GetRequestID(c))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "内部アクセスが拒否されました",
			})
			return
		}
		c.Next()
	}
}
