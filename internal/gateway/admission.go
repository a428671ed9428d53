package gateway

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/aigateway/pkg/middleware"
)

// admission はルートクラスのレート制限を適用するミドルウェアを返す。
// 認証済みの場合はユーザー名、未認証の場合はクライアントIPを識別子とする。
func (s *Server) admission(class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := "ip:" + c.ClientIP()
		if id, ok := middleware.GetIdentity(c); ok {
			identity = id.Username
		}

		decision, err := s.admitter.Allow(c.Request.Context(), identity, class)
		if err != nil {
			log.Printf("レート制限の判定に失敗: class=%s, request_id=%s, error=%v",
				class, middleware.GetRequestID(c), err)
			s.metrics.admissionDenied.WithLabelValues(class, "unavailable").Inc()
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "現在リクエストを受け付けられません。しばらくしてから再試行してください"})
			return
		}

		if decision.Limit > 0 {
			remaining := decision.Limit - decision.Count
			if remaining < 0 {
				remaining = 0
			}
			c.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		}

		if !decision.Allowed {
			s.metrics.admissionDenied.WithLabelValues(class, "limited").Inc()
			c.Header("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "リクエストが多すぎます。しばらくしてから再試行してください"})
			return
		}

		c.Next()
	}
}
