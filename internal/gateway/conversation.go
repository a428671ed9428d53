package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/aigateway/pkg/middleware"
)

// maxChatBodyBytes はチャットリクエストボディの上限。
const maxChatBodyBytes = 1 << 20

// handleChat はチャットリクエストをLLMサービスへ転送し、応答をストリーミングで返すハンドラーを返す。
// リクエストボディの user_id はクライアントの指定に関わらず検証済みのユーザー名で置き換える。
func (s *Server) handleChat() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "認証が必要です"})
			return
		}

		var body map[string]any
		decoder := json.NewDecoder(http.MaxBytesReader(c.Writer, c.Request.Body, maxChatBodyBytes))
		// 転送するフィールドの数値を丸めないようjson.Numberとして保持する
		decoder.UseNumber()
		if err := decoder.Decode(&body); err != nil || body == nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "リクエストボディが大きすぎます"})
				return
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}
		query, _ := body["query"].(string)
		if strings.TrimSpace(query) == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "queryは必須です"})
			return
		}
		body["user_id"] = identity.Username

		payload, err := json.Marshal(body)
		if err != nil {
			log.Printf("チャットリクエストのシリアライズに失敗: request_id=%s, error=%v", middleware.GetRequestID(c), err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "内部サーバーエラーが発生しました"})
			return
		}

		s.relayStream(c, s.upstreams.LLM, "llm", "/conversations/chat", bytes.NewReader(payload))
	}
}

// handleDeleteHistory は認証済みユーザーの会話履歴を削除するハンドラーを返す。
// 上流が成功した場合は204を返し、失敗した場合は上流のエラーレスポンスを返す。
func (s *Server) handleDeleteHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "認証が必要です"})
			return
		}

		path := "/conversations/" + url.PathEscape(identity.Username)
		resp, err := s.upstreams.LLM.Forward(upstreamContext(c), http.MethodDelete, path, nil, "")
		if err != nil {
			s.upstreamFailed(c, "llm", err)
			return
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.Status(http.StatusNoContent)
			c.Writer.WriteHeaderNow()
			return
		}
		s.writeResponse(c, "llm", resp)
	}
}
