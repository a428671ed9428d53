package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/aigateway/pkg/httpclient"
	"github.com/nao1215/aigateway/pkg/middleware"
)

// 上流との通信失敗時にクライアントへ返すメッセージ。詳細はログにのみ出力する。
const errUpstreamUnavailable = "内部サービスとの通信に失敗しました"

// ストリーム中に送るエラーチャンク。
const (
	streamErrTimedOut    = "Error: upstream timed out"
	streamErrInterrupted = "Error: upstream stream interrupted"
	streamErrStatusFmt   = "Error: upstream responded with status %d"
)

// pathFunc はリクエストから上流サービスのパスを組み立てる。
type pathFunc func(c *gin.Context) string

// fixedPath は常に同じパスを返すpathFuncを返す。
func fixedPath(path string) pathFunc {
	return func(*gin.Context) string { return path }
}

// paramPath はprefixにURLパラメータを連結するpathFuncを返す。
func paramPath(prefix, param string) pathFunc {
	return func(c *gin.Context) string { return prefix + url.PathEscape(c.Param(param)) }
}

// upstreamContext はリクエストIDを引き継いだ上流呼び出し用のコンテキストを返す。
func upstreamContext(c *gin.Context) context.Context {
	return httpclient.WithRequestID(c.Request.Context(), middleware.GetRequestID(c))
}

// requestBody は転送するリクエストボディを返す。ボディが無い場合はnil。
func requestBody(c *gin.Context) io.Reader {
	if c.Request.Body == nil || c.Request.Body == http.NoBody || c.Request.ContentLength == 0 {
		return nil
	}
	return c.Request.Body
}

// handleForward はリクエストを上流サービスへ転送し、レスポンスをそのまま返すハンドラーを返す。
// クライアントのヘッダーは Content-Type 以外転送しない。
func (s *Server) handleForward(client *httpclient.Client, service string, path pathFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		target := path(c)
		if c.Request.URL.RawQuery != "" {
			target += "?" + c.Request.URL.RawQuery
		}

		resp, err := client.Forward(upstreamContext(c), c.Request.Method, target, requestBody(c), c.GetHeader("Content-Type"))
		if err != nil {
			s.upstreamFailed(c, service, err)
			return
		}
		s.writeResponse(c, service, resp)
	}
}

// writeResponse は上流のレスポンスをステータス、Content-Type、ボディそのままで返す。
// JSON以外のボディを持つエラーレスポンス（4xx、5xx）は内部情報を含み得るため転送せず、
// 汎用メッセージの500に置き換える。
func (s *Server) writeResponse(c *gin.Context, service string, resp *httpclient.Response) {
	if len(resp.Body) == 0 {
		c.Status(resp.StatusCode)
		c.Writer.WriteHeaderNow()
		return
	}

	isJSON := isJSONContentType(resp.ContentType) || json.Valid(resp.Body)
	if !isJSON && resp.StatusCode >= http.StatusBadRequest {
		s.metrics.upstreamFailures.WithLabelValues(service, "status").Inc()
		log.Printf("上流サービスがJSON以外のエラーを返しました: service=%s, status=%d, content_type=%q, request_id=%s",
			service, resp.StatusCode, resp.ContentType, middleware.GetRequestID(c))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errUpstreamUnavailable})
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, resp.Body)
}

// isJSONContentType はContent-TypeがJSON（application/json または +json）かどうかを返す。
func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// upstreamFailed はストリーミング開始前の上流通信失敗を500で返す。
func (s *Server) upstreamFailed(c *gin.Context, service string, err error) {
	kind := "unavailable"
	if errors.Is(err, httpclient.ErrTimeout) {
		kind = "timeout"
	}
	s.metrics.upstreamFailures.WithLabelValues(service, kind).Inc()
	log.Printf("プロキシエラー: service=%s, request_id=%s, error=%v", service, middleware.GetRequestID(c), err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errUpstreamUnavailable})
}
