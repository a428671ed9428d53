package gateway

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/aigateway/pkg/httpclient"
	"github.com/nao1215/aigateway/pkg/middleware"
)

// relayStream は上流サービスのストリーミングレスポンスをクライアントへ中継する。
//
// 上流が非2xxを返した場合やタイムアウトした場合は、200のストリームとして
// エラーチャンクを1つだけ返して終了する。
// ストリーム開始前に接続自体が失敗した場合は500のJSONエラーを返す。
func (s *Server) relayStream(c *gin.Context, client *httpclient.Client, service, path string, body io.Reader) {
	chunks, err := client.Stream(upstreamContext(c), http.MethodPost, path, body, "application/json")
	if err != nil {
		var statusErr *httpclient.StatusError
		switch {
		case errors.As(err, &statusErr):
			s.metrics.upstreamFailures.WithLabelValues(service, "status").Inc()
			log.Printf("上流サービスがエラーを返しました: service=%s, status=%d, request_id=%s",
				service, statusErr.StatusCode, middleware.GetRequestID(c))
			writeStreamError(c, fmt.Sprintf(streamErrStatusFmt, statusErr.StatusCode))
		case errors.Is(err, httpclient.ErrTimeout):
			s.metrics.upstreamFailures.WithLabelValues(service, "timeout").Inc()
			log.Printf("上流サービスの応答がタイムアウトしました: service=%s, request_id=%s",
				service, middleware.GetRequestID(c))
			writeStreamError(c, streamErrTimedOut)
		default:
			s.upstreamFailed(c, service, err)
		}
		return
	}

	startStream(c)
	for chunk := range chunks {
		if chunk.Err != nil {
			kind, marker := "interrupted", streamErrInterrupted
			if errors.Is(chunk.Err, httpclient.ErrTimeout) {
				kind, marker = "timeout", streamErrTimedOut
			}
			s.metrics.upstreamFailures.WithLabelValues(service, kind).Inc()
			log.Printf("ストリーム中継エラー: service=%s, request_id=%s, error=%v",
				service, middleware.GetRequestID(c), chunk.Err)
			writeChunk(c, []byte(marker))
			continue
		}
		writeChunk(c, chunk.Data)
	}
}

// startStream はストリーミングレスポンスのヘッダーを送信する。
func startStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
}

// writeStreamError はエラーチャンクのみを含むストリームを返す。
func writeStreamError(c *gin.Context, marker string) {
	startStream(c)
	writeChunk(c, []byte(marker))
}

// writeChunk はチャンクを書き込んで即座にフラッシュする。
// クライアント切断後の書き込みエラーは無視する。切断はリクエストコンテキストで上流に伝わる。
func writeChunk(c *gin.Context, data []byte) {
	if _, err := c.Writer.Write(data); err != nil {
		return
	}
	c.Writer.Flush()
}
