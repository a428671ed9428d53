package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/aigateway/internal/config"
	"github.com/nao1215/aigateway/internal/ratelimit"
	"github.com/nao1215/aigateway/pkg/httpclient"
	"github.com/nao1215/aigateway/pkg/middleware"
	"github.com/nao1215/aigateway/pkg/token"
)

// Admitter はルートクラスごとのアドミッション判定を行う。
type Admitter interface {
	Allow(ctx context.Context, identity, class string) (ratelimit.Decision, error)
}

// Server はAPI Gatewayサービスの HTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はRunで起動するHTTPサーバー。
	httpServer *http.Server
	// port はサーバーのリッスンポート。
	port string
	// verifier はアクセストークンの検証器。
	verifier *token.Verifier
	// admitter はレート制限の判定器。
	admitter Admitter
	// internalKey は内部キー。/metrics の保護にも使う。
	internalKey string
	// upstreams は内部サービスのクライアント。
	upstreams upstreams
	// metrics はPrometheusメトリクス。
	metrics *metrics
}

// upstreams は内部サービスごとのHTTPクライアント。
type upstreams struct {
	Auth *httpclient.Client
	LLM  *httpclient.Client
	KB   *httpclient.Client
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg *config.Config, admitter Admitter) *Server {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:      router,
		port:        cfg.Port,
		verifier:    token.NewVerifier(cfg.SecretKey),
		admitter:    admitter,
		internalKey: cfg.InternalAPIKey,
		upstreams: upstreams{
			Auth: httpclient.New(cfg.AuthServiceURL, cfg.InternalAPIKey, httpclient.WithTimeout(cfg.UpstreamTimeout)),
			LLM: httpclient.New(cfg.LLMServiceURL, cfg.InternalAPIKey,
				httpclient.WithTimeout(cfg.UpstreamTimeout),
				httpclient.WithIdleTimeout(cfg.ChatStreamTimeout),
			),
			KB: httpclient.New(cfg.KBServiceURL, cfg.InternalAPIKey, httpclient.WithTimeout(cfg.UpstreamTimeout)),
		},
		metrics: newMetrics(),
	}
	router.Use(s.metrics.instrument())
	s.setupRoutes()

	log.Printf("上流サービス: auth=%s, llm=%s, kb=%s",
		s.upstreams.Auth.BaseURL(), s.upstreams.LLM.BaseURL(), s.upstreams.KB.BaseURL())

	return s
}

// Handler はGatewayのHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
// shutdownTimeoutは処理中のリクエストの完了を待つ最大時間。
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Printf("Gatewayサービスを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
	}
	return nil
}
