// API Gatewayサービスのエントリポイント。
// 外部からアクセス可能な唯一のサービスであり、ゼロトラストの境界線となる。
// アクセストークンの検証、チャットのレート制限、内部サービスへのプロキシを担当する。
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/nao1215/aigateway/internal/config"
	"github.com/nao1215/aigateway/internal/gateway"
	"github.com/nao1215/aigateway/internal/ratelimit"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗: %v", err)
	}

	store, err := ratelimit.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("レート制限ストアの初期化に失敗: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Redis接続のクローズに失敗: %v", err)
		}
	}()

	limiter := ratelimit.NewLimiter(store, cfg.RateLimits)
	for class := range cfg.RateLimits {
		if p, ok := limiter.Policy(class); ok {
			log.Printf("レート制限ポリシー: class=%s, limit=%d, window=%s, fail_open=%t", class, p.Limit, p.Window, p.FailOpen)
		}
	}

	server := gateway.NewServer(cfg, limiter)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Gatewayサービスを起動します: :%s", cfg.Port)
	if err := server.Run(ctx, cfg.ShutdownTimeout); err != nil {
		log.Printf("Gatewayサービスの起動に失敗: %v", err)
		return
	}
	log.Printf("Gatewayサービスを停止しました")
}
