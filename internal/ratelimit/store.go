package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379/0"
	pingTimeout     = 2 * time.Second
)

// Store はルートクラスごとのカウンターを保持するストア。
type Store interface {
	// Increment はkeyのカウンターを1増やし、増加後の値と残りTTLを返す。
	// カウンターが新規作成された場合のみTTLをwindowに設定する。
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// incrementScript はカウンターの増加と初回のTTL設定を原子的に行う。
// 既存キーのTTLは変更しないため、拒否が続いてもウィンドウは延長されない。
// TTLが失われたキーのみ再設定する。
var incrementScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisStore はRedisをバックエンドとするStore。
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore はRedisに接続し、疎通を確認したStoreを返す。
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("RedisのURLのパースに失敗: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close はRedisクライアントを閉じる。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping はRedisへの疎通を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("Redisクライアントが初期化されていません")
	}
	return s.client.Ping(ctx).Err()
}

// Increment はカウンターを1増やし、増加後の値と残りTTLを返す。
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if s == nil || s.client == nil {
		return 0, 0, errors.New("Redisクライアントが初期化されていません")
	}

	res, err := incrementScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("スクリプトの戻り値が不正: %v", res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}
