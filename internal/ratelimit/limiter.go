package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"
)

// ErrStoreUnavailable はカウンターストアに到達できず、リクエストを拒否したことを表す。
var ErrStoreUnavailable = errors.New("レート制限ストアが利用できません")

// Decision はアドミッション判定の結果。
type Decision struct {
	// Allowed はリクエストを許可するかどうか。
	Allowed bool
	// Count は今回の呼び出しを含むウィンドウ内のリクエスト数。
	Count int64
	// Limit はウィンドウ内で許可されるリクエスト数。0は無制限を表す。
	Limit int64
	// RetryAfter はウィンドウがリセットされるまでの残り時間。
	RetryAfter time.Duration
}

// RetryAfterSeconds はRetry-Afterヘッダー用に残り時間を秒単位で切り上げて返す。
// 最小値は1。
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter はルートクラスごとのポリシーに従ってリクエストを許可・拒否する。
type Limiter struct {
	store    Store
	policies map[string]Policy
}

// NewLimiter は新しいLimiterを生成する。
// policiesに含まれないルートクラスは無制限として扱う。
func NewLimiter(store Store, policies map[string]Policy) *Limiter {
	copied := make(map[string]Policy, len(policies))
	for class, p := range policies {
		copied[class] = p
	}
	return &Limiter{store: store, policies: copied}
}

// Policy はルートクラスに設定されたポリシーを返す。
func (l *Limiter) Policy(class string) (Policy, bool) {
	p, ok := l.policies[class]
	return p, ok
}

// Allow はidentityによるclassへのリクエストを許可するか判定する。
//
// ストアに到達できない場合、FailOpenのポリシーでは許可してログを残す。
// それ以外では Allowed=false と ErrStoreUnavailable をラップしたエラーを返す。
func (l *Limiter) Allow(ctx context.Context, identity, class string) (Decision, error) {
	p, ok := l.policies[class]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	count, ttl, err := l.store.Increment(ctx, counterKey(class, identity), p.Window)
	if err != nil {
		if p.FailOpen {
			log.Printf("レート制限ストアエラーのため許可します (class=%s): %v", class, err)
			return Decision{Allowed: true, Limit: p.Limit}, nil
		}
		return Decision{Limit: p.Limit}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return Decision{
		Allowed:    count <= p.Limit,
		Count:      count,
		Limit:      p.Limit,
		RetryAfter: ttl,
	}, nil
}

// counterKey はカウンターのRedisキーを生成する。
func counterKey(class, identity string) string {
	return "ratelimit:" + class + ":" + identity
}
