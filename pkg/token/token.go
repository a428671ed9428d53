package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRole はroleクレームが無いトークンに割り当てるロール。
const DefaultRole = "user"

// RoleAdmin は管理者ロール。
const RoleAdmin = "admin"

// 検証失敗の種類。errors.Isで判定する。
var (
	// ErrMalformed はトークンが復号できない、または必須クレーム（sub, exp）が無いことを表す。
	ErrMalformed = errors.New("トークンの形式が不正です")
	// ErrInvalidSignature は署名が秘密鍵で検証できないことを表す。
	ErrInvalidSignature = errors.New("トークンの署名が不正です")
	// ErrExpired はトークンの有効期限が切れていることを表す。
	ErrExpired = errors.New("トークンの有効期限が切れています")
)

// Claims はアクセストークンのクレーム（ペイロード）を表す。
// subにユーザー名、user_idに数値のユーザーIDを格納する。
type Claims struct {
	jwt.RegisteredClaims
	// UserID はユーザーの数値ID。
	UserID int64 `json:"user_id"`
	// Role はユーザーのロール。省略時は DefaultRole として扱う。
	Role string `json:"role,omitempty"`
}

// Identity は検証済みトークンから取り出した呼び出し元の情報。
// リクエスト1件の間だけ使用し、永続化しない。
type Identity struct {
	// Username はsubクレームのユーザー名。
	Username string
	// UserID はユーザーの数値ID。
	UserID int64
	// Role はユーザーのロール。
	Role string
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time
}

// IsAdmin は管理者ロールを持つかどうかを返す。
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Verifier は共有秘密鍵でアクセストークンを検証する。
// 秘密鍵は生成後に変更されないため、複数のゴルーチンから同時に使用できる。
type Verifier struct {
	secret []byte
	now    func() time.Time
	parser *jwt.Parser
}

// Option はVerifierの設定を変更する。
type Option func(*Verifier)

// WithClock は現在時刻の取得関数を差し替える。テストで使用する。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier は新しいVerifierを生成する。
func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	return v
}

// Verify はトークンを検証し、埋め込まれたIdentityを返す。
// 失敗時は ErrMalformed, ErrInvalidSignature, ErrExpired のいずれかを返す。
func (v *Verifier) Verify(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrMalformed
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, v.classify(err, claims)
	}

	// jwtライブラリは exp == now を有効とみなすため、ここで境界を揃える
	if !v.now().Before(claims.ExpiresAt.Time) {
		return Identity{}, ErrExpired
	}
	if claims.Subject == "" {
		return Identity{}, ErrMalformed
	}

	role := claims.Role
	if role == "" {
		role = DefaultRole
	}
	return Identity{
		Username:  claims.Subject,
		UserID:    claims.UserID,
		Role:      role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// classify はjwtライブラリのエラーを検証失敗の種類に変換する。
// 期限切れのトークンは署名の正否にかかわらず ErrExpired とする。
func (v *Verifier) classify(err error, claims *Claims) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		if claims.ExpiresAt != nil && !v.now().Before(claims.ExpiresAt.Time) {
			return ErrExpired
		}
		return ErrInvalidSignature
	default:
		return ErrMalformed
	}
}

// Issue はIdentityからアクセストークンを発行する。
// ExpiresAtがゼロ値の場合はttl後を有効期限とする。roleが空の場合はroleクレームを省略する。
func Issue(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	expiresAt := id.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(ttl)
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Username,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID: id.UserID,
		Role:   id.Role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}
