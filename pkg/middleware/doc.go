// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerトークンの検証とロール判定、サービス間通信用の内部キー検証、
// リクエストIDの付与、パニックリカバリ、CORS設定を含む。
// 内部キー検証（InternalAuth）はGatewayだけでなく、すべての内部サービスの
// 入口で使用することを想定している。
package middleware
