// Package httpclient はGatewayから内部サービスへのHTTP通信を行うクライアントを提供する。
//
// すべてのリクエストに内部キー（X-Internal-Key）を付与する。
// レスポンス全体を読み取ってから返すForwardと、上流のレスポンスを
// チャンク単位でチャネルに流すStreamの2種類の呼び出し方を持つ。
package httpclient
