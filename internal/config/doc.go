// Package config はGatewayの設定を環境変数から読み込む。
//
// 設定は起動時に一度だけ読み込み、Serverに注入する。
// リクエスト処理中に環境変数を参照することはない。
package config
