// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、ゼロトラストの境界線として機能する。
// ルートごとにアクセスポリシー（公開、Bearer、管理者、内部キー）を持ち、
// 認証、ロール確認、レート制限、プロキシの順でハンドラーチェーンを組み立てる。
// 内部サービスへのリクエストには常に内部キーを付与し、
// チャットの応答はチャンク単位でクライアントへ中継する。
package gateway
