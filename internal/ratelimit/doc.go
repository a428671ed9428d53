// Package ratelimit は呼び出し元ごとのリクエスト数を制限するアドミッション制御を提供する。
//
// カウンターはRedisに置き、すべてのGatewayインスタンスで共有する。
// キーは "ratelimit:<ルートクラス>:<識別子>" の形式で、ウィンドウ長をTTLとする。
// 1回の判定はサーバー側スクリプトで INCR とTTL設定を原子的に行うため、
// 複数インスタンスから同時に呼ばれても上限を超えて許可されることはない。
package ratelimit
