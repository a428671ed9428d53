// Package token は署名付きアクセストークン（HS256 JWT）の発行と検証を提供する。
//
// 認証サービスが発行したトークンをGatewayが検証し、ユーザー名・ユーザーID・
// ロールからなるIdentityを取り出す。検証は秘密鍵とトークン文字列のみに依存する
// 純粋な処理であり、外部I/Oを行わない。
package token
