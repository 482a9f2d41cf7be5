// Package httpclient はゲートウェイが依存サービスを呼び出すためのHTTPクライアントを提供する。
//
// 認証サービスへのトークン検証呼び出しなど、ゲートウェイ自身が発行する
// サービス間通信のタイムアウトとリクエストIDの伝播を統一する。
package httpclient
