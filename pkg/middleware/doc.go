// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// リクエストIDの採番とリクエスト単位のロガー、アクセスログ、パニックリカバリ、
// CORS設定、エラーエンベロープの書き込みを含む。内部サービス向けには
// ゲートウェイ署名を検証してからテナントヘッダーを信頼するGatewayTrustを提供する。
package middleware
