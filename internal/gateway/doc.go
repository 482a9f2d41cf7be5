// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、テナント境界の入口として機能する。
// リクエストは次の順に処理される。
//
//  1. IPアドレス単位のレート制限
//  2. 身元解決（認証サービス、不達時はローカル検証）
//  3. ユーザー単位・操作クラス単位のレート制限
//  4. 内部サービスへの転送（テナントヘッダーとゲートウェイ署名を付与）
//
// 転送失敗は安定したエラーコードのエンベロープに変換してクライアントへ返す。
package gateway
