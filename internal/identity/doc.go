// Package identity は呼び出し元の身元解決を提供する。
//
// 解決は2段階で行う。
//
//  1. Resolver: 認証サービスにトークンを問い合わせ、応答をPrincipalに正規化する。
//  2. Fallback: 認証サービスに到達できない場合に限り、ローカル鍵でJWTを検証する。
//
// 認証サービスが明示的に401を返したトークンはローカルで再検証しない。
// 認証成功時のPrincipalはセッションキャッシュに短時間保存され、
// フォールバック時に認証サービス由来の属性（権限など）を補うために使われる。
package identity
