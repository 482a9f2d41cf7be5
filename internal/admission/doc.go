// Package admission は呼び出し元と操作クラスごとの固定ウィンドウ方式のレート制限を提供する。
//
// カウンターはStoreインターフェースの背後に置かれ、単一プロセス向けのMemoryStore、
// 複数のゲートウェイで共有するRedisStore、同一ホスト上のプロセスで共有するSQLiteStoreを
// 差し替えられる。どのStoreでも計数アルゴリズムは同じ。
//
// 認証前のトラフィックはIPアドレス単位、認証後のトラフィックはユーザーID単位の
// 別々のプールで数える。
package admission
