// Package httpclient はゲートウェイから上流サービスへリクエストを転送するHTTPクライアントを提供する。
//
// 認証済みのリクエストをメソッド・パス・クエリ・本文を保ったまま転送先へ送り、
// 接続ごとのヘッダー（hop-by-hop）は取り除く。
package httpclient
