// Package gateway はセッションゲートウェイのHTTPサーバーを提供する。
//
// ログオン・検証・ログオフのエンドポイントを公開し、セッショントークンを
// ヘッダーまたはJSON本文で受け渡す。認証が必要なルートはバックエンドで
// セッションを検証してから処理し、設定された上流サービスへ転送することもできる。
// 分類済みのエラーはすべて respondError を通してクライアントへ返す。
package gateway
