// Package classify はバックエンドの失敗を分類し、クライアントに見せる結果へ対応付ける。
//
// 分類は Unauthorized・SessionTerminated・BackendError・PoolExhausted・NotFound の
// 5種類に限られる。セッション終了の判定は構造化されたエラーコードを優先し、
// コードを持たないエラーには診断メッセージの先頭一致（マーカー）で判定する。
package classify
