// Package session はログオン・検証・ログオフの3つのセッション操作を提供する。
//
// セッションの状態はすべてバックエンドが保持し、このパッケージはメモリ上に何も持たない。
// 各操作はプールから接続を1つ借り、スキーマコンテキストを適用してからバックエンドの
// セッションプロシージャを呼び出し、失敗はclassifyパッケージで分類して返す。
package session
