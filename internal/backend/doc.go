// Package backend はセッション状態を保持するトランザクショナルなバックエンドへの
// 接続プールと、プールから借りた接続上で実行するセッションプロシージャを提供する。
//
// 主な構成要素:
//   - Pool: 上限付きの接続プール（pgxpoolまたはdatabase/sql）
//   - WithLease: 1リクエスト分の接続貸し出しと、全経路での確実な返却
//   - Procedures: スキーマコンテキストの適用とログオン/検証/ログオフ呼び出し
//   - Embedded: 開発・テスト用のSQLiteによるセッションパッケージのエミュレーション
//
// プールはプロセスのエントリポイントが明示的に生成・停止する。
// パッケージレベルの共有状態は持たない。
package backend
