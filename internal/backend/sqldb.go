package backend

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
)

// SQLPool はdatabase/sqlの接続プールをPoolとして扱う。
// 組み込みバックエンド（SQLite）で使用する。
type SQLPool struct {
	// db は内部で使用するdatabase/sqlのプール。
	db *sql.DB
	// cfg はプール設定。
	cfg PoolConfig
	// tracker は貸出中リースの追跡。
	tracker tracker
}

var _ Pool = (*SQLPool)(nil)

// OpenSQL は指定ドライバで接続プールを生成し、疎通を確認する。
func OpenSQL(ctx context.Context, driver string, cfg PoolConfig) (*SQLPool, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open(driver, cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("バックエンドへの疎通確認に失敗: %w", err)
	}

	return &SQLPool{db: db, cfg: cfg}, nil
}

// DB は内部の*sql.DBを返す。マイグレーション等の初期化処理で使用する。
func (p *SQLPool) DB() *sql.DB {
	return p.db
}

// Lease は接続を1つ借りる。
func (p *SQLPool) Lease(ctx context.Context) (Conn, error) {
	conn, err := acquire(ctx, &p.tracker, p.cfg, p.db.Conn)
	if err != nil {
		return nil, err
	}
	return &sqlConn{conn: conn}, nil
}

// Release は借りた接続をプールに返却する。
func (p *SQLPool) Release(conn Conn) {
	c, ok := conn.(*sqlConn)
	if !ok || !c.released.CompareAndSwap(false, true) {
		return
	}
	// *sql.Conn.Closeは接続を閉じずにプールへ戻す
	_ = c.conn.Close()
	p.tracker.returned()
	p.cfg.Observer.LeaseReleased()
}

// Shutdown は貸出中の接続の返却を待ってからプールを閉じる。
func (p *SQLPool) Shutdown(ctx context.Context) error {
	waitErr := waitDrained(ctx, p.tracker.close())
	closeErr := p.db.Close()
	if waitErr != nil {
		return waitErr
	}
	if closeErr != nil {
		return fmt.Errorf("接続プールのクローズに失敗: %w", closeErr)
	}
	return nil
}

// Stats はプールの統計を返す。
func (p *SQLPool) Stats() Stats {
	return p.tracker.stats(p.cfg.MaxConns)
}

// sqlConn は*sql.ConnをConnとして扱うためのアダプタ。
type sqlConn struct {
	conn     *sql.Conn
	released atomic.Bool
}

func (c *sqlConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("影響行数の取得に失敗: %w", err)
	}
	return n, nil
}

func (c *sqlConn) QueryRow(ctx context.Context, query string, args ...any) Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}
