package backend

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool はpgxpoolによるPostgresバックエンドの接続プール。
type PgxPool struct {
	// pool は内部で使用するpgxのプール。
	pool *pgxpool.Pool
	// cfg はプール設定。
	cfg PoolConfig
	// tracker は貸出中リースの追跡。
	tracker tracker
}

var _ Pool = (*PgxPool)(nil)

// OpenPostgres はPostgresへの接続プールを生成し、疎通を確認する。
// バックエンドに到達できない場合はエラーを返す。
func OpenPostgres(ctx context.Context, cfg PoolConfig) (*PgxPool, error) {
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("接続先の解析に失敗: %w", err)
	}
	if cfg.User != "" {
		poolCfg.ConnConfig.User = cfg.User
	}
	if cfg.Password != "" {
		poolCfg.ConnConfig.Password = cfg.Password
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("接続プールの生成に失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("バックエンドへの疎通確認に失敗: %w", err)
	}

	return &PgxPool{pool: pool, cfg: cfg}, nil
}

// Lease は接続を1つ借りる。
func (p *PgxPool) Lease(ctx context.Context) (Conn, error) {
	conn, err := acquire(ctx, &p.tracker, p.cfg, p.pool.Acquire)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

// Release は借りた接続をプールに返却する。
func (p *PgxPool) Release(conn Conn) {
	c, ok := conn.(*pgxConn)
	if !ok || !c.released.CompareAndSwap(false, true) {
		return
	}
	c.conn.Release()
	p.tracker.returned()
	p.cfg.Observer.LeaseReleased()
}

// Shutdown は貸出中の接続の返却を待ってからプールを閉じる。
// ctxの期限までに返却されなかった場合もプールは閉じ、エラーを返す。
func (p *PgxPool) Shutdown(ctx context.Context) error {
	waitErr := waitDrained(ctx, p.tracker.close())
	if waitErr != nil {
		// pgxpool.Closeは貸出中の接続の返却を待つため、ここでは待たずにバックグラウンドで閉じる。
		go p.pool.Close()
		return waitErr
	}
	p.pool.Close()
	return nil
}

// Stats はプールの統計を返す。
func (p *PgxPool) Stats() Stats {
	return p.tracker.stats(p.cfg.MaxConns)
}

// pgxConn はpgxpool.ConnをConnとして扱うためのアダプタ。
type pgxConn struct {
	conn     *pgxpool.Conn
	released atomic.Bool
}

func (c *pgxConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) QueryRow(ctx context.Context, query string, args ...any) Row {
	return c.conn.QueryRow(ctx, query, args...)
}
