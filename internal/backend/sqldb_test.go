package backend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingObserver はLeaseObserverへの通知を数える。
type recordingObserver struct {
	mu        sync.Mutex
	acquired  int
	exhausted int
	failed    int
	released  int
}

func (o *recordingObserver) LeaseAcquired(time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acquired++
}

func (o *recordingObserver) LeaseFailed(_ time.Duration, exhausted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if exhausted {
		o.exhausted++
		return
	}
	o.failed++
}

func (o *recordingObserver) LeaseReleased() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released++
}

// newTestSQLPool は一時ディレクトリのSQLiteファイルに接続するプールを生成する。
func newTestSQLPool(t *testing.T, maxConns int, timeout time.Duration, obs LeaseObserver) *SQLPool {
	t.Helper()

	pool, err := OpenSQL(context.Background(), "sqlite", PoolConfig{
		Target:       filepath.Join(t.TempDir(), "backend.db"),
		MaxConns:     maxConns,
		LeaseTimeout: timeout,
		Observer:     obs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool
}

// TestSQLPoolLease はリース取得とタイムアウトを検証する。
func TestSQLPoolLease(t *testing.T) {
	t.Parallel()

	t.Run("枯渇したプールはタイムアウト後にErrPoolExhaustedを返すこと", func(t *testing.T) {
		t.Parallel()

		obs := &recordingObserver{}
		pool := newTestSQLPool(t, 1, 100*time.Millisecond, obs)

		held, err := pool.Lease(context.Background())
		require.NoError(t, err)
		defer pool.Release(held)

		start := time.Now()
		_, err = pool.Lease(context.Background())
		elapsed := time.Since(start)

		require.ErrorIs(t, err, ErrPoolExhausted)
		assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
		assert.Less(t, elapsed, 2*time.Second)
		assert.Equal(t, int64(1), pool.Stats().Exhausted)
		assert.Equal(t, 1, obs.exhausted)
		assert.Equal(t, 1, obs.acquired)
	})

	t.Run("呼び出し元のキャンセルは枯渇として扱わないこと", func(t *testing.T) {
		t.Parallel()

		pool := newTestSQLPool(t, 1, time.Second, nil)

		held, err := pool.Lease(context.Background())
		require.NoError(t, err)
		defer pool.Release(held)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = pool.Lease(ctx)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrPoolExhausted))
		assert.Zero(t, pool.Stats().Exhausted)
	})

	t.Run("返却後は再びリースできること", func(t *testing.T) {
		t.Parallel()

		pool := newTestSQLPool(t, 1, 100*time.Millisecond, nil)

		conn, err := pool.Lease(context.Background())
		require.NoError(t, err)
		pool.Release(conn)

		conn, err = pool.Lease(context.Background())
		require.NoError(t, err)
		pool.Release(conn)

		stats := pool.Stats()
		assert.Equal(t, int64(2), stats.Acquired)
		assert.Equal(t, int64(2), stats.Released)
		assert.Zero(t, stats.Active)
	})

	t.Run("二重返却は無視されること", func(t *testing.T) {
		t.Parallel()

		obs := &recordingObserver{}
		pool := newTestSQLPool(t, 2, 100*time.Millisecond, obs)

		conn, err := pool.Lease(context.Background())
		require.NoError(t, err)
		pool.Release(conn)
		pool.Release(conn)

		assert.Equal(t, int64(1), pool.Stats().Released)
		assert.Zero(t, pool.Stats().Active)
		assert.Equal(t, 1, obs.released)
	})

	t.Run("取得待ちのリースは貸出中に数えないこと", func(t *testing.T) {
		t.Parallel()

		pool := newTestSQLPool(t, 1, 2*time.Second, nil)

		held, err := pool.Lease(context.Background())
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			conn, err := pool.Lease(context.Background())
			if err == nil {
				pool.Release(conn)
			}
			done <- err
		}()

		require.Eventually(t, func() bool { return pool.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, int64(1), pool.Stats().Active)

		pool.Release(held)
		require.NoError(t, <-done)
		stats := pool.Stats()
		assert.Zero(t, stats.Active)
		assert.Zero(t, stats.Waiting)
	})

	t.Run("借りた接続で文を実行できること", func(t *testing.T) {
		t.Parallel()

		pool := newTestSQLPool(t, 1, time.Second, nil)
		ctx := context.Background()

		conn, err := pool.Lease(ctx)
		require.NoError(t, err)
		defer pool.Release(conn)

		_, err = conn.Exec(ctx, "CREATE TABLE t (v INTEGER)")
		require.NoError(t, err)
		n, err := conn.Exec(ctx, "INSERT INTO t (v) VALUES (1), (2)")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		var sum int
		require.NoError(t, conn.QueryRow(ctx, "SELECT SUM(v) FROM t").Scan(&sum))
		assert.Equal(t, 3, sum)
	})
}

// TestSQLPoolShutdown はシャットダウン時の待ち合わせを検証する。
func TestSQLPoolShutdown(t *testing.T) {
	t.Parallel()

	t.Run("貸出中の接続が返却されるまで待つこと", func(t *testing.T) {
		t.Parallel()

		pool := newTestSQLPool(t, 1, time.Second, nil)
		conn, err := pool.Lease(context.Background())
		require.NoError(t, err)

		go func() {
			time.Sleep(50 * time.Millisecond)
			pool.Release(conn)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, pool.Shutdown(ctx))
	})

	t.Run("待ち時間の上限を超えた場合はエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		pool := newTestSQLPool(t, 1, time.Second, nil)
		conn, err := pool.Lease(context.Background())
		require.NoError(t, err)
		defer pool.Release(conn)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err = pool.Shutdown(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("停止後のリースはErrPoolClosedになること", func(t *testing.T) {
		t.Parallel()

		pool := newTestSQLPool(t, 1, time.Second, nil)
		require.NoError(t, pool.Shutdown(context.Background()))

		_, err := pool.Lease(context.Background())
		require.ErrorIs(t, err, ErrPoolClosed)
	})
}

var errRowsAffected = errors.New("影響行数は取得できません")

// noRowsDriver は影響行数の取得に失敗する結果を返すdatabase/sqlドライバ。
type noRowsDriver struct{}

func (noRowsDriver) Open(string) (driver.Conn, error) { return noRowsConn{}, nil }

type noRowsConn struct{}

func (noRowsConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("未サポート")
}
func (noRowsConn) Close() error              { return nil }
func (noRowsConn) Begin() (driver.Tx, error) { return nil, errors.New("未サポート") }
func (noRowsConn) ExecContext(context.Context, string, []driver.NamedValue) (driver.Result, error) {
	return noRowsResult{}, nil
}

type noRowsResult struct{}

func (noRowsResult) LastInsertId() (int64, error) { return 0, nil }
func (noRowsResult) RowsAffected() (int64, error) { return 0, errRowsAffected }

func init() {
	sql.Register("sessiongate-norows", noRowsDriver{})
}

// TestSQLConnExec はExecのエラー伝播を検証する。
func TestSQLConnExec(t *testing.T) {
	t.Parallel()

	t.Run("影響行数の取得失敗はエラーとして返すこと", func(t *testing.T) {
		t.Parallel()

		pool, err := OpenSQL(context.Background(), "sessiongate-norows", PoolConfig{MaxConns: 1, LeaseTimeout: time.Second})
		require.NoError(t, err)
		t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

		conn, err := pool.Lease(context.Background())
		require.NoError(t, err)
		defer pool.Release(conn)

		n, err := conn.Exec(context.Background(), "DELETE FROM sessions")
		require.ErrorIs(t, err, errRowsAffected)
		assert.Zero(t, n)
	})
}
