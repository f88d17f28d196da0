package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrPoolExhausted はリースタイムアウト内に空き接続が得られなかったことを表す。
	ErrPoolExhausted = errors.New("接続プールが枯渇しています")
	// ErrPoolClosed はシャットダウン開始後にリースが要求されたことを表す。
	ErrPoolClosed = errors.New("接続プールは停止しています")
)

const (
	// DefaultLeaseTimeout はリース取得の既定タイムアウト。
	DefaultLeaseTimeout = 5 * time.Second
	// DefaultMaxConns は既定の最大接続数。
	DefaultMaxConns = 4
)

// Row は1行の問い合わせ結果。pgx.Rowと*sql.Rowの共通部分。
type Row interface {
	Scan(dest ...any) error
}

// Conn はプールから借りたバックエンド接続。
// 貸し出しを受けたリクエストだけが使用する。
type Conn interface {
	// Exec は結果行を返さない文を実行し、影響行数を返す。
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// QueryRow は1行を返す問い合わせを実行する。
	QueryRow(ctx context.Context, query string, args ...any) Row
}

// Pool は上限付きのバックエンド接続プール。
// 多数のリクエストから同時にLease/Releaseしてよい。
type Pool interface {
	// Lease は接続を1つ借りる。タイムアウト内に借りられなければErrPoolExhaustedを返す。
	Lease(ctx context.Context) (Conn, error)
	// Release は借りた接続を返却する。2回目以降の呼び出しは何もしない。
	Release(conn Conn)
	// Shutdown は新規リースを拒否し、貸出中の接続の返却をctxの期限まで待ってから全接続を閉じる。
	Shutdown(ctx context.Context) error
	// Stats はプールの統計を返す。
	Stats() Stats
}

// Stats はプールの貸し出し統計。
type Stats struct {
	// Active は現在貸出中の接続数。
	Active int64
	// Waiting は接続の空きを待っているリース要求の数。
	Waiting int64
	// Acquired はこれまでに成功したリースの総数。
	Acquired int64
	// Released はこれまでの返却の総数。
	Released int64
	// Exhausted はタイムアウトで失敗したリースの総数。
	Exhausted int64
	// MaxConns はプールの最大接続数。
	MaxConns int
}

// LeaseObserver はリースの発生を観測する。メトリクス収集に使用する。
type LeaseObserver interface {
	// LeaseAcquired はリース成功時に待ち時間とともに呼ばれる。
	LeaseAcquired(wait time.Duration)
	// LeaseFailed はリース失敗時に呼ばれる。exhaustedはタイムアウトによる失敗かどうか。
	LeaseFailed(wait time.Duration, exhausted bool)
	// LeaseReleased は返却時に呼ばれる。
	LeaseReleased()
}

type noopObserver struct{}

func (noopObserver) LeaseAcquired(time.Duration)     {}
func (noopObserver) LeaseFailed(time.Duration, bool) {}
func (noopObserver) LeaseReleased()                  {}

// PoolConfig はプール生成時に固定される接続設定。
type PoolConfig struct {
	// Target は接続先（Postgresの接続文字列、またはdatabase/sqlのDSN）。
	Target string
	// User は接続ユーザー。空の場合はTargetの指定に従う。
	User string
	// Password は接続パスワード。空の場合はTargetの指定に従う。
	Password string
	// MaxConns は最大接続数。
	MaxConns int
	// MinConns は維持する最小接続数。
	MinConns int
	// LeaseTimeout はリース取得の待ち時間の上限。
	LeaseTimeout time.Duration
	// Observer はリースの観測者。nilの場合は何もしない。
	Observer LeaseObserver
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		c.MinConns = 0
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.Observer == nil {
		c.Observer = noopObserver{}
	}
	return c
}

// tracker は貸出中のリース数を追跡し、シャットダウン時の待ち合わせを行う。
type tracker struct {
	mu sync.Mutex
	// inflight は取得待ちと貸出中を合わせたリース数。シャットダウンはこれが0になるまで待つ。
	inflight int64
	closed   bool
	drained  chan struct{}

	leased    atomic.Int64
	acquired  atomic.Int64
	released  atomic.Int64
	exhausted atomic.Int64
}

// begin はリース取得の開始を記録する。停止済みならErrPoolClosedを返す。
func (t *tracker) begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrPoolClosed
	}
	t.inflight++
	return nil
}

// end はリースの終了（返却または取得失敗）を記録する。
func (t *tracker) end() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight--
	if t.closed && t.inflight == 0 && t.drained != nil {
		close(t.drained)
		t.drained = nil
	}
}

// close は新規リースを止め、貸出中のリースがなくなると閉じられるチャネルを返す。
func (t *tracker) close() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.drained != nil {
		return t.drained
	}
	ch := make(chan struct{})
	if t.inflight == 0 {
		close(ch)
	} else {
		t.drained = ch
	}
	return ch
}

// returned は貸出中の接続の返却を記録する。
func (t *tracker) returned() {
	t.leased.Add(-1)
	t.released.Add(1)
	t.end()
}

func (t *tracker) stats(maxConns int) Stats {
	t.mu.Lock()
	inflight := t.inflight
	leased := t.leased.Load()
	t.mu.Unlock()
	return Stats{
		Active:    leased,
		Waiting:   max(inflight-leased, 0),
		Acquired:  t.acquired.Load(),
		Released:  t.released.Load(),
		Exhausted: t.exhausted.Load(),
		MaxConns:  maxConns,
	}
}

// acquire はリースタイムアウト付きでgetを呼び出す共通処理。
// タイムアウトに達し、呼び出し元のctxがまだ有効な場合はErrPoolExhaustedを返す。
func acquire[C any](ctx context.Context, t *tracker, cfg PoolConfig, get func(context.Context) (C, error)) (C, error) {
	var zero C
	if err := t.begin(); err != nil {
		return zero, err
	}

	start := time.Now()
	leaseCtx, cancel := context.WithTimeout(ctx, cfg.LeaseTimeout)
	defer cancel()

	conn, err := get(leaseCtx)
	wait := time.Since(start)
	if err != nil {
		t.end()
		if ctx.Err() == nil && errors.Is(leaseCtx.Err(), context.DeadlineExceeded) {
			t.exhausted.Add(1)
			cfg.Observer.LeaseFailed(wait, true)
			return zero, fmt.Errorf("%w: %s待機しました", ErrPoolExhausted, cfg.LeaseTimeout)
		}
		cfg.Observer.LeaseFailed(wait, false)
		return zero, fmt.Errorf("接続の取得に失敗: %w", err)
	}

	t.leased.Add(1)
	t.acquired.Add(1)
	cfg.Observer.LeaseAcquired(wait)
	return conn, nil
}

// waitDrained はdrainedが閉じるかctxが終了するまで待つ。
func waitDrained(ctx context.Context, drained <-chan struct{}) error {
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("貸出中の接続の返却待ちがタイムアウトしました: %w", ctx.Err())
	}
}
