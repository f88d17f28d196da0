package backend

import (
	"context"
	"fmt"
)

// SchemaApplier はリース直後の接続にスキーマコンテキストを適用する。
type SchemaApplier interface {
	ApplySchema(ctx context.Context, conn Conn, schema string) error
}

// WithLease はプールから接続を1つ借り、スキーマコンテキストを適用してからfnを呼び出す。
//
// 接続はfnの正常終了・エラー・panic・キャンセルのいずれの経路でも、
// 結果が呼び出し元へ返る前にちょうど1回返却される。
// スキーマの適用は常に同じ接続上の業務呼び出しより先に行われる。
func WithLease[T any](ctx context.Context, pool Pool, applier SchemaApplier, schema string, fn func(context.Context, Conn) (T, error)) (T, error) {
	var zero T

	conn, err := pool.Lease(ctx)
	if err != nil {
		return zero, err
	}
	defer pool.Release(conn)

	if err := applier.ApplySchema(ctx, conn, schema); err != nil {
		return zero, fmt.Errorf("スキーマコンテキストの適用に失敗: %w", err)
	}
	return fn(ctx, conn)
}
