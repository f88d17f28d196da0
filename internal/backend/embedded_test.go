package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEmbedded は組織と利用者を登録済みの組み込みバックエンドを生成する。
func newTestEmbedded(t *testing.T) (*SQLPool, *Embedded) {
	t.Helper()

	ctx := context.Background()
	pool := newTestSQLPool(t, 2, time.Second, nil)
	emb, err := NewEmbedded(ctx, pool.DB(), time.Minute)
	require.NoError(t, err)
	require.NoError(t, emb.Seed(ctx, pool.DB(),
		[]Company{{ID: 42, Code: "MAIN", Schema: "PARUS"}, {ID: 7, Code: "OTHER", Schema: "ARCHIVE"}},
		[]Utilizer{{Name: "alice", Password: "secret"}},
	))
	return pool, emb
}

func logonParams(token string) LogonParams {
	client := "test-agent"
	return LogonParams{
		Token:            token,
		Utilizer:         "alice",
		Password:         "secret",
		Application:      "WebApp",
		Company:          "MAIN",
		Language:         "RUSSIAN",
		ClientDescriptor: &client,
	}
}

func logon(ctx context.Context, pool Pool, emb *Embedded, schema string, params LogonParams) (int64, error) {
	return WithLease(ctx, pool, emb, schema, func(ctx context.Context, conn Conn) (int64, error) {
		if err := emb.Logon(ctx, conn, params); err != nil {
			return 0, err
		}
		return emb.CompanyID(ctx, conn, params.Token)
	})
}

func call(ctx context.Context, pool Pool, emb *Embedded, fn func(context.Context, Conn, string) error, token string) error {
	_, err := WithLease(ctx, pool, emb, "PARUS", func(ctx context.Context, conn Conn) (struct{}, error) {
		return struct{}{}, fn(ctx, conn, token)
	})
	return err
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()

	var pe *ProcedureError
	require.True(t, errors.As(err, &pe), "ProcedureErrorではありません: %v", err)
	assert.Equal(t, code, pe.Code)
}

// TestEmbeddedSessionLifecycle はログオンからログオフまでの状態遷移を検証する。
func TestEmbeddedSessionLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("ログオン後に検証でき、ログオフ後は終了扱いになること", func(t *testing.T) {
		t.Parallel()

		pool, emb := newTestEmbedded(t)

		companyID, err := logon(ctx, pool, emb, "PARUS", logonParams("tok-1"))
		require.NoError(t, err)
		assert.Equal(t, int64(42), companyID)

		require.NoError(t, call(ctx, pool, emb, emb.Validate, "tok-1"))
		require.NoError(t, call(ctx, pool, emb, emb.Logoff, "tok-1"))

		err = call(ctx, pool, emb, emb.Validate, "tok-1")
		requireCode(t, err, TerminatedCode)
		assert.Contains(t, err.Error(), TerminatedMessage)

		requireCode(t, call(ctx, pool, emb, emb.Logoff, "tok-1"), TerminatedCode)
		assert.Zero(t, pool.Stats().Active)
	})

	t.Run("未知のトークンは終了扱いになること", func(t *testing.T) {
		t.Parallel()

		pool, emb := newTestEmbedded(t)
		requireCode(t, call(ctx, pool, emb, emb.Validate, "unknown"), TerminatedCode)
	})

	t.Run("アイドル期限を過ぎたセッションは終了扱いになること", func(t *testing.T) {
		t.Parallel()

		pool, emb := newTestEmbedded(t)
		base := time.Now()
		emb.now = func() time.Time { return base }

		_, err := logon(ctx, pool, emb, "PARUS", logonParams("tok-idle"))
		require.NoError(t, err)

		emb.now = func() time.Time { return base.Add(2 * time.Minute) }
		requireCode(t, call(ctx, pool, emb, emb.Validate, "tok-idle"), TerminatedCode)
	})
}

// TestEmbeddedLogonFailures はログオン失敗時のエラーコードを検証する。
func TestEmbeddedLogonFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("パスワードが誤っている場合は認証エラーになること", func(t *testing.T) {
		t.Parallel()

		pool, emb := newTestEmbedded(t)
		params := logonParams("tok-2")
		params.Password = "wrong"

		_, err := logon(ctx, pool, emb, "PARUS", params)
		requireCode(t, err, codeInvalidCredentials)
	})

	t.Run("未登録の利用者は認証エラーになること", func(t *testing.T) {
		t.Parallel()

		pool, emb := newTestEmbedded(t)
		params := logonParams("tok-3")
		params.Utilizer = "mallory"

		_, err := logon(ctx, pool, emb, "PARUS", params)
		requireCode(t, err, codeInvalidCredentials)
	})

	t.Run("組織が別スキーマに属する場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		pool, emb := newTestEmbedded(t)
		_, err := logon(ctx, pool, emb, "ARCHIVE", logonParams("tok-4"))
		requireCode(t, err, codeSchemaMismatch)
	})

	t.Run("存在しないスキーマは適用できないこと", func(t *testing.T) {
		t.Parallel()

		pool, emb := newTestEmbedded(t)
		_, err := logon(ctx, pool, emb, "NOWHERE", logonParams("tok-5"))
		requireCode(t, err, codeUnknownSchema)
	})

	t.Run("スキーマ未適用の接続ではログオンできないこと", func(t *testing.T) {
		t.Parallel()

		pool, emb := newTestEmbedded(t)
		conn, err := pool.Lease(ctx)
		require.NoError(t, err)
		defer pool.Release(conn)

		requireCode(t, emb.Logon(ctx, conn, logonParams("tok-6")), codeNoSchemaContext)
	})
}
