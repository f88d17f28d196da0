package token

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingReader は常にエラーを返す乱数源。
type failingReader struct{}

func (failingReader) Read(_ []byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

// TestNewIssuer はNewIssuerの引数検証を確認する。
func TestNewIssuer(t *testing.T) {
	t.Parallel()

	t.Run("許容範囲内のバイト長で生成できること", func(t *testing.T) {
		t.Parallel()

		for _, n := range []int{MinByteLen, DefaultByteLen, 48, MaxByteLen} {
			issuer, err := NewIssuer(n)
			require.NoError(t, err)
			assert.Equal(t, n*2, issuer.HexLen())
		}
	})

	t.Run("範囲外のバイト長はエラーになること", func(t *testing.T) {
		t.Parallel()

		for _, n := range []int{0, MinByteLen - 1, MaxByteLen + 1} {
			_, err := NewIssuer(n)
			assert.Error(t, err, "byteLen=%d", n)
		}
	})
}

// TestIssue はトークンの形式と一意性を検証する。
func TestIssue(t *testing.T) {
	t.Parallel()

	t.Run("N回発行したトークンがすべて異なり設定長の16進文字列であること", func(t *testing.T) {
		t.Parallel()

		issuer, err := NewIssuer(DefaultByteLen)
		require.NoError(t, err)

		const n = 1000
		seen := make(map[string]struct{}, n)
		for range n {
			tok := issuer.Issue()
			require.Len(t, tok, issuer.HexLen())
			_, err := hex.DecodeString(tok)
			require.NoError(t, err)
			_, dup := seen[tok]
			require.False(t, dup, "重複したトークン: %s", tok)
			seen[tok] = struct{}{}
		}
	})

	t.Run("乱数源が失敗した場合はpanicすること", func(t *testing.T) {
		t.Parallel()

		issuer := &Issuer{byteLen: DefaultByteLen, entropy: failingReader{}}
		assert.Panics(t, func() { _ = issuer.Issue() })
	})
}
