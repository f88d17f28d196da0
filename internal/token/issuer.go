package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	// DefaultByteLen はトークンの既定バイト長。
	DefaultByteLen = 24
	// MinByteLen は許容する最小バイト長。
	MinByteLen = 16
	// MaxByteLen は許容する最大バイト長。
	MaxByteLen = 64
)

// Issuer は不透明なセッショントークンを発行する。
// 複数のgoroutineから同時に呼び出してよい。
type Issuer struct {
	// byteLen は乱数バイト列の長さ。
	byteLen int
	// entropy は乱数源。通常はcrypto/rand.Reader。
	entropy io.Reader
}

// NewIssuer は指定バイト長のトークンを発行するIssuerを生成する。
func NewIssuer(byteLen int) (*Issuer, error) {
	if byteLen < MinByteLen || byteLen > MaxByteLen {
		return nil, fmt.Errorf("トークン長は%d〜%dバイトで指定してください: %d", MinByteLen, MaxByteLen, byteLen)
	}
	return &Issuer{byteLen: byteLen, entropy: rand.Reader}, nil
}

// Issue は新しいトークンを発行する。
// 乱数源の読み取りに失敗した場合は回復不能としてpanicする。
func (i *Issuer) Issue() string {
	buf := make([]byte, i.byteLen)
	if _, err := io.ReadFull(i.entropy, buf); err != nil {
		panic(fmt.Sprintf("乱数源からの読み取りに失敗: %v", err))
	}
	return hex.EncodeToString(buf)
}

// HexLen は発行されるトークンの文字数を返す。
func (i *Issuer) HexLen() int {
	return hex.EncodedLen(i.byteLen)
}
