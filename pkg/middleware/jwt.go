package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderAssertion は上流サービスへアサーションJWTを渡すHTTPヘッダー。
const HeaderAssertion = "X-Gateway-Assertion"

// assertionIssuer はアサーションJWTの発行者。
const assertionIssuer = "sessiongate"

// AssertionTTL はアサーションJWTの有効期間。
const AssertionTTL = time.Minute

// AssertionClaims はゲートウェイが上流サービスに渡すJWTのクレーム。
// セッションを検証済みであることと、そのリクエストIDを伝える。
type AssertionClaims struct {
	jwt.RegisteredClaims
	// RequestID はゲートウェイが割り当てたリクエストID。
	RequestID string `json:"request_id,omitempty"`
}

// GenerateAssertion は検証済みセッションに対するアサーションJWTを生成する。
// subjectにはトークンそのものではなく、上流で相関に使う識別子を渡す。
func GenerateAssertion(secret, subject, requestID string) (string, error) {
	now := time.Now()
	claims := AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(AssertionTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    assertionIssuer,
			Subject:   subject,
		},
		RequestID: requestID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("アサーションJWTの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseAssertion はアサーションJWTを検証してクレームを返す。
// HS256以外の署名方式、発行者の不一致、期限切れはエラーになる。
func ParseAssertion(secret, tokenString string) (*AssertionClaims, error) {
	claims := &AssertionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(assertionIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("アサーションJWTが無効です: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("アサーションJWTが無効です")
	}
	return claims, nil
}
