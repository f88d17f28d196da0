package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID はリクエストIDを伝播するHTTPヘッダー。
const HeaderRequestID = "X-Request-ID"

// maxRequestIDLen はクライアントから受け取るリクエストIDの最大長。
const maxRequestIDLen = 128

// RequestID はリクエストごとにIDを割り当てるGinミドルウェアを返す。
// クライアントが X-Request-ID を送った場合はそれを引き継ぐ。
// IDはレスポンスヘッダーとリクエストのcontextに設定され、ログに出力される。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}

		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// GetRequestID はリクエストのcontextからリクエストIDを取得する。
func GetRequestID(c *gin.Context) string {
	return RequestIDFromContext(c.Request.Context())
}

type requestIDKey struct{}

// WithRequestID はcontextにリクエストIDを設定する。
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext はcontextからリクエストIDを取り出す。未設定なら空文字を返す。
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
