package classify

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nao1215/sessiongate/internal/backend"
)

// DefaultMarker はバックエンドがセッションの継続不能を示す診断メッセージの先頭。
const DefaultMarker = backend.TerminatedMessage

// DefaultTerminatedCodes はセッション終了を示す構造化エラーコードの既定値。
var DefaultTerminatedCodes = []string{backend.TerminatedCode}

// ErrNoToken はトークンが必要な操作でトークンが指定されなかったことを示す。
var ErrNoToken = errors.New("セッショントークンが指定されていません")

// Kind はエラーの分類。
type Kind int

const (
	// KindUnauthorized はトークンが指定されていないことを示す。
	KindUnauthorized Kind = iota + 1
	// KindSessionTerminated はバックエンドがセッションを継続不能と宣言したことを示す。
	KindSessionTerminated
	// KindBackend はそれ以外のバックエンドの失敗を示す。
	KindBackend
	// KindPoolExhausted はタイムアウト内に接続を借りられなかったことを示す。
	KindPoolExhausted
	// KindNotFound は該当する操作が存在しないことを示す。
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindSessionTerminated:
		return "session_terminated"
	case KindBackend:
		return "backend_error"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// HTTPStatus は分類に対応するHTTPステータスを返す。
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized, KindSessionTerminated:
		return http.StatusUnauthorized
	case KindPoolExhausted:
		return http.StatusServiceUnavailable
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error は分類済みのエラー。
type Error struct {
	// Kind はエラーの分類。
	Kind Kind
	// Message はバックエンドの診断メッセージ。本番モードではクライアントに返さない。
	Message string
	// Cause は分類前のエラー。
	Cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus は分類に対応するHTTPステータスを返す。
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// HasBody はクライアントへの応答に本文を含めてよいかを返す。
// セッション関連の401は常に本文なし、それ以外は本番モードでのみ本文を省く。
func (e *Error) HasBody(production bool) bool {
	switch e.Kind {
	case KindUnauthorized, KindSessionTerminated:
		return false
	case KindNotFound:
		return true
	default:
		return !production
	}
}

// NotFound はパスに該当する操作がないことを示すエラーを生成する。
func NotFound(path string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s は存在しません", path)}
}

// Unauthorized はトークン未指定のエラーを生成する。
func Unauthorized() *Error {
	return &Error{Kind: KindUnauthorized, Cause: ErrNoToken}
}

// Classifier は任意のエラーを分類する。
type Classifier interface {
	Classify(err error) *Error
}

// sqlStater は構造化エラーコードを公開するエラー。
// *pgconn.PgError と *backend.ProcedureError が満たす。
type sqlStater interface {
	SQLState() string
}

// MarkerClassifier は構造化コードとマーカーの先頭一致でセッション終了を判定する。
type MarkerClassifier struct {
	marker string
	codes  map[string]struct{}
}

var _ Classifier = (*MarkerClassifier)(nil)

// New はMarkerClassifierを生成する。markerが空の場合、マーカーによる判定は行わない。
func New(marker string, codes ...string) *MarkerClassifier {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		if c = strings.TrimSpace(c); c != "" {
			set[c] = struct{}{}
		}
	}
	return &MarkerClassifier{marker: marker, codes: set}
}

// NewDefault は既定のマーカーとコードで判定するMarkerClassifierを生成する。
func NewDefault() *MarkerClassifier {
	return New(DefaultMarker, DefaultTerminatedCodes...)
}

// Classify はエラーを分類する。nilにはnilを返す。
func (c *MarkerClassifier) Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, backend.ErrPoolExhausted):
		return &Error{Kind: KindPoolExhausted, Message: err.Error(), Cause: err}
	case errors.Is(err, ErrNoToken):
		return &Error{Kind: KindUnauthorized, Cause: err}
	}

	terminated := false
	walk(err, func(e error) bool {
		if c.terminatedCode(e) || c.hasMarker(e) {
			terminated = true
			return false
		}
		return true
	})
	if terminated {
		return &Error{Kind: KindSessionTerminated, Message: diagnostic(innermost(err)), Cause: err}
	}

	return &Error{Kind: KindBackend, Message: diagnostic(innermost(err)), Cause: err}
}

func (c *MarkerClassifier) terminatedCode(err error) bool {
	if len(c.codes) == 0 {
		return false
	}
	s, ok := err.(sqlStater)
	if !ok {
		return false
	}
	_, hit := c.codes[s.SQLState()]
	return hit
}

func (c *MarkerClassifier) hasMarker(err error) bool {
	if c.marker == "" {
		return false
	}
	return strings.HasPrefix(diagnostic(err), c.marker)
}

// diagnostic はエラーの診断メッセージを返す。
// PgErrorはSQLSTATEなどの装飾を除いたMessageを使う。
func diagnostic(err error) string {
	if pgErr, ok := err.(*pgconn.PgError); ok {
		return pgErr.Message
	}
	return err.Error()
}

// innermost はラップの連鎖をたどり、最も内側のエラーを返す。
func innermost(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// walk はエラーの連鎖を深さ優先でたどる。fnがfalseを返すと打ち切る。
func walk(err error, fn func(error) bool) bool {
	if err == nil {
		return true
	}
	if !fn(err) {
		return false
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return walk(u.Unwrap(), fn)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if !walk(e, fn) {
				return false
			}
		}
	}
	return true
}
