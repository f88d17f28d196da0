package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/sessiongate/internal/config"
)

// errTokenOutOfRange は探索範囲内でトークンの有無を判定できなかったことを表す。
var errTokenOutOfRange = errors.New("トークンを探索範囲内で判定できませんでした")

// tokenTransport はセッショントークンの受け渡し方法。
type tokenTransport struct {
	inBody bool
	header string
	field  string
	// maxScan は本文からトークンを探す範囲の上限バイト数。
	maxScan int64
}

func newTokenTransport(cfg config.SessionConfig, maxScan int64) tokenTransport {
	return tokenTransport{
		inBody:  cfg.TokenTransport == config.TransportBody,
		header:  cfg.TokenHeader,
		field:   cfg.TokenField,
		maxScan: maxScan,
	}
}

// extract はリクエストからトークンを取り出す。見つからなければ空文字を返す。
// 本文から読む場合は先頭maxScanバイトまでを逐次解析し、読んだ分を残りの本文の前に戻すため、
// 後続のハンドラーには本文全体が渡る。
// 上限に達してもトークンの有無を判定できなければerrTokenOutOfRangeを返す。
func (t tokenTransport) extract(c *gin.Context) (string, error) {
	if !t.inBody {
		return c.GetHeader(t.header), nil
	}
	body := c.Request.Body
	if body == nil || body == http.NoBody {
		return "", nil
	}

	var consumed bytes.Buffer
	limited := &io.LimitedReader{R: body, N: t.maxScan}
	tok, err := t.scan(io.TeeReader(limited, &consumed))
	c.Request.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(&consumed, body), body}

	if err != nil && limited.N <= 0 {
		return "", errTokenOutOfRange
	}
	return tok, nil
}

// scan はJSONオブジェクトの最上位からトークンのフィールドを探す。
// フィールドを読んだ時点で読み込みを止める。
func (t tokenTransport) scan(r io.Reader) (string, error) {
	dec := json.NewDecoder(r)
	if open, err := dec.Token(); err != nil || open != json.Delim('{') {
		return "", err
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return "", err
		}
		if key != t.field {
			if err := skipValue(dec); err != nil {
				return "", err
			}
			continue
		}
		var tok string
		if err := dec.Decode(&tok); err != nil {
			return "", nil
		}
		return tok, nil
	}
	return "", nil
}

// skipValue は値を1つ読み飛ばす。入れ子の配列やオブジェクトは対応する閉じ括弧まで進める。
func skipValue(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch tok {
		case json.Delim('{'), json.Delim('['):
			depth++
		case json.Delim('}'), json.Delim(']'):
			depth--
		}
		if depth == 0 {
			return nil
		}
	}
}

// deliver はログオン成功時のレスポンスにトークンを載せる。
// 本文で受け渡す場合はbodyにフィールドを追加する。
func (t tokenTransport) deliver(c *gin.Context, tok string, body gin.H) {
	if t.inBody {
		body[t.field] = tok
		return
	}
	c.Header(t.header, tok)
}
