package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout は転送リクエストの既定のタイムアウト。
const DefaultTimeout = 30 * time.Second

// hopByHopHeaders は転送時に取り除くヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client は上流サービスへの転送用HTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は転送先サービスのベースURL。
	baseURL *url.URL
}

// New は新しい転送用HTTPクライアントを生成する。
// baseURLには転送先サービスのベースURL（例: "http://reports:8080"）を指定する。
// timeoutが0以下の場合はDefaultTimeoutを使う。
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("転送先URLの解析に失敗: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("転送先URLにスキームまたはホストがありません: %q", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: u,
	}, nil
}

// BaseURL は転送先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Forward はリクエストを転送先のpathへ送信し、レスポンスをそのまま返す。
// 呼び出し側はレスポンスボディを閉じる必要がある。
func (c *Client) Forward(ctx context.Context, method, path, rawQuery string, header http.Header, body io.Reader) (*http.Response, error) {
	target := *c.baseURL
	target.Path = strings.TrimSuffix(c.baseURL.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	target.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}

	req.Header = header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for _, h := range hopByHopHeaders {
		req.Header.Del(h)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	return resp, nil
}

// CopyResponse は転送先のレスポンスをwへ書き出す。hop-by-hopヘッダーは除く。
func CopyResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopByHopHeaders {
		w.Header().Del(h)
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("レスポンスボディの転送に失敗: %w", err)
	}
	return nil
}
