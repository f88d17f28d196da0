package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// testRequest はテストサーバーが受け取ったリクエスト情報を保持する構造体。
type testRequest struct {
	// Method はHTTPメソッド。
	Method string
	// Path はリクエストパス。
	Path string
	// Query はクエリ文字列。
	Query string
	// Body はリクエストボディ。
	Body []byte
	// Headers はリクエストヘッダー。
	Headers http.Header
}

func newRecordingServer(t *testing.T, received *testRequest) *httptest.Server {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Method = r.Method
		received.Path = r.URL.Path
		received.Query = r.URL.RawQuery
		received.Body, _ = io.ReadAll(r.Body)
		received.Headers = r.Header

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "reports")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

// TestNew はNew関数を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("クライアントが正常に生成されること", func(t *testing.T) {
		t.Parallel()

		client, err := New("http://localhost:8080/base", 0)
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		if client.BaseURL() != "http://localhost:8080/base" {
			t.Errorf("BaseURL() = %q, want %q", client.BaseURL(), "http://localhost:8080/base")
		}
		if client.httpClient.Timeout != DefaultTimeout {
			t.Errorf("Timeout = %v, want %v", client.httpClient.Timeout, DefaultTimeout)
		}
	})

	t.Run("スキームの無いURLはエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := New("localhost:8080", 0); err == nil {
			t.Error("スキームの無いURLでエラーが返るべき")
		}
	})
}

// TestForward はForward関数を検証する。
func TestForward(t *testing.T) {
	t.Parallel()

	t.Run("メソッド・パス・クエリ・本文・ヘッダーが転送されること", func(t *testing.T) {
		t.Parallel()

		var received testRequest
		ts := newRecordingServer(t, &received)

		client, err := New(ts.URL+"/v1/", 0)
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}

		header := http.Header{}
		header.Set("X-Session-Id", "abc")
		header.Set("Connection", "keep-alive")
		header.Set("Content-Type", "application/json")

		resp, err := client.Forward(context.Background(), http.MethodPost, "/reports/1", "year=2024", header, strings.NewReader(`{"a":1}`))
		if err != nil {
			t.Fatalf("Forward()でエラーが発生: %v", err)
		}
		defer resp.Body.Close()

		if received.Method != http.MethodPost {
			t.Errorf("Method = %q, want %q", received.Method, http.MethodPost)
		}
		if received.Path != "/v1/reports/1" {
			t.Errorf("Path = %q, want %q", received.Path, "/v1/reports/1")
		}
		if received.Query != "year=2024" {
			t.Errorf("Query = %q, want %q", received.Query, "year=2024")
		}
		if string(received.Body) != `{"a":1}` {
			t.Errorf("Body = %q, want %q", received.Body, `{"a":1}`)
		}
		if received.Headers.Get("X-Session-Id") != "abc" {
			t.Errorf("X-Session-Id = %q, want %q", received.Headers.Get("X-Session-Id"), "abc")
		}
		if resp.StatusCode != http.StatusCreated {
			t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusCreated)
		}
	})

	t.Run("接続できない場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()

		client, err := New(url, 0)
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		if _, err := client.Forward(context.Background(), http.MethodGet, "/", "", nil, nil); err == nil {
			t.Error("接続できない場合にエラーが返るべき")
		}
	})
}

// TestCopyResponse はCopyResponse関数を検証する。
func TestCopyResponse(t *testing.T) {
	t.Parallel()

	var received testRequest
	ts := newRecordingServer(t, &received)

	client, err := New(ts.URL, 0)
	if err != nil {
		t.Fatalf("New()でエラーが発生: %v", err)
	}
	resp, err := client.Forward(context.Background(), http.MethodGet, "/", "", nil, nil)
	if err != nil {
		t.Fatalf("Forward()でエラーが発生: %v", err)
	}

	w := httptest.NewRecorder()
	if err := CopyResponse(w, resp); err != nil {
		t.Fatalf("CopyResponse()でエラーが発生: %v", err)
	}

	if w.Code != http.StatusCreated {
		t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusCreated)
	}
	if w.Header().Get("X-Upstream") != "reports" {
		t.Errorf("X-Upstream = %q, want %q", w.Header().Get("X-Upstream"), "reports")
	}
	if w.Body.String() != `{"ok":true}` {
		t.Errorf("Body = %q, want %q", w.Body.String(), `{"ok":true}`)
	}
}
