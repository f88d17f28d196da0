// Package config はゲートウェイの設定を読み込む。
//
// 読み込み順は既定値、YAMLファイル、環境変数の順で、後のものが優先される。
// 環境変数は GATEWAY_ を接頭辞とし、階層の区切りに "__" を使う
// （例: GATEWAY_BACKEND__MAX_CONNS=8）。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nao1215/sessiongate/internal/backend"
	"github.com/nao1215/sessiongate/internal/classify"
	"github.com/nao1215/sessiongate/internal/token"
)

// EnvPrefix は環境変数の接頭辞。
const EnvPrefix = "GATEWAY_"

// 動作モード。
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// トークンの受け渡し方法。
const (
	TransportHeader = "header"
	TransportBody   = "body"
)

// バックエンドのドライバ。
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config はゲートウェイ全体の設定。
type Config struct {
	// Mode は development または production。productionではエラー本文を返さない。
	Mode       string           `koanf:"mode"`
	HTTP       HTTPConfig       `koanf:"http"`
	Session    SessionConfig    `koanf:"session"`
	Backend    BackendConfig    `koanf:"backend"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Log        LogConfig        `koanf:"log"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	// Upstreams は認証済みリクエストの転送先。
	Upstreams []Upstream `koanf:"upstreams"`
	// UpstreamSecret は転送時に付与するアサーションJWTの署名鍵。空なら付与しない。
	UpstreamSecret string `koanf:"upstream_secret"`
}

// HTTPConfig はHTTPサーバーの設定。
type HTTPConfig struct {
	Port            int           `koanf:"port"`
	APIRoot         string        `koanf:"api_root"`
	StaticDir       string        `koanf:"static_dir"`
	AllowOrigins    []string      `koanf:"allow_origins"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// MaxBodyBytes は本文でトークンを受け渡す場合にトークンを探す範囲の上限。
	MaxBodyBytes int64 `koanf:"max_body_bytes"`
}

// SessionConfig はセッション操作の設定。
type SessionConfig struct {
	TokenBytes     int    `koanf:"token_bytes"`
	TokenTransport string `koanf:"token_transport"`
	TokenHeader    string `koanf:"token_header"`
	TokenField     string `koanf:"token_field"`
	Application    string `koanf:"application"`
	Company        string `koanf:"company"`
	Language       string `koanf:"language"`
	// IncludeClientDescriptor がtrueならUser-Agentをログオンに渡す。
	IncludeClientDescriptor bool `koanf:"include_client_descriptor"`
	// Release は稼働中のリリース番号。
	Release string `koanf:"release"`
	// ClientDescriptorSince はクライアント識別子を渡し始めるリリース番号。
	ClientDescriptorSince string `koanf:"client_descriptor_since"`
}

// BackendConfig はバックエンドと接続プールの設定。
type BackendConfig struct {
	Driver   string `koanf:"driver"`
	Target   string `koanf:"target"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	// Schema は接続ごとに適用するスキーマ名。Postgresでは引用符付き識別子として扱うため
	// 大文字小文字を区別する。既定のPARUSは大文字のスキーマを指す。
	Schema          string           `koanf:"schema"`
	MaxConns        int              `koanf:"max_conns"`
	MinConns        int              `koanf:"min_conns"`
	LeaseTimeout    time.Duration    `koanf:"lease_timeout"`
	ShutdownTimeout time.Duration    `koanf:"shutdown_timeout"`
	Statements      StatementsConfig `koanf:"statements"`
	Embedded        EmbeddedConfig   `koanf:"embedded"`
}

// StatementsConfig はPostgresバックエンドで呼び出すSQL文。空なら既定の文を使う。
type StatementsConfig struct {
	Logon           string `koanf:"logon"`
	LogonWithClient string `koanf:"logon_with_client"`
	Validate        string `koanf:"validate"`
	Logoff          string `koanf:"logoff"`
	Company         string `koanf:"company"`
}

// EmbeddedConfig は組み込みバックエンド（SQLite）の設定。
type EmbeddedConfig struct {
	IdleTimeout time.Duration    `koanf:"idle_timeout"`
	Companies   []CompanyConfig  `koanf:"companies"`
	Utilizers   []UtilizerConfig `koanf:"utilizers"`
}

// CompanyConfig は組み込みバックエンドに登録する組織。
type CompanyConfig struct {
	ID     int64  `koanf:"id"`
	Code   string `koanf:"code"`
	Schema string `koanf:"schema"`
}

// UtilizerConfig は組み込みバックエンドに登録する利用者。
type UtilizerConfig struct {
	Name     string `koanf:"name"`
	Password string `koanf:"password"`
}

// ClassifierConfig はエラー分類の設定。
type ClassifierConfig struct {
	SessionMarker   string   `koanf:"session_marker"`
	TerminatedCodes []string `koanf:"terminated_codes"`
}

// LogConfig はログの設定。
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// Output は出力先。stderr、stdout、またはファイルパス（追記で開く）。
	Output string `koanf:"output"`
}

// RateLimitConfig はログインのレート制限。RPSが0以下なら制限しない。
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// Upstream は転送先サービス。
type Upstream struct {
	// Prefix はAPIルート以下のパス接頭辞（例: /reports）。
	Prefix string `koanf:"prefix"`
	// URL は転送先のベースURL。
	URL string `koanf:"url"`
}

// Default は既定値を設定したConfigを返す。
func Default() *Config {
	return &Config{
		Mode: ModeDevelopment,
		HTTP: HTTPConfig{
			Port:            3000,
			APIRoot:         "/api",
			AllowOrigins:    []string{"*"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    8 << 20,
		},
		Session: SessionConfig{
			TokenBytes:     token.DefaultByteLen,
			TokenTransport: TransportHeader,
			TokenHeader:    "X-Session-Id",
			TokenField:     "sessionID",
			Application:    "WebApp",
			Language:       "RUSSIAN",
		},
		Backend: BackendConfig{
			Driver:          DriverSQLite,
			Target:          "file:sessiongate.db?_pragma=busy_timeout(5000)",
			Schema:          "PARUS",
			MaxConns:        backend.DefaultMaxConns,
			LeaseTimeout:    backend.DefaultLeaseTimeout,
			ShutdownTimeout: 10 * time.Second,
			Embedded: EmbeddedConfig{
				IdleTimeout: backend.DefaultIdleTimeout,
			},
		},
		Classifier: ClassifierConfig{
			SessionMarker:   classify.DefaultMarker,
			TerminatedCodes: append([]string(nil), classify.DefaultTerminatedCodes...),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		RateLimit: RateLimitConfig{
			RPS:   5,
			Burst: 10,
		},
	}
}

// Load は既定値にpathのYAMLファイルと環境変数を重ねた設定を返す。pathが空ならファイルは読まない。
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("設定の変換に失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey は GATEWAY_BACKEND__MAX_CONNS を backend.max_conns に変換する。
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Production は本番モードかどうかを返す。
func (c *Config) Production() bool {
	return c.Mode == ModeProduction
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error

	switch c.Mode {
	case ModeDevelopment, ModeProduction:
	default:
		errs = append(errs, fmt.Errorf("mode は %s または %s を指定してください: %q", ModeDevelopment, ModeProduction, c.Mode))
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port が範囲外です: %d", c.HTTP.Port))
	}
	if !strings.HasPrefix(c.HTTP.APIRoot, "/") {
		errs = append(errs, fmt.Errorf("http.api_root は / で始めてください: %q", c.HTTP.APIRoot))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("http.max_body_bytes は正の値を指定してください: %d", c.HTTP.MaxBodyBytes))
	}

	if c.Session.TokenBytes < token.MinByteLen || c.Session.TokenBytes > token.MaxByteLen {
		errs = append(errs, fmt.Errorf("session.token_bytes は %d から %d の範囲で指定してください: %d", token.MinByteLen, token.MaxByteLen, c.Session.TokenBytes))
	}
	switch c.Session.TokenTransport {
	case TransportHeader:
		if c.Session.TokenHeader == "" {
			errs = append(errs, errors.New("session.token_header が空です"))
		}
	case TransportBody:
		if c.Session.TokenField == "" {
			errs = append(errs, errors.New("session.token_field が空です"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.token_transport は %s または %s を指定してください: %q", TransportHeader, TransportBody, c.Session.TokenTransport))
	}

	switch c.Backend.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("backend.driver は %s または %s を指定してください: %q", DriverPostgres, DriverSQLite, c.Backend.Driver))
	}
	if c.Backend.Target == "" {
		errs = append(errs, errors.New("backend.target が空です"))
	}
	if c.Backend.Schema == "" {
		errs = append(errs, errors.New("backend.schema が空です"))
	}
	if c.Backend.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("backend.max_conns は1以上を指定してください: %d", c.Backend.MaxConns))
	}
	if c.Backend.MinConns < 0 || c.Backend.MinConns > c.Backend.MaxConns {
		errs = append(errs, fmt.Errorf("backend.min_conns は0から max_conns の範囲で指定してください: %d", c.Backend.MinConns))
	}
	if c.Backend.LeaseTimeout <= 0 {
		errs = append(errs, errors.New("backend.lease_timeout は正の値を指定してください"))
	}
	if c.Backend.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("backend.shutdown_timeout は正の値を指定してください"))
	}

	if c.Classifier.SessionMarker == "" && len(c.Classifier.TerminatedCodes) == 0 {
		errs = append(errs, errors.New("classifier.session_marker と classifier.terminated_codes の少なくとも一方が必要です"))
	}

	for i, u := range c.Upstreams {
		if !strings.HasPrefix(u.Prefix, "/") || u.Prefix == "/" {
			errs = append(errs, fmt.Errorf("upstreams[%d].prefix が不正です: %q", i, u.Prefix))
		}
		if parsed, err := url.Parse(u.URL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("upstreams[%d].url が不正です: %q", i, u.URL))
		}
	}

	if c.RateLimit.RPS > 0 && c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.burst は1以上を指定してください"))
	}

	return errors.Join(errs...)
}
