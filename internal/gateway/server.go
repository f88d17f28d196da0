package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/sessiongate/internal/backend"
	"github.com/nao1215/sessiongate/internal/classify"
	"github.com/nao1215/sessiongate/internal/config"
	"github.com/nao1215/sessiongate/internal/metrics"
	"github.com/nao1215/sessiongate/internal/session"
	"github.com/nao1215/sessiongate/pkg/httpclient"
	"github.com/nao1215/sessiongate/pkg/middleware"
)

// Sessions はゲートウェイが呼び出すセッション操作。
type Sessions interface {
	Login(ctx context.Context, sc session.SessionContext) (*session.LoginResult, error)
	Validate(ctx context.Context, token string) error
	Logoff(ctx context.Context, token string) error
}

// Options はServerの生成に必要な依存。
type Options struct {
	// Config はゲートウェイの設定。
	Config *config.Config
	// Sessions はセッション操作の実装。
	Sessions Sessions
	// Pool はヘルスチェックで統計を返す接続プール。nilなら統計を返さない。
	Pool backend.Pool
	// Logger はログ出力先。nilならslog.Default()を使う。
	Logger *slog.Logger
	// Metrics はメトリクスの記録先。nilなら記録しない。
	Metrics *metrics.Metrics
	// MetricsHandler は /metrics で公開するハンドラー。nilなら公開しない。
	MetricsHandler http.Handler
}

// Server はセッションゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// authed はセッション検証済みのリクエストだけを通すルートグループ。
	authed *gin.RouterGroup
	// cfg はゲートウェイの設定。
	cfg *config.Config
	// sessions はセッション操作の実装。
	sessions Sessions
	pool     backend.Pool
	logger   *slog.Logger
	metrics  *metrics.Metrics
	// transport はトークンの受け渡し方法。
	transport tokenTransport
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("設定が指定されていません")
	}
	if opts.Sessions == nil {
		return nil, errors.New("セッション操作が指定されていません")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := opts.Config
	s := &Server{
		router:    gin.New(),
		cfg:       cfg,
		sessions:  opts.Sessions,
		pool:      opts.Pool,
		logger:    logger.With("component", "gateway"),
		metrics:   opts.Metrics,
		transport: newTokenTransport(cfg.Session, cfg.HTTP.MaxBodyBytes),
	}

	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.AccessLog(s.logger))
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware())
	}
	var exposed []string
	if cfg.Session.TokenTransport == config.TransportHeader {
		exposed = append(exposed, cfg.Session.TokenHeader)
	}
	s.router.Use(middleware.CORS(cfg.HTTP.AllowOrigins, exposed...))

	if err := s.setupRoutes(opts.MetricsHandler); err != nil {
		return nil, err
	}
	return s, nil
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes(metricsHandler http.Handler) error {
	api := s.router.Group(s.cfg.HTTP.APIRoot)
	{
		login := []gin.HandlerFunc{s.handleLogin()}
		if s.cfg.RateLimit.RPS > 0 {
			limiter := middleware.NewRateLimiter(s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst)
			login = append([]gin.HandlerFunc{limiter.Middleware()}, login...)
		}
		api.POST("/login", login...)
		api.POST("/logoff", s.handleLogoff())
		api.POST("/validate", s.handleValidate())
	}

	// セッション検証が必要なルート
	s.authed = api.Group("")
	s.authed.Use(s.RequireSession())
	for _, u := range s.cfg.Upstreams {
		client, err := httpclient.New(u.URL, s.cfg.HTTP.WriteTimeout)
		if err != nil {
			return fmt.Errorf("上流サービス %s の設定に失敗: %w", u.Prefix, err)
		}
		s.authed.Any(u.Prefix+"/*path", s.handleProxy(client))
	}

	s.router.GET("/health", s.handleHealth())
	if metricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	s.router.NoRoute(s.handleNoRoute())
	return nil
}

// Handle はセッション検証が必要なルートを追加する。pathはAPIルートからの相対パス。
// ハンドラーはSessionTokenで検証済みのトークンを参照できる。
func (s *Server) Handle(method, path string, handlers ...gin.HandlerFunc) {
	s.authed.Handle(method, path, handlers...)
}

// Handler はサーバーのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はlnでHTTPリクエストを受け付け、ctxがキャンセルされたらグレースフルに停止する。
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: s.cfg.HTTP.ReadTimeout,
		WriteTimeout:      s.cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.InfoContext(ctx, "HTTPサーバーを起動しました", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーが異常終了しました: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
		}
		s.logger.InfoContext(ctx, "HTTPサーバーを停止しました")
		return nil
	})
	return g.Wait()
}

// respondError は分類済みエラーをクライアントへ返す唯一の経路。
// セッション関連の401は本文を持たず、バックエンドエラーの本文は本番モードでは省かれる。
func (s *Server) respondError(c *gin.Context, err error) {
	var ce *classify.Error
	if !errors.As(err, &ce) {
		ce = &classify.Error{Kind: classify.KindBackend, Message: err.Error(), Cause: err}
	}
	if s.metrics != nil {
		s.metrics.ObserveError(ce.Kind.String())
	}

	if ce.Kind == classify.KindPoolExhausted {
		c.Header("Retry-After", strconv.Itoa(s.retryAfterSeconds()))
	}
	if ce.HasBody(s.cfg.Production()) && ce.Message != "" {
		c.AbortWithStatusJSON(ce.HTTPStatus(), gin.H{"error": ce.Message})
		return
	}
	c.AbortWithStatus(ce.HTTPStatus())
}

func (s *Server) retryAfterSeconds() int {
	sec := int(math.Ceil(s.cfg.Backend.LeaseTimeout.Seconds()))
	return max(sec, 1)
}

// handleHealth はヘルスチェックのハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"status": "ok", "service": "sessiongate"}
		if s.pool != nil {
			st := s.pool.Stats()
			body["pool"] = gin.H{
				"active":    st.Active,
				"waiting":   st.Waiting,
				"acquired":  st.Acquired,
				"released":  st.Released,
				"exhausted": st.Exhausted,
				"max_conns": st.MaxConns,
			}
		}
		c.JSON(http.StatusOK, body)
	}
}
