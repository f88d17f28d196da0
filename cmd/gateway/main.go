// セッションゲートウェイのエントリポイント。
// 接続プールを1度だけ初期化し、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMを受けるとHTTPサーバー、接続プールの順に停止する。
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/nao1215/sessiongate/internal/backend"
	"github.com/nao1215/sessiongate/internal/classify"
	"github.com/nao1215/sessiongate/internal/config"
	"github.com/nao1215/sessiongate/internal/gateway"
	"github.com/nao1215/sessiongate/internal/logging"
	"github.com/nao1215/sessiongate/internal/metrics"
	"github.com/nao1215/sessiongate/internal/session"
	"github.com/nao1215/sessiongate/internal/token"
)

// version はビルド時に -ldflags で設定される。
var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "設定ファイル（YAML）のパス",
			EnvVars: []string{"GATEWAY_CONFIG"},
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "待ち受けポート（設定ファイルの http.port より優先）",
		},
	}

	return &cli.App{
		Name:    "gateway",
		Usage:   "バックエンドのセッションをHTTPクライアントに中継するゲートウェイ",
		Version: version,
		Flags:   flags,
		Action:  serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "HTTPサーバーを起動する",
				Flags:  flags,
				Action: serve,
			},
		},
	}
}

func serve(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.HTTP.Port = c.Int("port")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if cfg.Session.Release == "" {
		cfg.Session.Release = version
	}

	out, closer, err := logging.Open(cfg.Log.Output)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, out)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	pool, procs, err := openBackend(ctx, cfg, m)
	if err != nil {
		return fmt.Errorf("バックエンドの初期化に失敗: %w", err)
	}
	logger.InfoContext(ctx, "接続プールを初期化しました",
		"driver", cfg.Backend.Driver,
		"max_conns", cfg.Backend.MaxConns,
		"lease_timeout", cfg.Backend.LeaseTimeout,
	)

	runErr := run(ctx, cfg, logger, m, reg, pool, procs)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Backend.ShutdownTimeout)
	defer cancel()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Error("接続プールの停止に失敗しました", "error", err)
		return errors.Join(runErr, err)
	}
	logger.Info("接続プールを停止しました")
	return runErr
}

// run はHTTPサーバーを起動し、ctxがキャンセルされるまで待つ。
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, reg *prometheus.Registry, pool backend.Pool, procs backend.Procedures) error {
	issuer, err := token.NewIssuer(cfg.Session.TokenBytes)
	if err != nil {
		return err
	}

	sessions := session.New(pool, procs, issuer,
		classify.New(cfg.Classifier.SessionMarker, cfg.Classifier.TerminatedCodes...),
		session.Options{
			Schema:                  cfg.Backend.Schema,
			IncludeClientDescriptor: cfg.Session.IncludeClientDescriptor,
			Release:                 cfg.Session.Release,
			ClientDescriptorSince:   cfg.Session.ClientDescriptorSince,
			Recorder:                m,
			Logger:                  logger,
		},
	)
	if cfg.Session.IncludeClientDescriptor && !sessions.BindsClientDescriptor() {
		logger.InfoContext(ctx, "リリース条件を満たさないためクライアント識別子を渡しません",
			"release", cfg.Session.Release,
			"since", cfg.Session.ClientDescriptorSince,
		)
	}

	server, err := gateway.NewServer(gateway.Options{
		Config:         cfg,
		Sessions:       sessions,
		Pool:           pool,
		Logger:         logger,
		Metrics:        m,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.HTTP.Port))
	if err != nil {
		return fmt.Errorf("ポート %d の待ち受けに失敗: %w", cfg.HTTP.Port, err)
	}
	return server.Run(ctx, ln)
}

// openBackend は設定されたドライバの接続プールとセッションプロシージャを初期化する。
// バックエンドに到達できない場合はエラーを返す。
func openBackend(ctx context.Context, cfg *config.Config, observer backend.LeaseObserver) (backend.Pool, backend.Procedures, error) {
	poolCfg := backend.PoolConfig{
		Target:       cfg.Backend.Target,
		User:         cfg.Backend.User,
		Password:     cfg.Backend.Password,
		MaxConns:     cfg.Backend.MaxConns,
		MinConns:     cfg.Backend.MinConns,
		LeaseTimeout: cfg.Backend.LeaseTimeout,
		Observer:     observer,
	}

	switch cfg.Backend.Driver {
	case config.DriverPostgres:
		pool, err := backend.OpenPostgres(ctx, poolCfg)
		if err != nil {
			return nil, nil, err
		}
		st := cfg.Backend.Statements
		return pool, backend.NewStatementProcedures(backend.Statements{
			Logon:           st.Logon,
			LogonWithClient: st.LogonWithClient,
			Validate:        st.Validate,
			Logoff:          st.Logoff,
			Company:         st.Company,
		}), nil

	case config.DriverSQLite:
		pool, err := backend.OpenSQL(ctx, config.DriverSQLite, poolCfg)
		if err != nil {
			return nil, nil, err
		}
		emb, err := openEmbedded(ctx, pool, cfg.Backend.Embedded)
		if err != nil {
			_ = pool.Shutdown(ctx)
			return nil, nil, err
		}
		return pool, emb, nil

	default:
		return nil, nil, fmt.Errorf("未対応のドライバです: %s", cfg.Backend.Driver)
	}
}

func openEmbedded(ctx context.Context, pool *backend.SQLPool, cfg config.EmbeddedConfig) (*backend.Embedded, error) {
	emb, err := backend.NewEmbedded(ctx, pool.DB(), cfg.IdleTimeout)
	if err != nil {
		return nil, err
	}

	companies := make([]backend.Company, 0, len(cfg.Companies))
	for _, c := range cfg.Companies {
		companies = append(companies, backend.Company{ID: c.ID, Code: c.Code, Schema: c.Schema})
	}
	utilizers := make([]backend.Utilizer, 0, len(cfg.Utilizers))
	for _, u := range cfg.Utilizers {
		utilizers = append(utilizers, backend.Utilizer{Name: u.Name, Password: u.Password})
	}
	if err := emb.Seed(ctx, pool.DB(), companies, utilizers); err != nil {
		return nil, err
	}
	return emb, nil
}
