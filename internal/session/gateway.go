package session

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/nao1215/sessiongate/internal/backend"
	"github.com/nao1215/sessiongate/internal/classify"
	"github.com/nao1215/sessiongate/internal/token"
)

// 操作名。メトリクスとログのラベルに使う。
const (
	OpLogin    = "login"
	OpValidate = "validate"
	OpLogoff   = "logoff"
)

const outcomeOK = "ok"

// SessionContext はログオン時にバックエンドへ渡す情報。
type SessionContext struct {
	Utilizer    string
	Password    string
	Application string
	Company     string
	Language    string
	// ClientDescriptor はクライアントの識別文字列（User-Agent）。
	ClientDescriptor string
}

// LoginResult はログオン成功時の結果。
type LoginResult struct {
	// Token はバックエンドのセッションに対応する不透明なトークン。
	Token string
	// CompanyID はバックエンドが解決した組織ID。
	CompanyID int64
}

// Recorder はセッション操作の結果を記録する。
type Recorder interface {
	ObserveOperation(operation, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveOperation(string, string) {}

// Options はGatewayの設定。
type Options struct {
	// Schema は各リースで適用するスキーマ名。
	Schema string
	// IncludeClientDescriptor がtrueの場合、ログオン時にクライアント識別子を渡す。
	IncludeClientDescriptor bool
	// Release は稼働中のリリース番号（semver）。
	Release string
	// ClientDescriptorSince はクライアント識別子を渡し始めるリリース番号。
	// 空の場合はリリースに関係なく渡す。
	ClientDescriptorSince string
	// Recorder は操作結果の記録先。nilなら記録しない。
	Recorder Recorder
	// Logger はログ出力先。nilならslog.Default()を使う。
	Logger *slog.Logger
}

// Gateway はセッション操作を提供する。複数のgoroutineから同時に使用できる。
type Gateway struct {
	pool       backend.Pool
	procs      backend.Procedures
	issuer     *token.Issuer
	classifier classify.Classifier
	opts       Options
	bindClient bool
	recorder   Recorder
	logger     *slog.Logger
}

// New はGatewayを生成する。
func New(pool backend.Pool, procs backend.Procedures, issuer *token.Issuer, classifier classify.Classifier, opts Options) *Gateway {
	g := &Gateway{
		pool:       pool,
		procs:      procs,
		issuer:     issuer,
		classifier: classifier,
		opts:       opts,
		bindClient: opts.IncludeClientDescriptor && releaseGateOpen(opts.Release, opts.ClientDescriptorSince),
		recorder:   opts.Recorder,
		logger:     opts.Logger,
	}
	if g.recorder == nil {
		g.recorder = noopRecorder{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "session")
	return g
}

// BindsClientDescriptor はログオン時にクライアント識別子を渡すかどうかを返す。
func (g *Gateway) BindsClientDescriptor() bool {
	return g.bindClient
}

// Login はトークンを発行してバックエンドにログオンし、トークンと組織IDを返す。
func (g *Gateway) Login(ctx context.Context, sc SessionContext) (*LoginResult, error) {
	tok := g.issuer.Issue()
	params := backend.LogonParams{
		Token:       tok,
		Utilizer:    sc.Utilizer,
		Password:    sc.Password,
		Application: sc.Application,
		Company:     sc.Company,
		Language:    sc.Language,
	}
	if g.bindClient {
		client := sc.ClientDescriptor
		params.ClientDescriptor = &client
	}

	companyID, err := backend.WithLease(ctx, g.pool, g.procs, g.opts.Schema, func(ctx context.Context, conn backend.Conn) (int64, error) {
		if err := g.procs.Logon(ctx, conn, params); err != nil {
			return 0, err
		}
		id, err := g.procs.CompanyID(ctx, conn, tok)
		if err != nil {
			// クライアントに渡らないトークンのセッションを残さない
			if lerr := g.procs.Logoff(ctx, conn, tok); lerr != nil {
				g.logger.WarnContext(ctx, "組織ID取得失敗後のログオフに失敗しました", "error", lerr)
			}
			return 0, err
		}
		return id, nil
	})
	if err != nil {
		return nil, g.fail(ctx, OpLogin, err, "utilizer", sc.Utilizer)
	}

	g.succeed(ctx, OpLogin, "utilizer", sc.Utilizer, "company_id", companyID)
	return &LoginResult{Token: tok, CompanyID: companyID}, nil
}

// Validate はトークンのセッションが有効かをバックエンドに問い合わせる。
// トークンが空の場合、プールに触れずにUnauthorizedを返す。
func (g *Gateway) Validate(ctx context.Context, tok string) error {
	return g.call(ctx, OpValidate, tok, g.procs.Validate)
}

// Logoff はトークンのセッションを終了する。
// トークンが空の場合、プールに触れずにUnauthorizedを返す。
func (g *Gateway) Logoff(ctx context.Context, tok string) error {
	return g.call(ctx, OpLogoff, tok, g.procs.Logoff)
}

func (g *Gateway) call(ctx context.Context, op, tok string, proc func(context.Context, backend.Conn, string) error) error {
	if tok == "" {
		return g.fail(ctx, op, classify.ErrNoToken)
	}

	_, err := backend.WithLease(ctx, g.pool, g.procs, g.opts.Schema, func(ctx context.Context, conn backend.Conn) (struct{}, error) {
		return struct{}{}, proc(ctx, conn, tok)
	})
	if err != nil {
		return g.fail(ctx, op, err)
	}

	g.succeed(ctx, op)
	return nil
}

func (g *Gateway) succeed(ctx context.Context, op string, args ...any) {
	g.recorder.ObserveOperation(op, outcomeOK)
	g.logger.DebugContext(ctx, "セッション操作に成功しました", append([]any{"operation", op}, args...)...)
}

func (g *Gateway) fail(ctx context.Context, op string, err error, args ...any) *classify.Error {
	ce := g.classifier.Classify(err)
	g.recorder.ObserveOperation(op, ce.Kind.String())

	args = append([]any{"operation", op, "kind", ce.Kind.String(), "error", err}, args...)
	switch ce.Kind {
	case classify.KindBackend, classify.KindPoolExhausted:
		g.logger.WarnContext(ctx, "セッション操作に失敗しました", args...)
	default:
		g.logger.DebugContext(ctx, "セッション操作に失敗しました", args...)
	}
	return ce
}

// releaseGateOpen はreleaseがsince以上であればtrueを返す。
// sinceが空なら常にtrue、releaseが不正なsemverならfalse。
func releaseGateOpen(release, since string) bool {
	if since == "" {
		return true
	}
	r, s := canonical(release), canonical(since)
	if !semver.IsValid(r) || !semver.IsValid(s) {
		return false
	}
	return semver.Compare(r, s) >= 0
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
