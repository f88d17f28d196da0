package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrEmptySchema はスキーマ名が指定されていないことを表す。
var ErrEmptySchema = errors.New("スキーマ名が指定されていません")

// Procedures はバックエンドのセッションプロシージャ群。
// すべてのメソッドはWithLeaseで借りた接続上で、ApplySchemaの後に呼び出される。
type Procedures interface {
	SchemaApplier
	// Logon はトークンをセッション識別子としてバックエンドセッションを開始する。
	Logon(ctx context.Context, conn Conn, params LogonParams) error
	// Validate はトークンに対応するセッションが有効かどうかを確認する。
	Validate(ctx context.Context, conn Conn, token string) error
	// Logoff はトークンに対応するセッションを終了する。
	Logoff(ctx context.Context, conn Conn, token string) error
	// CompanyID はセッションで解決された組織IDを返す。
	CompanyID(ctx context.Context, conn Conn, token string) (int64, error)
}

// LogonParams はログオン呼び出しのバインド値。
type LogonParams struct {
	// Token はセッション識別子としてバインドする発行済みトークン。
	Token string
	// Utilizer は利用者名。
	Utilizer string
	// Password は利用者のパスワード。
	Password string
	// Application はアプリケーションコード。
	Application string
	// Company は組織コード。
	Company string
	// Language は言語コード。
	Language string
	// ClientDescriptor はクライアント記述子（User-Agent等）。nilの場合はバインドしない。
	ClientDescriptor *string
}

// ProcedureError はバックエンドのプロシージャが返す構造化エラー。
type ProcedureError struct {
	// Code はバックエンド固有のエラーコード。
	Code string
	// Message はバックエンドの診断メッセージ。
	Message string
}

func (e *ProcedureError) Error() string {
	return e.Message
}

// SQLState はエラーコードを返す。pgconn.PgErrorと同じ形で分類器から参照される。
func (e *ProcedureError) SQLState() string {
	return e.Code
}

// Statements はセッションプロシージャを呼び出すSQL文。
// プレースホルダはPostgres形式（$1, $2, ...）。
type Statements struct {
	// Logon は $1=token $2=utilizer $3=password $4=application $5=company $6=language を受け取る。
	Logon string
	// LogonWithClient はLogonの引数に加えて $7=クライアント記述子 を受け取る。
	LogonWithClient string
	// Validate は $1=token を受け取る。
	Validate string
	// Logoff は $1=token を受け取る。
	Logoff string
	// Company は $1=token を受け取り、組織IDを1列で返す。
	Company string
}

// DefaultStatements は既定のセッションプロシージャ呼び出し文を返す。
func DefaultStatements() Statements {
	return Statements{
		Logon:           "CALL pkg_session_logon_web($1, $2, $3, $4, $5, $6)",
		LogonWithClient: "CALL pkg_session_logon_web($1, $2, $3, $4, $5, $6, $7)",
		Validate:        "CALL pkg_session_validate_web($1)",
		Logoff:          "CALL pkg_session_logoff_web($1)",
		Company:         "SELECT pkg_session_get_company($1)",
	}
}

// StatementProcedures はSQL文テンプレートでセッションプロシージャを呼び出す。
// Postgresバックエンドで使用する。
type StatementProcedures struct {
	stmts Statements
}

var _ Procedures = (*StatementProcedures)(nil)

// NewStatementProcedures は指定されたSQL文でプロシージャを呼び出すProceduresを生成する。
// 空の文は既定値で補う。
func NewStatementProcedures(stmts Statements) *StatementProcedures {
	def := DefaultStatements()
	if stmts.Logon == "" {
		stmts.Logon = def.Logon
	}
	if stmts.LogonWithClient == "" {
		stmts.LogonWithClient = def.LogonWithClient
	}
	if stmts.Validate == "" {
		stmts.Validate = def.Validate
	}
	if stmts.Logoff == "" {
		stmts.Logoff = def.Logoff
	}
	if stmts.Company == "" {
		stmts.Company = def.Company
	}
	return &StatementProcedures{stmts: stmts}
}

// ApplySchema は接続のsearch_pathを指定スキーマに設定する。
// スキーマ名は引用符で囲むため、大文字小文字はそのまま保たれる。
func (p *StatementProcedures) ApplySchema(ctx context.Context, conn Conn, schema string) error {
	if schema == "" {
		return ErrEmptySchema
	}
	_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
	return err
}

func (p *StatementProcedures) Logon(ctx context.Context, conn Conn, params LogonParams) error {
	args := []any{params.Token, params.Utilizer, params.Password, params.Application, params.Company, params.Language}
	stmt := p.stmts.Logon
	if params.ClientDescriptor != nil {
		stmt = p.stmts.LogonWithClient
		args = append(args, *params.ClientDescriptor)
	}
	_, err := conn.Exec(ctx, stmt, args...)
	return err
}

func (p *StatementProcedures) Validate(ctx context.Context, conn Conn, token string) error {
	_, err := conn.Exec(ctx, p.stmts.Validate, token)
	return err
}

func (p *StatementProcedures) Logoff(ctx context.Context, conn Conn, token string) error {
	_, err := conn.Exec(ctx, p.stmts.Logoff, token)
	return err
}

func (p *StatementProcedures) CompanyID(ctx context.Context, conn Conn, token string) (int64, error) {
	var id int64
	if err := conn.QueryRow(ctx, p.stmts.Company, token).Scan(&id); err != nil {
		return 0, fmt.Errorf("組織IDの取得に失敗: %w", err)
	}
	return id, nil
}
