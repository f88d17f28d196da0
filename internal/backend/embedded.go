package backend

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/nao1215/sessiongate/pkg/migration"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	// TerminatedCode はセッションが二度と再開できないことを表すエラーコード。
	TerminatedCode = "SESSION_TERMINATED"
	// TerminatedMessage はセッション終了時にバックエンドが返す診断メッセージ。
	TerminatedMessage = "ORA-20103: Дальнейшая работа в Системе невозможна"

	// DefaultIdleTimeout は組み込みバックエンドのセッションの既定アイドル期限。
	DefaultIdleTimeout = 30 * time.Minute
)

// 組み込みバックエンドのエラーコード。
const (
	codeNoSchemaContext    = "NO_SCHEMA_CONTEXT"
	codeUnknownSchema      = "UNKNOWN_SCHEMA"
	codeUnknownCompany     = "UNKNOWN_COMPANY"
	codeSchemaMismatch     = "SCHEMA_MISMATCH"
	codeInvalidCredentials = "INVALID_CREDENTIALS"
	codeUtilizerBlocked    = "UTILIZER_BLOCKED"
)

func errTerminated() *ProcedureError {
	return &ProcedureError{Code: TerminatedCode, Message: TerminatedMessage}
}

// Company は組み込みバックエンドの組織。
type Company struct {
	// ID は組織ID。
	ID int64
	// Code は組織コード。ログオン時に指定される。
	Code string
	// Schema は組織のプロシージャが属するスキーマ名。
	Schema string
}

// Utilizer は組み込みバックエンドの利用者。
type Utilizer struct {
	// Name は利用者名。
	Name string
	// Password は平文のパスワード。保存時にbcryptでハッシュ化する。
	Password string
}

// Embedded はSQLiteでバックエンドのセッションパッケージをエミュレートするProcedures。
// 開発環境とテストで、実バックエンドなしにゲートウェイを動かすために使用する。
type Embedded struct {
	// idleTimeout は最終アクセスからセッションが失効するまでの時間。
	idleTimeout time.Duration
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

var _ Procedures = (*Embedded)(nil)

// NewEmbedded はマイグレーションを適用し、組み込みバックエンドを生成する。
func NewEmbedded(ctx context.Context, db *sql.DB, idleTimeout time.Duration) (*Embedded, error) {
	if err := migration.Run(ctx, db, migrationFiles, "migrations"); err != nil {
		return nil, fmt.Errorf("組み込みバックエンドのマイグレーションに失敗: %w", err)
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Embedded{idleTimeout: idleTimeout, now: time.Now}, nil
}

// Seed は組織と利用者を登録する。既存のものは上書きする。
func (e *Embedded) Seed(ctx context.Context, db *sql.DB, companies []Company, utilizers []Utilizer) error {
	for _, c := range companies {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO companies (id, code, schema_name) VALUES (?, ?, ?)
			ON CONFLICT(code) DO UPDATE SET schema_name = excluded.schema_name`,
			c.ID, c.Code, c.Schema); err != nil {
			return fmt.Errorf("組織 %s の登録に失敗: %w", c.Code, err)
		}
	}
	for _, u := range utilizers {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("利用者 %s のパスワードハッシュ化に失敗: %w", u.Name, err)
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO utilizers (name, password_hash) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET password_hash = excluded.password_hash`,
			u.Name, string(hash)); err != nil {
			return fmt.Errorf("利用者 %s の登録に失敗: %w", u.Name, err)
		}
	}
	return nil
}

// ApplySchema は接続ローカルの一時テーブルにスキーマコンテキストを記録する。
func (e *Embedded) ApplySchema(ctx context.Context, conn Conn, schema string) error {
	if schema == "" {
		return ErrEmptySchema
	}

	var n int
	if err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM companies WHERE schema_name = ?", schema).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return &ProcedureError{Code: codeUnknownSchema, Message: fmt.Sprintf("スキーマ %s は存在しません", schema)}
	}

	if _, err := conn.Exec(ctx, `
		CREATE TEMP TABLE IF NOT EXISTS session_context (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`); err != nil {
		return err
	}
	_, err := conn.Exec(ctx, `
		INSERT INTO session_context (name, value) VALUES ('schema', ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, schema)
	return err
}

// currentSchema は接続に適用済みのスキーマコンテキストを返す。
func (e *Embedded) currentSchema(ctx context.Context, conn Conn) (string, error) {
	var schema string
	if err := conn.QueryRow(ctx, "SELECT value FROM session_context WHERE name = 'schema'").Scan(&schema); err != nil {
		return "", &ProcedureError{Code: codeNoSchemaContext, Message: "スキーマコンテキストが適用されていません"}
	}
	return schema, nil
}

func (e *Embedded) Logon(ctx context.Context, conn Conn, params LogonParams) error {
	schema, err := e.currentSchema(ctx, conn)
	if err != nil {
		return err
	}

	var (
		companyID     int64
		companySchema string
	)
	err = conn.QueryRow(ctx, "SELECT id, schema_name FROM companies WHERE code = ?", params.Company).Scan(&companyID, &companySchema)
	if errors.Is(err, sql.ErrNoRows) {
		return &ProcedureError{Code: codeUnknownCompany, Message: fmt.Sprintf("組織 %s は登録されていません", params.Company)}
	}
	if err != nil {
		return err
	}
	if companySchema != schema {
		return &ProcedureError{Code: codeSchemaMismatch, Message: fmt.Sprintf("組織 %s はスキーマ %s に属していません", params.Company, schema)}
	}

	var (
		hash    string
		blocked bool
	)
	err = conn.QueryRow(ctx, "SELECT password_hash, blocked FROM utilizers WHERE name = ?", params.Utilizer).Scan(&hash, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return &ProcedureError{Code: codeInvalidCredentials, Message: "利用者名またはパスワードが正しくありません"}
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(params.Password)) != nil {
		return &ProcedureError{Code: codeInvalidCredentials, Message: "利用者名またはパスワードが正しくありません"}
	}
	if blocked {
		return &ProcedureError{Code: codeUtilizerBlocked, Message: fmt.Sprintf("利用者 %s はロックされています", params.Utilizer)}
	}

	var client sql.NullString
	if params.ClientDescriptor != nil {
		client = sql.NullString{String: *params.ClientDescriptor, Valid: true}
	}
	now := e.now().Unix()
	_, err = conn.Exec(ctx, `
		INSERT INTO sessions (token, utilizer, company_id, application, language, client_descriptor, schema_name, created_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		params.Token, params.Utilizer, companyID, params.Application, params.Language, client, schema, now, now)
	return err
}

func (e *Embedded) Validate(ctx context.Context, conn Conn, token string) error {
	var (
		lastSeen int64
		closedAt sql.NullInt64
	)
	err := conn.QueryRow(ctx, "SELECT last_seen_at, closed_at FROM sessions WHERE token = ?", token).Scan(&lastSeen, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return errTerminated()
	}
	if err != nil {
		return err
	}
	if closedAt.Valid {
		return errTerminated()
	}

	now := e.now()
	if now.Sub(time.Unix(lastSeen, 0)) > e.idleTimeout {
		if _, err := conn.Exec(ctx, "UPDATE sessions SET closed_at = ? WHERE token = ?", now.Unix(), token); err != nil {
			return err
		}
		return errTerminated()
	}

	_, err = conn.Exec(ctx, "UPDATE sessions SET last_seen_at = ? WHERE token = ?", now.Unix(), token)
	return err
}

func (e *Embedded) Logoff(ctx context.Context, conn Conn, token string) error {
	n, err := conn.Exec(ctx, "UPDATE sessions SET closed_at = ? WHERE token = ? AND closed_at IS NULL", e.now().Unix(), token)
	if err != nil {
		return err
	}
	if n == 0 {
		return errTerminated()
	}
	return nil
}

func (e *Embedded) CompanyID(ctx context.Context, conn Conn, token string) (int64, error) {
	var id int64
	err := conn.QueryRow(ctx, "SELECT company_id FROM sessions WHERE token = ? AND closed_at IS NULL", token).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errTerminated()
	}
	if err != nil {
		return 0, fmt.Errorf("組織IDの取得に失敗: %w", err)
	}
	return id, nil
}
