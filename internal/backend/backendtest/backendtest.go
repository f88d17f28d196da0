// Package backendtest はbackendパッケージのテスト用実装を提供する。
package backendtest

import (
	"context"
	"errors"
	"sync"

	"github.com/nao1215/sessiongate/internal/backend"
)

// Conn はテスト用の接続。適用されたスキーマを記録する。
type Conn struct {
	// Schema はApplySchemaで適用されたスキーマ名。
	Schema   string
	released bool
}

func (c *Conn) Exec(_ context.Context, _ string, _ ...any) (int64, error) {
	return 0, nil
}

func (c *Conn) QueryRow(_ context.Context, _ string, _ ...any) backend.Row {
	return row{}
}

type row struct{}

func (row) Scan(_ ...any) error {
	return errors.New("backendtest: QueryRowは未サポート")
}

// Pool は貸し出しと返却の回数を記録するテスト用Pool。
type Pool struct {
	mu             sync.Mutex
	leases         int
	releases       int
	doubleReleases int
	// LeaseErr が設定されている場合、Leaseは常にこのエラーを返す。
	LeaseErr error
}

var _ backend.Pool = (*Pool)(nil)

// NewPool はテスト用Poolを生成する。
func NewPool() *Pool {
	return &Pool{}
}

func (p *Pool) Lease(ctx context.Context) (backend.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.LeaseErr != nil {
		return nil, p.LeaseErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.leases++
	return &Conn{}, nil
}

func (p *Pool) Release(conn backend.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := conn.(*Conn)
	if !ok {
		return
	}
	if c.released {
		p.doubleReleases++
		return
	}
	c.released = true
	p.releases++
}

func (p *Pool) Shutdown(_ context.Context) error {
	return nil
}

func (p *Pool) Stats() backend.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return backend.Stats{
		Active:   int64(p.leases - p.releases),
		Acquired: int64(p.leases),
		Released: int64(p.releases),
	}
}

// Leases は成功したリースの回数を返す。
func (p *Pool) Leases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leases
}

// Releases は返却の回数を返す。
func (p *Pool) Releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases
}

// DoubleReleases は同じ接続が2回以上返却された回数を返す。
func (p *Pool) DoubleReleases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doubleReleases
}

// Procedures はメモリ上でセッションを管理するテスト用Procedures。
// 終了済みセッションへの呼び出しには、構造化コードを持たないマーカーエラーを返す。
type Procedures struct {
	mu       sync.Mutex
	users    map[string]string
	sessions map[string]bool
	calls    []string
	last     backend.LogonParams

	// CompanyIDValue はCompanyIDが返す組織ID。
	CompanyIDValue int64
	// SchemaErr が設定されている場合、ApplySchemaはこのエラーを返す。
	SchemaErr error
	// LogonErr が設定されている場合、Logonはこのエラーを返す。
	LogonErr error
	// ValidateErr が設定されている場合、Validateはこのエラーを返す。
	ValidateErr error
	// LogoffErr が設定されている場合、Logoffはこのエラーを返す。
	LogoffErr error
	// CompanyIDErr が設定されている場合、CompanyIDはこのエラーを返す。
	CompanyIDErr error
	// PanicOnLogon がtrueの場合、Logonはpanicする。
	PanicOnLogon bool
}

var _ backend.Procedures = (*Procedures)(nil)

// NewProcedures は指定した利用者を受け付けるテスト用Proceduresを生成する。
func NewProcedures(users map[string]string) *Procedures {
	return &Procedures{
		users:          users,
		sessions:       make(map[string]bool),
		CompanyIDValue: 1,
	}
}

// ErrMarker はマーカーメッセージだけを持つセッション終了エラーを返す。
func ErrMarker() error {
	return errors.New(backend.TerminatedMessage)
}

func (p *Procedures) record(call string) {
	p.calls = append(p.calls, call)
}

func (p *Procedures) ApplySchema(_ context.Context, conn backend.Conn, schema string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("schema")
	if p.SchemaErr != nil {
		return p.SchemaErr
	}
	conn.(*Conn).Schema = schema
	return nil
}

func (p *Procedures) Logon(_ context.Context, conn backend.Conn, params backend.LogonParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("logon")
	p.last = params
	if p.PanicOnLogon {
		panic("backendtest: logon panic")
	}
	if conn.(*Conn).Schema == "" {
		return errors.New("backendtest: スキーマ適用前にLogonが呼ばれました")
	}
	if p.LogonErr != nil {
		return p.LogonErr
	}
	if pw, ok := p.users[params.Utilizer]; !ok || pw != params.Password {
		return &backend.ProcedureError{Code: "INVALID_CREDENTIALS", Message: "利用者名またはパスワードが正しくありません"}
	}
	p.sessions[params.Token] = true
	return nil
}

func (p *Procedures) Validate(_ context.Context, _ backend.Conn, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("validate")
	if p.ValidateErr != nil {
		return p.ValidateErr
	}
	if !p.sessions[token] {
		return ErrMarker()
	}
	return nil
}

func (p *Procedures) Logoff(_ context.Context, _ backend.Conn, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("logoff")
	if p.LogoffErr != nil {
		return p.LogoffErr
	}
	if !p.sessions[token] {
		return ErrMarker()
	}
	delete(p.sessions, token)
	return nil
}

func (p *Procedures) CompanyID(_ context.Context, _ backend.Conn, _ string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("company")
	if p.CompanyIDErr != nil {
		return 0, p.CompanyIDErr
	}
	return p.CompanyIDValue, nil
}

// Terminate はバックエンド側の失効を模擬してセッションを終了させる。
func (p *Procedures) Terminate(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, token)
}

// Active はトークンのセッションが有効かを返す。
func (p *Procedures) Active(token string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[token]
}

// Calls はこれまでの呼び出し順を返す。
func (p *Procedures) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// LastLogon は最後のLogon呼び出しの引数を返す。
func (p *Procedures) LastLogon() backend.LogonParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
