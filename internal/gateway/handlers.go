package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/sessiongate/internal/classify"
	"github.com/nao1215/sessiongate/internal/session"
	"github.com/nao1215/sessiongate/pkg/httpclient"
	"github.com/nao1215/sessiongate/pkg/middleware"
)

// contextKeyToken は検証済みトークンをGinコンテキストに格納するキー。
const contextKeyToken = "session_token"

// loginRequest はログオンのリクエストボディ。
type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleLogin はログオンのハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username と password を指定してください"})
			return
		}

		res, err := s.sessions.Login(c.Request.Context(), session.SessionContext{
			Utilizer:         req.Username,
			Password:         req.Password,
			Application:      s.cfg.Session.Application,
			Company:          s.cfg.Session.Company,
			Language:         s.cfg.Session.Language,
			ClientDescriptor: c.GetHeader("User-Agent"),
		})
		if err != nil {
			s.respondError(c, err)
			return
		}

		body := gin.H{"ncompany": res.CompanyID}
		s.transport.deliver(c, res.Token, body)
		c.JSON(http.StatusOK, body)
	}
}

// handleLogoff はログオフのハンドラを返す。成功時は本文なしの200を返す。
func (s *Server) handleLogoff() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := s.token(c)
		if !ok {
			return
		}
		if err := s.sessions.Logoff(c.Request.Context(), tok); err != nil {
			s.respondError(c, err)
			return
		}
		c.Status(http.StatusOK)
	}
}

// handleValidate はセッション検証のハンドラを返す。
func (s *Server) handleValidate() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := s.token(c)
		if !ok {
			return
		}
		if err := s.sessions.Validate(c.Request.Context(), tok); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{})
	}
}

// RequireSession はバックエンドでセッションを検証してから後続のハンドラーを呼ぶミドルウェアを返す。
// トークンが無い場合はバックエンドに問い合わせずに401を返す。
func (s *Server) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := s.token(c)
		if !ok {
			return
		}
		if err := s.sessions.Validate(c.Request.Context(), tok); err != nil {
			s.respondError(c, err)
			return
		}
		c.Set(contextKeyToken, tok)
		c.Next()
	}
}

// token は設定された受け渡し方法でトークンを取り出す。
// 本文が大きすぎてトークンを判定できない場合は413を返してfalseを返す。
func (s *Server) token(c *gin.Context) (string, bool) {
	tok, err := s.transport.extract(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return "", false
	}
	return tok, true
}

// SessionToken はRequireSessionで検証済みのトークンを返す。
func SessionToken(c *gin.Context) string {
	return c.GetString(contextKeyToken)
}

// handleProxy は上流サービスへリクエストを転送するハンドラを返す。
// セッショントークンを含む元のヘッダーに加え、リクエストIDと
// 設定されていればアサーションJWTを付与する。
func (s *Server) handleProxy(client *httpclient.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := middleware.GetRequestID(c)
		header := c.Request.Header.Clone()
		header.Set(middleware.HeaderRequestID, requestID)
		header.Set("X-Forwarded-For", c.ClientIP())

		if s.cfg.UpstreamSecret != "" {
			assertion, err := middleware.GenerateAssertion(s.cfg.UpstreamSecret, fingerprint(SessionToken(c)), requestID)
			if err != nil {
				s.respondError(c, err)
				return
			}
			header.Set(middleware.HeaderAssertion, assertion)
		}

		resp, err := client.Forward(c.Request.Context(), c.Request.Method, c.Param("path"), c.Request.URL.RawQuery, header, c.Request.Body)
		if err != nil {
			s.logger.WarnContext(c.Request.Context(), "上流サービスへの転送に失敗しました", "upstream", client.BaseURL(), "error", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "上流サービスとの通信に失敗しました"})
			return
		}
		if err := httpclient.CopyResponse(c.Writer, resp); err != nil {
			s.logger.WarnContext(c.Request.Context(), "上流サービスのレスポンス転送に失敗しました", "upstream", client.BaseURL(), "error", err)
		}
	}
}

// fingerprint はトークンから上流サービスで相関に使う識別子を作る。トークン自体は復元できない。
func fingerprint(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:8])
}

// handleNoRoute は一致するルートが無いリクエストのハンドラを返す。
// 静的ファイルのディレクトリが設定されていればGETとHEADに対してファイルを返し、
// "/" はindex.htmlへリダイレクトする。それ以外は404を返す。
func (s *Server) handleNoRoute() gin.HandlerFunc {
	return func(c *gin.Context) {
		dir := s.cfg.HTTP.StaticDir
		method := c.Request.Method
		if dir != "" && (method == http.MethodGet || method == http.MethodHead) {
			clean := path.Clean("/" + c.Request.URL.Path)
			if clean == "/" {
				c.Redirect(http.StatusFound, "/index.html")
				return
			}
			file := filepath.Join(dir, filepath.FromSlash(clean))
			if info, err := os.Stat(file); err == nil && !info.IsDir() {
				c.File(file)
				return
			}
		}
		s.respondError(c, classify.NotFound(c.Request.URL.Path))
	}
}
