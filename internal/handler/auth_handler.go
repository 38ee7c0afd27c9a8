// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tasksbyme/internal/auth"
	"github.com/hitoshi/tasksbyme/internal/middleware"
	"github.com/hitoshi/tasksbyme/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	LogoutURL(postLogoutRedirect string) string
	HandleCallback(ctx context.Context, code string) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	CurrentSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// SessionCookieCodec はセッションIDとCookie値の相互変換を行う。
type SessionCookieCodec interface {
	Sign(sessionID string) (string, error)
	Verify(value string) (string, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL       string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はOAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	cookies SessionCookieCodec
	config  AuthHandlerConfig
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
// loggerがnilの場合はslog.Default()を使う。
func NewAuthHandler(service AuthServiceInterface, cookies SessionCookieCodec, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		service: service,
		cookies: cookies,
		config:  config,
		logger:  logger,
	}
}

// Login はMicrosoftのサインインフローを開始する。
// GET /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := auth.GenerateState()
	if err != nil {
		h.logger.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	state := q.Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		h.logger.Warn("oauth state mismatch")
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}
	h.clearCookie(w, oauthStateCookie, "/auth")

	// IdP側でユーザーが同意を拒否した場合など
	if idpErr := q.Get("error"); idpErr != "" {
		h.logger.Warn("oauth authorization denied",
			slog.String("error", idpErr),
			slog.String("description", q.Get("error_description")),
		)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	session, err := h.service.HandleCallback(r.Context(), code)
	if err != nil {
		h.logger.Error("oauth callback failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	value, err := h.cookies.Sign(session.ID)
	if err != nil {
		h.logger.Error("failed to sign session cookie", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄し、IdPのログアウトへリダイレクトする。
// GET /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID, ok := h.sessionIDFromCookie(r); ok {
		if err := h.service.Logout(r.Context(), sessionID); err != nil {
			// 失敗してもCookieはクリアする
			h.logger.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	h.clearCookie(w, middleware.SessionCookieName, "/")
	http.Redirect(w, r, h.service.LogoutURL(h.config.BaseURL), http.StatusTemporaryRedirect)
}

type authStatusResponse struct {
	Authenticated bool            `json:"authenticated"`
	User          *authStatusUser `json:"user,omitempty"`
}

type authStatusUser struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Status は現在のログイン状態を返す。未ログインでも200で応答する。
// GET /auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionIDFromCookie(r)
	if !ok {
		middleware.WriteJSON(w, http.StatusOK, authStatusResponse{})
		return
	}

	session, err := h.service.CurrentSession(r.Context(), sessionID)
	if err != nil {
		middleware.WriteJSON(w, http.StatusOK, authStatusResponse{})
		return
	}

	middleware.WriteJSON(w, http.StatusOK, authStatusResponse{
		Authenticated: true,
		User: &authStatusUser{
			ID:       session.UserID,
			Name:     session.Account.Name,
			Username: session.Account.Username,
		},
	})
}

func (h *AuthHandler) sessionIDFromCookie(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	sessionID, err := h.cookies.Verify(cookie.Value)
	if err != nil {
		return "", false
	}
	return sessionID, true
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name, path string) {
	cookie := &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	if name == middleware.SessionCookieName {
		cookie.Domain = h.config.CookieDomain
	}
	http.SetCookie(w, cookie)
}
