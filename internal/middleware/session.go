// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tasksbyme/internal/model"
)

// SessionCookieName はセッションCookieの名前。値は署名済みのセッションIDトークン。
const SessionCookieName = "tasksbyme_session"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	sessionContextKey      = contextKey("session")
	userIDHolderContextKey = contextKey("user_id_holder")
)

// userIDHolder はアクセスログへ認証済みユーザーIDを伝えるための入れ物。
type userIDHolder struct {
	userID string
}

func contextWithUserIDHolder(ctx context.Context, h *userIDHolder) context.Context {
	return context.WithValue(ctx, userIDHolderContextKey, h)
}

func recordUserID(ctx context.Context, userID string) {
	if h, ok := ctx.Value(userIDHolderContextKey).(*userIDHolder); ok {
		h.userID = userID
	}
}

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// CookieVerifier は署名済みCookie値を検証し、セッションIDを取り出す。
type CookieVerifier interface {
	Verify(value string) (string, error)
}

// ActivityRecorder は認証済みリクエストのたびにユーザーの最終アクティビティを更新する。
type ActivityRecorder interface {
	Touch(userID string)
}

// SessionConfig はセッションミドルウェアの依存関係。
// Activityがnilの場合はアクティビティを記録しない。
type SessionConfig struct {
	Finder   SessionFinder
	Verifier CookieVerifier
	Activity ActivityRecorder
}

// NewSessionMiddleware は署名付きCookieからセッションを読み取り、
// 有効性を検証するミドルウェアを返す。
// 認証済みセッションをリクエストコンテキストに注入し、ユーザーのアクティビティを更新する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(config SessionConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, ok := ResolveSession(r, config.Finder, config.Verifier)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}

			if config.Activity != nil {
				config.Activity.Touch(session.UserID)
			}
			recordUserID(r.Context(), session.UserID)

			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

// ResolveSession はリクエストのCookieから有効なセッションを解決する。
// 未認証の公開エンドポイントでもログイン状態を判定できるよう、ミドルウェアとは独立に公開する。
func ResolveSession(r *http.Request, finder SessionFinder, verifier CookieVerifier) (*model.Session, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}

	sessionID, err := verifier.Verify(cookie.Value)
	if err != nil {
		slog.Warn("rejected session cookie",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	session, err := finder.FindByID(r.Context(), sessionID)
	if err != nil {
		slog.Error("failed to find session",
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if session == nil {
		return nil, false
	}

	return session, true
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*model.Session, error) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok || session == nil {
		return nil, fmt.Errorf("session not found in context")
	}
	return session, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	session, err := SessionFromContext(ctx)
	if err != nil || session.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return session.UserID, nil
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// ContextWithUserID はユーザーIDのみを持つセッションをコンテキストに注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return ContextWithSession(ctx, &model.Session{UserID: userID})
}
