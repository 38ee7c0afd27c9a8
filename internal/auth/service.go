// Package auth はOAuth認証フロー、トークンのサイレント更新、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/tasksbyme/internal/model"
	"github.com/hitoshi/tasksbyme/internal/repository"
)

// OAuthProvider は対話的なログインフローのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、アカウント情報を返す。
	ExchangeCode(ctx context.Context, code string) (*model.Account, error)
	// LogoutURL はIdP側のログアウトURLを返す。
	LogoutURL(postLogoutRedirect string) string
	// RemoveAccount はアカウントのキャッシュ済みトークンを破棄する。
	RemoveAccount(account model.Account)
}

// TokenProvider はバックグラウンド処理が使うサイレントなトークン取得のインターフェース。
type TokenProvider interface {
	// AcquireSilent は有効なアクセストークンを返す。対話的な再認証は決して行わない。
	AcquireSilent(ctx context.Context, account model.Account) (string, error)
}

// UserRegistry はログイン中ユーザーのレジストリに対する操作。
type UserRegistry interface {
	Register(userID string, account model.Account)
	Unregister(userID string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	sessionRepo repository.SessionRepository
	registry    UserRegistry
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	sessionRepo repository.SessionRepository,
	registry UserRegistry,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		sessionRepo: sessionRepo,
		registry:    registry,
		config:      config,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// LogoutURL はIdP側のログアウトURLを返す。
func (s *Service) LogoutURL(postLogoutRedirect string) string {
	return s.oauth.LogoutURL(postLogoutRedirect)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// ログインしたユーザーはバックグラウンド同期の対象としてレジストリに登録される。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	account, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	userID := account.LocalAccountID
	session, err := s.createSession(ctx, userID, *account)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.registry.Register(userID, *account)

	slog.Info("user logged in",
		slog.String("user_id", userID),
		slog.String("username", account.Username),
	)

	return session, nil
}

// Logout はセッションを破棄し、ユーザーをレジストリから外す。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if session != nil {
		s.registry.Unregister(session.UserID)
		s.oauth.RemoveAccount(session.Account)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// CurrentSession はセッションIDから有効なセッションを取得する。
// セッションが存在しないか期限切れの場合はmodel.ErrNotAuthenticatedを返す。
func (s *Service) CurrentSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if sessionID == "" {
		return nil, model.ErrNotAuthenticated
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.ErrNotAuthenticated
	}

	return session, nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string, account model.Account) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		Account:   account,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateState はOAuthのstateパラメータ用のランダム値を生成する。
func GenerateState() (string, error) {
	return generateSessionID()
}
