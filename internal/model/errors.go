package model

import (
	"errors"
	"fmt"
)

// 同期処理で発生するエラーの分類。errors.Isで判定する。
var (
	// ErrTokenRefreshFailed はサイレントなトークン更新ができないことを示す。
	// 復旧には対話的な再ログインが必要。
	ErrTokenRefreshFailed = errors.New("token refresh failed")
	// ErrUpstream はプロフィール取得またはプラン列挙の失敗を示す。
	ErrUpstream = errors.New("upstream request failed")
	// ErrPartialUpstream は個別プランのタスク取得失敗を示す。
	ErrPartialUpstream = errors.New("plan task fetch failed")
	// ErrPersistence は永続ファイルへの書き込み失敗を示す。
	ErrPersistence = errors.New("persistence failed")
	// ErrNotAuthenticated は有効なセッションが存在しないことを示す。
	ErrNotAuthenticated = errors.New("not authenticated")
)

// TokenRefreshError はサイレントなトークン取得の失敗。
// 上流のエラー内容はログ用に保持するが、呼び出し側は原因を区別しない。
type TokenRefreshError struct {
	AccountID string
	Err       error
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for account %s: %v", e.AccountID, e.Err)
}

func (e *TokenRefreshError) Unwrap() []error { return []error{ErrTokenRefreshFailed, e.Err} }

// UpstreamError はGraph APIの呼び出し失敗。
type UpstreamError struct {
	Op         string
	StatusCode int // HTTPレスポンスを受け取れなかった場合は0
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: upstream returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() []error { return []error{ErrUpstream, e.Err} }

// PartialUpstreamError は1プラン分のタスク取得失敗。ログに記録してスキップする。
type PartialUpstreamError struct {
	PlanID string
	Err    error
}

func (e *PartialUpstreamError) Error() string {
	return fmt.Sprintf("failed to fetch tasks for plan %s: %v", e.PlanID, e.Err)
}

func (e *PartialUpstreamError) Unwrap() []error { return []error{ErrPartialUpstream, e.Err} }

// PersistenceError は永続ファイルへの書き込み失敗。
// インメモリのストアが正なので、呼び出し元へは伝播しない。
type PersistenceError struct {
	UserID string
	Path   string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist tasks for user %s to %s: %v", e.UserID, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, upstream, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidFilter      = "INVALID_FILTER"
	ErrCodeInvalidSort        = "INVALID_SORT"
	ErrCodeTokenRefreshFailed = "TOKEN_REFRESH_FAILED"
	ErrCodeUpstreamFailed     = "UPSTREAM_FAILED"
	ErrCodeNotAuthenticated   = "NOT_AUTHENTICATED"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
)

// NewInvalidFilterError は無効なフィルタエラーを生成する。
func NewInvalidFilterError(filter string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", filter),
		Category: "validation",
		Action:   "ステータスには notStarted、inProgress、completed のいずれかを指定してください。",
	}
}

// NewInvalidSortError は無効なソート指定エラーを生成する。
func NewInvalidSortError(sort string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSort,
		Message:  fmt.Sprintf("無効なソート指定です: %s", sort),
		Category: "validation",
		Action:   "sortBy には title、createdDateTime、dueDateTime、priority、sortOrder には asc または desc を指定してください。",
	}
}

// NewTokenRefreshFailedError はトークン更新失敗エラーを生成する。
func NewTokenRefreshFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenRefreshFailed,
		Message:  "アクセストークンを更新できませんでした。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewUpstreamFailedError はGraph API呼び出し失敗エラーを生成する。
func NewUpstreamFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstreamFailed,
		Message:  "タスクの取得に失敗しました。",
		Category: "upstream",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewNotAuthenticatedError は未認証エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("ユーザーが見つかりません: %s", userID),
		Category: "upstream",
		Action:   "ユーザーIDを確認してください。",
	}
}
