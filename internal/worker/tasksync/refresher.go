// Package tasksync はアクティブユーザーのタスクをバックグラウンドで同期する。
// トークンのサイレント更新、Graphからのタスク取得、ローカルストアへの書き込みを
// ユーザー単位で行い、定期実行と手動実行のスケジューリングを提供する。
package tasksync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/tasksbyme/internal/metrics"
	"github.com/hitoshi/tasksbyme/internal/model"
)

// TokenProvider はサイレントなアクセストークン取得のインターフェース。
type TokenProvider interface {
	AcquireSilent(ctx context.Context, account model.Account) (string, error)
}

// TaskFetcher はユーザーの所有タスク取得のインターフェース。
type TaskFetcher interface {
	FetchAllOwnedTasks(ctx context.Context, accessToken string) ([]model.Task, error)
}

// TaskWriter はタスクスナップショットの書き込み先。
type TaskWriter interface {
	Put(userID string, tasks []model.Task)
}

const (
	reasonTokenRefresh = "token_refresh"
	reasonUpstream     = "upstream"
	reasonUnknown      = "unknown"
)

// Refresher は1ユーザー分のタスク同期（トークン取得 → 取得 → 保存）を実行する。
// 同一ユーザーへの同期は直列化され、定期実行と手動更新が同時に走っても書き込みは1つずつ行われる。
type Refresher struct {
	tokens  TokenProvider
	fetcher TaskFetcher
	store   TaskWriter
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*userLock
}

// userLock はユーザー単位のロック。refsは保持中と待機中の呼び出し数。
type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewRefresher はRefresherを生成する。
// timeoutは1ユーザー分の同期全体に適用される上限で、0以下の場合は制限しない。
func NewRefresher(
	tokens TokenProvider,
	fetcher TaskFetcher,
	store TaskWriter,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	timeout time.Duration,
) *Refresher {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Refresher{
		tokens:  tokens,
		fetcher: fetcher,
		store:   store,
		logger:  logger,
		metrics: collector,
		timeout: timeout,
		locks:   make(map[string]*userLock),
	}
}

// RefreshUser は指定ユーザーのタスクを同期し、保存したタスク数を返す。
// トークン取得に失敗した場合はmodel.ErrTokenRefreshFailed、
// Graphの呼び出しに失敗した場合はmodel.ErrUpstreamをerrors.Isで判定できるエラーを返す。
// 失敗時はストアを変更しない。
func (r *Refresher) RefreshUser(ctx context.Context, userID string, account model.Account) (int, error) {
	lock := r.acquire(userID)
	defer r.release(userID, lock)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	token, err := r.tokens.AcquireSilent(ctx, account)
	if err != nil {
		if !errors.Is(err, model.ErrTokenRefreshFailed) {
			err = &model.TokenRefreshError{AccountID: account.HomeAccountID, Err: err}
		}
		r.recordFailure(userID, err)
		return 0, err
	}

	tasks, err := r.fetcher.FetchAllOwnedTasks(ctx, token)
	if err != nil {
		r.recordFailure(userID, err)
		return 0, err
	}

	r.store.Put(userID, tasks)
	r.metrics.RecordSyncSuccess(userID)
	r.metrics.RecordTasksStored(len(tasks))

	r.logger.Info("ユーザーのタスクを同期しました",
		slog.String("user_id", userID),
		slog.Int("task_count", len(tasks)),
	)

	return len(tasks), nil
}

// Forget は退出したユーザーのロックを破棄する。
// 同期中または待機中の呼び出しがある場合は、最後の呼び出しの終了時に破棄される。
func (r *Refresher) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[userID]; ok && l.refs == 0 {
		delete(r.locks, userID)
	}
}

func (r *Refresher) acquire(userID string) *userLock {
	r.mu.Lock()
	l, ok := r.locks[userID]
	if !ok {
		l = &userLock{}
		r.locks[userID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return l
}

func (r *Refresher) release(userID string, l *userLock) {
	l.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	l.refs--
	if l.refs == 0 && r.locks[userID] == l {
		delete(r.locks, userID)
	}
}

func (r *Refresher) recordFailure(userID string, err error) {
	reason := failureReason(err)
	r.metrics.RecordSyncFailure(userID, reason)
	r.logger.Warn("ユーザーのタスク同期に失敗しました",
		slog.String("user_id", userID),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
}

// failureReason はエラーをメトリクスのラベル値に分類する。
func failureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrTokenRefreshFailed):
		return reasonTokenRefresh
	case errors.Is(err, model.ErrUpstream):
		return reasonUpstream
	default:
		return reasonUnknown
	}
}
