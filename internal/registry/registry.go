// Package registry はブラウザセッションが有効なユーザーの管理を提供する。
// バックグラウンド同期の対象ユーザーと最終アクティビティ時刻を保持する。
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/tasksbyme/internal/model"
)

// DefaultInactivityThreshold は非アクティブとみなすまでの既定時間。
const DefaultInactivityThreshold = 2 * time.Hour

// Registry はアクティブユーザーのレジストリ。
// エントリは登録順に保持し、スケジューラはこの順序で処理する。
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*model.ActiveUser
	order   []string

	logger *slog.Logger
	now    func() time.Time
}

// New はRegistryを生成する。
func New(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*model.ActiveUser),
		logger:  logger,
		now:     time.Now,
	}
}

// Register はユーザーを登録する。既に登録済みの場合はアカウントと最終アクティビティ時刻を更新する。
func (r *Registry) Register(userID string, account model.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[userID]; ok {
		e.Account = account
		e.LastActivityAt = r.now()
	} else {
		r.entries[userID] = &model.ActiveUser{
			UserID:         userID,
			Account:        account,
			LastActivityAt: r.now(),
		}
		r.order = append(r.order, userID)
	}

	r.logger.Info("user registered for background updates", slog.String("user_id", userID))
}

// Touch は最終アクティビティ時刻を更新する。
// 既に削除されたユーザーの場合は何もしない。
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[userID]; ok {
		e.LastActivityAt = r.now()
	}
}

// Unregister はユーザーをレジストリから削除する。
func (r *Registry) Unregister(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[userID]; !ok {
		return
	}
	r.remove(userID)
	r.logger.Info("user unregistered from background updates", slog.String("user_id", userID))
}

// EvictInactive は最終アクティビティがnow-thresholdより古いエントリを削除し、削除したユーザーIDを返す。
// タスクストアには触れない。
func (r *Registry) EvictInactive(threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-threshold)

	var evicted []string
	for _, userID := range r.order {
		if r.entries[userID].LastActivityAt.Before(cutoff) {
			evicted = append(evicted, userID)
		}
	}

	for _, userID := range evicted {
		r.remove(userID)
		r.logger.Info("removed inactive user from background updates",
			slog.String("user_id", userID),
		)
	}

	return evicted
}

// Lookup は指定ユーザーのエントリのコピーを返す。
func (r *Registry) Lookup(userID string) (model.ActiveUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[userID]
	if !ok {
		return model.ActiveUser{}, false
	}
	return *e, true
}

// Entries は登録順のエントリのコピーを返す。
func (r *Registry) Entries() []model.ActiveUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ActiveUser, 0, len(r.order))
	for _, userID := range r.order {
		out = append(out, *r.entries[userID])
	}
	return out
}

// Snapshot はステータス表示用の読み取り専用ビューを返す。
func (r *Registry) Snapshot() model.RegistrySnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return model.RegistrySnapshot{Count: len(ids), UserIDs: ids}
}

// Len は登録ユーザー数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// remove はロック取得済みの状態でエントリを削除する。
func (r *Registry) remove(userID string) {
	delete(r.entries, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
