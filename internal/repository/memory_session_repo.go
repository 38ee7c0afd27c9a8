package repository

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/hitoshi/tasksbyme/internal/model"
)

// MemorySessionRepo はプロセス内メモリにセッションを保持するリポジトリ。
// DATABASE_URL未設定時に使う。期限切れエントリは読み取り時に無視され、DeleteExpiredで削除される。
type MemorySessionRepo struct {
	cache *cache.Cache
	now   func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
func NewMemorySessionRepo() *MemorySessionRepo {
	return &MemorySessionRepo{
		cache: cache.New(cache.NoExpiration, 0),
		now:   time.Now,
	}
}

// Create はセッションを保存する。
func (r *MemorySessionRepo) Create(_ context.Context, session *model.Session) error {
	s := *session
	r.cache.Set(session.ID, &s, cache.NoExpiration)
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, nil
	}
	s := *v.(*model.Session)
	if !s.ExpiresAt.After(r.now()) {
		return nil, nil
	}
	return &s, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.cache.Delete(id)
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *MemorySessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	for id, item := range r.cache.Items() {
		if s, ok := item.Object.(*model.Session); ok && s.UserID == userID {
			r.cache.Delete(id)
		}
	}
	return nil
}

// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	var deleted int64
	now := r.now()
	for id, item := range r.cache.Items() {
		if s, ok := item.Object.(*model.Session); ok && !s.ExpiresAt.After(now) {
			r.cache.Delete(id)
			deleted++
		}
	}
	return deleted, nil
}

// compile-time interface check
var _ SessionRepository = (*MemorySessionRepo)(nil)
