package graph

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/hitoshi/tasksbyme/internal/model"
)

// DefaultProfileCacheTTL は他ユーザーのプロフィールをキャッシュする既定時間。
const DefaultProfileCacheTTL = time.Hour

// ProfileLookup は他ユーザーのプロフィール取得のインターフェース。
type ProfileLookup interface {
	GetUser(ctx context.Context, accessToken, userID string) (*model.UserProfile, error)
}

// ProfileCache はタスク担当者などの表示名解決のためにプロフィールをTTL付きでキャッシュする。
type ProfileCache struct {
	lookup ProfileLookup
	cache  *cache.Cache
	logger *slog.Logger
}

// NewProfileCache はProfileCacheを生成する。ttlが0以下の場合は既定値を使う。
func NewProfileCache(lookup ProfileLookup, ttl time.Duration, logger *slog.Logger) *ProfileCache {
	if ttl <= 0 {
		ttl = DefaultProfileCacheTTL
	}
	return &ProfileCache{
		lookup: lookup,
		cache:  cache.New(ttl, 2*ttl),
		logger: logger,
	}
}

// GetUserDetails はキャッシュ済みのプロフィールを返す。
// キャッシュにない、または期限切れの場合はGraphから取得してキャッシュする。
func (p *ProfileCache) GetUserDetails(ctx context.Context, accessToken, userID string) (*model.UserProfile, error) {
	if v, ok := p.cache.Get(userID); ok {
		p.logger.Debug("profile cache hit", slog.String("user_id", userID))
		profile := v.(model.UserProfile)
		return &profile, nil
	}

	p.logger.Debug("profile cache miss", slog.String("user_id", userID))
	profile, err := p.lookup.GetUser(ctx, accessToken, userID)
	if err != nil {
		return nil, err
	}

	p.cache.SetDefault(userID, *profile)
	return profile, nil
}

// Len はキャッシュ中のプロフィール数を返す。
func (p *ProfileCache) Len() int {
	return p.cache.ItemCount()
}
