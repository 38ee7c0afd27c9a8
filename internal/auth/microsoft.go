package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/hitoshi/tasksbyme/internal/model"
)

// DefaultScopes はログイン時に要求するスコープ。
// offline_accessはサイレントなトークン更新に必要なリフレッシュトークンの取得に使う。
var DefaultScopes = []string{
	"openid",
	"profile",
	"offline_access",
	"User.Read",
	"Group.Read.All",
	"Tasks.Read",
}

// MicrosoftOAuthConfig はMicrosoft identity platformプロバイダーの設定。
type MicrosoftOAuthConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL   string
	TokenURL  string
	LogoutURL string

	// HTTPClient はトークンエンドポイントへのリクエストに使う。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
}

// MicrosoftOAuthProvider はMicrosoft identity platformによる認証とトークン更新を提供する。
// 取得したトークンはHomeAccountIDをキーとしてプロセス内にキャッシュする。
type MicrosoftOAuthProvider struct {
	oauth      *oauth2.Config
	logoutURL  string
	httpClient *http.Client
	tokens     *cache.Cache
	logger     *slog.Logger
}

// NewMicrosoftOAuthProvider はMicrosoftOAuthProviderを生成する。
func NewMicrosoftOAuthProvider(config MicrosoftOAuthConfig, logger *slog.Logger) *MicrosoftOAuthProvider {
	endpoint := microsoft.AzureADEndpoint(config.TenantID)
	if config.AuthURL != "" {
		endpoint.AuthURL = config.AuthURL
	}
	if config.TokenURL != "" {
		endpoint.TokenURL = config.TokenURL
	}
	logoutURL := config.LogoutURL
	if logoutURL == "" {
		logoutURL = strings.TrimSuffix(endpoint.AuthURL, "/authorize") + "/logout"
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &MicrosoftOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       DefaultScopes,
		},
		logoutURL:  logoutURL,
		httpClient: httpClient,
		tokens:     cache.New(cache.NoExpiration, 0),
		logger:     logger,
	}
}

// GetLoginURL は認可URLを生成する。複数アカウント利用時に選択画面を出すためprompt=select_accountを付与する。
func (p *MicrosoftOAuthProvider) GetLoginURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// idTokenClaims はIDトークンから読み取るクレーム。
type idTokenClaims struct {
	jwt.RegisteredClaims
	ObjectID          string `json:"oid"`
	TenantID          string `json:"tid"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
}

// ExchangeCode は認可コードをトークンに交換し、IDトークンからアカウント情報を構築する。
// 取得したトークンは以後のAcquireSilentのためにキャッシュする。
func (p *MicrosoftOAuthProvider) ExchangeCode(ctx context.Context, code string) (*model.Account, error) {
	tok, err := p.oauth.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, errors.New("id_token is missing in token response")
	}

	account, err := parseIDToken(rawIDToken)
	if err != nil {
		return nil, err
	}

	p.tokens.SetDefault(account.HomeAccountID, tok)
	return account, nil
}

// parseIDToken はIDトークンのクレームを読み取る。
// IDトークンはTLS上のトークンエンドポイントから直接受け取ったものに限るため署名検証は行わない。
func parseIDToken(raw string) (*model.Account, error) {
	claims := &idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("failed to parse id_token: %w", err)
	}
	if claims.ObjectID == "" {
		return nil, errors.New("oid claim is missing in id_token")
	}

	return &model.Account{
		HomeAccountID:  claims.ObjectID + "." + claims.TenantID,
		LocalAccountID: claims.ObjectID,
		TenantID:       claims.TenantID,
		Username:       claims.PreferredUsername,
		Name:           claims.Name,
	}, nil
}

// AcquireSilent はキャッシュ済みのトークンからアクセストークンを取得する。
// 有効期限切れの場合はリフレッシュトークンで更新し、更新後のトークンをキャッシュに書き戻す。
// 対話的な再認証は行わず、失敗時は常に*model.TokenRefreshErrorを返す。
func (p *MicrosoftOAuthProvider) AcquireSilent(ctx context.Context, account model.Account) (string, error) {
	v, ok := p.tokens.Get(account.HomeAccountID)
	if !ok {
		return "", &model.TokenRefreshError{
			AccountID: account.HomeAccountID,
			Err:       errors.New("no cached token for account"),
		}
	}
	cached := v.(*oauth2.Token)

	tok, err := p.oauth.TokenSource(p.clientContext(ctx), cached).Token()
	if err != nil {
		return "", &model.TokenRefreshError{AccountID: account.HomeAccountID, Err: err}
	}

	if tok.AccessToken != cached.AccessToken {
		p.tokens.SetDefault(account.HomeAccountID, tok)
		p.logger.Debug("access token refreshed",
			slog.String("account_id", account.HomeAccountID),
		)
	}

	return tok.AccessToken, nil
}

// RemoveAccount はアカウントのキャッシュ済みトークンを破棄する。
func (p *MicrosoftOAuthProvider) RemoveAccount(account model.Account) {
	p.tokens.Delete(account.HomeAccountID)
}

// LogoutURL はIdP側のセッションを終了するURLを返す。
func (p *MicrosoftOAuthProvider) LogoutURL(postLogoutRedirect string) string {
	if postLogoutRedirect == "" {
		return p.logoutURL
	}
	return p.logoutURL + "?" + url.Values{"post_logout_redirect_uri": {postLogoutRedirect}}.Encode()
}

// clientContext はトークンエンドポイントへの通信に使うHTTPクライアントをコンテキストに設定する。
func (p *MicrosoftOAuthProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// compile-time interface check
var (
	_ OAuthProvider = (*MicrosoftOAuthProvider)(nil)
	_ TokenProvider = (*MicrosoftOAuthProvider)(nil)
)
