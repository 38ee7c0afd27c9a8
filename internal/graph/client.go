// Package graph はMicrosoft Graph APIからのPlannerタスク取得を提供する。
// プロフィール取得、プラン列挙、プランごとのタスク取得と、所有タスクの抽出を含む。
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/hitoshi/tasksbyme/internal/model"
)

const (
	// DefaultBaseURL はMicrosoft Graph v1.0のエンドポイント。
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// maxErrorBody はエラーレスポンスとして読み取る最大バイト数。
	maxErrorBody = 4096
)

// Client はMicrosoft Graph APIのクライアント。
// アクセストークンは呼び出しごとに受け取り、クライアント自体は状態を持たない。
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient はClientを生成する。httpClientがnilの場合はhttp.DefaultClientを使う。
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// graphCollection はGraphのコレクションレスポンス。
type graphCollection[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// graphErrorBody はGraphのエラーレスポンス。
type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GetMe はアクセストークンの所有者のプロフィールを取得する。
func (c *Client) GetMe(ctx context.Context, accessToken string) (*model.UserProfile, error) {
	var profile model.UserProfile
	endpoint := c.baseURL + "/me?$select=id,displayName,userPrincipalName,mail"
	if err := c.getJSON(ctx, accessToken, "get me", endpoint, &profile); err != nil {
		return nil, err
	}
	if profile.ID == "" {
		return nil, &model.UpstreamError{Op: "get me", Err: errors.New("empty id in profile response")}
	}
	return &profile, nil
}

// GetUser は指定ユーザーのプロフィールを取得する。
func (c *Client) GetUser(ctx context.Context, accessToken, userID string) (*model.UserProfile, error) {
	var profile model.UserProfile
	endpoint := fmt.Sprintf("%s/users/%s?$select=id,displayName,mail", c.baseURL, url.PathEscape(userID))
	if err := c.getJSON(ctx, accessToken, "get user", endpoint, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// ListPlans は呼び出しユーザーが参照できるプランを列挙する。
func (c *Client) ListPlans(ctx context.Context, accessToken string) ([]model.Plan, error) {
	return getCollection[model.Plan](ctx, c, accessToken, "list plans",
		c.baseURL+"/me/planner/plans?$select=id,title")
}

// ListPlanTasks は指定プランの全タスクを取得する。
func (c *Client) ListPlanTasks(ctx context.Context, accessToken, planID string) ([]model.Task, error) {
	return getCollection[model.Task](ctx, c, accessToken, "list plan tasks",
		fmt.Sprintf("%s/planner/plans/%s/tasks", c.baseURL, url.PathEscape(planID)))
}

// getCollection は@odata.nextLinkを辿ってコレクションの全ページを取得する。
func getCollection[T any](ctx context.Context, c *Client, accessToken, op, endpoint string) ([]T, error) {
	items := []T{}
	next := endpoint
	for next != "" {
		var page graphCollection[T]
		if err := c.getJSON(ctx, accessToken, op, next, &page); err != nil {
			return nil, err
		}
		items = append(items, page.Value...)
		next = page.NextLink
	}
	return items, nil
}

// getJSON はBearer認証付きでGETし、レスポンスJSONをvにデコードする。
// 失敗時は常に*model.UpstreamErrorを返す。
func (c *Client) getJSON(ctx context.Context, accessToken, op, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &model.UpstreamError{Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.authorizedClient(ctx, accessToken).Do(req)
	if err != nil {
		return &model.UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("graph request failed",
			slog.String("op", op),
			slog.Int("http_status", resp.StatusCode),
		)
		return &model.UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(graphErrorMessage(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &model.UpstreamError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse response: %w", err)}
	}

	return nil
}

// authorizedClient はアクセストークンをAuthorizationヘッダーに付与するHTTPクライアントを返す。
func (c *Client) authorizedClient(ctx context.Context, accessToken string) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
}

// graphErrorMessage はGraphのエラーボディから表示用メッセージを取り出す。
func graphErrorMessage(body []byte) string {
	var ge graphErrorBody
	if err := json.Unmarshal(body, &ge); err == nil && ge.Error.Code != "" {
		return ge.Error.Code + ": " + ge.Error.Message
	}
	if len(body) == 0 {
		return "empty response body"
	}
	return string(body)
}
