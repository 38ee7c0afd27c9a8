package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/tasksbyme/internal/middleware"
	"github.com/hitoshi/tasksbyme/internal/model"
)

// TaskQueryService はローカルストアの読み取り操作。
type TaskQueryService interface {
	FilteredGet(userID string, q model.TaskQuery) []model.Task
	LastUpdate(userID string) time.Time
	Stats(userID string) model.TaskStats
	FilterOptions(userID string) model.FilterOptions
}

// UserRefresher は1ユーザー分の同期を即時に実行する。
type UserRefresher interface {
	RefreshUser(ctx context.Context, userID string, account model.Account) (int, error)
}

// TokenProvider はサイレントなアクセストークン取得のインターフェース。
type TokenProvider interface {
	AcquireSilent(ctx context.Context, account model.Account) (string, error)
}

// ProfileGetter は他ユーザーのプロフィール取得のインターフェース。
type ProfileGetter interface {
	GetUserDetails(ctx context.Context, accessToken, userID string) (*model.UserProfile, error)
}

// TaskHandler はタスク閲覧と手動更新のHTTPハンドラー。
type TaskHandler struct {
	store     TaskQueryService
	refresher UserRefresher
	tokens    TokenProvider
	profiles  ProfileGetter
	logger    *slog.Logger
}

// NewTaskHandler はTaskHandlerを生成する。
func NewTaskHandler(store TaskQueryService, refresher UserRefresher, tokens TokenProvider, profiles ProfileGetter, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		store:     store,
		refresher: refresher,
		tokens:    tokens,
		profiles:  profiles,
		logger:    logger,
	}
}

type taskListResponse struct {
	Tasks      []model.Task `json:"tasks"`
	Count      int          `json:"count"`
	LastUpdate *time.Time   `json:"lastUpdate"`
}

// ListTasks はフィルタ・ソート済みのタスク一覧を返す。
// GET /api/tasks?status=&planId=&search=&sortBy=&sortOrder=
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrUnauthorized(w, r)
	if !ok {
		return
	}

	q, apiErr := parseTaskQuery(r)
	if apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	tasks := h.store.FilteredGet(session.UserID, q)
	middleware.WriteJSON(w, http.StatusOK, taskListResponse{
		Tasks:      tasks,
		Count:      len(tasks),
		LastUpdate: timePtr(h.store.LastUpdate(session.UserID)),
	})
}

type refreshResponse struct {
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Refresh はGraphから即時にタスクを取得し直す。
// POST /api/refresh
func (h *TaskHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrUnauthorized(w, r)
	if !ok {
		return
	}

	count, err := h.refresher.RefreshUser(r.Context(), session.UserID, session.Account)
	if err != nil {
		h.logger.Warn("manual refresh failed",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		middleware.WriteDomainError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, refreshResponse{
		Count:     count,
		Timestamp: time.Now().UTC(),
	})
}

// Stats はタスク集計を返す。
// GET /api/stats
func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrUnauthorized(w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.store.Stats(session.UserID))
}

// Filters はフィルタ候補を返す。
// GET /api/filters
func (h *TaskHandler) Filters(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrUnauthorized(w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, h.store.FilterOptions(session.UserID))
}

// GetUser はタスク担当者などのプロフィールを返す。
// GET /api/users/{id}
func (h *TaskHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrUnauthorized(w, r)
	if !ok {
		return
	}

	targetID := chi.URLParam(r, "id")
	if strings.TrimSpace(targetID) == "" {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError(targetID))
		return
	}

	token, err := h.tokens.AcquireSilent(r.Context(), session.Account)
	if err != nil {
		middleware.WriteDomainError(w, err)
		return
	}

	profile, err := h.profiles.GetUserDetails(r.Context(), token, targetID)
	if err != nil {
		var upErr *model.UpstreamError
		if errors.As(err, &upErr) && upErr.StatusCode == http.StatusNotFound {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewUserNotFoundError(targetID))
			return
		}
		middleware.WriteDomainError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, profile)
}

// parseTaskQuery はクエリ文字列をTaskQueryに変換する。
// ソート未指定時は作成日時の降順とする。
func parseTaskQuery(r *http.Request) (model.TaskQuery, *model.APIError) {
	v := r.URL.Query()
	q := model.TaskQuery{
		PlanID:    v.Get("planId"),
		Search:    v.Get("search"),
		SortBy:    model.SortByCreatedDateTime,
		SortOrder: model.SortDesc,
	}

	if s := v.Get("status"); s != "" {
		status, ok := model.ParseTaskStatus(s)
		if !ok {
			return q, model.NewInvalidFilterError(s)
		}
		q.Status = status
	}

	if s := v.Get("sortBy"); s != "" {
		key, ok := model.ParseSortKey(s)
		if !ok {
			return q, model.NewInvalidSortError(s)
		}
		q.SortBy = key
	}

	switch s := v.Get("sortOrder"); s {
	case "":
	case string(model.SortAsc), string(model.SortDesc):
		q.SortOrder = model.SortOrder(s)
	default:
		return q, model.NewInvalidSortError(s)
	}

	return q, nil
}

// sessionOrUnauthorized はコンテキストからセッションを取り出す。無い場合は401を書き込む。
func sessionOrUnauthorized(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
		return nil, false
	}
	return session, true
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
