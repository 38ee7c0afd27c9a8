package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/tasksbyme/internal/middleware"
	"github.com/hitoshi/tasksbyme/internal/model"
)

// SchedulerController はバックグラウンド同期スケジューラの操作。
type SchedulerController interface {
	Status() model.SchedulerRunStats
	TriggerManualRun(ctx context.Context) bool
}

// ActivityRecorder はユーザーの最終アクティビティを更新する。
type ActivityRecorder interface {
	Touch(userID string)
}

// SchedulerHandler はスケジューラの状態確認と手動実行のHTTPハンドラー。
type SchedulerHandler struct {
	scheduler SchedulerController
	activity  ActivityRecorder
	logger    *slog.Logger
}

// NewSchedulerHandler はSchedulerHandlerを生成する。
func NewSchedulerHandler(scheduler SchedulerController, activity ActivityRecorder, logger *slog.Logger) *SchedulerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchedulerHandler{scheduler: scheduler, activity: activity, logger: logger}
}

// Status はスケジューラの稼働状況を返す。
// GET /scheduler/status
func (h *SchedulerHandler) Status(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.scheduler.Status())
}

type triggerResponse struct {
	Accepted  bool      `json:"accepted"`
	Timestamp time.Time `json:"timestamp"`
}

// Trigger はバックグラウンド同期を即時に1回実行する。完了は待たない。
// 既に手動実行が待機中の場合はacceptedがfalseになる。
// POST /scheduler/trigger
func (h *SchedulerHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrUnauthorized(w, r)
	if !ok {
		return
	}

	h.activity.Touch(session.UserID)
	accepted := h.scheduler.TriggerManualRun(r.Context())

	h.logger.Info("manual sync triggered",
		slog.String("user_id", session.UserID),
		slog.Bool("accepted", accepted),
	)

	status := http.StatusAccepted
	if !accepted {
		status = http.StatusOK
	}
	middleware.WriteJSON(w, status, triggerResponse{
		Accepted:  accepted,
		Timestamp: time.Now().UTC(),
	})
}

// Heartbeat はダッシュボードを開いているユーザーのアクティビティを更新する。
// POST /scheduler/heartbeat
func (h *SchedulerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	session, ok := sessionOrUnauthorized(w, r)
	if !ok {
		return
	}
	h.activity.Touch(session.UserID)
	w.WriteHeader(http.StatusNoContent)
}
