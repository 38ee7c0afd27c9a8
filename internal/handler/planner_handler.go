package handler

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

const plannerTaskURLBase = "https://tasks.office.com/"

// PlannerRedirect はタスクIDからPlannerのタスク画面へリダイレクトするハンドラーを返す。
// GET /planner/go/{taskID}
func PlannerRedirect(tenantID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		if taskID == "" {
			http.NotFound(w, r)
			return
		}
		target := plannerTaskURLBase + url.PathEscape(tenantID) + "/Home/Task/" + url.PathEscape(taskID)
		http.Redirect(w, r, target, http.StatusFound)
	}
}
