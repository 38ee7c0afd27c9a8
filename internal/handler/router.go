package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/tasksbyme/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig

	// 認証
	AuthService AuthServiceInterface
	Cookies     SessionCookieCodec
	AuthConfig  AuthHandlerConfig

	// タスク
	TaskStore TaskQueryService
	Refresher UserRefresher
	Tokens    TokenProvider
	Profiles  ProfileGetter

	// スケジューラ
	Scheduler SchedulerController
	Activity  ActivityRecorder

	TenantID       string
	HealthChecker  HealthChecker // nilの場合はDB疎通を確認しない
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → [Session → RateLimit → CSRF]
//
// /api/* へのリクエストはユーザーのアクティビティとして記録する。
// /scheduler/* ではtriggerとheartbeatのみがハンドラー内でアクティビティを記録する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.AuthConfig.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.Cookies, deps.AuthConfig, logger)
	taskHandler := NewTaskHandler(deps.TaskStore, deps.Refresher, deps.Tokens, deps.Profiles, logger)
	schedHandler := NewSchedulerHandler(deps.Scheduler, deps.Activity, logger)

	// --- 認証不要のルート ---
	r.Get("/health", Health(deps.HealthChecker, logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	r.Get("/planner/go/{taskID}", PlannerRedirect(deps.TenantID))

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", authHandler.Login)
		r.Get("/callback", authHandler.Callback)
		r.Get("/logout", authHandler.Logout)
		r.Get("/status", authHandler.Status)
	})
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(middleware.SessionConfig{
			Finder:   deps.SessionFinder,
			Verifier: deps.Cookies,
			Activity: deps.Activity,
		}))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Get("/api/tasks", taskHandler.ListTasks)
		r.With(deps.RateLimiter.RefreshMiddleware()).Post("/api/refresh", taskHandler.Refresh)
		r.Get("/api/stats", taskHandler.Stats)
		r.Get("/api/filters", taskHandler.Filters)
		r.Get("/api/users/{id}", taskHandler.GetUser)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(middleware.SessionConfig{
			Finder:   deps.SessionFinder,
			Verifier: deps.Cookies,
		}))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Get("/scheduler/status", schedHandler.Status)
		r.With(deps.RateLimiter.RefreshMiddleware()).Post("/scheduler/trigger", schedHandler.Trigger)
		r.Post("/scheduler/heartbeat", schedHandler.Heartbeat)
	})

	return r
}
