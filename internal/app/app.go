// Package app はコマンドの解析と依存関係のワイヤリングを行い、アプリケーションを起動する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/tasksbyme/internal/auth"
	"github.com/hitoshi/tasksbyme/internal/config"
	"github.com/hitoshi/tasksbyme/internal/database"
	"github.com/hitoshi/tasksbyme/internal/graph"
	"github.com/hitoshi/tasksbyme/internal/handler"
	"github.com/hitoshi/tasksbyme/internal/logger"
	"github.com/hitoshi/tasksbyme/internal/metrics"
	"github.com/hitoshi/tasksbyme/internal/middleware"
	"github.com/hitoshi/tasksbyme/internal/model"
	"github.com/hitoshi/tasksbyme/internal/registry"
	"github.com/hitoshi/tasksbyme/internal/repository"
	"github.com/hitoshi/tasksbyme/internal/taskstore"
	"github.com/hitoshi/tasksbyme/internal/worker/cleanup"
	"github.com/hitoshi/tasksbyme/internal/worker/tasksync"
)

const dbConnectTimeout = 10 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	}
}

// server はserveモードで起動するコンポーネント一式。
type server struct {
	handler     http.Handler
	registry    *registry.Registry
	store       *taskstore.Store
	scheduler   *tasksync.Scheduler
	rateLimiter *middleware.RateLimiter
	cleanup     *cleanup.CleanupJob
}

// newServer は全依存関係をワイヤリングする。
// healthがnilの場合、/healthはDB疎通を確認しない。
func newServer(cfg *config.Config, sessions repository.SessionRepository, health handler.HealthChecker, log *slog.Logger) *server {
	// メトリクス
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promReg)

	// ユーザーレジストリとタスクストア
	reg := registry.New(log)
	store := taskstore.New(
		taskstore.NewFileRepository(cfg.DataDir),
		log,
		taskstore.WithPersistErrorHandler(func(err *model.PersistenceError) {
			collector.RecordPersistFailure(err.UserID)
		}),
	)

	// 認証
	upstreamClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	oauthProvider := auth.NewMicrosoftOAuthProvider(auth.MicrosoftOAuthConfig{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		HTTPClient:   upstreamClient,
	}, log)
	authService := auth.NewService(oauthProvider, sessions, reg, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
	})
	cookies := auth.NewCookieSigner(cfg.SessionSecret, time.Duration(cfg.SessionMaxAge)*time.Second)

	// Graphとバックグラウンド同期
	graphClient := graph.NewClient(cfg.GraphBaseURL, upstreamClient, log)
	fetcher := graph.NewFetcher(graphClient, log, collector)
	profiles := graph.NewProfileCache(graphClient, cfg.ProfileCacheTTL, log)
	refresher := tasksync.NewRefresher(oauthProvider, fetcher, store, log, collector, cfg.UpstreamTimeout)
	scheduler := tasksync.NewScheduler(reg, refresher, log, collector, tasksync.Config{
		Interval:            cfg.SyncInterval,
		UserDelay:           cfg.SyncUserDelay,
		InactivityThreshold: cfg.InactivityThreshold,
	})

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitRefresh))

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		SessionFinder:     sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rl,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		AuthService: authService,
		Cookies:     cookies,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:       cfg.BaseURL,
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},
		TaskStore:      store,
		Refresher:      refresher,
		Tokens:         oauthProvider,
		Profiles:       profiles,
		Scheduler:      scheduler,
		Activity:       reg,
		TenantID:       cfg.TenantID,
		HealthChecker:  health,
		MetricsHandler: metrics.Handler(promReg),
	})

	return &server{
		handler:     router,
		registry:    reg,
		store:       store,
		scheduler:   scheduler,
		rateLimiter: rl,
		cleanup:     cleanup.NewCleanupJob(sessions, log),
	}
}

// openSessionStore はDATABASE_URLが設定されていればPostgres、なければメモリのセッションストアを返す。
// 戻り値のdbはメモリストアの場合nil。
func openSessionStore(ctx context.Context, cfg *config.Config) (repository.SessionRepository, *sql.DB, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL is not set; sessions are kept in memory and lost on restart")
		return repository.NewMemorySessionRepo(), nil, nil
	}

	db, err := database.Connect(ctx, cfg.DatabaseURL, dbConnectTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return repository.NewPostgresSessionRepo(db), db, nil
}

// runServe はAPIサーバーとバックグラウンド同期を起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	sessions, db, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	var health handler.HealthChecker
	if db != nil {
		defer db.Close()
		health = db
	}

	srv := newServer(cfg, sessions, health, slog.Default())
	defer srv.rateLimiter.Stop()

	srv.scheduler.Start(ctx)
	go srv.cleanup.Start(ctx)

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout + 15*time.Second, // 手動更新はGraph呼び出しを待つ
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", httpServer.Addr),
			slog.Duration("sync_interval", cfg.SyncInterval),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			srv.scheduler.Stop()
			return fmt.Errorf("server listen error: %w", err)
		}
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		srv.scheduler.Stop()
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	srv.scheduler.Stop()

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck は /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
