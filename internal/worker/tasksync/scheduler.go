package tasksync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tasksbyme/internal/metrics"
	"github.com/hitoshi/tasksbyme/internal/model"
)

const (
	// DefaultInterval は定期同期の既定間隔。
	DefaultInterval = 5 * time.Minute
	// DefaultUserDelay はユーザー間に挟む既定の待機時間。
	DefaultUserDelay = time.Second
	// DefaultInactivityThreshold は非アクティブとして退出させるまでの既定時間。
	DefaultInactivityThreshold = 2 * time.Hour
)

// UserRegistry はスケジューラが参照するアクティブユーザーレジストリ。
type UserRegistry interface {
	EvictInactive(threshold time.Duration) []string
	Entries() []model.ActiveUser
	Snapshot() model.RegistrySnapshot
}

// UserRefresher は1ユーザー分の同期処理。
type UserRefresher interface {
	RefreshUser(ctx context.Context, userID string, account model.Account) (int, error)
}

// forgetter は退出ユーザーの状態を破棄できるUserRefresher。
type forgetter interface {
	Forget(userID string)
}

// Config はスケジューラの設定。0の項目には既定値を使う。
type Config struct {
	Interval            time.Duration
	UserDelay           time.Duration
	InactivityThreshold time.Duration
}

// Scheduler はアクティブユーザーのタスクを定期的に同期する。
// 各サイクルでは非アクティブユーザーを退出させた後、残ったユーザーを1人ずつ順に同期する。
// 上流APIへの負荷を抑えるため並列化はせず、ユーザー間に固定の待機時間を挟む。
// 定期実行と手動実行は同時に走らない。
type Scheduler struct {
	registry  UserRegistry
	refresher UserRefresher
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	config    Config

	// runMu はサイクルの実行を直列化する。
	runMu         sync.Mutex
	manualPending atomic.Bool
	manualWG      sync.WaitGroup

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	// stopCtx はStopでキャンセルされ、手動実行中のサイクルを打ち切る。
	stopCtx     context.Context
	stopAll     context.CancelFunc
	done        chan struct{}
	lastRunTime *time.Time
	totalRuns   int
	lastRun     *model.RunResult

	now func() time.Time
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(
	registry UserRegistry,
	refresher UserRefresher,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	config Config,
) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.UserDelay < 0 {
		config.UserDelay = 0
	}
	if config.InactivityThreshold <= 0 {
		config.InactivityThreshold = DefaultInactivityThreshold
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	stopCtx, stopAll := context.WithCancel(context.Background())
	return &Scheduler{
		registry:  registry,
		refresher: refresher,
		logger:    logger,
		metrics:   collector,
		config:    config,
		stopCtx:   stopCtx,
		stopAll:   stopAll,
		now:       time.Now,
	}
}

// Start はティッカーによる定期同期をバックグラウンドで開始する。
// 既に実行中の場合は何もしない。ctxがキャンセルされるかStopが呼ばれるまで継続する。
// 起動時点のレジストリは空なので、最初のサイクルは1間隔後に実行される。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Info("同期スケジューラは既に実行中です")
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", s.config.Interval),
		slog.Duration("user_delay", s.config.UserDelay),
		slog.Duration("inactivity_threshold", s.config.InactivityThreshold),
	)

	go s.loop(loopCtx, s.done)
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop は定期同期と手動実行中のサイクルを中断し、それらの終了を待つ。
// 中断されたサイクルは残りのユーザーを同期せずに終了する。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	stopAll := s.stopAll
	s.mu.Unlock()

	stopAll()
	if cancel != nil {
		cancel()
		<-done
	}
	s.manualWG.Wait()

	// 再度Startされた場合に備えて手動実行用のコンテキストを作り直す
	s.mu.Lock()
	s.stopCtx, s.stopAll = context.WithCancel(context.Background())
	s.mu.Unlock()
}

// TriggerManualRun は同期サイクルをバックグラウンドで1回実行する。
// 実行は定期サイクルと直列化される。既に手動実行が待機中または実行中の場合は
// 新たに起動せずfalseを返す。実行中のサイクルはStopで中断される。
func (s *Scheduler) TriggerManualRun(ctx context.Context) bool {
	if !s.manualPending.CompareAndSwap(false, true) {
		s.logger.Info("手動同期は既に実行待ちです")
		return false
	}

	s.mu.Lock()
	stopCtx := s.stopCtx
	s.mu.Unlock()

	// リクエストの終了では中断せず、Stopでのみ中断する
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	release := context.AfterFunc(stopCtx, cancel)

	s.manualWG.Add(1)
	go func() {
		defer s.manualWG.Done()
		defer s.manualPending.Store(false)
		defer cancel()
		defer release()

		s.logger.Info("手動同期を開始します")
		s.RunOnce(runCtx)
	}()

	return true
}

// RunOnce は同期サイクルを1回実行し、その結果を返す。
//
// 処理手順:
//  1. 非アクティブユーザーをレジストリから退出させる
//  2. 残ったユーザーを1人ずつ同期する（失敗したユーザーはスキップ）
//  3. ユーザー間に待機時間を挟む
//  4. 実行統計を更新する
func (s *Scheduler) RunOnce(ctx context.Context) model.RunResult {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := s.now()
	result := model.RunResult{
		RunID:     uuid.NewString(),
		StartedAt: start,
	}

	evicted := s.registry.EvictInactive(s.config.InactivityThreshold)
	result.Evicted = len(evicted)
	if f, ok := s.refresher.(forgetter); ok {
		for _, id := range evicted {
			f.Forget(id)
		}
	}

	users := s.registry.Entries()
	s.metrics.SetActiveUsers(len(users))

	s.logger.Info("同期サイクルを開始します",
		slog.String("run_id", result.RunID),
		slog.Int("user_count", len(users)),
		slog.Int("evicted_count", len(evicted)),
	)

	for i, u := range users {
		if ctx.Err() != nil || (i > 0 && !s.pause(ctx)) {
			s.logger.Warn("同期サイクルが中断されました",
				slog.String("run_id", result.RunID),
				slog.Int("remaining", len(users)-i),
			)
			break
		}

		if _, err := s.refresher.RefreshUser(ctx, u.UserID, u.Account); err != nil {
			result.Failed++
			continue
		}
		result.Successful++
	}

	result.Duration = s.now().Sub(start)
	s.metrics.RecordSyncRun(result.Duration, result.Evicted)

	finished := s.now()
	s.mu.Lock()
	s.lastRunTime = &finished
	s.totalRuns++
	r := result
	s.lastRun = &r
	s.mu.Unlock()

	s.logger.Info("同期サイクルが完了しました",
		slog.String("run_id", result.RunID),
		slog.Int("successful", result.Successful),
		slog.Int("failed", result.Failed),
		slog.Int("evicted", result.Evicted),
		slog.Float64("duration_ms", float64(result.Duration.Milliseconds())),
	)

	return result
}

// pause はユーザー間の待機を行う。ctxがキャンセルされた場合はfalseを返す。
func (s *Scheduler) pause(ctx context.Context) bool {
	if s.config.UserDelay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.config.UserDelay):
		return true
	}
}

// Status はスケジューラの稼働状況を返す。
func (s *Scheduler) Status() model.SchedulerRunStats {
	snap := s.registry.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := model.SchedulerRunStats{
		Running:         s.running,
		TotalRuns:       s.totalRuns,
		ActiveUserCount: snap.Count,
		UserIDs:         snap.UserIDs,
	}
	if s.lastRunTime != nil {
		t := *s.lastRunTime
		stats.LastRunTime = &t
	}
	if s.lastRun != nil {
		r := *s.lastRun
		stats.LastRun = &r
	}
	return stats
}
