package tasksync

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/tasksbyme/internal/graph"
	"github.com/hitoshi/tasksbyme/internal/model"
	"github.com/hitoshi/tasksbyme/internal/registry"
	"github.com/hitoshi/tasksbyme/internal/taskstore"
)

// fakeRegistry は呼び出し順を記録するUserRegistryのモック。
type fakeRegistry struct {
	mu      sync.Mutex
	calls   []string
	users   []model.ActiveUser
	evictFn func(threshold time.Duration) []string
}

func (f *fakeRegistry) EvictInactive(threshold time.Duration) []string {
	f.mu.Lock()
	f.calls = append(f.calls, "evict")
	f.mu.Unlock()
	if f.evictFn != nil {
		return f.evictFn(threshold)
	}
	return nil
}

func (f *fakeRegistry) Entries() []model.ActiveUser {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "entries")
	return append([]model.ActiveUser(nil), f.users...)
}

func (f *fakeRegistry) Snapshot() model.RegistrySnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.users))
	for _, u := range f.users {
		ids = append(ids, u.UserID)
	}
	return model.RegistrySnapshot{Count: len(ids), UserIDs: ids}
}

// recordingRefresher は同期対象ユーザーを記録するUserRefresherのモック。
type recordingRefresher struct {
	mu        sync.Mutex
	refreshed []string
	forgotten []string
	failFor   map[string]bool
}

func (r *recordingRefresher) RefreshUser(_ context.Context, userID string, _ model.Account) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshed = append(r.refreshed, userID)
	if r.failFor[userID] {
		return 0, errors.New("refresh failed")
	}
	return 1, nil
}

func (r *recordingRefresher) Forget(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, userID)
}

func (r *recordingRefresher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refreshed)
}

func newTestScheduler(reg UserRegistry, ref UserRefresher, buf *bytes.Buffer, cfg Config) *Scheduler {
	return NewScheduler(reg, ref, newTestLogger(buf), nil, cfg)
}

// --- テスト ---

func TestNewScheduler_Defaults(t *testing.T) {
	var buf bytes.Buffer
	s := newTestScheduler(&fakeRegistry{}, &recordingRefresher{}, &buf, Config{UserDelay: -1})

	if s.config.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", s.config.Interval, DefaultInterval)
	}
	if s.config.InactivityThreshold != DefaultInactivityThreshold {
		t.Errorf("InactivityThreshold = %v, want %v", s.config.InactivityThreshold, DefaultInactivityThreshold)
	}
	if s.config.UserDelay != 0 {
		t.Errorf("UserDelay = %v, want 0", s.config.UserDelay)
	}
}

func TestRunOnce_OneFailingUserIsIsolated(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	reg := registry.New(logger)
	store := taskstore.New(nil, logger)
	users := []string{"u1", "u2", "u3", "u4"}
	for _, id := range users {
		reg.Register(id, account(id))
	}

	fetcher := &mockTaskFetcher{
		fetchFn: func(_ context.Context, token string) ([]model.Task, error) {
			if token == "token-u3" {
				return nil, &model.UpstreamError{Op: "list plans", StatusCode: 500, Err: errors.New("boom")}
			}
			return []model.Task{{ID: "task-for-" + token}}, nil
		},
	}
	refresher := NewRefresher(&mockTokenProvider{}, fetcher, store, logger, nil, time.Second)
	spy := newSpyCollector()
	s := NewScheduler(reg, refresher, logger, spy, Config{UserDelay: time.Millisecond})

	result := s.RunOnce(context.Background())

	if result.Successful != 3 || result.Failed != 1 {
		t.Errorf("result = %+v, want 3 successful, 1 failed", result)
	}
	for _, id := range users {
		got := store.Get(id)
		if id == "u3" {
			if len(got) != 0 {
				t.Errorf("失敗したユーザー u3 のスナップショットが更新された: %v", got)
			}
			continue
		}
		if len(got) != 1 || got[0].ID != "task-for-token-"+id {
			t.Errorf("store.Get(%s) = %v", id, got)
		}
	}
	if spy.runs != 1 || spy.active != 4 {
		t.Errorf("metrics runs = %d, active = %d, want 1, 4", spy.runs, spy.active)
	}
}

// ownershipAPI は呼び出しユーザーの作成タスクと他人のタスクを1件ずつ返すgraph.APIのモック。
type ownershipAPI struct{}

func (ownershipAPI) GetMe(context.Context, string) (*model.UserProfile, error) {
	return &model.UserProfile{ID: "graph-u1"}, nil
}

func (ownershipAPI) ListPlans(context.Context, string) ([]model.Plan, error) {
	return []model.Plan{{ID: "p1", Title: "Plan 1"}}, nil
}

func (ownershipAPI) ListPlanTasks(context.Context, string, string) ([]model.Task, error) {
	return []model.Task{
		{ID: "mine", CreatedBy: &model.IdentitySet{User: &model.Identity{ID: "graph-u1"}}},
		{ID: "theirs", CreatedBy: &model.IdentitySet{User: &model.Identity{ID: "graph-other"}}},
	}, nil
}

func TestRunOnce_EndToEndKeepsOnlyOwnedTasks(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	reg := registry.New(logger)
	reg.Register("u1", account("u1"))
	store := taskstore.New(nil, logger)
	fetcher := graph.NewFetcher(ownershipAPI{}, logger, nil)
	refresher := NewRefresher(&mockTokenProvider{}, fetcher, store, logger, nil, time.Second)
	s := NewScheduler(reg, refresher, logger, nil, Config{})

	result := s.RunOnce(context.Background())
	if result.Successful != 1 {
		t.Fatalf("result = %+v, want 1 successful", result)
	}

	got := store.Get("u1")
	if len(got) != 1 || got[0].ID != "mine" {
		t.Fatalf("stored = %+v, want only the owned task", got)
	}
	if got[0].PlanID != "p1" || got[0].PlanTitle != "Plan 1" {
		t.Errorf("plan annotation = %q/%q, want p1/Plan 1", got[0].PlanID, got[0].PlanTitle)
	}
}

func TestRunOnce_EvictsBeforeRefreshing(t *testing.T) {
	reg := &fakeRegistry{
		users: []model.ActiveUser{{UserID: "active", Account: account("active")}},
	}
	reg.evictFn = func(threshold time.Duration) []string {
		if threshold != 90*time.Minute {
			t.Errorf("threshold = %v, want 90m", threshold)
		}
		return []string{"stale"}
	}
	ref := &recordingRefresher{}
	var buf bytes.Buffer
	s := newTestScheduler(reg, ref, &buf, Config{InactivityThreshold: 90 * time.Minute})

	result := s.RunOnce(context.Background())

	if len(reg.calls) < 2 || reg.calls[0] != "evict" || reg.calls[1] != "entries" {
		t.Errorf("registry calls = %v, want evict before entries", reg.calls)
	}
	if result.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", result.Evicted)
	}
	if len(ref.refreshed) != 1 || ref.refreshed[0] != "active" {
		t.Errorf("refreshed = %v, want [active]", ref.refreshed)
	}
	if len(ref.forgotten) != 1 || ref.forgotten[0] != "stale" {
		t.Errorf("forgotten = %v, want [stale]", ref.forgotten)
	}
}

func TestRunOnce_NoUsersStillRecordsRun(t *testing.T) {
	var buf bytes.Buffer
	s := newTestScheduler(&fakeRegistry{}, &recordingRefresher{}, &buf, Config{})

	result := s.RunOnce(context.Background())
	if result.Successful != 0 || result.Failed != 0 {
		t.Errorf("result = %+v, want zero counts", result)
	}
	if result.RunID == "" {
		t.Error("RunID should be set")
	}

	status := s.Status()
	if status.TotalRuns != 1 {
		t.Errorf("TotalRuns = %d, want 1", status.TotalRuns)
	}
	if status.LastRunTime == nil {
		t.Error("LastRunTime should be set")
	}
	if status.LastRun == nil || status.LastRun.RunID != result.RunID {
		t.Errorf("LastRun = %+v, want run %s", status.LastRun, result.RunID)
	}
}

func TestRunOnce_PacesBetweenUsers(t *testing.T) {
	reg := &fakeRegistry{users: []model.ActiveUser{
		{UserID: "a"}, {UserID: "b"}, {UserID: "c"},
	}}
	var buf bytes.Buffer
	s := newTestScheduler(reg, &recordingRefresher{}, &buf, Config{UserDelay: 30 * time.Millisecond})

	start := time.Now()
	s.RunOnce(context.Background())
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("elapsed = %v, want at least 2 pacing delays", elapsed)
	}
}

func TestRunOnce_CancelledContextStopsRemainingUsers(t *testing.T) {
	reg := &fakeRegistry{users: []model.ActiveUser{
		{UserID: "a"}, {UserID: "b"}, {UserID: "c"},
	}}
	ref := &recordingRefresher{}
	var buf bytes.Buffer
	s := newTestScheduler(reg, ref, &buf, Config{UserDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result := s.RunOnce(ctx)
	if ref.count() != 1 {
		t.Errorf("refreshed = %d users, want 1 before cancellation", ref.count())
	}
	if result.Successful != 1 {
		t.Errorf("Successful = %d, want 1", result.Successful)
	}
}

func TestStart_IsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	s := newTestScheduler(&fakeRegistry{}, &recordingRefresher{}, &buf, Config{Interval: time.Hour})

	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop()

	if !s.Status().Running {
		t.Error("Running should be true after Start")
	}
	if !strings.Contains(buf.String(), "既に実行中") {
		t.Error("2回目のStartはログに記録されるべき")
	}
	if n := strings.Count(buf.String(), "同期スケジューラを開始しました"); n != 1 {
		t.Errorf("start log count = %d, want 1", n)
	}
}

func TestStop_FlipsRunningFlag(t *testing.T) {
	var buf bytes.Buffer
	s := newTestScheduler(&fakeRegistry{}, &recordingRefresher{}, &buf, Config{Interval: time.Hour})

	s.Start(context.Background())
	s.Stop()

	if s.Status().Running {
		t.Error("Running should be false after Stop")
	}
	// 停止後に再開できること
	s.Start(context.Background())
	defer s.Stop()
	if !s.Status().Running {
		t.Error("Running should be true after restart")
	}
}

func TestStart_RunsOnTick(t *testing.T) {
	reg := &fakeRegistry{users: []model.ActiveUser{{UserID: "u1"}}}
	ref := &recordingRefresher{}
	var buf bytes.Buffer
	s := newTestScheduler(reg, ref, &buf, Config{Interval: 10 * time.Millisecond})

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for ref.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ref.count() == 0 {
		t.Fatal("ティッカーによる同期が実行されなかった")
	}
}

func TestTriggerManualRun_RunsInBackground(t *testing.T) {
	reg := &fakeRegistry{users: []model.ActiveUser{{UserID: "u1"}}}
	ref := &recordingRefresher{}
	var buf bytes.Buffer
	s := newTestScheduler(reg, ref, &buf, Config{})

	// リクエストのコンテキストが終了しても同期は継続すること
	ctx, cancel := context.WithCancel(context.Background())
	if !s.TriggerManualRun(ctx) {
		t.Fatal("TriggerManualRun should start a run")
	}
	cancel()
	s.manualWG.Wait()

	if ref.count() != 1 {
		t.Errorf("refreshed = %d, want 1", ref.count())
	}
	if s.Status().TotalRuns != 1 {
		t.Errorf("TotalRuns = %d, want 1", s.Status().TotalRuns)
	}
}

func TestTriggerManualRun_CoalescesWhilePending(t *testing.T) {
	reg := &fakeRegistry{users: []model.ActiveUser{{UserID: "u1"}}}
	ref := &recordingRefresher{}
	var buf bytes.Buffer
	s := newTestScheduler(reg, ref, &buf, Config{})

	// 実行中のサイクルを模してロックを保持する
	s.runMu.Lock()
	first := s.TriggerManualRun(context.Background())
	second := s.TriggerManualRun(context.Background())
	s.runMu.Unlock()
	s.manualWG.Wait()

	if !first || second {
		t.Errorf("TriggerManualRun = %v, %v, want true, false", first, second)
	}
	if ref.count() != 1 {
		t.Errorf("refreshed = %d, want 1", ref.count())
	}
}

// blockingRefresher はctxがキャンセルされるまで同期を返さないUserRefresherのモック。
type blockingRefresher struct {
	started chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func (b *blockingRefresher) RefreshUser(ctx context.Context, _ string, _ model.Account) (int, error) {
	b.calls.Add(1)
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestStop_InterruptsManualRun(t *testing.T) {
	reg := &fakeRegistry{users: []model.ActiveUser{{UserID: "u1"}, {UserID: "u2"}}}
	ref := &blockingRefresher{started: make(chan struct{})}
	var buf bytes.Buffer
	s := newTestScheduler(reg, ref, &buf, Config{Interval: time.Hour})

	s.Start(context.Background())
	if !s.TriggerManualRun(context.Background()) {
		t.Fatal("TriggerManualRun should start a run")
	}
	select {
	case <-ref.started:
	case <-time.After(2 * time.Second):
		t.Fatal("手動同期が開始されなかった")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop が手動同期の完了を待ち続けた")
	}
	if n := ref.calls.Load(); n != 1 {
		t.Errorf("RefreshUser calls = %d, want 1 (残りのユーザーは同期しない)", n)
	}
	status := s.Status()
	if status.LastRun == nil || status.LastRun.Failed != 1 {
		t.Errorf("LastRun = %+v, want 1 failed", status.LastRun)
	}
}

func TestTriggerManualRun_WorksAfterRestart(t *testing.T) {
	reg := &fakeRegistry{users: []model.ActiveUser{{UserID: "u1"}}}
	ref := &recordingRefresher{}
	var buf bytes.Buffer
	s := newTestScheduler(reg, ref, &buf, Config{Interval: time.Hour})

	s.Start(context.Background())
	s.Stop()
	s.Start(context.Background())
	defer s.Stop()

	if !s.TriggerManualRun(context.Background()) {
		t.Fatal("TriggerManualRun should start a run")
	}
	s.manualWG.Wait()

	if ref.count() != 1 {
		t.Errorf("refreshed = %d, want 1", ref.count())
	}
}

func TestStatus_ReportsRegistrySnapshot(t *testing.T) {
	reg := &fakeRegistry{users: []model.ActiveUser{{UserID: "u1"}, {UserID: "u2"}}}
	var buf bytes.Buffer
	s := newTestScheduler(reg, &recordingRefresher{}, &buf, Config{})

	status := s.Status()
	if status.Running {
		t.Error("Running should be false before Start")
	}
	if status.ActiveUserCount != 2 || len(status.UserIDs) != 2 {
		t.Errorf("status = %+v, want 2 users", status)
	}
	if status.LastRunTime != nil || status.TotalRuns != 0 {
		t.Errorf("status = %+v, want no runs", status)
	}
}
