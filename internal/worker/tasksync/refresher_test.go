package tasksync

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/tasksbyme/internal/model"
)

// --- モック定義 ---

type mockTokenProvider struct {
	acquireFn func(ctx context.Context, account model.Account) (string, error)
}

func (m *mockTokenProvider) AcquireSilent(ctx context.Context, account model.Account) (string, error) {
	if m.acquireFn != nil {
		return m.acquireFn(ctx, account)
	}
	return "token-" + account.LocalAccountID, nil
}

type mockTaskFetcher struct {
	fetchFn func(ctx context.Context, accessToken string) ([]model.Task, error)
}

func (m *mockTaskFetcher) FetchAllOwnedTasks(ctx context.Context, accessToken string) ([]model.Task, error) {
	if m.fetchFn != nil {
		return m.fetchFn(ctx, accessToken)
	}
	return []model.Task{}, nil
}

type mockTaskWriter struct {
	mu   sync.Mutex
	puts map[string][]model.Task
}

func newMockTaskWriter() *mockTaskWriter {
	return &mockTaskWriter{puts: make(map[string][]model.Task)}
}

func (m *mockTaskWriter) Put(userID string, tasks []model.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts[userID] = tasks
}

func (m *mockTaskWriter) get(userID string) ([]model.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.puts[userID]
	return t, ok
}

// spyCollector は同期結果の記録を確認するメトリクススパイ。
type spyCollector struct {
	mu       sync.Mutex
	success  []string
	failures map[string]string
	runs     int
	evicted  int
	active   int
}

func newSpyCollector() *spyCollector {
	return &spyCollector{failures: make(map[string]string)}
}

func (s *spyCollector) RecordSyncSuccess(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.success = append(s.success, userID)
}

func (s *spyCollector) RecordSyncFailure(userID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[userID] = reason
}

func (s *spyCollector) RecordSyncRun(_ time.Duration, evicted int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.evicted += evicted
}

func (s *spyCollector) SetActiveUsers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = n
}

func (s *spyCollector) RecordPlanFetchFailure(string) {}
func (s *spyCollector) RecordPersistFailure(string)   {}
func (s *spyCollector) RecordTasksStored(int)         {}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func account(id string) model.Account {
	return model.Account{HomeAccountID: id + ".tid", LocalAccountID: id}
}

// --- テスト ---

func TestRefreshUser_StoresFetchedTasks(t *testing.T) {
	var gotToken string
	fetcher := &mockTaskFetcher{
		fetchFn: func(_ context.Context, accessToken string) ([]model.Task, error) {
			gotToken = accessToken
			return []model.Task{{ID: "t1"}, {ID: "t2"}}, nil
		},
	}
	writer := newMockTaskWriter()
	spy := newSpyCollector()
	var buf bytes.Buffer
	r := NewRefresher(&mockTokenProvider{}, fetcher, writer, newTestLogger(&buf), spy, time.Second)

	n, err := r.RefreshUser(context.Background(), "u1", account("u1"))
	if err != nil {
		t.Fatalf("RefreshUser がエラーを返した: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if gotToken != "token-u1" {
		t.Errorf("fetcher token = %q, want token-u1", gotToken)
	}
	if tasks, ok := writer.get("u1"); !ok || len(tasks) != 2 {
		t.Errorf("stored tasks = %v, %v", tasks, ok)
	}
	if len(spy.success) != 1 || spy.success[0] != "u1" {
		t.Errorf("success = %v, want [u1]", spy.success)
	}
}

func TestRefreshUser_TokenFailureSkipsFetchAndStore(t *testing.T) {
	tokens := &mockTokenProvider{
		acquireFn: func(context.Context, model.Account) (string, error) {
			return "", errors.New("interaction_required")
		},
	}
	fetcher := &mockTaskFetcher{
		fetchFn: func(context.Context, string) ([]model.Task, error) {
			t.Error("トークン取得失敗時にフェッチすべきでない")
			return nil, nil
		},
	}
	writer := newMockTaskWriter()
	spy := newSpyCollector()
	var buf bytes.Buffer
	r := NewRefresher(tokens, fetcher, writer, newTestLogger(&buf), spy, 0)

	_, err := r.RefreshUser(context.Background(), "u1", account("u1"))
	if !errors.Is(err, model.ErrTokenRefreshFailed) {
		t.Fatalf("error = %v, want ErrTokenRefreshFailed", err)
	}
	if _, ok := writer.get("u1"); ok {
		t.Error("失敗時にストアを変更すべきでない")
	}
	if spy.failures["u1"] != reasonTokenRefresh {
		t.Errorf("failure reason = %q, want %q", spy.failures["u1"], reasonTokenRefresh)
	}
}

func TestRefreshUser_UpstreamFailureLeavesStoreUntouched(t *testing.T) {
	fetcher := &mockTaskFetcher{
		fetchFn: func(context.Context, string) ([]model.Task, error) {
			return nil, &model.UpstreamError{Op: "list plans", StatusCode: 503, Err: errors.New("unavailable")}
		},
	}
	writer := newMockTaskWriter()
	spy := newSpyCollector()
	var buf bytes.Buffer
	r := NewRefresher(&mockTokenProvider{}, fetcher, writer, newTestLogger(&buf), spy, 0)

	_, err := r.RefreshUser(context.Background(), "u1", account("u1"))
	if !errors.Is(err, model.ErrUpstream) {
		t.Fatalf("error = %v, want ErrUpstream", err)
	}
	if _, ok := writer.get("u1"); ok {
		t.Error("失敗時にストアを変更すべきでない")
	}
	if spy.failures["u1"] != reasonUpstream {
		t.Errorf("failure reason = %q, want %q", spy.failures["u1"], reasonUpstream)
	}
}

func TestRefreshUser_AppliesTimeout(t *testing.T) {
	fetcher := &mockTaskFetcher{
		fetchFn: func(ctx context.Context, _ string) ([]model.Task, error) {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("タイムアウト付きのコンテキストが渡されるべき")
			}
			<-ctx.Done()
			return nil, &model.UpstreamError{Op: "get me", Err: ctx.Err()}
		},
	}
	var buf bytes.Buffer
	r := NewRefresher(&mockTokenProvider{}, fetcher, newMockTaskWriter(), newTestLogger(&buf), nil, 20*time.Millisecond)

	_, err := r.RefreshUser(context.Background(), "u1", account("u1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestRefreshUser_SerializesSameUser(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	fetcher := &mockTaskFetcher{
		fetchFn: func(context.Context, string) ([]model.Task, error) {
			n := inFlight.Add(1)
			for {
				m := maxInFlight.Load()
				if n <= m || maxInFlight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inFlight.Add(-1)
			return []model.Task{}, nil
		},
	}
	var buf bytes.Buffer
	r := NewRefresher(&mockTokenProvider{}, fetcher, newMockTaskWriter(), newTestLogger(&buf), nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.RefreshUser(context.Background(), "u1", account("u1"))
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("同一ユーザーの同時実行数 = %d, want 1", maxInFlight.Load())
	}
}

func TestRefreshUser_ForgetDuringRefreshKeepsLock(t *testing.T) {
	entered := make(chan struct{}, 2)
	releaseFirst := make(chan struct{})
	var inFlight, maxInFlight atomic.Int32
	var calls atomic.Int32
	fetcher := &mockTaskFetcher{
		fetchFn: func(context.Context, string) ([]model.Task, error) {
			n := inFlight.Add(1)
			if n > maxInFlight.Load() {
				maxInFlight.Store(n)
			}
			entered <- struct{}{}
			if calls.Add(1) == 1 {
				<-releaseFirst
			}
			inFlight.Add(-1)
			return []model.Task{}, nil
		},
	}
	var buf bytes.Buffer
	r := NewRefresher(&mockTokenProvider{}, fetcher, newMockTaskWriter(), newTestLogger(&buf), nil, 0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.RefreshUser(context.Background(), "u1", account("u1"))
	}()
	<-entered

	// 同期中に退出処理が走っても、後続の同期は同じロックで待機すること
	r.Forget("u1")

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.RefreshUser(context.Background(), "u1", account("u1"))
	}()

	select {
	case <-entered:
		t.Fatal("2つ目の同期が1つ目の完了前に開始された")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseFirst)
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("同一ユーザーの同時実行数 = %d, want 1", maxInFlight.Load())
	}
	r.mu.Lock()
	remaining := len(r.locks)
	r.mu.Unlock()
	if remaining != 0 {
		t.Errorf("locks = %d, want 0 after all refreshes finished", remaining)
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"token", &model.TokenRefreshError{AccountID: "a", Err: errors.New("x")}, reasonTokenRefresh},
		{"upstream", &model.UpstreamError{Op: "get me", Err: errors.New("x")}, reasonUpstream},
		{"other", errors.New("x"), reasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := failureReason(tt.err); got != tt.want {
				t.Errorf("failureReason() = %q, want %q", got, tt.want)
			}
		})
	}
}
