// Package taskstore はユーザーごとのタスクのライトスルーキャッシュを提供する。
// インメモリのスナップショットが正であり、ファイルへの永続化は再起動に備えたベストエフォート。
package taskstore

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/tasksbyme/internal/model"
)

// Persister はスナップショットの永続化インターフェース。
type Persister interface {
	// Save はスナップショットを保存する。
	Save(snapshot model.UserTaskSnapshot) error
	// Load はスナップショットを読み込む。存在しない場合はfound=falseを返す。
	Load(userID string) (snapshot model.UserTaskSnapshot, found bool, err error)
}

// PersistErrorHandler は永続化失敗の通知先。
// Putの戻り値とは独立した経路で失敗を受け取る。
type PersistErrorHandler func(err *model.PersistenceError)

// Store はユーザーごとのタスクスナップショットを保持する。
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]model.UserTaskSnapshot

	persister      Persister
	logger         *slog.Logger
	onPersistError PersistErrorHandler
	now            func() time.Time
}

// Option はStoreのオプション。
type Option func(*Store)

// WithPersistErrorHandler は永続化失敗時のハンドラーを設定する。
func WithPersistErrorHandler(h PersistErrorHandler) Option {
	return func(s *Store) { s.onPersistError = h }
}

// New はStoreを生成する。persisterがnilの場合は永続化を行わない。
func New(persister Persister, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		snapshots: make(map[string]model.UserTaskSnapshot),
		persister: persister,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put はユーザーのスナップショットを置き換え、その後ファイルへ保存する。
// 保存失敗はログとハンドラーへの通知のみで、呼び出し元には伝播しない。
func (s *Store) Put(userID string, tasks []model.Task) {
	snapshot := model.UserTaskSnapshot{
		UserID:     userID,
		Tasks:      cloneTasks(tasks),
		LastUpdate: s.now(),
	}

	s.mu.Lock()
	s.snapshots[userID] = snapshot
	s.mu.Unlock()

	s.persist(snapshot)
}

// Get はユーザーのタスク一覧を返す。
// メモリにない場合は永続ファイルから読み込む。どちらにもない場合は空スライスを返す。
func (s *Store) Get(userID string) []model.Task {
	snapshot, _ := s.snapshot(userID)
	return cloneTasks(snapshot.Tasks)
}

// LastUpdate はユーザーのスナップショットの最終更新時刻を返す。未取得の場合はゼロ値。
func (s *Store) LastUpdate(userID string) time.Time {
	snapshot, _ := s.snapshot(userID)
	return snapshot.LastUpdate
}

// FilteredGet はフィルタ・ソートを適用したタスク一覧を返す。ストアの状態は変更しない。
func (s *Store) FilteredGet(userID string, q model.TaskQuery) []model.Task {
	return Apply(s.Get(userID), q)
}

// Stats はユーザーのタスク集計を返す。
func (s *Store) Stats(userID string) model.TaskStats {
	snapshot, _ := s.snapshot(userID)

	stats := model.TaskStats{
		TotalTasks: len(snapshot.Tasks),
		LastUpdate: snapshot.LastUpdate,
	}
	plans := make(map[string]struct{})
	for i := range snapshot.Tasks {
		switch snapshot.Tasks[i].Status() {
		case model.TaskStatusNotStarted:
			stats.NotStarted++
		case model.TaskStatusInProgress:
			stats.InProgress++
		case model.TaskStatusCompleted:
			stats.Completed++
		}
		plans[snapshot.Tasks[i].PlanID] = struct{}{}
	}
	stats.Plans = len(plans)

	return stats
}

// FilterOptions はUIのフィルタ候補（プラン一覧とステータス別件数）を返す。
func (s *Store) FilterOptions(userID string) model.FilterOptions {
	tasks := s.Get(userID)
	stats := s.Stats(userID)

	opts := model.FilterOptions{
		Plans: []model.Plan{},
		Statuses: []model.StatusCount{
			{Value: model.TaskStatusNotStarted, Label: "Not Started", Count: stats.NotStarted},
			{Value: model.TaskStatusInProgress, Label: "In Progress", Count: stats.InProgress},
			{Value: model.TaskStatusCompleted, Label: "Completed", Count: stats.Completed},
		},
	}

	seen := make(map[string]bool)
	for _, t := range tasks {
		if t.PlanID == "" || seen[t.PlanID] {
			continue
		}
		seen[t.PlanID] = true
		opts.Plans = append(opts.Plans, model.Plan{ID: t.PlanID, Title: t.PlanTitle})
	}

	return opts
}

// snapshot はメモリまたは永続ファイルからスナップショットを取得する。
func (s *Store) snapshot(userID string) (model.UserTaskSnapshot, bool) {
	s.mu.RLock()
	snapshot, ok := s.snapshots[userID]
	s.mu.RUnlock()
	if ok {
		return snapshot, true
	}

	if s.persister == nil {
		return model.UserTaskSnapshot{UserID: userID}, false
	}

	loaded, found, err := s.persister.Load(userID)
	if err != nil {
		s.logger.Warn("failed to load persisted tasks",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return model.UserTaskSnapshot{UserID: userID}, false
	}
	if !found {
		s.logger.Debug("no persisted tasks for user", slog.String("user_id", userID))
		return model.UserTaskSnapshot{UserID: userID}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// 読み込み中にPutされていればそちらを優先する
	if current, ok := s.snapshots[userID]; ok {
		return current, true
	}
	s.snapshots[userID] = loaded
	return loaded, true
}

// persist はスナップショットを永続化し、失敗をハンドラーへ通知する。
func (s *Store) persist(snapshot model.UserTaskSnapshot) {
	if s.persister == nil {
		return
	}

	if err := s.persister.Save(snapshot); err != nil {
		pe, ok := err.(*model.PersistenceError)
		if !ok {
			pe = &model.PersistenceError{UserID: snapshot.UserID, Err: err}
		}
		s.logger.Error("failed to persist tasks",
			slog.String("user_id", snapshot.UserID),
			slog.String("path", pe.Path),
			slog.String("error", pe.Err.Error()),
		)
		if s.onPersistError != nil {
			s.onPersistError(pe)
		}
		return
	}

	s.logger.Info("tasks persisted",
		slog.String("user_id", snapshot.UserID),
		slog.Int("task_count", len(snapshot.Tasks)),
	)
}

func cloneTasks(tasks []model.Task) []model.Task {
	out := make([]model.Task, len(tasks))
	copy(out, tasks)
	return out
}
