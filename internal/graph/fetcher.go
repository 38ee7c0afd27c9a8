package graph

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/tasksbyme/internal/metrics"
	"github.com/hitoshi/tasksbyme/internal/model"
)

// API はフェッチャーが利用するGraph APIのインターフェース。
// テスト時にモックに差し替え可能。
type API interface {
	GetMe(ctx context.Context, accessToken string) (*model.UserProfile, error)
	ListPlans(ctx context.Context, accessToken string) ([]model.Plan, error)
	ListPlanTasks(ctx context.Context, accessToken, planID string) ([]model.Task, error)
}

// Fetcher はユーザーが作成したタスクを全プランから収集する。
// リトライは行わない。失敗したユーザーは次の同期サイクルで再試行される。
type Fetcher struct {
	api     API
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewFetcher はFetcherを生成する。collectorがnilの場合はメトリクスを記録しない。
func NewFetcher(api API, logger *slog.Logger, collector metrics.MetricsCollector) *Fetcher {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Fetcher{
		api:     api,
		logger:  logger,
		metrics: collector,
	}
}

// FetchAllOwnedTasks はアクセストークンの所有者が作成したタスクを全プランから取得する。
//
// 処理手順:
//  1. プロフィールを取得して呼び出しユーザーのIDを確定する
//  2. 参照可能なプランを列挙する
//  3. プランごとにタスクを取得する（失敗したプランはログに記録してスキップ）
//  4. 作成者が呼び出しユーザーのタスクのみ残す
//  5. 各タスクにプランID・プラン名を付与する
//
// 1または2の失敗は呼び出し全体の失敗としてUpstreamErrorを返す。
func (f *Fetcher) FetchAllOwnedTasks(ctx context.Context, accessToken string) ([]model.Task, error) {
	profile, err := f.api.GetMe(ctx, accessToken)
	if err != nil {
		return nil, asUpstreamError("get me", err)
	}

	plans, err := f.api.ListPlans(ctx, accessToken)
	if err != nil {
		return nil, asUpstreamError("list plans", err)
	}

	owned := []model.Task{}
	for _, plan := range plans {
		if ctx.Err() != nil {
			return nil, &model.UpstreamError{Op: "list plan tasks", Err: ctx.Err()}
		}

		tasks, err := f.api.ListPlanTasks(ctx, accessToken, plan.ID)
		if err != nil {
			perr := &model.PartialUpstreamError{PlanID: plan.ID, Err: err}
			f.logger.Warn("プランのタスク取得に失敗したためスキップします",
				slog.String("plan_id", plan.ID),
				slog.String("error", perr.Error()),
			)
			f.metrics.RecordPlanFetchFailure(plan.ID)
			continue
		}

		for _, t := range tasks {
			if t.CreatorID() != profile.ID {
				continue
			}
			t.PlanID = plan.ID
			t.PlanTitle = plan.Title
			owned = append(owned, t)
		}
	}

	f.logger.Debug("所有タスクの取得が完了しました",
		slog.String("graph_user_id", profile.ID),
		slog.Int("plan_count", len(plans)),
		slog.Int("task_count", len(owned)),
	)

	return owned, nil
}

// asUpstreamError はエラーをUpstreamErrorとして返す。既にUpstreamErrorの場合はそのまま返す。
func asUpstreamError(op string, err error) error {
	var ue *model.UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &model.UpstreamError{Op: op, Err: err}
}
