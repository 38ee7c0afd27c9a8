package model

import "time"

// RunResult は同期スケジューラ1サイクルの実行結果。
type RunResult struct {
	RunID      string        `json:"runId"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"durationNs"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Evicted    int           `json:"evicted"`
}

// SchedulerRunStats はスケジューラの稼働状況。
// スケジューラのみが更新し、ステータスエンドポイントが参照する。
type SchedulerRunStats struct {
	Running         bool       `json:"running"`
	LastRunTime     *time.Time `json:"lastRunTime"`
	TotalRuns       int        `json:"totalRuns"`
	ActiveUserCount int        `json:"activeUsers"`
	UserIDs         []string   `json:"usersList"`
	LastRun         *RunResult `json:"lastRun,omitempty"`
}

// RegistrySnapshot はアクティブユーザーレジストリの読み取り専用ビュー。
type RegistrySnapshot struct {
	Count   int
	UserIDs []string
}
