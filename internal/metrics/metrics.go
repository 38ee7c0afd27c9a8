// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期スケジューラ、フェッチャー、タスクストアから利用する。
type MetricsCollector interface {
	RecordSyncSuccess(userID string)
	RecordSyncFailure(userID string, reason string)
	RecordSyncRun(duration time.Duration, evicted int)
	SetActiveUsers(count int)
	RecordPlanFetchFailure(planID string)
	RecordPersistFailure(userID string)
	RecordTasksStored(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncSuccess     prometheus.Counter
	syncFail        *prometheus.CounterVec
	syncRunDuration prometheus.Histogram
	usersEvicted    prometheus.Counter
	activeUsers     prometheus.Gauge
	planFetchFail   prometheus.Counter
	persistFail     prometheus.Counter
	tasksStored     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasksbyme_sync_success_total",
			Help: "ユーザー単位のタスク同期成功の合計数",
		}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasksbyme_sync_fail_total",
			Help: "ユーザー単位のタスク同期失敗の合計数（原因別）",
		}, []string{"reason"}),
		syncRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tasksbyme_sync_run_duration_seconds",
			Help:    "同期サイクル全体の所要時間（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		usersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasksbyme_users_evicted_total",
			Help: "非アクティブによりレジストリから削除されたユーザーの合計数",
		}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasksbyme_active_users",
			Help: "バックグラウンド同期対象のアクティブユーザー数",
		}),
		planFetchFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasksbyme_plan_fetch_fail_total",
			Help: "プラン単位のタスク取得失敗の合計数",
		}),
		persistFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasksbyme_persist_fail_total",
			Help: "タスクスナップショットの永続化失敗の合計数",
		}),
		tasksStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasksbyme_tasks_stored_total",
			Help: "ストアに保存されたタスクの合計数",
		}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.syncRunDuration,
		c.usersEvicted,
		c.activeUsers,
		c.planFetchFail,
		c.persistFail,
		c.tasksStored,
	)

	return c
}

// RecordSyncSuccess は同期成功を記録する。
func (c *Collector) RecordSyncSuccess(userID string) {
	c.syncSuccess.Inc()
}

// RecordSyncFailure は同期失敗を原因別に記録する。
// reasonは "token", "upstream", "canceled" などの低カーディナリティな値に限る。
func (c *Collector) RecordSyncFailure(userID string, reason string) {
	c.syncFail.WithLabelValues(reason).Inc()
}

// RecordSyncRun は同期サイクルの所要時間と削除ユーザー数を記録する。
func (c *Collector) RecordSyncRun(duration time.Duration, evicted int) {
	c.syncRunDuration.Observe(duration.Seconds())
	c.usersEvicted.Add(float64(evicted))
}

// SetActiveUsers はアクティブユーザー数を設定する。
func (c *Collector) SetActiveUsers(count int) {
	c.activeUsers.Set(float64(count))
}

// RecordPlanFetchFailure はプラン単位の取得失敗を記録する。
func (c *Collector) RecordPlanFetchFailure(planID string) {
	c.planFetchFail.Inc()
}

// RecordPersistFailure は永続化失敗を記録する。
func (c *Collector) RecordPersistFailure(userID string) {
	c.persistFail.Inc()
}

// RecordTasksStored は保存されたタスク数を記録する。
func (c *Collector) RecordTasksStored(count int) {
	c.tasksStored.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type NopCollector struct{}

func (NopCollector) RecordSyncSuccess(string)         {}
func (NopCollector) RecordSyncFailure(string, string) {}
func (NopCollector) RecordSyncRun(time.Duration, int) {}
func (NopCollector) SetActiveUsers(int)               {}
func (NopCollector) RecordPlanFetchFailure(string)    {}
func (NopCollector) RecordPersistFailure(string)      {}
func (NopCollector) RecordTasksStored(int)            {}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
