package model

import "time"

// Task はPlannerのタスクを表す。
// Graph v1.0 のplannerTaskのプロパティをそのまま保持し、PlanTitleのみフェッチャーが付与する。
// PlanIDはGraphの値をフェッチャーが取得元プランのIDで上書きする。
type Task struct {
	ETag                     string                `json:"@odata.etag,omitempty"`
	ID                       string                `json:"id"`
	Title                    string                `json:"title"`
	PercentComplete          int                   `json:"percentComplete"`
	Priority                 int                   `json:"priority"`
	DueDateTime              *time.Time            `json:"dueDateTime,omitempty"`
	CreatedDateTime          time.Time             `json:"createdDateTime"`
	StartDateTime            *time.Time            `json:"startDateTime,omitempty"`
	CompletedDateTime        *time.Time            `json:"completedDateTime,omitempty"`
	BucketID                 string                `json:"bucketId,omitempty"`
	OrderHint                string                `json:"orderHint,omitempty"`
	AssigneePriority         string                `json:"assigneePriority,omitempty"`
	Assignments              map[string]Assignment `json:"assignments,omitempty"`
	AppliedCategories        map[string]bool       `json:"appliedCategories,omitempty"`
	CreatedBy                *IdentitySet          `json:"createdBy,omitempty"`
	CompletedBy              *IdentitySet          `json:"completedBy,omitempty"`
	ReferenceCount           int                   `json:"referenceCount"`
	ChecklistItemCount       int                   `json:"checklistItemCount"`
	ActiveChecklistItemCount int                   `json:"activeChecklistItemCount"`
	HasDescription           bool                  `json:"hasDescription"`
	ConversationThreadID     string                `json:"conversationThreadId,omitempty"`
	PreviewType              string                `json:"previewType,omitempty"`

	PlanID    string `json:"planId"`
	PlanTitle string `json:"planTitle"`
}

// Assignment はタスクの担当者割り当て情報。
type Assignment struct {
	ODataType        string       `json:"@odata.type,omitempty"`
	AssignedDateTime *time.Time   `json:"assignedDateTime,omitempty"`
	OrderHint        string       `json:"orderHint,omitempty"`
	AssignedBy       *IdentitySet `json:"assignedBy,omitempty"`
}

// IdentitySet はGraphのidentitySet（作成者・完了者など）。
type IdentitySet struct {
	User        *Identity `json:"user,omitempty"`
	Application *Identity `json:"application,omitempty"`
}

// Identity はidentitySet内の個々の主体。
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// CreatorID はタスク作成ユーザーのIDを返す。作成者が不明な場合は空文字。
func (t *Task) CreatorID() string {
	if t.CreatedBy == nil || t.CreatedBy.User == nil {
		return ""
	}
	return t.CreatedBy.User.ID
}

// Plan はPlannerのプラン（タスクのコンテナ）。
type Plan struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// TaskStatus は進捗率から導出されるタスク状態。
type TaskStatus string

const (
	TaskStatusNotStarted TaskStatus = "notStarted"
	TaskStatusInProgress TaskStatus = "inProgress"
	TaskStatusCompleted  TaskStatus = "completed"
)

// ParseTaskStatus は文字列をTaskStatusに変換する。
func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch TaskStatus(s) {
	case TaskStatusNotStarted, TaskStatusInProgress, TaskStatusCompleted:
		return TaskStatus(s), true
	default:
		return "", false
	}
}

// Status はPercentCompleteからタスク状態を返す。
// 0%は未着手、100%は完了、それ以外は進行中。
func (t *Task) Status() TaskStatus {
	switch {
	case t.PercentComplete <= 0:
		return TaskStatusNotStarted
	case t.PercentComplete >= 100:
		return TaskStatusCompleted
	default:
		return TaskStatusInProgress
	}
}

// SortKey はタスク一覧のソートキー。
type SortKey string

const (
	SortByTitle           SortKey = "title"
	SortByCreatedDateTime SortKey = "createdDateTime"
	SortByDueDateTime     SortKey = "dueDateTime"
	SortByPriority        SortKey = "priority"
)

// ParseSortKey は文字列をSortKeyに変換する。
func ParseSortKey(s string) (SortKey, bool) {
	switch SortKey(s) {
	case SortByTitle, SortByCreatedDateTime, SortByDueDateTime, SortByPriority:
		return SortKey(s), true
	default:
		return "", false
	}
}

// SortOrder はソート方向。
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// TaskQuery はタスク一覧のフィルタ・ソート条件。
// ゼロ値のフィールドはフィルタなしとして扱う。SortByが空の場合はソートしない。
type TaskQuery struct {
	Status    TaskStatus
	PlanID    string
	Search    string
	SortBy    SortKey
	SortOrder SortOrder
}

// UserTaskSnapshot はユーザーごとのタスク一覧のスナップショット。
type UserTaskSnapshot struct {
	UserID     string
	Tasks      []Task
	LastUpdate time.Time
}

// TaskStats はユーザーのタスク集計。
type TaskStats struct {
	TotalTasks int       `json:"totalTasks"`
	NotStarted int       `json:"notStarted"`
	InProgress int       `json:"inProgress"`
	Completed  int       `json:"completed"`
	LastUpdate time.Time `json:"lastUpdate"`
	Plans      int       `json:"plans"`
}

// StatusCount はステータス別のタスク件数。
type StatusCount struct {
	Value TaskStatus `json:"value"`
	Label string     `json:"label"`
	Count int        `json:"count"`
}

// FilterOptions はUIのフィルタ候補。
type FilterOptions struct {
	Plans    []Plan        `json:"plans"`
	Statuses []StatusCount `json:"statuses"`
}
