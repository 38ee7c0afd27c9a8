package taskstore

import (
	"sort"
	"strings"

	"github.com/hitoshi/tasksbyme/internal/model"
)

// Apply はタスク一覧にフィルタとソートを適用した新しいスライスを返す。入力は変更しない。
//
// ソートは安定ソートで、同値のタスクは元の相対順序を保つ。
// dueDateTimeでのソートでは、期限なしのタスクは昇順・降順どちらでも末尾に並ぶ。
func Apply(tasks []model.Task, q model.TaskQuery) []model.Task {
	search := strings.ToLower(strings.TrimSpace(q.Search))

	out := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if q.Status != "" && t.Status() != q.Status {
			continue
		}
		if q.PlanID != "" && t.PlanID != q.PlanID {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(t.Title), search) {
			continue
		}
		out = append(out, t)
	}

	if q.SortBy == "" {
		return out
	}

	desc := q.SortOrder == model.SortDesc
	sort.SliceStable(out, func(i, j int) bool {
		return less(&out[i], &out[j], q.SortBy, desc)
	})

	return out
}

// less はソートキーと方向に応じてaがbより前に並ぶかを判定する。
func less(a, b *model.Task, key model.SortKey, desc bool) bool {
	switch key {
	case model.SortByTitle:
		at, bt := strings.ToLower(a.Title), strings.ToLower(b.Title)
		if desc {
			return at > bt
		}
		return at < bt

	case model.SortByCreatedDateTime:
		if desc {
			return a.CreatedDateTime.After(b.CreatedDateTime)
		}
		return a.CreatedDateTime.Before(b.CreatedDateTime)

	case model.SortByDueDateTime:
		// 期限なしは方向に関係なく末尾
		switch {
		case a.DueDateTime == nil && b.DueDateTime == nil:
			return false
		case a.DueDateTime == nil:
			return false
		case b.DueDateTime == nil:
			return true
		}
		if desc {
			return a.DueDateTime.After(*b.DueDateTime)
		}
		return a.DueDateTime.Before(*b.DueDateTime)

	case model.SortByPriority:
		if desc {
			return a.Priority > b.Priority
		}
		return a.Priority < b.Priority
	}

	return false
}
