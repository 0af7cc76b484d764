package task

import (
	"slices"
	"strings"
	"time"
)

// SortOrder 决定列表按更新时间的排序方向。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListOptions 是运行列表与统计共用的过滤条件。
type ListOptions struct {
	Limit      int
	Offset     int
	Statuses   []Status
	UpdatedGTE int64
	HasReport  *bool
	Order      SortOrder
	// Chain 与 Target 为精确匹配，地址比较不区分大小写。
	Chain  string
	Target string
	// Query 对运行 ID、目标地址、审计目标、错误信息和报告做模糊匹配。
	Query string
}

func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = defaultPageSize
	case opts.Limit > maxPageSize:
		opts.Limit = maxPageSize
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = normalizeStatuses(opts.Statuses)
	if opts.Order != SortByUpdatedAsc {
		opts.Order = SortByUpdatedDesc
	}
	opts.Chain = strings.TrimSpace(opts.Chain)
	opts.Target = strings.ToLower(strings.TrimSpace(opts.Target))
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) { opts.Statuses = slices.Clone(statuses) }
}

// WithUpdatedSince 只返回该时刻之后（含）更新过的运行，零值表示不限制。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.UpdatedGTE = 0
		if !ts.IsZero() {
			opts.UpdatedGTE = ts.Unix()
		}
	}
}

// WithReportPresence 按是否已有报告过滤。
func WithReportPresence(has bool) ListOption {
	return func(opts *ListOptions) { opts.HasReport = &has }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithChain 只返回指定链上的运行。
func WithChain(chain string) ListOption {
	return func(opts *ListOptions) { opts.Chain = chain }
}

// WithTarget 只返回审计指定合约地址的运行。
func WithTarget(target string) ListOption {
	return func(opts *ListOptions) { opts.Target = target }
}

func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

// normalizeStatuses 去掉未知与重复的状态，保持原有顺序。
func normalizeStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(out, status) {
			out = append(out, status)
		}
	}
	return out
}

func hasReport(t *Task) bool {
	return t != nil && t.Result != nil && t.Result.Report != ""
}

// runPredicate 是内存实现使用的单个过滤条件，与 MySQL 的 WHERE 子句一一对应。
type runPredicate func(*Task) bool

func (opts ListOptions) predicates() []runPredicate {
	var preds []runPredicate
	if len(opts.Statuses) > 0 {
		preds = append(preds, func(t *Task) bool { return slices.Contains(opts.Statuses, t.Status) })
	}
	if opts.UpdatedGTE > 0 {
		preds = append(preds, func(t *Task) bool { return t.UpdatedAt >= opts.UpdatedGTE })
	}
	if opts.HasReport != nil {
		want := *opts.HasReport
		preds = append(preds, func(t *Task) bool { return hasReport(t) == want })
	}
	if opts.Chain != "" {
		preds = append(preds, func(t *Task) bool { return t.Chain == opts.Chain })
	}
	if opts.Target != "" {
		preds = append(preds, func(t *Task) bool { return strings.EqualFold(t.Target, opts.Target) })
	}
	if opts.Query != "" {
		needle := strings.ToLower(opts.Query)
		preds = append(preds, func(t *Task) bool {
			return slices.ContainsFunc(searchableFields(t), func(field string) bool {
				return strings.Contains(strings.ToLower(field), needle)
			})
		})
	}
	return preds
}

func searchableFields(t *Task) []string {
	fields := []string{t.ID, t.Target, t.Objective, t.LastError}
	if t.Result != nil {
		fields = append(fields, t.Result.Report)
	}
	return fields
}

func matchesAll(t *Task, preds []runPredicate) bool {
	for _, pred := range preds {
		if !pred(t) {
			return false
		}
	}
	return true
}
