package model

import (
	"time"
)

// TimeRange defines a half-open time range [From, To) for queries.
type TimeRange struct {
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// PagedResult wraps paginated query results.
type PagedResult[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
}

// NewPagedResult fills HasMore from the total and the page position.
func NewPagedResult[T any](items []T, total, limit, offset int) PagedResult[T] {
	if items == nil {
		items = []T{}
	}
	return PagedResult[T]{
		Items:   items,
		Total:   total,
		HasMore: offset+len(items) < total,
		Limit:   limit,
		Offset:  offset,
	}
}

// Pagination bounds shared by every list operation.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
	MaxLookupLimit   = 500
)

// ClampLimit maps a requested page size into [1, max], using def for <= 0.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
