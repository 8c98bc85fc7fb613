package repository

import (
	"math"

	"gorm.io/gorm"
)

const (
	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type PageRequest struct {
	Page     int
	PageSize int
}

type PageResult[T any] struct {
	Items      []T
	Page       int
	PageSize   int
	Total      int64
	TotalPages int
}

func normalizePageRequest(in PageRequest) PageRequest {
	page := in.Page
	if page < 1 {
		page = DefaultPage
	}
	pageSize := in.PageSize
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return PageRequest{Page: page, PageSize: pageSize}
}

func calcTotalPages(total int64, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return int(math.Ceil(float64(total) / float64(pageSize)))
}

// listPaged counts q and loads one ordered page of it. Preloads are only
// applied to the page query.
func listPaged[T any](q *gorm.DB, req PageRequest, order string, preloads ...string) (PageResult[T], error) {
	normalized := normalizePageRequest(req)
	result := PageResult[T]{Page: normalized.Page, PageSize: normalized.PageSize, Items: []T{}}
	if err := q.Session(&gorm.Session{}).Count(&result.Total).Error; err != nil {
		return PageResult[T]{}, err
	}
	offset := (normalized.Page - 1) * normalized.PageSize
	find := q.Session(&gorm.Session{})
	for _, p := range preloads {
		find = find.Preload(p)
	}
	if err := find.Order(order).Offset(offset).Limit(normalized.PageSize).Find(&result.Items).Error; err != nil {
		return PageResult[T]{}, err
	}
	result.TotalPages = calcTotalPages(result.Total, normalized.PageSize)
	return result, nil
}
