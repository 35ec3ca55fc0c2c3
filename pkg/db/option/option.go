package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption func(*gorm.DB) *gorm.DB

type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

// Condition is a single field comparison applied to the query.
type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

// ApplyOperator adds a comparison condition for an allow-listed column name.
func ApplyOperator(cond Condition) QueryOption {
	return func(stmt *gorm.DB) *gorm.DB {
		field := sanitizeColumn(cond.Field)
		if field == "" {
			return stmt
		}
		return stmt.Where(fmt.Sprintf("%s %s ?", field, cond.Operator), cond.Value)
	}
}

// QuerySortBy restricts sorting to an allow-listed set of columns.
type QuerySortBy struct {
	Field string
	Desc  bool
	Allow map[string]bool
}

// WithSortBy orders results by an allow-listed column, default created_at.
func WithSortBy(sort QuerySortBy) QueryOption {
	return func(stmt *gorm.DB) *gorm.DB {
		field := sanitizeColumn(sort.Field)
		if field == "" || !sort.Allow[field] {
			field = "created_at"
		}
		direction := "asc"
		if sort.Desc {
			direction = "desc"
		}
		return stmt.Order(field + " " + direction)
	}
}

// WithLimit caps the number of rows returned.
func WithLimit(limit int) QueryOption {
	return func(stmt *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return stmt
		}
		return stmt.Limit(limit)
	}
}

func sanitizeColumn(field string) string {
	field = strings.TrimSpace(strings.ToLower(field))
	for _, r := range field {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r == '_' {
			continue
		}
		return ""
	}
	return field
}
