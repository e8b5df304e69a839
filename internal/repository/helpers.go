package repository

import (
	"database/sql"
	"database/sql/driver"
	"time"

	"github.com/lib/pq"
)

// nullStringValue はsql.NullStringから値を取り出す。NULLの場合は空文字列を返す。
func nullStringValue(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

// nullTimePtr はsql.NullTimeから*time.Timeを取り出す。NULLの場合はnilを返す。
func nullTimePtr(v sql.NullTime) *time.Time {
	if v.Valid {
		t := v.Time
		return &t
	}
	return nil
}

// timeOrNil は*time.Timeをsql引数用のinterface{}に変換する。
func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// strOrNil は空文字列をNULLとして扱うsql引数用のinterface{}に変換する。
func strOrNil(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// pqStringArray は文字列スライスをPostgreSQLの配列引数に変換する。
func pqStringArray(ids []string) driver.Valuer {
	return pq.Array(ids)
}
