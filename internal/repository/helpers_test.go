package repository

import (
	"database/sql"
	"testing"
	"time"
)

func TestNullStringValue(t *testing.T) {
	if got := nullStringValue(sql.NullString{String: "abc", Valid: true}); got != "abc" {
		t.Errorf("got %q, want %q", got, "abc")
	}
	if got := nullStringValue(sql.NullString{}); got != "" {
		t.Errorf("NULLは空文字列を返すべき, got %q", got)
	}
}

func TestNullTimePtr(t *testing.T) {
	now := time.Now()
	got := nullTimePtr(sql.NullTime{Time: now, Valid: true})
	if got == nil || !got.Equal(now) {
		t.Errorf("got %v, want %v", got, now)
	}
	if got := nullTimePtr(sql.NullTime{}); got != nil {
		t.Errorf("NULLはnilを返すべき, got %v", got)
	}
}

func TestTimeOrNil(t *testing.T) {
	if got := timeOrNil(nil); got != nil {
		t.Errorf("nilはnilを返すべき, got %v", got)
	}
	now := time.Now()
	if got := timeOrNil(&now); got != now {
		t.Errorf("got %v, want %v", got, now)
	}
}

func TestNullableJSON(t *testing.T) {
	if got := nullableJSON(nil); got != nil {
		t.Errorf("空のJSONはnilを返すべき, got %v", got)
	}
	if got := nullableJSON([]byte(`{}`)); got == nil {
		t.Error("非空のJSONはそのまま返すべき")
	}
}
