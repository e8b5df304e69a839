package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestBulkInsertQueued_StampsStatementClock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	// now()はトランザクション内で同一時刻になるため、挿入順を保存するには
	// clock_timestamp()での打刻が必要
	prep := mock.ExpectPrepare(`INSERT INTO analysis_run_items .+ VALUES \(\$1, \$2, \$3, 'queued', clock_timestamp\(\)\)`)
	prep.ExpectExec().WithArgs(sqlmock.AnyArg(), "run-1", "i1").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(sqlmock.AnyArg(), "run-1", "i2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewPostgresRunItemRepo(db)
	inserted, err := repo.BulkInsertQueued(context.Background(), "run-1", []string{"i1", "i2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted != 2 {
		t.Errorf("inserted = %d, want 2", inserted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("SQLが期待と一致しません: %v", err)
	}
}

func TestClaimQueued_OrdersByCreationThenID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "run_id", "item_id", "state", "started_at", "completed_at",
		"tokens_used", "cost_usd", "error_message", "created_at",
	}).AddRow("ri1", "run-1", "i1", "processing", now, nil, 0, 0.0, "", now)

	// 同時刻のcreated_atはidで順序を固定する
	mock.ExpectQuery(`ORDER BY created_at, id\s+LIMIT \$2\s+FOR UPDATE SKIP LOCKED`).
		WithArgs("run-1", 10).
		WillReturnRows(rows)

	repo := NewPostgresRunItemRepo(db)
	claimed, err := repo.ClaimQueued(context.Background(), "run-1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "ri1" {
		t.Fatalf("claimed = %v", claimed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("SQLが期待と一致しません: %v", err)
	}
}
