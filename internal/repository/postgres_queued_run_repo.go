package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmcp/internal/model"
)

// PostgresQueuedRunRepo はPostgreSQLを使用した待機ランリポジトリ。
// DequeueNextは優先度順・FIFO順の取得と状態遷移を単一文で行う。
type PostgresQueuedRunRepo struct {
	db *sql.DB
}

// NewPostgresQueuedRunRepo はPostgresQueuedRunRepoを生成する。
func NewPostgresQueuedRunRepo(db *sql.DB) *PostgresQueuedRunRepo {
	return &PostgresQueuedRunRepo{db: db}
}

const queuedRunColumns = `id, priority, status, scope_hash, scope_json, params_json,
	triggered_by, queue_position, analysis_run_id, error_message, created_at, started_at`

func scanQueuedRun(row interface{ Scan(...interface{}) error }) (*model.QueuedRun, error) {
	q := &model.QueuedRun{}
	var priority int
	var scopeJSON, paramsJSON []byte
	var analysisRunID sql.NullString
	var startedAt sql.NullTime

	err := row.Scan(
		&q.ID, &priority, &q.Status, &q.ScopeHash, &scopeJSON, &paramsJSON,
		&q.TriggeredBy, &q.QueuePosition, &analysisRunID, &q.ErrorMessage,
		&q.CreatedAt, &startedAt,
	)
	if err != nil {
		return nil, err
	}

	q.Priority = model.RunPriority(priority)
	if err := json.Unmarshal(scopeJSON, &q.Scope); err != nil {
		return nil, fmt.Errorf("スコープのデシリアライズに失敗しました: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &q.Params); err != nil {
		return nil, fmt.Errorf("パラメータのデシリアライズに失敗しました: %w", err)
	}
	if analysisRunID.Valid {
		q.AnalysisRunID = &analysisRunID.String
	}
	q.StartedAt = nullTimePtr(startedAt)
	return q, nil
}

// Insert は待機ランを挿入する。
func (r *PostgresQueuedRunRepo) Insert(ctx context.Context, queued *model.QueuedRun) error {
	if queued.ID == "" {
		queued.ID = uuid.NewString()
	}
	if queued.Status == "" {
		queued.Status = model.QueuedRunQueued
	}
	if queued.ScopeHash == "" {
		queued.ScopeHash = model.ComputeScopeHash(queued.Scope, queued.Params)
	}
	queued.CreatedAt = time.Now()

	scopeJSON, err := json.Marshal(queued.Scope)
	if err != nil {
		return fmt.Errorf("スコープのシリアライズに失敗しました: %w", err)
	}
	paramsJSON, err := json.Marshal(queued.Params)
	if err != nil {
		return fmt.Errorf("パラメータのシリアライズに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO queued_runs (id, priority, status, scope_hash, scope_json, params_json, triggered_by, queue_position, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         (SELECT COALESCE(max(queue_position), 0) + 1 FROM queued_runs WHERE status = 'QUEUED'),
		         $8)`,
		queued.ID, int(queued.Priority), queued.Status, queued.ScopeHash,
		scopeJSON, paramsJSON, queued.TriggeredBy, queued.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("待機ランの挿入に失敗しました: %w", err)
	}
	return nil
}

// FindActiveByScopeHash はscope_hashが一致する{QUEUED, RUNNING}の行を返す。
func (r *PostgresQueuedRunRepo) FindActiveByScopeHash(ctx context.Context, scopeHash string) (*model.QueuedRun, error) {
	q, err := scanQueuedRun(r.db.QueryRowContext(ctx,
		`SELECT `+queuedRunColumns+` FROM queued_runs
		 WHERE scope_hash = $1 AND status IN ('QUEUED', 'RUNNING')
		 ORDER BY created_at LIMIT 1`,
		scopeHash,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アクティブ待機ランの検索に失敗しました: %w", err)
	}
	return q, nil
}

// FindByID は指定IDの待機ランを取得する。見つからない場合はnilを返す。
func (r *PostgresQueuedRunRepo) FindByID(ctx context.Context, id string) (*model.QueuedRun, error) {
	q, err := scanQueuedRun(r.db.QueryRowContext(ctx,
		`SELECT `+queuedRunColumns+` FROM queued_runs WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("待機ランの取得に失敗しました: %w", err)
	}
	return q, nil
}

// DequeueNext は優先度順・created_at昇順で次のQUEUED行を取得し、
// 単一文でRUNNINGへ遷移させstarted_atを打刻する。空の場合はnilを返す。
// FOR UPDATE SKIP LOCKEDにより複数ディスパッチャの同時呼び出しでも
// 同一行が二重に返ることはない。
func (r *PostgresQueuedRunRepo) DequeueNext(ctx context.Context) (*model.QueuedRun, error) {
	q, err := scanQueuedRun(r.db.QueryRowContext(ctx,
		`UPDATE queued_runs
		 SET status = 'RUNNING', started_at = now()
		 WHERE id = (
		     SELECT id FROM queued_runs
		     WHERE status = 'QUEUED'
		     ORDER BY priority, created_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING ` + queuedRunColumns,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("待機ランのデキューに失敗しました: %w", err)
	}
	return q, nil
}

// MarkCompleted は待機ランをCOMPLETEDに遷移しanalysis_run_idを記録する。
func (r *PostgresQueuedRunRepo) MarkCompleted(ctx context.Context, id, analysisRunID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queued_runs SET status = 'COMPLETED', analysis_run_id = $2 WHERE id = $1`,
		id, analysisRunID,
	)
	if err != nil {
		return fmt.Errorf("待機ランの完了更新に失敗しました: %w", err)
	}
	return nil
}

// MarkFailed は待機ランをFAILEDに遷移し理由を記録する。
func (r *PostgresQueuedRunRepo) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queued_runs SET status = 'FAILED', error_message = $2 WHERE id = $1`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("待機ランの失敗更新に失敗しました: %w", err)
	}
	return nil
}

// Cancel は待機ランをCANCELLEDに遷移する。QUEUEDの行のみが対象。
func (r *PostgresQueuedRunRepo) Cancel(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queued_runs SET status = 'CANCELLED' WHERE id = $1 AND status = 'QUEUED'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("待機ランのキャンセルに失敗しました: %w", err)
	}
	return nil
}

// ClearQueued は全QUEUED行をCANCELLEDに遷移させ件数を返す。緊急停止に使用する。
func (r *PostgresQueuedRunRepo) ClearQueued(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE queued_runs SET status = 'CANCELLED' WHERE status = 'QUEUED'`,
	)
	if err != nil {
		return 0, fmt.Errorf("待機キューのクリアに失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("クリア件数の取得に失敗しました: %w", err)
	}
	return affected, nil
}

// Status は状態別・優先度別の件数集計を返す。
// 優先度別の集計はQUEUEDの行のみが対象。
func (r *PostgresQueuedRunRepo) Status(ctx context.Context) (*model.QueueStatus, error) {
	status := &model.QueueStatus{
		ByStatus:   map[model.QueuedRunStatus]int{},
		ByPriority: map[string]int{},
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT status, count(*) FROM queued_runs GROUP BY status`,
	)
	if err != nil {
		return nil, fmt.Errorf("キュー状態の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s model.QueuedRunStatus
		var count int
		if err := rows.Scan(&s, &count); err != nil {
			return nil, fmt.Errorf("キュー状態行のスキャンに失敗しました: %w", err)
		}
		status.ByStatus[s] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キュー状態行の走査に失敗しました: %w", err)
	}

	prows, err := r.db.QueryContext(ctx,
		`SELECT priority, count(*) FROM queued_runs WHERE status = 'QUEUED' GROUP BY priority`,
	)
	if err != nil {
		return nil, fmt.Errorf("優先度別件数の集計に失敗しました: %w", err)
	}
	defer prows.Close()

	for prows.Next() {
		var priority, count int
		if err := prows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("優先度別件数行のスキャンに失敗しました: %w", err)
		}
		status.ByPriority[model.RunPriority(priority).String()] = count
	}
	return status, prows.Err()
}

// List は待機ランを優先度順で最大limit件返す。
func (r *PostgresQueuedRunRepo) List(ctx context.Context, limit int) ([]*model.QueuedRun, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queuedRunColumns+` FROM queued_runs
		 WHERE status IN ('QUEUED', 'RUNNING')
		 ORDER BY priority, created_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("待機ランの一覧取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var queued []*model.QueuedRun
	for rows.Next() {
		q, err := scanQueuedRun(rows)
		if err != nil {
			return nil, fmt.Errorf("待機ラン行のスキャンに失敗しました: %w", err)
		}
		queued = append(queued, q)
	}
	return queued, rows.Err()
}
