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

// PostgresRunRepo はPostgreSQLを使用した分析ランリポジトリ。
type PostgresRunRepo struct {
	db *sql.DB
}

// NewPostgresRunRepo はPostgresRunRepoを生成する。
func NewPostgresRunRepo(db *sql.DB) *PostgresRunRepo {
	return &PostgresRunRepo{db: db}
}

const runColumns = `id, scope_json, params_json, scope_hash, status, started_at, completed_at,
	triggered_by, cost_estimate, actual_cost, last_error, queued_count, processed_count,
	failed_count, items_per_minute, error_rate, coverage_10m, coverage_60m, created_at, updated_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*model.AnalysisRun, error) {
	run := &model.AnalysisRun{}
	var scopeJSON, paramsJSON []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&run.ID, &scopeJSON, &paramsJSON, &run.ScopeHash, &run.Status, &startedAt, &completedAt,
		&run.TriggeredBy, &run.CostEstimate, &run.ActualCost, &run.LastError,
		&run.QueuedCount, &run.ProcessedCount, &run.FailedCount,
		&run.ItemsPerMinute, &run.ErrorRate, &run.Coverage10m, &run.Coverage60m,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(scopeJSON, &run.Scope); err != nil {
		return nil, fmt.Errorf("スコープのデシリアライズに失敗しました: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &run.Params); err != nil {
		return nil, fmt.Errorf("パラメータのデシリアライズに失敗しました: %w", err)
	}
	run.StartedAt = nullTimePtr(startedAt)
	run.CompletedAt = nullTimePtr(completedAt)
	return run, nil
}

// Create は分析ランを作成する。
func (r *PostgresRunRepo) Create(ctx context.Context, run *model.AnalysisRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}
	if run.ScopeHash == "" {
		run.ScopeHash = model.ComputeScopeHash(run.Scope, run.Params)
	}
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now

	scopeJSON, err := json.Marshal(run.Scope)
	if err != nil {
		return fmt.Errorf("スコープのシリアライズに失敗しました: %w", err)
	}
	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("パラメータのシリアライズに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO analysis_runs (id, scope_json, params_json, scope_hash, status, triggered_by, cost_estimate, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, scopeJSON, paramsJSON, run.ScopeHash, run.Status,
		run.TriggeredBy, run.CostEstimate, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("分析ランの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのランを取得する。見つからない場合はnilを返す。
func (r *PostgresRunRepo) FindByID(ctx context.Context, id string) (*model.AnalysisRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM analysis_runs WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("分析ランの取得に失敗しました: %w", err)
	}
	return run, nil
}

// FindActiveByScopeHash はscope_hashが一致するアクティブなランを返す。
func (r *PostgresRunRepo) FindActiveByScopeHash(ctx context.Context, scopeHash string) (*model.AnalysisRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM analysis_runs
		 WHERE scope_hash = $1 AND status IN ('pending', 'running', 'paused')
		 ORDER BY created_at LIMIT 1`,
		scopeHash,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アクティブランの検索に失敗しました: %w", err)
	}
	return run, nil
}

// MarkRunning はランをrunningに遷移しstarted_atを打刻する。
func (r *PostgresRunRepo) MarkRunning(ctx context.Context, id string) error {
	return r.setStatus(ctx, id,
		`UPDATE analysis_runs SET status = 'running', started_at = now(), updated_at = now() WHERE id = $1`)
}

// MarkCompleted はランをcompletedに遷移しcompleted_atを打刻する。
func (r *PostgresRunRepo) MarkCompleted(ctx context.Context, id string) error {
	return r.setStatus(ctx, id,
		`UPDATE analysis_runs SET status = 'completed', completed_at = now(), updated_at = now() WHERE id = $1`)
}

// MarkFailed はランをfailedに遷移しlast_errorを記録する。
func (r *PostgresRunRepo) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE analysis_runs SET status = 'failed', completed_at = now(), last_error = $2, updated_at = now() WHERE id = $1`,
		id, lastError,
	)
	if err != nil {
		return fmt.Errorf("ラン状態の更新に失敗しました: %w", err)
	}
	return nil
}

// MarkCancelled はランをcancelledに遷移する。
func (r *PostgresRunRepo) MarkCancelled(ctx context.Context, id string) error {
	return r.setStatus(ctx, id,
		`UPDATE analysis_runs SET status = 'cancelled', completed_at = now(), updated_at = now() WHERE id = $1`)
}

func (r *PostgresRunRepo) setStatus(ctx context.Context, id, query string) error {
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("ラン状態の更新に失敗しました: %w", err)
	}
	return nil
}

// ListActive はpending/running/pausedのランをcreated_at昇順で返す。
func (r *PostgresRunRepo) ListActive(ctx context.Context, limit int) ([]*model.AnalysisRun, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM analysis_runs
		 WHERE status IN ('pending', 'running', 'paused')
		 ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("アクティブランの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var runs []*model.AnalysisRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("ラン行のスキャンに失敗しました: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountActive はアクティブなラン数を返す。
func (r *PostgresRunRepo) CountActive(ctx context.Context) (int, error) {
	return r.countWhere(ctx,
		`SELECT count(*) FROM analysis_runs WHERE status IN ('pending', 'running', 'paused')`)
}

// CountStartedToday は本日開始されたラン数を返す。
func (r *PostgresRunRepo) CountStartedToday(ctx context.Context) (int, error) {
	return r.countWhere(ctx,
		`SELECT count(*) FROM analysis_runs WHERE started_at >= date_trunc('day', now())`)
}

// CountAutoStartedToday は本日開始された自動ラン数を返す。
func (r *PostgresRunRepo) CountAutoStartedToday(ctx context.Context) (int, error) {
	return r.countWhere(ctx,
		`SELECT count(*) FROM analysis_runs WHERE started_at >= date_trunc('day', now()) AND triggered_by = 'auto'`)
}

// CountStartedLastHour は直近1時間に開始されたラン数を返す。
func (r *PostgresRunRepo) CountStartedLastHour(ctx context.Context) (int, error) {
	return r.countWhere(ctx,
		`SELECT count(*) FROM analysis_runs WHERE started_at >= now() - interval '1 hour'`)
}

func (r *PostgresRunRepo) countWhere(ctx context.Context, query string) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("ラン数の集計に失敗しました: %w", err)
	}
	return count, nil
}

// UpdateAggregates はランの集計値を更新しupdated_at（ハートビート）を打刻する。
func (r *PostgresRunRepo) UpdateAggregates(ctx context.Context, id string, counts model.RunItemCounts, actualCost, itemsPerMinute, errorRate float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE analysis_runs
		 SET queued_count = $2, processed_count = $3, failed_count = $4,
		     actual_cost = $5, items_per_minute = $6, error_rate = $7, updated_at = now()
		 WHERE id = $1`,
		id, counts.Queued+counts.Processing, counts.Completed+counts.Skipped, counts.Failed,
		actualCost, itemsPerMinute, errorRate,
	)
	if err != nil {
		return fmt.Errorf("ラン集計値の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateCoverage はSLOカバレッジゲージを更新する。
func (r *PostgresRunRepo) UpdateCoverage(ctx context.Context, id string, coverage10m, coverage60m float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE analysis_runs SET coverage_10m = $2, coverage_60m = $3, updated_at = now() WHERE id = $1`,
		id, coverage10m, coverage60m,
	)
	if err != nil {
		return fmt.Errorf("カバレッジの更新に失敗しました: %w", err)
	}
	return nil
}
