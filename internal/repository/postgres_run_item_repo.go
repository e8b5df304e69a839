package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmcp/internal/model"
)

// PostgresRunItemRepo はPostgreSQLを使用したラン記事リポジトリ。
// ClaimQueuedはFOR UPDATE SKIP LOCKEDで複数ワーカーの同時取得を排他する。
type PostgresRunItemRepo struct {
	db *sql.DB
}

// NewPostgresRunItemRepo はPostgresRunItemRepoを生成する。
func NewPostgresRunItemRepo(db *sql.DB) *PostgresRunItemRepo {
	return &PostgresRunItemRepo{db: db}
}

// BulkInsertQueued は記事IDごとにstate=queuedの行を一括挿入し、挿入件数を返す。
func (r *PostgresRunItemRepo) BulkInsertQueued(ctx context.Context, runID string, itemIDs []string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// now()はトランザクション内で固定されるため、挿入順を保存する
	// clock_timestamp()で打刻する。
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO analysis_run_items (id, run_id, item_id, state, created_at)
		 VALUES ($1, $2, $3, 'queued', clock_timestamp())`,
	)
	if err != nil {
		return 0, fmt.Errorf("挿入文の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, itemID := range itemIDs {
		if _, err := stmt.ExecContext(ctx, uuid.NewString(), runID, itemID); err != nil {
			return 0, fmt.Errorf("ラン記事の挿入に失敗しました: %w", err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return inserted, nil
}

// ClaimQueued は最も古いqueued行を最大chunk件、FOR UPDATE SKIP LOCKEDで
// 排他的に取得し、単一文でstate=processingへ遷移させstarted_atを打刻する。
// 他のワーカーがロック中の行は読み飛ばされるため、同一行が二重に返ることはない。
// created_atが同時刻の行はidで順序を固定する。
func (r *PostgresRunItemRepo) ClaimQueued(ctx context.Context, runID string, chunk int) ([]*model.AnalysisRunItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE analysis_run_items
		 SET state = 'processing', started_at = now()
		 WHERE id IN (
		     SELECT id FROM analysis_run_items
		     WHERE run_id = $1 AND state = 'queued'
		     ORDER BY created_at, id
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, run_id, item_id, state, started_at, completed_at, tokens_used, cost_usd, error_message, created_at`,
		runID, chunk,
	)
	if err != nil {
		return nil, fmt.Errorf("ラン記事の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var items []*model.AnalysisRunItem
	for rows.Next() {
		item := &model.AnalysisRunItem{}
		var startedAt, completedAt sql.NullTime
		err := rows.Scan(
			&item.ID, &item.RunID, &item.ItemID, &item.State, &startedAt, &completedAt,
			&item.TokensUsed, &item.CostUSD, &item.ErrorMessage, &item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("ラン記事行のスキャンに失敗しました: %w", err)
		}
		item.StartedAt = nullTimePtr(startedAt)
		item.CompletedAt = nullTimePtr(completedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// ResetStaleProcessing はstarted_atがmaxAgeより古いprocessing行をqueuedへ戻し、
// 件数を返す。クラッシュしたワーカーの持ち分を再回収する。
func (r *PostgresRunItemRepo) ResetStaleProcessing(ctx context.Context, maxAge time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE analysis_run_items
		 SET state = 'queued', started_at = NULL
		 WHERE state = 'processing' AND started_at < $1`,
		time.Now().Add(-maxAge),
	)
	if err != nil {
		return 0, fmt.Errorf("滞留processing行のリセットに失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("リセット件数の取得に失敗しました: %w", err)
	}
	return affected, nil
}

// MarkCompleted はラン記事をcompletedに遷移しトークン数とコストを記録する。
func (r *PostgresRunItemRepo) MarkCompleted(ctx context.Context, id string, tokensUsed int, costUSD float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE analysis_run_items
		 SET state = 'completed', completed_at = now(), tokens_used = $2, cost_usd = $3
		 WHERE id = $1`,
		id, tokensUsed, costUSD,
	)
	if err != nil {
		return fmt.Errorf("ラン記事の完了更新に失敗しました: %w", err)
	}
	return nil
}

// MarkFailed はラン記事をfailedに遷移しエラーメッセージを記録する。
func (r *PostgresRunItemRepo) MarkFailed(ctx context.Context, id, errorMessage string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE analysis_run_items
		 SET state = 'failed', completed_at = now(), error_message = $2
		 WHERE id = $1`,
		id, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("ラン記事の失敗更新に失敗しました: %w", err)
	}
	return nil
}

// MarkSkipped はラン記事をskippedに遷移する。
func (r *PostgresRunItemRepo) MarkSkipped(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE analysis_run_items
		 SET state = 'skipped', completed_at = now(), error_message = $2
		 WHERE id = $1`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("ラン記事のスキップ更新に失敗しました: %w", err)
	}
	return nil
}

// CountsByState はランの状態別件数を返す。
func (r *PostgresRunItemRepo) CountsByState(ctx context.Context, runID string) (model.RunItemCounts, error) {
	var counts model.RunItemCounts
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FILTER (WHERE state = 'queued'),
		        count(*) FILTER (WHERE state = 'processing'),
		        count(*) FILTER (WHERE state = 'completed'),
		        count(*) FILTER (WHERE state = 'failed'),
		        count(*) FILTER (WHERE state = 'skipped')
		 FROM analysis_run_items WHERE run_id = $1`,
		runID,
	).Scan(&counts.Queued, &counts.Processing, &counts.Completed, &counts.Failed, &counts.Skipped)
	if err != nil {
		return counts, fmt.Errorf("状態別件数の集計に失敗しました: %w", err)
	}
	return counts, nil
}

// SumCost はランの記事別コストの合計を返す。
func (r *PostgresRunItemRepo) SumCost(ctx context.Context, runID string) (float64, error) {
	var total float64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(sum(cost_usd), 0) FROM analysis_run_items WHERE run_id = $1`,
		runID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("コスト合計の集計に失敗しました: %w", err)
	}
	return total, nil
}
