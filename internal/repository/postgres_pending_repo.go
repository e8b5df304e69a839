package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmcp/internal/model"
)

// PostgresPendingAutoAnalysisRepo はPostgreSQLを使用した自動分析要求リポジトリ。
// フェッチャーが書き込み、分析ワーカーがFIFOで消費する。
type PostgresPendingAutoAnalysisRepo struct {
	db *sql.DB
}

// NewPostgresPendingAutoAnalysisRepo はPostgresPendingAutoAnalysisRepoを生成する。
func NewPostgresPendingAutoAnalysisRepo(db *sql.DB) *PostgresPendingAutoAnalysisRepo {
	return &PostgresPendingAutoAnalysisRepo{db: db}
}

// Enqueue は自動分析要求を挿入する。
func (r *PostgresPendingAutoAnalysisRepo) Enqueue(ctx context.Context, feedID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	idsJSON, err := json.Marshal(itemIDs)
	if err != nil {
		return fmt.Errorf("記事ID一覧のシリアライズに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO pending_auto_analysis (id, feed_id, item_ids, status, created_at)
		 VALUES ($1, $2, $3, 'pending', now())`,
		uuid.NewString(), feedID, idsJSON,
	)
	if err != nil {
		return fmt.Errorf("自動分析要求の挿入に失敗しました: %w", err)
	}
	return nil
}

// TakePending はstatus=pendingの行を最大limit件、FOR UPDATE SKIP LOCKEDで
// 取得しprocessingへ遷移させる。created_at昇順のFIFO。
func (r *PostgresPendingAutoAnalysisRepo) TakePending(ctx context.Context, limit int) ([]*model.PendingAutoAnalysis, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE pending_auto_analysis
		 SET status = 'processing'
		 WHERE id IN (
		     SELECT id FROM pending_auto_analysis
		     WHERE status = 'pending'
		     ORDER BY created_at
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, feed_id, item_ids, status, created_at, processed_at`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("自動分析要求の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var pending []*model.PendingAutoAnalysis
	for rows.Next() {
		p := &model.PendingAutoAnalysis{}
		var idsJSON []byte
		var processedAt sql.NullTime

		if err := rows.Scan(&p.ID, &p.FeedID, &idsJSON, &p.Status, &p.CreatedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("自動分析要求行のスキャンに失敗しました: %w", err)
		}
		if err := json.Unmarshal(idsJSON, &p.ItemIDs); err != nil {
			return nil, fmt.Errorf("記事ID一覧のデシリアライズに失敗しました: %w", err)
		}
		p.ProcessedAt = nullTimePtr(processedAt)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// MarkDone は要求をdoneに遷移しprocessed_atを打刻する。
func (r *PostgresPendingAutoAnalysisRepo) MarkDone(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_auto_analysis SET status = 'done', processed_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("自動分析要求の完了更新に失敗しました: %w", err)
	}
	return nil
}

// MarkError は要求をerrorに遷移する。
func (r *PostgresPendingAutoAnalysisRepo) MarkError(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pending_auto_analysis SET status = 'error', processed_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("自動分析要求のエラー更新に失敗しました: %w", err)
	}
	return nil
}
