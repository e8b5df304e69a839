package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/newsmcp/internal/model"
)

// PostgresFeedHealthRepo はPostgreSQLを使用したフィードヘルスリポジトリ。
type PostgresFeedHealthRepo struct {
	db *sql.DB
}

// NewPostgresFeedHealthRepo はPostgresFeedHealthRepoを生成する。
func NewPostgresFeedHealthRepo(db *sql.DB) *PostgresFeedHealthRepo {
	return &PostgresFeedHealthRepo{db: db}
}

// Find は指定フィードのヘルスを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedHealthRepo) Find(ctx context.Context, feedID string) (*model.FeedHealth, error) {
	health := &model.FeedHealth{}
	var lastSuccess, lastFailure sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT feed_id, ok_ratio, consecutive_failures, avg_response_time_ms,
		        last_success, last_failure, uptime_24h, uptime_7d, updated_at
		 FROM feed_health WHERE feed_id = $1`,
		feedID,
	).Scan(
		&health.FeedID, &health.OKRatio, &health.ConsecutiveFailures, &health.AvgResponseTimeMS,
		&lastSuccess, &lastFailure, &health.Uptime24h, &health.Uptime7d, &health.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードヘルスの取得に失敗しました: %w", err)
	}

	health.LastSuccess = nullTimePtr(lastSuccess)
	health.LastFailure = nullTimePtr(lastFailure)
	return health, nil
}

// Upsert はフィードヘルスを冪等にUPSERTする。
func (r *PostgresFeedHealthRepo) Upsert(ctx context.Context, health *model.FeedHealth) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feed_health (feed_id, ok_ratio, consecutive_failures, avg_response_time_ms,
		                          last_success, last_failure, uptime_24h, uptime_7d, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (feed_id) DO UPDATE SET
		    ok_ratio = EXCLUDED.ok_ratio,
		    consecutive_failures = EXCLUDED.consecutive_failures,
		    avg_response_time_ms = EXCLUDED.avg_response_time_ms,
		    last_success = EXCLUDED.last_success,
		    last_failure = EXCLUDED.last_failure,
		    uptime_24h = EXCLUDED.uptime_24h,
		    uptime_7d = EXCLUDED.uptime_7d,
		    updated_at = now()`,
		health.FeedID, health.OKRatio, health.ConsecutiveFailures, health.AvgResponseTimeMS,
		timeOrNil(health.LastSuccess), timeOrNil(health.LastFailure),
		health.Uptime24h, health.Uptime7d,
	)
	if err != nil {
		return fmt.Errorf("フィードヘルスのUPSERTに失敗しました: %w", err)
	}
	return nil
}
