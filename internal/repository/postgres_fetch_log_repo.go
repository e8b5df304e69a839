package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmcp/internal/model"
)

// PostgresFetchLogRepo はPostgreSQLを使用したフェッチログリポジトリ。
// fetch_logは追記専用で、行の更新は完了時の1回のみ。
type PostgresFetchLogRepo struct {
	db *sql.DB
}

// NewPostgresFetchLogRepo はPostgresFetchLogRepoを生成する。
func NewPostgresFetchLogRepo(db *sql.DB) *PostgresFetchLogRepo {
	return &PostgresFetchLogRepo{db: db}
}

// InsertRunning はstatus=runningのフェッチログ行を挿入しIDを返す。
func (r *PostgresFetchLogRepo) InsertRunning(ctx context.Context, feedID string) (string, error) {
	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO fetch_log (id, feed_id, started_at, status)
		 VALUES ($1, $2, now(), $3)`,
		id, feedID, model.FetchLogStatusRunning,
	)
	if err != nil {
		return "", fmt.Errorf("フェッチログの挿入に失敗しました: %w", err)
	}
	return id, nil
}

// Complete はフェッチログ行を完了状態に更新する。
func (r *PostgresFetchLogRepo) Complete(ctx context.Context, id string, status model.FetchLogStatus, itemsFound, itemsNew int, responseTimeMS int64, errorMessage string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE fetch_log
		 SET completed_at = now(), status = $2, items_found = $3, items_new = $4,
		     response_time_ms = $5, error_message = $6
		 WHERE id = $1`,
		id, status, itemsFound, itemsNew, responseTimeMS, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("フェッチログの完了更新に失敗しました: %w", err)
	}
	return nil
}

// WindowStats は指定時刻以降のフェッチ試行の集計を返す。
// running行はまだ結果が出ていないため集計から除外する。
func (r *PostgresFetchLogRepo) WindowStats(ctx context.Context, feedID string, since time.Time) (model.FetchWindowStats, error) {
	var stats model.FetchWindowStats
	var avgRT sql.NullFloat64
	var lastSuccess, lastFailure sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE status IN ('success', 'not_modified')),
		        COALESCE(avg(response_time_ms) FILTER (WHERE status IN ('success', 'not_modified')), 0),
		        max(completed_at) FILTER (WHERE status IN ('success', 'not_modified')),
		        max(completed_at) FILTER (WHERE status = 'error')
		 FROM fetch_log
		 WHERE feed_id = $1 AND started_at >= $2 AND status <> 'running'`,
		feedID, since,
	).Scan(&stats.Total, &stats.OK, &avgRT, &lastSuccess, &lastFailure)
	if err != nil {
		return stats, fmt.Errorf("フェッチ統計の集計に失敗しました: %w", err)
	}

	stats.AvgResponseTimeMS = avgRT.Float64
	stats.LastSuccess = nullTimePtr(lastSuccess)
	stats.LastFailure = nullTimePtr(lastFailure)
	return stats, nil
}
