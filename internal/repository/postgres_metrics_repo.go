package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/newsmcp/internal/model"
)

// PostgresMetricsRepo はPostgreSQLを使用したコスト/処理量ロールアップリポジトリ。
// 平均値フィールドは件数加重の逐次平均で更新し、上書きしない。
type PostgresMetricsRepo struct {
	db *sql.DB
}

// NewPostgresMetricsRepo はPostgresMetricsRepoを生成する。
func NewPostgresMetricsRepo(db *sql.DB) *PostgresMetricsRepo {
	return &PostgresMetricsRepo{db: db}
}

// UpsertFeedSample はラン記事1件の完了サンプルを日次フィードメトリクスへ加算する。
// 単一のUPSERT文で加算するため、同一キーへの同時挿入で増分が失われることはない。
// model_breakdownの該当モデル要素もjsonb_setでSQL側で加算する。
func (r *PostgresMetricsRepo) UpsertFeedSample(ctx context.Context, sample model.AnalysisSample) error {
	date := sample.CompletedAt.UTC().Truncate(24 * time.Hour)

	success := 0
	failed := 0
	if sample.Success {
		success = 1
	} else {
		failed = 1
	}

	breakdownJSON, err := json.Marshal(map[string]model.ModelUsage{
		sample.ModelTag: {Items: 1, Tokens: int64(sample.TokensUsed), CostUSD: sample.CostUSD},
	})
	if err != nil {
		return fmt.Errorf("model_breakdownのシリアライズに失敗しました: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO feed_metrics (feed_id, metric_date, total_items_processed, successful_items, failed_items,
		                           total_cost_usd, total_tokens, avg_processing_time_seconds, model_breakdown, updated_at)
		 VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $8, now())
		 ON CONFLICT (feed_id, metric_date) DO UPDATE SET
		    total_items_processed = feed_metrics.total_items_processed + 1,
		    successful_items = feed_metrics.successful_items + $3,
		    failed_items = feed_metrics.failed_items + $4,
		    total_cost_usd = feed_metrics.total_cost_usd + $5,
		    total_tokens = feed_metrics.total_tokens + $6,
		    avg_processing_time_seconds = (feed_metrics.avg_processing_time_seconds * feed_metrics.total_items_processed + $7)
		                                  / (feed_metrics.total_items_processed + 1),
		    model_breakdown = jsonb_set(
		        feed_metrics.model_breakdown,
		        ARRAY[$9::text],
		        jsonb_build_object(
		            'items',    COALESCE((feed_metrics.model_breakdown -> $9 ->> 'items')::bigint, 0) + 1,
		            'tokens',   COALESCE((feed_metrics.model_breakdown -> $9 ->> 'tokens')::bigint, 0) + $6,
		            'cost_usd', COALESCE((feed_metrics.model_breakdown -> $9 ->> 'cost_usd')::double precision, 0) + $5
		        )
		    ),
		    updated_at = now()`,
		sample.FeedID, date, success, failed,
		sample.CostUSD, int64(sample.TokensUsed), sample.ProcessingSeconds,
		breakdownJSON, sample.ModelTag,
	)
	if err != nil {
		return fmt.Errorf("フィードメトリクスのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// AddFeedRun はラン完了をフィード日次メトリクスへ加算する。
// avg_items_per_runはラン数加重の逐次平均で更新する。
func (r *PostgresMetricsRepo) AddFeedRun(ctx context.Context, feedID string, date time.Time, items int) error {
	date = date.UTC().Truncate(24 * time.Hour)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feed_metrics (feed_id, metric_date, total_runs, avg_items_per_run, updated_at)
		 VALUES ($1, $2, 1, $3, now())
		 ON CONFLICT (feed_id, metric_date) DO UPDATE SET
		    total_runs = feed_metrics.total_runs + 1,
		    avg_items_per_run = (feed_metrics.avg_items_per_run * feed_metrics.total_runs + $3)
		                        / (feed_metrics.total_runs + 1),
		    updated_at = now()`,
		feedID, date, float64(items),
	)
	if err != nil {
		return fmt.Errorf("ラン完了の加算に失敗しました: %w", err)
	}
	return nil
}

// UpsertQueueSample はキュー処理サンプルを時間別メトリクスへ加算する。
func (r *PostgresMetricsRepo) UpsertQueueSample(ctx context.Context, sample model.AnalysisSample) error {
	at := sample.CompletedAt.UTC()
	date := at.Truncate(24 * time.Hour)
	hour := at.Hour()

	success := 0
	failed := 0
	if sample.Success {
		success = 1
	} else {
		failed = 1
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO queue_metrics (metric_date, metric_hour, items_processed, successful_items, failed_items,
		                            total_cost_usd, total_tokens, avg_processing_time_seconds, updated_at)
		 VALUES ($1, $2, 1, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (metric_date, metric_hour) DO UPDATE SET
		    items_processed = queue_metrics.items_processed + 1,
		    successful_items = queue_metrics.successful_items + $3,
		    failed_items = queue_metrics.failed_items + $4,
		    total_cost_usd = queue_metrics.total_cost_usd + $5,
		    total_tokens = queue_metrics.total_tokens + $6,
		    avg_processing_time_seconds = (queue_metrics.avg_processing_time_seconds * queue_metrics.items_processed + $7)
		                                  / (queue_metrics.items_processed + 1),
		    updated_at = now()`,
		date, hour, success, failed, sample.CostUSD, int64(sample.TokensUsed), sample.ProcessingSeconds,
	)
	if err != nil {
		return fmt.Errorf("キューメトリクスのUPSERTに失敗しました: %w", err)
	}
	return nil
}

func scanFeedMetrics(row interface{ Scan(...interface{}) error }) (*model.FeedMetrics, error) {
	m := &model.FeedMetrics{}
	var breakdownJSON []byte

	err := row.Scan(
		&m.FeedID, &m.MetricDate, &m.TotalItemsProcessed, &m.SuccessfulItems, &m.FailedItems,
		&m.TotalRuns, &m.TotalCostUSD, &m.TotalTokens,
		&m.AvgProcessingTimeSeconds, &m.AvgItemsPerRun, &breakdownJSON, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(breakdownJSON, &m.ModelBreakdown); err != nil {
		return nil, fmt.Errorf("model_breakdownのデシリアライズに失敗しました: %w", err)
	}
	return m, nil
}

// DailyFeedSummary は指定フィード・日付の日次サマリを返す。見つからない場合はnilを返す。
func (r *PostgresMetricsRepo) DailyFeedSummary(ctx context.Context, feedID string, date time.Time) (*model.FeedMetrics, error) {
	m, err := scanFeedMetrics(r.db.QueryRowContext(ctx,
		`SELECT feed_id, metric_date, total_items_processed, successful_items, failed_items,
		        total_runs, total_cost_usd, total_tokens,
		        avg_processing_time_seconds, avg_items_per_run, model_breakdown, updated_at
		 FROM feed_metrics
		 WHERE feed_id = $1 AND metric_date = $2`,
		feedID, date.UTC().Truncate(24*time.Hour),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("日次サマリの取得に失敗しました: %w", err)
	}
	return m, nil
}

// Rollup7d は指定フィードの直近7日間の合算を返す。
// 平均値は件数加重で再計算する。
func (r *PostgresMetricsRepo) Rollup7d(ctx context.Context, feedID string) (*model.FeedMetrics, error) {
	m := &model.FeedMetrics{FeedID: feedID, ModelBreakdown: map[string]model.ModelUsage{}}

	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(sum(total_items_processed), 0),
		        COALESCE(sum(successful_items), 0),
		        COALESCE(sum(failed_items), 0),
		        COALESCE(sum(total_runs), 0),
		        COALESCE(sum(total_cost_usd), 0),
		        COALESCE(sum(total_tokens), 0),
		        CASE WHEN sum(total_items_processed) > 0
		             THEN sum(avg_processing_time_seconds * total_items_processed) / sum(total_items_processed)
		             ELSE 0 END,
		        CASE WHEN sum(total_runs) > 0
		             THEN sum(total_items_processed)::float / sum(total_runs)
		             ELSE 0 END
		 FROM feed_metrics
		 WHERE feed_id = $1 AND metric_date >= (now() AT TIME ZONE 'UTC')::date - 6`,
		feedID,
	).Scan(
		&m.TotalItemsProcessed, &m.SuccessfulItems, &m.FailedItems,
		&m.TotalRuns, &m.TotalCostUSD, &m.TotalTokens,
		&m.AvgProcessingTimeSeconds, &m.AvgItemsPerRun,
	)
	if err != nil {
		return nil, fmt.Errorf("7日間ロールアップの集計に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT model_breakdown FROM feed_metrics
		 WHERE feed_id = $1 AND metric_date >= (now() AT TIME ZONE 'UTC')::date - 6`,
		feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("model_breakdownの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var breakdownJSON []byte
		if err := rows.Scan(&breakdownJSON); err != nil {
			return nil, fmt.Errorf("model_breakdown行のスキャンに失敗しました: %w", err)
		}
		daily := map[string]model.ModelUsage{}
		if err := json.Unmarshal(breakdownJSON, &daily); err != nil {
			return nil, fmt.Errorf("model_breakdownのデシリアライズに失敗しました: %w", err)
		}
		for tag, usage := range daily {
			merged := m.ModelBreakdown[tag]
			merged.Items += usage.Items
			merged.Tokens += usage.Tokens
			merged.CostUSD += usage.CostUSD
			m.ModelBreakdown[tag] = merged
		}
	}
	return m, rows.Err()
}

// TopSpendFeeds は直近days日間のコスト上位フィードを返す。
func (r *PostgresMetricsRepo) TopSpendFeeds(ctx context.Context, days, limit int) ([]model.FeedSpend, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT m.feed_id, COALESCE(f.title, ''), sum(m.total_cost_usd), sum(m.total_items_processed)
		 FROM feed_metrics m
		 LEFT JOIN feeds f ON f.id = m.feed_id
		 WHERE m.metric_date >= (now() AT TIME ZONE 'UTC')::date - ($1 - 1)
		 GROUP BY m.feed_id, f.title
		 ORDER BY sum(m.total_cost_usd) DESC
		 LIMIT $2`,
		days, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("上位支出フィードの集計に失敗しました: %w", err)
	}
	defer rows.Close()

	var spends []model.FeedSpend
	for rows.Next() {
		var s model.FeedSpend
		if err := rows.Scan(&s.FeedID, &s.FeedTitle, &s.TotalCostUSD, &s.ItemsProcessed); err != nil {
			return nil, fmt.Errorf("支出行のスキャンに失敗しました: %w", err)
		}
		spends = append(spends, s)
	}
	return spends, rows.Err()
}

// Overview は直近days日間のシステム全体サマリを返す。
func (r *PostgresMetricsRepo) Overview(ctx context.Context, days int) (*model.SystemOverview, error) {
	overview := &model.SystemOverview{Days: days}

	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(sum(total_items_processed), 0),
		        COALESCE(sum(total_cost_usd), 0),
		        COALESCE(sum(total_tokens), 0),
		        count(DISTINCT feed_id) FILTER (WHERE total_items_processed > 0)
		 FROM feed_metrics
		 WHERE metric_date >= (now() AT TIME ZONE 'UTC')::date - ($1 - 1)`,
		days,
	).Scan(&overview.TotalItemsProcessed, &overview.TotalCostUSD, &overview.TotalTokens, &overview.ActiveFeeds)
	if err != nil {
		return nil, fmt.Errorf("システムサマリの集計に失敗しました: %w", err)
	}
	return overview, nil
}
