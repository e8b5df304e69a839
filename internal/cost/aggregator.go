package cost

import (
	"context"
	"log/slog"

	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/repository"
)

// Aggregator はラン記事の完了サンプルを日次フィードメトリクスと
// 時間別キューメトリクスへ振り分ける。集計の失敗は分析結果の
// 永続化を覆さないため、エラーはログに記録するだけで戻さない。
type Aggregator struct {
	repo   repository.MetricsRepository
	logger *slog.Logger
}

// NewAggregator はAggregatorの新しいインスタンスを生成する。
func NewAggregator(repo repository.MetricsRepository, logger *slog.Logger) *Aggregator {
	return &Aggregator{repo: repo, logger: logger}
}

// RecordItem は記事1件の完了サンプルを両系統のロールアップへ加算する。
func (a *Aggregator) RecordItem(ctx context.Context, sample model.AnalysisSample) {
	if sample.FeedID != "" {
		if err := a.repo.UpsertFeedSample(ctx, sample); err != nil {
			a.logger.Error("フィードメトリクスの加算に失敗しました",
				slog.String("feed_id", sample.FeedID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := a.repo.UpsertQueueSample(ctx, sample); err != nil {
		a.logger.Error("キューメトリクスの加算に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RecordRun はラン完了をフィード日次メトリクスへ加算する。
func (a *Aggregator) RecordRun(ctx context.Context, feedID string, sample model.AnalysisSample, items int) {
	if feedID == "" {
		return
	}
	if err := a.repo.AddFeedRun(ctx, feedID, sample.CompletedAt, items); err != nil {
		a.logger.Error("ラン完了メトリクスの加算に失敗しました",
			slog.String("feed_id", feedID),
			slog.String("error", err.Error()),
		)
	}
}
