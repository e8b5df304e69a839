// Package fetch はフィードの定期フェッチを行うワーカーを提供する。
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/repository"
	"github.com/hitoshi/newsmcp/internal/resilience"
)

// userAgent はフィードフェッチ時のUser-Agentヘッダ。
const userAgent = "News-MCP/1.0"

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// Sanitizer はHTMLサニタイズのインターフェース。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// FetchResult はフェッチ1回の結果サマリを表す。
type FetchResult struct {
	Status     model.FetchLogStatus
	ItemsFound int
	ItemsNew   int
	NewItemIDs []string
}

// Fetcher は個別フィードのHTTPフェッチとパースを行う。
// ETag/Last-Modifiedによる条件付きGET、SSRF検証、gofeedによるパース、
// テンプレート適用、content_hashによる重複排除、自動分析要求の発行を実行する。
// feed_fetchサーキットブレーカーで保護される。
type Fetcher struct {
	feedRepo      repository.FeedRepository
	itemRepo      repository.ItemRepository
	logRepo       repository.FetchLogRepository
	healthRepo    repository.FeedHealthRepository
	templateRepo  repository.TemplateRepository
	pendingRepo   repository.PendingAutoAnalysisRepository
	ssrfGuard     SSRFValidator
	sanitizer     Sanitizer
	extractor     *Extractor
	breaker       *resilience.Breaker
	logger        *slog.Logger
	timeout       time.Duration
	maxBodySize   int64
	autoMaxPerRun int
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	feedRepo repository.FeedRepository,
	itemRepo repository.ItemRepository,
	logRepo repository.FetchLogRepository,
	healthRepo repository.FeedHealthRepository,
	templateRepo repository.TemplateRepository,
	pendingRepo repository.PendingAutoAnalysisRepository,
	ssrfGuard SSRFValidator,
	sanitizer Sanitizer,
	breaker *resilience.Breaker,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
	autoMaxPerRun int,
) *Fetcher {
	return &Fetcher{
		feedRepo:      feedRepo,
		itemRepo:      itemRepo,
		logRepo:       logRepo,
		healthRepo:    healthRepo,
		templateRepo:  templateRepo,
		pendingRepo:   pendingRepo,
		ssrfGuard:     ssrfGuard,
		sanitizer:     sanitizer,
		extractor:     NewExtractor(logger),
		breaker:       breaker,
		logger:        logger,
		timeout:       timeout,
		maxBodySize:   maxBodySize,
		autoMaxPerRun: autoMaxPerRun,
	}
}

// Fetch はフィードを1回フェッチし、FetchLogのライフサイクル全体を管理する。
// 成功（304含む）はnilを返し、失敗はエラーを返してスケジューラの
// バックオフ計算に使われる。
func (f *Fetcher) Fetch(ctx context.Context, feed *model.Feed) error {
	if err := f.breaker.Allow(); err != nil {
		f.logger.Warn("フィードフェッチのブレーカーが開いています",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.URL),
		)
		return err
	}

	start := time.Now()

	logID, err := f.logRepo.InsertRunning(ctx, feed.ID)
	if err != nil {
		err = fmt.Errorf("フェッチログの開始に失敗: %w", err)
		f.breaker.RecordFailure(err)
		return err
	}

	result, err := f.doFetch(ctx, feed)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		f.breaker.RecordFailure(err)
		f.completeLog(ctx, logID, model.FetchLogStatusError, result, elapsed, err.Error())
		f.markFeedError(ctx, feed)
		f.refreshHealth(ctx, feed.ID)
		f.logger.Error("フィードフェッチに失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.URL),
			slog.String("error", err.Error()),
		)
		return err
	}

	f.breaker.RecordSuccess()
	f.completeLog(ctx, logID, result.Status, result, elapsed, "")
	f.refreshHealth(ctx, feed.ID)

	f.logger.Info("フィードフェッチが完了しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.URL),
		slog.String("status", string(result.Status)),
		slog.Int("items_found", result.ItemsFound),
		slog.Int("items_new", result.ItemsNew),
		slog.Int64("duration_ms", elapsed),
	)
	return nil
}

// doFetch はHTTP取得からアイテム保存までを行う。
// 記事が保存された後のセッションエラー（自動分析要求の発行失敗など）は
// items_newが永続化された事実を優先し、成功として扱う。
func (f *Fetcher) doFetch(ctx context.Context, feed *model.Feed) (FetchResult, error) {
	var result FetchResult

	if err := f.ssrfGuard.ValidateURL(feed.URL); err != nil {
		return result, fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	client := f.ssrfGuard.NewSafeClient(f.timeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return result, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		return result, resilience.NewClassifiedError(resilience.KindNetwork,
			fmt.Errorf("HTTPリクエスト失敗: %w", err))
	}
	defer resp.Body.Close()

	// 304: コンテンツ未変更。last_fetchedのみ更新して成功とする。
	if resp.StatusCode == http.StatusNotModified {
		now := time.Now()
		feed.LastFetched = &now
		feed.Status = model.FeedStatusActive
		if err := f.feedRepo.UpdateFetchMeta(ctx, feed); err != nil {
			return result, fmt.Errorf("フィードメタの更新に失敗: %w", err)
		}
		result.Status = model.FetchLogStatusNotModified
		return result, nil
	}

	if resp.StatusCode >= 400 {
		return result, resilience.NewClassifiedError(classifyHTTPStatus(resp.StatusCode),
			fmt.Errorf("HTTPステータス %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	if err != nil {
		return result, fmt.Errorf("レスポンス読み取りに失敗: %w", err)
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return result, resilience.NewClassifiedError(resilience.KindParseError,
			fmt.Errorf("フィードのパースに失敗: %w", err))
	}

	// フィードメタデータの更新
	now := time.Now()
	feed.LastFetched = &now
	feed.Status = model.FeedStatusActive
	if etag := resp.Header.Get("ETag"); etag != "" {
		feed.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		feed.LastModified = lastMod
	}
	if feed.Title == "" && parsed.Title != "" {
		feed.Title = parsed.Title
	}
	if feed.Description == "" && parsed.Description != "" {
		feed.Description = parsed.Description
	}
	if err := f.feedRepo.UpdateFetchMeta(ctx, feed); err != nil {
		return result, fmt.Errorf("フィードメタの更新に失敗: %w", err)
	}

	template, err := f.templateRepo.FindActiveForFeed(ctx, feed.ID)
	if err != nil {
		f.logger.Error("テンプレートの取得に失敗しました。デフォルトマッピングで継続します",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
		template = nil
	}

	result.ItemsFound = len(parsed.Items)
	result.Status = model.FetchLogStatusSuccess

	// 記事ごとの例外はループを中断せず、ログしてスキップする
	for _, raw := range parsed.Items {
		if raw == nil {
			continue
		}

		entry, ok := f.extractor.Extract(template, raw)
		if !ok {
			f.logger.Debug("品質フィルタにより記事をスキップします",
				slog.String("feed_id", feed.ID),
				slog.String("title", entry.Title),
			)
			continue
		}

		item := &model.Item{
			FeedID:      feed.ID,
			Title:       entry.Title,
			Link:        entry.Link,
			Description: f.sanitizer.Sanitize(entry.Summary),
			Content:     f.sanitizer.Sanitize(entry.Content),
			Author:      entry.Author,
			Published:   entry.Published,
		}
		item.ContentHash = model.ComputeContentHash(entry.Title, entry.Link, entry.Summary)

		inserted, err := f.itemRepo.InsertIfAbsent(ctx, item)
		if err != nil {
			f.logger.Error("記事の保存に失敗しました",
				slog.String("feed_id", feed.ID),
				slog.String("link", entry.Link),
				slog.String("error", err.Error()),
			)
			continue
		}
		if inserted == repository.ItemInserted {
			result.ItemsNew++
			result.NewItemIDs = append(result.NewItemIDs, item.ID)
		}
	}

	// 記事が永続化された後のエラーは成功を覆さない
	f.enqueueAutoAnalysis(ctx, feed, result.NewItemIDs)

	return result, nil
}

// enqueueAutoAnalysis は新着記事の自動分析要求を発行する。
// autoMaxPerRunを超える分は切り詰め、超過件数をログする。
func (f *Fetcher) enqueueAutoAnalysis(ctx context.Context, feed *model.Feed, newItemIDs []string) {
	if !feed.AutoAnalyzeEnabled || len(newItemIDs) == 0 {
		return
	}

	ids := newItemIDs
	if len(ids) > f.autoMaxPerRun {
		f.logger.Warn("自動分析対象が上限を超えたため切り詰めます",
			slog.String("feed_id", feed.ID),
			slog.Int("new_items", len(ids)),
			slog.Int("max_per_run", f.autoMaxPerRun),
		)
		ids = ids[:f.autoMaxPerRun]
	}

	if err := f.pendingRepo.Enqueue(ctx, feed.ID, ids); err != nil {
		f.logger.Error("自動分析要求の発行に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
	}
}

// completeLog はフェッチログを完了状態に更新する。失敗はログのみ。
func (f *Fetcher) completeLog(ctx context.Context, logID string, status model.FetchLogStatus, result FetchResult, elapsed int64, errMsg string) {
	if err := f.logRepo.Complete(ctx, logID, status, result.ItemsFound, result.ItemsNew, elapsed, errMsg); err != nil {
		f.logger.Error("フェッチログの完了更新に失敗しました",
			slog.String("fetch_log_id", logID),
			slog.String("error", err.Error()),
		)
	}
}

// markFeedError はフィードをerror状態に更新する。失敗はログのみ。
func (f *Fetcher) markFeedError(ctx context.Context, feed *model.Feed) {
	if err := f.feedRepo.SetStatus(ctx, feed.ID, model.FeedStatusError); err != nil {
		f.logger.Error("フィード状態の更新に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
	}
}

// refreshHealth はFetchLogの24時間/7日間ウィンドウからFeedHealthを再計算する。
func (f *Fetcher) refreshHealth(ctx context.Context, feedID string) {
	now := time.Now()

	day, err := f.logRepo.WindowStats(ctx, feedID, now.Add(-24*time.Hour))
	if err != nil {
		f.logger.Error("24時間ウィンドウの集計に失敗しました",
			slog.String("feed_id", feedID),
			slog.String("error", err.Error()),
		)
		return
	}
	week, err := f.logRepo.WindowStats(ctx, feedID, now.Add(-7*24*time.Hour))
	if err != nil {
		f.logger.Error("7日間ウィンドウの集計に失敗しました",
			slog.String("feed_id", feedID),
			slog.String("error", err.Error()),
		)
		return
	}

	health := &model.FeedHealth{
		FeedID:              feedID,
		OKRatio:             week.Ratio(),
		ConsecutiveFailures: consecutiveFailures(day),
		AvgResponseTimeMS:   day.AvgResponseTimeMS,
		LastSuccess:         week.LastSuccess,
		LastFailure:         week.LastFailure,
		Uptime24h:           day.Ratio(),
		Uptime7d:            week.Ratio(),
	}

	if err := f.healthRepo.Upsert(ctx, health); err != nil {
		f.logger.Error("フィードヘルスの更新に失敗しました",
			slog.String("feed_id", feedID),
			slog.String("error", err.Error()),
		)
	}
}

// consecutiveFailures は直近の成功以降の失敗数を近似する。
// 最後の成功が最後の失敗より新しい場合は0。
func consecutiveFailures(stats model.FetchWindowStats) int {
	if stats.LastFailure == nil {
		return 0
	}
	if stats.LastSuccess != nil && stats.LastSuccess.After(*stats.LastFailure) {
		return 0
	}
	return stats.Total - stats.OK
}

// classifyHTTPStatus はHTTPステータスコードをエラー種別に分類する。
func classifyHTTPStatus(status int) resilience.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return resilience.KindRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return resilience.KindAuthError
	case status >= 500:
		return resilience.KindServerError
	default:
		return resilience.KindUnknown
	}
}
