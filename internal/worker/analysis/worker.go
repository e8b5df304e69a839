// Package analysis は分析ランのオーケストレーションを提供する。
// 単一の制御ループが自動分析要求のドレイン、待機キューの取り込み、
// アクティブランの駆動、定期メンテナンスを順に行う。
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/newsmcp/internal/admission"
	"github.com/hitoshi/newsmcp/internal/cost"
	"github.com/hitoshi/newsmcp/internal/llm"
	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/repository"
	"github.com/hitoshi/newsmcp/internal/resilience"
	"github.com/hitoshi/newsmcp/internal/runqueue"
)

// Config はワーカーの動作設定。
type Config struct {
	// ChunkSize は1回のクレームで取得するラン記事数。
	ChunkSize int
	// MaxRunsPerCycle は1サイクルで触るラン数の上限。
	MaxRunsPerCycle int
	// HeartbeatInterval は定期メンテナンスの周期。
	HeartbeatInterval time.Duration
	// StaleProcessingAge はprocessing行を再回収する閾値。
	StaleProcessingAge time.Duration
	// SleepInterval は仕事がなかったサイクル後の待機時間。
	SleepInterval time.Duration
	// PendingDrainLimit は1サイクルでドレインする自動分析要求数。
	PendingDrainLimit int
	// ResetStaleOnStart は起動時にResetStaleProcessingを実行するか。
	ResetStaleOnStart bool
	// MinRequestInterval はLLM呼び出し間隔の下限。
	// ランのrate_per_secondがこれより速い場合は丸める。
	MinRequestInterval time.Duration
	// AutoAnalyzeModelTag は自動分析ランに使うモデル。
	// 空の場合はパラメータ正規化のデフォルトに従う。
	AutoAnalyzeModelTag string
	// CostSoftCapUSD は1ランあたりコストのソフト上限（警告のみ）。
	CostSoftCapUSD float64
}

// DefaultConfig はデフォルトのワーカー設定を返す。
func DefaultConfig() Config {
	return Config{
		ChunkSize:          10,
		MaxRunsPerCycle:    5,
		HeartbeatInterval:  10 * time.Second,
		StaleProcessingAge: 300 * time.Second,
		SleepInterval:      5 * time.Second,
		PendingDrainLimit:  10,
		ResetStaleOnStart:  true,
		MinRequestInterval: 500 * time.Millisecond,
		CostSoftCapUSD:     cost.MaxCostPerRunUSD,
	}
}

// Worker は分析ランを駆動する長命の制御ループ。
// ラン内のLLM呼び出しは直列で、per-runレートリミッターが間隔を律する。
type Worker struct {
	runRepo     repository.RunRepository
	runItemRepo repository.RunItemRepository
	itemRepo    repository.ItemRepository
	pendingRepo repository.PendingAutoAnalysisRepository
	controller  *admission.Controller
	queue       *runqueue.Queue
	llmClient   llm.Client
	aggregator  *cost.Aggregator
	llmBreaker  *resilience.Breaker
	dbBreaker   *resilience.Breaker
	logger      *slog.Logger
	config      Config

	mu              sync.Mutex
	limiters        map[string]*rate.Limiter
	lastMaintenance time.Time

	now func() time.Time
}

// NewWorker はWorkerの新しいインスタンスを生成する。
func NewWorker(
	runRepo repository.RunRepository,
	runItemRepo repository.RunItemRepository,
	itemRepo repository.ItemRepository,
	pendingRepo repository.PendingAutoAnalysisRepository,
	controller *admission.Controller,
	queue *runqueue.Queue,
	llmClient llm.Client,
	aggregator *cost.Aggregator,
	breakers *resilience.BreakerRegistry,
	logger *slog.Logger,
	config Config,
) *Worker {
	if config.ChunkSize <= 0 {
		config = DefaultConfig()
	}
	return &Worker{
		runRepo:     runRepo,
		runItemRepo: runItemRepo,
		itemRepo:    itemRepo,
		pendingRepo: pendingRepo,
		controller:  controller,
		queue:       queue,
		llmClient:   llmClient,
		aggregator:  aggregator,
		llmBreaker:  breakers.Get("llm_call", resilience.DefaultBreakerConfig()),
		dbBreaker:   breakers.Get("database", resilience.DatabaseBreakerConfig()),
		logger:      logger,
		config:      config,
		limiters:    make(map[string]*rate.Limiter),
		now:         time.Now,
	}
}

// Start はワーカーの制御ループを起動する。コンテキストのキャンセルで戻る。
// 処理中のラン記事はそのままprocessingに残り、次回起動の再回収で拾われる。
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("分析ワーカーを開始しました",
		slog.Int("chunk_size", w.config.ChunkSize),
		slog.Int("max_runs_per_cycle", w.config.MaxRunsPerCycle),
	)

	if w.config.ResetStaleOnStart {
		if reclaimed, err := w.runItemRepo.ResetStaleProcessing(ctx, w.config.StaleProcessingAge); err != nil {
			w.logger.Error("起動時の再回収に失敗しました", slog.String("error", err.Error()))
		} else if reclaimed > 0 {
			w.logger.Warn("起動時にprocessing行を再回収しました", slog.Int64("reclaimed", reclaimed))
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("分析ワーカーを停止しました")
			return nil
		default:
		}

		worked := w.cycle(ctx)
		if !worked {
			select {
			case <-ctx.Done():
				w.logger.Info("分析ワーカーを停止しました")
				return nil
			case <-time.After(w.config.SleepInterval):
			}
		}
	}
}

// cycle は制御ループの1サイクル分を実行し、仕事をしたかを返す。
// 緊急停止中は新規ランの受け入れ（ドレインと待機キュー取り込み）を
// 止め、要求をFIFOに残したまま解除を待つ。
func (w *Worker) cycle(ctx context.Context) bool {
	worked := false

	if !w.controller.Stopped() {
		if w.drainPending(ctx) {
			worked = true
		}
		if w.intakeQueue(ctx) {
			worked = true
		}
	}
	if w.processActiveRuns(ctx) {
		worked = true
	}
	if w.now().Sub(w.lastMaintenance) >= w.config.HeartbeatInterval {
		w.maintenance(ctx)
	}

	return worked
}

// drainPending は自動分析要求FIFOをドレインする。
// 入場許可または待機はdone、拒否はerrorとして要求を閉じる。
func (w *Worker) drainPending(ctx context.Context) bool {
	pending, err := w.pendingRepo.TakePending(ctx, w.config.PendingDrainLimit)
	if err != nil {
		w.logger.Error("自動分析要求の取得に失敗しました", slog.String("error", err.Error()))
		return false
	}
	if len(pending) == 0 {
		return false
	}

	for _, req := range pending {
		scope := model.RunScope{Type: model.ScopeTypeItems, ItemIDs: req.ItemIDs}
		params := model.RunParams{ModelTag: w.config.AutoAnalyzeModelTag}.Normalize()

		decision, err := w.controller.CanStart(ctx, scope, params, model.TriggeredByAuto)
		if err != nil {
			w.logger.Error("自動分析の入場判定に失敗しました",
				slog.String("pending_id", req.ID),
				slog.String("error", err.Error()),
			)
			w.markPendingError(ctx, req.ID)
			continue
		}

		switch decision.Kind {
		case admission.DecisionProceed:
			if _, err := w.StartRun(ctx, scope, params, model.TriggeredByAuto); err != nil {
				w.logger.Error("自動分析ランの開始に失敗しました",
					slog.String("pending_id", req.ID),
					slog.String("error", err.Error()),
				)
				w.markPendingError(ctx, req.ID)
				continue
			}
			w.markPendingDone(ctx, req.ID)
		case admission.DecisionEnqueued:
			w.markPendingDone(ctx, req.ID)
		default:
			w.logger.Info("自動分析要求を拒否しました",
				slog.String("pending_id", req.ID),
				slog.String("feed_id", req.FeedID),
				slog.String("reason", decision.Reason),
			)
			w.markPendingError(ctx, req.ID)
		}
	}
	return true
}

func (w *Worker) markPendingDone(ctx context.Context, id string) {
	if err := w.pendingRepo.MarkDone(ctx, id); err != nil {
		w.logger.Error("自動分析要求のクローズに失敗しました", slog.String("pending_id", id), slog.String("error", err.Error()))
	}
}

func (w *Worker) markPendingError(ctx context.Context, id string) {
	if err := w.pendingRepo.MarkError(ctx, id); err != nil {
		w.logger.Error("自動分析要求のエラー記録に失敗しました", slog.String("pending_id", id), slog.String("error", err.Error()))
	}
}

// intakeQueue は待機キューから容量の許す限り1件取り込んでランを開始する。
func (w *Worker) intakeQueue(ctx context.Context) bool {
	queued, err := w.controller.ProcessQueue(ctx)
	if err != nil {
		w.logger.Error("待機キューの取り込みに失敗しました", slog.String("error", err.Error()))
		return false
	}
	if queued == nil {
		return false
	}

	run, err := w.StartRun(ctx, queued.Scope, queued.Params, queued.TriggeredBy)
	if err != nil {
		w.logger.Error("待機ランの開始に失敗しました",
			slog.String("queued_run_id", queued.ID),
			slog.String("error", err.Error()),
		)
		if ferr := w.queue.Fail(ctx, queued.ID, err.Error()); ferr != nil {
			w.logger.Error("待機ランの失敗記録に失敗しました", slog.String("queued_run_id", queued.ID), slog.String("error", ferr.Error()))
		}
		return true
	}

	if err := w.controller.ConfirmStart(ctx, queued.ID, run.ID); err != nil {
		w.logger.Error("待機ランの開始確定に失敗しました",
			slog.String("queued_run_id", queued.ID),
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// StartRun はランを作成し、スコープを実体化してrunningへ遷移させる。
// 対象記事が0件のランは即座にcompletedとなる。
func (w *Worker) StartRun(ctx context.Context, scope model.RunScope, params model.RunParams, trigger model.TriggeredBy) (*model.AnalysisRun, error) {
	params = params.Normalize()

	itemIDs, err := w.itemRepo.SelectScopeItemIDs(ctx, scope, params)
	if err != nil {
		return nil, fmt.Errorf("スコープの実体化に失敗しました: %w", err)
	}

	run := &model.AnalysisRun{
		ID:           uuid.New().String(),
		Scope:        scope,
		Params:       params,
		ScopeHash:    model.ComputeScopeHash(scope, params),
		Status:       model.RunStatusPending,
		TriggeredBy:  trigger,
		CostEstimate: cost.EstimateRunCost(params.ModelTag, len(itemIDs)),
	}
	if cost.ExceedsSoftCap(run.CostEstimate, w.config.CostSoftCapUSD) {
		w.logger.Warn("ランのコスト見積もりがソフト上限を超えています",
			slog.String("run_id", run.ID),
			slog.Float64("cost_estimate", run.CostEstimate),
			slog.Float64("soft_cap", w.config.CostSoftCapUSD),
		)
	}
	if err := w.runRepo.Create(ctx, run); err != nil {
		return nil, err
	}

	if len(itemIDs) == 0 {
		if err := w.runRepo.MarkCompleted(ctx, run.ID); err != nil {
			return nil, err
		}
		run.Status = model.RunStatusCompleted
		w.logger.Info("対象記事が0件のため即時完了しました", slog.String("run_id", run.ID))
		return run, nil
	}

	inserted, err := w.runItemRepo.BulkInsertQueued(ctx, run.ID, itemIDs)
	if err != nil {
		if merr := w.runRepo.MarkFailed(ctx, run.ID, err.Error()); merr != nil {
			w.logger.Error("ランの失敗記録に失敗しました", slog.String("run_id", run.ID), slog.String("error", merr.Error()))
		}
		return nil, fmt.Errorf("ラン記事の投入に失敗しました: %w", err)
	}
	if err := w.runRepo.MarkRunning(ctx, run.ID); err != nil {
		return nil, err
	}
	run.Status = model.RunStatusRunning

	w.logger.Info("分析ランを開始しました",
		slog.String("run_id", run.ID),
		slog.String("triggered_by", string(trigger)),
		slog.String("model_tag", params.ModelTag),
		slog.Int("items", inserted),
		slog.Float64("cost_estimate", run.CostEstimate),
	)
	return run, nil
}

// processActiveRuns はアクティブなランを順に1チャンクずつ進める。
func (w *Worker) processActiveRuns(ctx context.Context) bool {
	runs, err := w.runRepo.ListActive(ctx, w.config.MaxRunsPerCycle)
	if err != nil {
		w.logger.Error("アクティブランの取得に失敗しました", slog.String("error", err.Error()))
		return false
	}

	worked := false
	for _, run := range runs {
		select {
		case <-ctx.Done():
			return worked
		default:
		}
		if w.processRun(ctx, run) {
			worked = true
		}
	}
	return worked
}

// processRun はラン1つを1チャンク分進め、仕事をしたかを返す。
func (w *Worker) processRun(ctx context.Context, run *model.AnalysisRun) bool {
	if run.Status == model.RunStatusPaused {
		return false
	}
	if run.Status == model.RunStatusPending {
		err := w.dbBreaker.Execute(func() error {
			return w.runRepo.MarkRunning(ctx, run.ID)
		})
		if err != nil {
			w.logger.Error("ランのrunning遷移に失敗しました", slog.String("run_id", run.ID), slog.String("error", err.Error()))
			return false
		}
		run.Status = model.RunStatusRunning
		now := w.now()
		run.StartedAt = &now
	}

	claimed, err := w.runItemRepo.ClaimQueued(ctx, run.ID, w.config.ChunkSize)
	if err != nil {
		w.logger.Error("ラン記事のクレームに失敗しました", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return false
	}

	if len(claimed) == 0 {
		w.maybeComplete(ctx, run)
		return false
	}

	for _, runItem := range claimed {
		if ctx.Err() != nil {
			return true
		}
		w.processItem(ctx, run, runItem)
	}

	w.refreshAggregates(ctx, run)
	return true
}

// processItem はラン記事1件を分析する。
// レート制限で待機し、llm_callブレーカーでLLM呼び出しを包む。
// 失敗時はエラー分類に応じたリカバリ戦略（Retry-Afterヒント含む）で再試行する。
func (w *Worker) processItem(ctx context.Context, run *model.AnalysisRun, runItem *model.AnalysisRunItem) {
	item, err := w.itemRepo.FindByID(ctx, runItem.ItemID)
	if err != nil {
		w.failItem(ctx, run, runItem, nil, err)
		return
	}
	if item == nil {
		if err := w.runItemRepo.MarkSkipped(ctx, runItem.ID, "記事が存在しません"); err != nil {
			w.logger.Error("ラン記事のスキップ記録に失敗しました", slog.String("run_item_id", runItem.ID), slog.String("error", err.Error()))
		}
		return
	}

	if err := w.limiterFor(run).Wait(ctx); err != nil {
		return
	}

	prompt := llm.BuildPrompt(item.Title, item.Description, item.Content)

	var result *llm.AnalysisResult
	call := func(ctx context.Context) error {
		return w.llmBreaker.Execute(func() error {
			var callErr error
			result, callErr = w.llmClient.Analyze(ctx, prompt, run.Params.ModelTag)
			return callErr
		})
	}
	if err = call(ctx); err != nil {
		err = resilience.Recover(ctx, err, w.logger, "llm_call", call)
	}
	if err != nil {
		w.failItem(ctx, run, runItem, item, err)
		return
	}

	itemCost := cost.ItemCost(result.ModelTag, result.Usage)
	tokensUsed := result.Usage.Total()

	if err := w.itemRepo.UpsertAnalysis(ctx, &model.ItemAnalysis{
		ItemID:     item.ID,
		Sentiment:  result.Sentiment,
		Impact:     result.Impact,
		ModelTag:   result.ModelTag,
		TokensUsed: tokensUsed,
		CostUSD:    itemCost,
	}); err != nil {
		w.failItem(ctx, run, runItem, item, err)
		return
	}

	if err := w.runItemRepo.MarkCompleted(ctx, runItem.ID, tokensUsed, itemCost); err != nil {
		w.logger.Error("ラン記事の完了記録に失敗しました", slog.String("run_item_id", runItem.ID), slog.String("error", err.Error()))
		return
	}

	now := w.now()
	processingSeconds := 0.0
	if runItem.StartedAt != nil {
		processingSeconds = now.Sub(*runItem.StartedAt).Seconds()
	}
	w.aggregator.RecordItem(ctx, model.AnalysisSample{
		FeedID:            item.FeedID,
		ModelTag:          result.ModelTag,
		Success:           true,
		TokensUsed:        tokensUsed,
		CostUSD:           itemCost,
		ProcessingSeconds: processingSeconds,
		CompletedAt:       now,
	})
}

// failItem はラン記事を失敗として記録し、失敗サンプルを集計へ送る。
func (w *Worker) failItem(ctx context.Context, run *model.AnalysisRun, runItem *model.AnalysisRunItem, item *model.Item, cause error) {
	w.logger.Error("ラン記事の分析に失敗しました",
		slog.String("run_id", run.ID),
		slog.String("run_item_id", runItem.ID),
		slog.String("error_kind", string(resilience.Classify(cause))),
		slog.String("error", cause.Error()),
	)
	if err := w.runItemRepo.MarkFailed(ctx, runItem.ID, cause.Error()); err != nil {
		w.logger.Error("ラン記事の失敗記録に失敗しました", slog.String("run_item_id", runItem.ID), slog.String("error", err.Error()))
	}

	feedID := ""
	if item != nil {
		feedID = item.FeedID
	}
	w.aggregator.RecordItem(ctx, model.AnalysisSample{
		FeedID:      feedID,
		ModelTag:    run.Params.ModelTag,
		Success:     false,
		CompletedAt: w.now(),
	})
}

// limiterFor はランごとのレートリミッターを返す。
// バースト1のため、呼び出し間隔は1/rate_per_second秒を下回らない。
func (w *Worker) limiterFor(run *model.AnalysisRun) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()

	limiter, ok := w.limiters[run.ID]
	if !ok {
		r := rate.Limit(run.Params.RatePerSecond)
		if w.config.MinRequestInterval > 0 {
			if floor := rate.Every(w.config.MinRequestInterval); r > floor {
				r = floor
			}
		}
		limiter = rate.NewLimiter(r, 1)
		w.limiters[run.ID] = limiter
	}
	return limiter
}

// refreshAggregates はチャンク処理後のラン集計値を更新する。
// updated_atの更新がランのハートビートを兼ねる。
func (w *Worker) refreshAggregates(ctx context.Context, run *model.AnalysisRun) {
	counts, err := w.runItemRepo.CountsByState(ctx, run.ID)
	if err != nil {
		w.logger.Error("ラン集計の取得に失敗しました", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return
	}
	actualCost, err := w.runItemRepo.SumCost(ctx, run.ID)
	if err != nil {
		w.logger.Error("ランコストの取得に失敗しました", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return
	}

	processed := counts.Completed + counts.Skipped
	itemsPerMinute := 0.0
	if run.StartedAt != nil {
		minutes := w.now().Sub(*run.StartedAt).Minutes()
		if minutes > 0 {
			itemsPerMinute = float64(processed) / minutes
		}
	}
	errorRate := 0.0
	if attempted := processed + counts.Failed; attempted > 0 {
		errorRate = float64(counts.Failed) / float64(attempted)
	}

	if cost.ExceedsSoftCap(actualCost, w.config.CostSoftCapUSD) {
		w.logger.Warn("ランの実コストがソフト上限を超えています",
			slog.String("run_id", run.ID),
			slog.Float64("actual_cost", actualCost),
		)
	}

	if err := w.runRepo.UpdateAggregates(ctx, run.ID, counts, actualCost, itemsPerMinute, errorRate); err != nil {
		w.logger.Error("ラン集計の更新に失敗しました", slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}

	w.maybeCompleteWithCounts(ctx, run, counts)
}

// maybeComplete はクレームが空だったランの完了判定を行う。
func (w *Worker) maybeComplete(ctx context.Context, run *model.AnalysisRun) {
	counts, err := w.runItemRepo.CountsByState(ctx, run.ID)
	if err != nil {
		w.logger.Error("ラン集計の取得に失敗しました", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return
	}
	w.maybeCompleteWithCounts(ctx, run, counts)
}

// maybeCompleteWithCounts はqueued=0かつprocessing=0のランをcompletedへ遷移させる。
func (w *Worker) maybeCompleteWithCounts(ctx context.Context, run *model.AnalysisRun, counts model.RunItemCounts) {
	if counts.Queued > 0 || counts.Processing > 0 {
		return
	}
	if run.Status != model.RunStatusRunning && run.Status != model.RunStatusPending {
		return
	}

	if err := w.runRepo.MarkCompleted(ctx, run.ID); err != nil {
		w.logger.Error("ランの完了遷移に失敗しました", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return
	}
	run.Status = model.RunStatusCompleted

	w.mu.Lock()
	delete(w.limiters, run.ID)
	w.mu.Unlock()

	w.aggregator.RecordRun(ctx, runFeedID(run), model.AnalysisSample{
		ModelTag:    run.Params.ModelTag,
		CompletedAt: w.now(),
	}, counts.Total())

	w.logger.Info("分析ランが完了しました",
		slog.String("run_id", run.ID),
		slog.Int("completed", counts.Completed),
		slog.Int("failed", counts.Failed),
		slog.Int("skipped", counts.Skipped),
	)
}

// runFeedID はラン完了ロールアップの帰属フィードを返す。
// 帰属が一意に定まるのは単一フィードスコープのみで、それ以外は空文字列を返す。
func runFeedID(run *model.AnalysisRun) string {
	if run.Scope.Type == model.ScopeTypeFeeds && len(run.Scope.FeedIDs) == 1 {
		return run.Scope.FeedIDs[0]
	}
	return ""
}

// maintenance は定期メンテナンスを実行する。
// 緊急停止フラグの再読み込み、再回収、SLOカバレッジゲージの更新を行う。
func (w *Worker) maintenance(ctx context.Context) {
	w.lastMaintenance = w.now()

	if w.controller.RefreshStop(ctx) {
		w.logger.Warn("緊急停止が有効です。新規ランの受け入れを止めています")
	}

	reclaimed, err := w.runItemRepo.ResetStaleProcessing(ctx, w.config.StaleProcessingAge)
	if err != nil {
		w.logger.Error("processing行の再回収に失敗しました", slog.String("error", err.Error()))
	} else if reclaimed > 0 {
		w.logger.Warn("停滞したprocessing行を再回収しました", slog.Int64("reclaimed", reclaimed))
	}

	w.updateCoverage(ctx)
}

// updateCoverage はアクティブランのカバレッジSLOゲージを更新する。
// カバレッジは制御フローに影響しない観測専用の値である。
func (w *Worker) updateCoverage(ctx context.Context) {
	coverage10m := w.coverageSince(ctx, 10*time.Minute)
	coverage60m := w.coverageSince(ctx, 60*time.Minute)

	runs, err := w.runRepo.ListActive(ctx, w.config.MaxRunsPerCycle)
	if err != nil {
		return
	}
	for _, run := range runs {
		if err := w.runRepo.UpdateCoverage(ctx, run.ID, coverage10m, coverage60m); err != nil {
			w.logger.Error("カバレッジの更新に失敗しました", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		}
	}
}

// coverageSince は(期間内に分析された記事数)/(期間内に作成された記事数)を返す。
// 新着がない期間は1.0（完全カバー）とする。
func (w *Worker) coverageSince(ctx context.Context, window time.Duration) float64 {
	since := w.now().Add(-window)
	created, err := w.itemRepo.CountCreatedSince(ctx, since)
	if err != nil || created == 0 {
		return 1.0
	}
	analyzed, err := w.itemRepo.CountAnalyzedSince(ctx, since)
	if err != nil {
		return 1.0
	}
	coverage := float64(analyzed) / float64(created)
	if coverage > 1.0 {
		coverage = 1.0
	}
	return coverage
}
