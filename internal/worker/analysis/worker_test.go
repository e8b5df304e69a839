package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/newsmcp/internal/admission"
	"github.com/hitoshi/newsmcp/internal/cost"
	"github.com/hitoshi/newsmcp/internal/llm"
	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/repository"
	"github.com/hitoshi/newsmcp/internal/resilience"
	"github.com/hitoshi/newsmcp/internal/runqueue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunRepo struct {
	repository.RunRepository
	created  []*model.AnalysisRun
	statuses map[string]model.RunStatus
	active   []*model.AnalysisRun
}

func newFakeRunRepo() *fakeRunRepo {
	return &fakeRunRepo{statuses: map[string]model.RunStatus{}}
}

func (r *fakeRunRepo) Create(ctx context.Context, run *model.AnalysisRun) error {
	r.created = append(r.created, run)
	r.statuses[run.ID] = run.Status
	return nil
}

func (r *fakeRunRepo) FindActiveByScopeHash(ctx context.Context, scopeHash string) (*model.AnalysisRun, error) {
	return nil, nil
}

func (r *fakeRunRepo) MarkRunning(ctx context.Context, id string) error {
	r.statuses[id] = model.RunStatusRunning
	return nil
}

func (r *fakeRunRepo) MarkCompleted(ctx context.Context, id string) error {
	r.statuses[id] = model.RunStatusCompleted
	return nil
}

func (r *fakeRunRepo) MarkFailed(ctx context.Context, id, lastError string) error {
	r.statuses[id] = model.RunStatusFailed
	return nil
}

func (r *fakeRunRepo) ListActive(ctx context.Context, limit int) ([]*model.AnalysisRun, error) {
	return r.active, nil
}

func (r *fakeRunRepo) CountActive(ctx context.Context) (int, error)           { return 0, nil }
func (r *fakeRunRepo) CountStartedToday(ctx context.Context) (int, error)     { return 0, nil }
func (r *fakeRunRepo) CountAutoStartedToday(ctx context.Context) (int, error) { return 0, nil }
func (r *fakeRunRepo) CountStartedLastHour(ctx context.Context) (int, error)  { return 0, nil }

func (r *fakeRunRepo) UpdateAggregates(ctx context.Context, id string, counts model.RunItemCounts, actualCost, itemsPerMinute, errorRate float64) error {
	return nil
}

func (r *fakeRunRepo) UpdateCoverage(ctx context.Context, id string, c10, c60 float64) error {
	return nil
}

type fakeRunItemRepo struct {
	repository.RunItemRepository
	claimable []*model.AnalysisRunItem
	inserted  map[string][]string
	completed map[string]float64
	failed    map[string]string
	skipped   map[string]string
	reclaimed int64
	counts    model.RunItemCounts
	sumCost   float64
}

func newFakeRunItemRepo() *fakeRunItemRepo {
	return &fakeRunItemRepo{
		inserted:  map[string][]string{},
		completed: map[string]float64{},
		failed:    map[string]string{},
		skipped:   map[string]string{},
	}
}

func (r *fakeRunItemRepo) BulkInsertQueued(ctx context.Context, runID string, itemIDs []string) (int, error) {
	r.inserted[runID] = itemIDs
	return len(itemIDs), nil
}

func (r *fakeRunItemRepo) ClaimQueued(ctx context.Context, runID string, chunk int) ([]*model.AnalysisRunItem, error) {
	claimed := r.claimable
	r.claimable = nil
	now := time.Now()
	for _, c := range claimed {
		c.State = model.RunItemProcessing
		c.StartedAt = &now
	}
	return claimed, nil
}

func (r *fakeRunItemRepo) ResetStaleProcessing(ctx context.Context, maxAge time.Duration) (int64, error) {
	reclaimed := r.reclaimed
	r.reclaimed = 0
	return reclaimed, nil
}

func (r *fakeRunItemRepo) MarkCompleted(ctx context.Context, id string, tokensUsed int, costUSD float64) error {
	r.completed[id] = costUSD
	r.counts.Completed++
	return nil
}

func (r *fakeRunItemRepo) MarkFailed(ctx context.Context, id, errorMessage string) error {
	r.failed[id] = errorMessage
	r.counts.Failed++
	return nil
}

func (r *fakeRunItemRepo) MarkSkipped(ctx context.Context, id, reason string) error {
	r.skipped[id] = reason
	r.counts.Skipped++
	return nil
}

func (r *fakeRunItemRepo) CountsByState(ctx context.Context, runID string) (model.RunItemCounts, error) {
	return r.counts, nil
}

func (r *fakeRunItemRepo) SumCost(ctx context.Context, runID string) (float64, error) {
	return r.sumCost, nil
}

type fakeItemRepo struct {
	repository.ItemRepository
	scopeIDs []string
	items    map[string]*model.Item
	analyses []*model.ItemAnalysis
}

func (r *fakeItemRepo) SelectScopeItemIDs(ctx context.Context, scope model.RunScope, params model.RunParams) ([]string, error) {
	return r.scopeIDs, nil
}

func (r *fakeItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	return r.items[id], nil
}

func (r *fakeItemRepo) UpsertAnalysis(ctx context.Context, analysis *model.ItemAnalysis) error {
	r.analyses = append(r.analyses, analysis)
	return nil
}

func (r *fakeItemRepo) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	return 0, nil
}

func (r *fakeItemRepo) CountAnalyzedSince(ctx context.Context, since time.Time) (int, error) {
	return 0, nil
}

type fakePendingRepo struct {
	repository.PendingAutoAnalysisRepository
	pending   []*model.PendingAutoAnalysis
	done      []string
	errored   []string
	takeCalls int
}

func (r *fakePendingRepo) TakePending(ctx context.Context, limit int) ([]*model.PendingAutoAnalysis, error) {
	r.takeCalls++
	pending := r.pending
	r.pending = nil
	return pending, nil
}

func (r *fakePendingRepo) MarkDone(ctx context.Context, id string) error {
	r.done = append(r.done, id)
	return nil
}

func (r *fakePendingRepo) MarkError(ctx context.Context, id string) error {
	r.errored = append(r.errored, id)
	return nil
}

type fakeQueuedRunRepo struct {
	repository.QueuedRunRepository
	next      *model.QueuedRun
	completed map[string]string
	failed    map[string]string
}

func newFakeQueuedRunRepo() *fakeQueuedRunRepo {
	return &fakeQueuedRunRepo{completed: map[string]string{}, failed: map[string]string{}}
}

func (r *fakeQueuedRunRepo) FindActiveByScopeHash(ctx context.Context, scopeHash string) (*model.QueuedRun, error) {
	return nil, nil
}

func (r *fakeQueuedRunRepo) DequeueNext(ctx context.Context) (*model.QueuedRun, error) {
	next := r.next
	r.next = nil
	return next, nil
}

func (r *fakeQueuedRunRepo) MarkCompleted(ctx context.Context, id, analysisRunID string) error {
	r.completed[id] = analysisRunID
	return nil
}

func (r *fakeQueuedRunRepo) MarkFailed(ctx context.Context, id, reason string) error {
	r.failed[id] = reason
	return nil
}

type fakeMetricsRepo struct {
	repository.MetricsRepository
	samples  []model.AnalysisSample
	runFeeds []string
	runItems []int
}

func (r *fakeMetricsRepo) UpsertFeedSample(ctx context.Context, sample model.AnalysisSample) error {
	r.samples = append(r.samples, sample)
	return nil
}

func (r *fakeMetricsRepo) UpsertQueueSample(ctx context.Context, sample model.AnalysisSample) error {
	return nil
}

func (r *fakeMetricsRepo) AddFeedRun(ctx context.Context, feedID string, date time.Time, items int) error {
	r.runFeeds = append(r.runFeeds, feedID)
	r.runItems = append(r.runItems, items)
	return nil
}

type fakeControlRepo struct {
	stopped bool
}

func (r *fakeControlRepo) EmergencyStopActive(ctx context.Context) (bool, error) {
	return r.stopped, nil
}

func (r *fakeControlRepo) SetEmergencyStop(ctx context.Context, active bool) error {
	r.stopped = active
	return nil
}

type fakeLLM struct {
	result *llm.AnalysisResult
	err    error
	calls  int
}

func (f *fakeLLM) Analyze(ctx context.Context, prompt, modelTag string) (*llm.AnalysisResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type workerFixture struct {
	worker      *Worker
	runRepo     *fakeRunRepo
	runItemRepo *fakeRunItemRepo
	itemRepo    *fakeItemRepo
	pendingRepo *fakePendingRepo
	queuedRepo  *fakeQueuedRunRepo
	metricsRepo *fakeMetricsRepo
	controlRepo *fakeControlRepo
	llmClient   *fakeLLM
}

func newWorkerFixture() *workerFixture {
	logger := testLogger()
	f := &workerFixture{
		runRepo:     newFakeRunRepo(),
		runItemRepo: newFakeRunItemRepo(),
		itemRepo:    &fakeItemRepo{items: map[string]*model.Item{}},
		pendingRepo: &fakePendingRepo{},
		queuedRepo:  newFakeQueuedRunRepo(),
		metricsRepo: &fakeMetricsRepo{},
		controlRepo: &fakeControlRepo{},
		llmClient: &fakeLLM{result: &llm.AnalysisResult{
			Sentiment: []byte(`{"overall":0.1}`),
			Impact:    []byte(`{"overall":0.5}`),
			ModelTag:  "gpt-4.1-nano",
			Usage:     cost.TokenUsage{Input: 1_000_000, Output: 500_000},
		}},
	}
	queue := runqueue.NewQueue(f.queuedRepo, logger)
	controller := admission.NewController(f.runRepo, f.queuedRepo, queue, f.controlRepo, logger, admission.DefaultLimits())
	aggregator := cost.NewAggregator(f.metricsRepo, logger)
	f.worker = NewWorker(
		f.runRepo, f.runItemRepo, f.itemRepo, f.pendingRepo,
		controller, queue, f.llmClient, aggregator,
		resilience.NewBreakerRegistry(logger), logger, DefaultConfig(),
	)
	return f
}

func runningRun(id string) *model.AnalysisRun {
	now := time.Now().Add(-time.Minute)
	return &model.AnalysisRun{
		ID:        id,
		Status:    model.RunStatusRunning,
		StartedAt: &now,
		Params:    model.RunParams{ModelTag: "gpt-4.1-nano", RatePerSecond: 3.0, Limit: 200},
	}
}

func TestStartRun_MaterializesScope(t *testing.T) {
	f := newWorkerFixture()
	f.itemRepo.scopeIDs = []string{"i1", "i2", "i3"}

	run, err := f.worker.StartRun(context.Background(),
		model.RunScope{Type: model.ScopeTypeGlobal}, model.RunParams{}, model.TriggeredByManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.runItemRepo.inserted[run.ID]) != 3 {
		t.Errorf("ラン記事数 = %d, want 3", len(f.runItemRepo.inserted[run.ID]))
	}
	if f.runRepo.statuses[run.ID] != model.RunStatusRunning {
		t.Errorf("status = %v, want running", f.runRepo.statuses[run.ID])
	}
	if run.CostEstimate <= 0 {
		t.Error("コスト見積もりが設定されるべき")
	}
	if run.ScopeHash == "" {
		t.Error("scope_hashが設定されるべき")
	}
}

func TestStartRun_EmptyScopeCompletesImmediately(t *testing.T) {
	f := newWorkerFixture()
	f.itemRepo.scopeIDs = nil

	run, err := f.worker.StartRun(context.Background(),
		model.RunScope{Type: model.ScopeTypeGlobal}, model.RunParams{}, model.TriggeredByManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.runRepo.statuses[run.ID] != model.RunStatusCompleted {
		t.Errorf("対象0件のランは即時完了すべき: %v", f.runRepo.statuses[run.ID])
	}
}

func TestProcessRun_CompletesItems(t *testing.T) {
	f := newWorkerFixture()
	run := runningRun("run-1")
	f.itemRepo.items["i1"] = &model.Item{ID: "i1", FeedID: "f1", Title: "記事", Description: "概要"}
	f.runItemRepo.claimable = []*model.AnalysisRunItem{{ID: "ri1", RunID: "run-1", ItemID: "i1"}}

	worked := f.worker.processRun(context.Background(), run)
	if !worked {
		t.Fatal("クレームがあれば仕事をしたと報告すべき")
	}

	// gpt-4.1-nano: 入力100万 + 出力50万 = 0.60 USD
	gotCost, ok := f.runItemRepo.completed["ri1"]
	if !ok {
		t.Fatal("ラン記事がcompletedになるべき")
	}
	if gotCost < 0.599 || gotCost > 0.601 {
		t.Errorf("cost_usd = %v, want 0.60", gotCost)
	}
	if len(f.itemRepo.analyses) != 1 {
		t.Fatalf("分析結果が永続化されるべき: %d", len(f.itemRepo.analyses))
	}
	if f.itemRepo.analyses[0].ModelTag != "gpt-4.1-nano" {
		t.Errorf("model_tag = %q", f.itemRepo.analyses[0].ModelTag)
	}
	if len(f.metricsRepo.samples) != 1 || !f.metricsRepo.samples[0].Success {
		t.Error("成功サンプルが集計へ送られるべき")
	}

	// 残件なしのため完了へ遷移
	if f.runRepo.statuses["run-1"] != model.RunStatusCompleted {
		t.Errorf("status = %v, want completed", f.runRepo.statuses["run-1"])
	}
}

func TestProcessRun_PermanentFailureMarksFailed(t *testing.T) {
	f := newWorkerFixture()
	// auth_errorはリトライ対象外のため1回で確定する
	f.llmClient.err = resilience.NewClassifiedError(resilience.KindAuthError, errors.New("invalid api key"))
	run := runningRun("run-1")
	f.itemRepo.items["i1"] = &model.Item{ID: "i1", FeedID: "f1", Title: "記事"}
	f.runItemRepo.claimable = []*model.AnalysisRunItem{{ID: "ri1", RunID: "run-1", ItemID: "i1"}}

	f.worker.processRun(context.Background(), run)

	if _, ok := f.runItemRepo.failed["ri1"]; !ok {
		t.Error("恒久エラーはfailedになるべき")
	}
	if f.llmClient.calls != 1 {
		t.Errorf("リトライ対象外は1回だけ呼ばれるべき: %d", f.llmClient.calls)
	}
	if len(f.metricsRepo.samples) != 1 || f.metricsRepo.samples[0].Success {
		t.Error("失敗サンプルが集計へ送られるべき")
	}
}

func TestProcessRun_MissingItemSkipped(t *testing.T) {
	f := newWorkerFixture()
	run := runningRun("run-1")
	f.runItemRepo.claimable = []*model.AnalysisRunItem{{ID: "ri1", RunID: "run-1", ItemID: "ghost"}}

	f.worker.processRun(context.Background(), run)

	if _, ok := f.runItemRepo.skipped["ri1"]; !ok {
		t.Error("記事が見つからない場合はskippedになるべき")
	}
	if f.llmClient.calls != 0 {
		t.Error("記事なしではLLMを呼ばないべき")
	}
}

func TestProcessRun_PendingFlipsToRunning(t *testing.T) {
	f := newWorkerFixture()
	run := &model.AnalysisRun{
		ID:     "run-1",
		Status: model.RunStatusPending,
		Params: model.RunParams{ModelTag: "gpt-4.1-nano", RatePerSecond: 3.0},
	}

	f.worker.processRun(context.Background(), run)

	if f.runRepo.statuses["run-1"] == model.RunStatusPending {
		t.Error("pendingランはrunningへ遷移すべき")
	}
}

func TestDrainPending(t *testing.T) {
	f := newWorkerFixture()
	f.itemRepo.scopeIDs = []string{"i1"}
	f.pendingRepo.pending = []*model.PendingAutoAnalysis{
		{ID: "p1", FeedID: "f1", ItemIDs: []string{"i1"}},
	}

	if !f.worker.drainPending(context.Background()) {
		t.Fatal("要求があれば仕事をしたと報告すべき")
	}
	if len(f.pendingRepo.done) != 1 || f.pendingRepo.done[0] != "p1" {
		t.Errorf("許可された要求はdoneになるべき: %v", f.pendingRepo.done)
	}
	if len(f.runRepo.created) != 1 {
		t.Errorf("自動分析ランが作成されるべき: %d", len(f.runRepo.created))
	}
	if f.runRepo.created[0].TriggeredBy != model.TriggeredByAuto {
		t.Errorf("triggered_by = %v, want auto", f.runRepo.created[0].TriggeredBy)
	}
}

func TestIntakeQueue(t *testing.T) {
	f := newWorkerFixture()
	f.itemRepo.scopeIDs = []string{"i1"}
	f.queuedRepo.next = &model.QueuedRun{
		ID:          "q1",
		Priority:    model.PriorityHigh,
		Scope:       model.RunScope{Type: model.ScopeTypeGlobal},
		Params:      model.RunParams{}.Normalize(),
		TriggeredBy: model.TriggeredByManual,
	}

	if !f.worker.intakeQueue(context.Background()) {
		t.Fatal("待機ランがあれば仕事をしたと報告すべき")
	}
	if len(f.runRepo.created) != 1 {
		t.Fatalf("ランが作成されるべき: %d", len(f.runRepo.created))
	}
	runID := f.runRepo.created[0].ID
	if f.queuedRepo.completed["q1"] != runID {
		t.Errorf("待機行へanalysis_run_idが記録されるべき: %v", f.queuedRepo.completed)
	}
}

func TestMaintenance_ReclaimsStale(t *testing.T) {
	f := newWorkerFixture()
	f.runItemRepo.reclaimed = 2

	f.worker.maintenance(context.Background())

	if f.runItemRepo.reclaimed != 0 {
		t.Error("ResetStaleProcessingが呼ばれるべき")
	}
	if f.worker.lastMaintenance.IsZero() {
		t.Error("メンテナンス時刻が更新されるべき")
	}
}

func TestCycle_EmergencyStopFromOtherProcessHaltsIntake(t *testing.T) {
	f := newWorkerFixture()
	ctx := context.Background()

	// 別プロセスで発動された緊急停止は共有行にのみ現れる
	f.controlRepo.stopped = true
	f.worker.maintenance(ctx)

	f.pendingRepo.pending = []*model.PendingAutoAnalysis{
		{ID: "p1", FeedID: "f1", ItemIDs: []string{"i1"}},
	}
	f.worker.cycle(ctx)

	if f.pendingRepo.takeCalls != 0 {
		t.Errorf("緊急停止中は自動分析要求をドレインしないべき: %d", f.pendingRepo.takeCalls)
	}
	if len(f.runRepo.created) != 0 {
		t.Errorf("緊急停止中にランが作成されるべきではない: %d", len(f.runRepo.created))
	}

	// 共有行で解除されれば次のメンテナンスで受け入れを再開する
	f.controlRepo.stopped = false
	f.worker.maintenance(ctx)
	f.worker.cycle(ctx)

	if f.pendingRepo.takeCalls != 1 {
		t.Errorf("解除後はドレインを再開すべき: %d", f.pendingRepo.takeCalls)
	}
}

func TestProcessRun_CompletionRecordsFeedRun(t *testing.T) {
	f := newWorkerFixture()
	run := runningRun("run-1")
	run.Scope = model.RunScope{Type: model.ScopeTypeFeeds, FeedIDs: []string{"f1"}}
	f.itemRepo.items["i1"] = &model.Item{ID: "i1", FeedID: "f1", Title: "記事"}
	f.runItemRepo.claimable = []*model.AnalysisRunItem{{ID: "ri1", RunID: "run-1", ItemID: "i1"}}

	f.worker.processRun(context.Background(), run)

	if f.runRepo.statuses["run-1"] != model.RunStatusCompleted {
		t.Fatalf("status = %v, want completed", f.runRepo.statuses["run-1"])
	}
	if len(f.metricsRepo.runFeeds) != 1 || f.metricsRepo.runFeeds[0] != "f1" {
		t.Fatalf("単一フィードスコープの完了はフィードへ帰属すべき: %v", f.metricsRepo.runFeeds)
	}
	if f.metricsRepo.runItems[0] != 1 {
		t.Errorf("ラン記事数 = %d, want 1", f.metricsRepo.runItems[0])
	}
}

func TestProcessRun_GlobalScopeCompletionHasNoFeedAttribution(t *testing.T) {
	f := newWorkerFixture()
	run := runningRun("run-1")
	run.Scope = model.RunScope{Type: model.ScopeTypeGlobal}
	f.itemRepo.items["i1"] = &model.Item{ID: "i1", FeedID: "f1", Title: "記事"}
	f.runItemRepo.claimable = []*model.AnalysisRunItem{{ID: "ri1", RunID: "run-1", ItemID: "i1"}}

	f.worker.processRun(context.Background(), run)

	if f.runRepo.statuses["run-1"] != model.RunStatusCompleted {
		t.Fatalf("status = %v, want completed", f.runRepo.statuses["run-1"])
	}
	if len(f.metricsRepo.runFeeds) != 0 {
		t.Errorf("帰属フィードが一意でない完了はロールアップしないべき: %v", f.metricsRepo.runFeeds)
	}
}
