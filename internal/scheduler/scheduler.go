// Package scheduler はフィードフェッチの動的スケジューリングを提供する。
// インメモリのスケジュール表を所有し、設定変更の適用と
// 期限到来フィードのディスパッチを単一のループで行う。
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/repository"
	"github.com/hitoshi/newsmcp/internal/watcher"
)

// FeedFetcherService はフィードフェッチの実行インターフェース。
type FeedFetcherService interface {
	// Fetch は指定フィードを1回フェッチする。nilは成功（304含む）を表す。
	Fetch(ctx context.Context, feed *model.Feed) error
}

// Entry はスケジュール表の1フィード分の状態を表す。
type Entry struct {
	FeedID              string
	URL                 string
	Title               string
	IntervalMinutes     int
	NextFetch           time.Time
	Status              model.FeedStatus
	ConsecutiveFailures int
	IsRunning           bool
}

// Config はスケジューラの動作設定。
type Config struct {
	// InstanceID はfeed_scheduler_stateの行を特定するID。
	InstanceID string
	// TickInterval はメインループの周期（デフォルト5秒）。
	TickInterval time.Duration
	// ConfigCheckInterval は設定変更チェックの周期（デフォルト30秒）。
	ConfigCheckInterval time.Duration
	// DispatchBatch は同時にディスパッチするフィード数の上限。
	DispatchBatch int
	// MaxBackoff は失敗バックオフの上限。
	MaxBackoff time.Duration
}

// DefaultConfig はデフォルトのスケジューラ設定を返す。
func DefaultConfig() Config {
	return Config{
		InstanceID:          "scheduler-1",
		TickInterval:        5 * time.Second,
		ConfigCheckInterval: 30 * time.Second,
		DispatchBatch:       5,
		MaxBackoff:          240 * time.Minute,
	}
}

// Scheduler はスケジュール表を所有する単一のアクティブループ。
// 協調的スケジューリングであり、シャットダウンは実行中の
// フェッチの完了を待ってから戻る。
type Scheduler struct {
	feedRepo  repository.FeedRepository
	stateRepo repository.SchedulerStateRepository
	watcher   *watcher.Watcher
	fetcher   FeedFetcherService
	logger    *slog.Logger
	config    Config

	mu              sync.Mutex
	schedule        map[string]*Entry
	state           *model.FeedSchedulerState
	lastConfigCheck time.Time

	now func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	feedRepo repository.FeedRepository,
	stateRepo repository.SchedulerStateRepository,
	w *watcher.Watcher,
	fetcher FeedFetcherService,
	logger *slog.Logger,
	config Config,
) *Scheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = 5 * time.Second
	}
	if config.ConfigCheckInterval <= 0 {
		config.ConfigCheckInterval = 30 * time.Second
	}
	if config.DispatchBatch <= 0 {
		config.DispatchBatch = 5
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 240 * time.Minute
	}
	return &Scheduler{
		feedRepo:  feedRepo,
		stateRepo: stateRepo,
		watcher:   w,
		fetcher:   fetcher,
		logger:    logger,
		config:    config,
		schedule:  make(map[string]*Entry),
		now:       time.Now,
	}
}

// Start はスケジューラのメインループを起動する。
// コンテキストのキャンセルで、実行中のフェッチを待ってから戻る。
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.initState(ctx); err != nil {
		return err
	}
	if err := s.Reload(ctx); err != nil {
		return err
	}

	s.logger.Info("フィードスケジューラを開始しました",
		slog.String("instance_id", s.config.InstanceID),
		slog.Duration("tick_interval", s.config.TickInterval),
		slog.Int("dispatch_batch", s.config.DispatchBatch),
	)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("フィードスケジューラを停止しました")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// initState はfeed_scheduler_stateの行を初期化する。
func (s *Scheduler) initState(ctx context.Context) error {
	now := s.now()
	state := &model.FeedSchedulerState{
		ID:              s.config.InstanceID,
		LastConfigCheck: now,
		LastHeartbeat:   now,
		IsActive:        true,
	}
	if err := s.stateRepo.Upsert(ctx, state); err != nil {
		return err
	}
	s.state = state
	s.lastConfigCheck = now
	return nil
}

// Reload はアクティブな全フィードからスケジュール表を再構築する。
// 初期ロードとドリフト検知時のフルリロードに使用する。
func (s *Scheduler) Reload(ctx context.Context) error {
	feeds, err := s.feedRepo.ListActive(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	schedule := make(map[string]*Entry, len(feeds))
	for _, feed := range feeds {
		schedule[feed.ID] = entryFromFeed(feed, now)
	}

	s.mu.Lock()
	s.schedule = schedule
	s.mu.Unlock()

	s.logger.Info("スケジュール表を再構築しました", slog.Int("feeds", len(feeds)))
	return nil
}

// entryFromFeed はフィードからスケジュールエントリを構築する。
// next_fetchはlast_fetched + interval、未フェッチの場合は即時。
func entryFromFeed(feed *model.Feed, now time.Time) *Entry {
	next := now
	if feed.LastFetched != nil {
		next = feed.LastFetched.Add(time.Duration(feed.FetchIntervalMinutes) * time.Minute)
	}
	return &Entry{
		FeedID:          feed.ID,
		URL:             feed.URL,
		Title:           feed.Title,
		IntervalMinutes: feed.FetchIntervalMinutes,
		NextFetch:       next,
		Status:          feed.Status,
	}
}

// tick はメインループの1周期分の処理を行う。
func (s *Scheduler) tick(ctx context.Context) {
	if s.now().Sub(s.lastConfigCheck) >= s.config.ConfigCheckInterval {
		s.checkConfig(ctx)
	}

	s.dispatchDue(ctx)

	if err := s.stateRepo.Heartbeat(ctx, s.config.InstanceID); err != nil {
		s.logger.Error("ハートビートの更新に失敗しました", slog.String("error", err.Error()))
	}
}

// checkConfig は設定変更の検知と適用を行う。
// 変更ログの適用とドリフト検知の2系統を順に実行する。
func (s *Scheduler) checkConfig(ctx context.Context) {
	since := s.lastConfigCheck
	now := s.now()
	s.lastConfigCheck = now

	cs, err := s.watcher.Scan(ctx, since.Add(-s.config.ConfigCheckInterval))
	if err != nil {
		s.logger.Error("設定変更のスキャンに失敗しました", slog.String("error", err.Error()))
		return
	}

	if !cs.Empty() {
		failed := s.applyChanges(ctx, cs)
		if ids := ackableIDs(cs, failed); len(ids) > 0 {
			if err := s.watcher.MarkApplied(ctx, ids); err != nil {
				s.logger.Error("適用済みマークに失敗しました", slog.String("error", err.Error()))
			}
		}
	}

	drift, err := s.watcher.CheckDrift(ctx, s.state)
	if err != nil {
		s.logger.Error("ドリフト検知に失敗しました", slog.String("error", err.Error()))
	} else if drift.Detected() {
		if err := s.Reload(ctx); err != nil {
			s.logger.Error("フルリロードに失敗しました", slog.String("error", err.Error()))
		}
	}

	if err := s.stateRepo.SetLastConfigCheck(ctx, s.config.InstanceID, now); err != nil {
		s.logger.Error("設定チェック時刻の更新に失敗しました", slog.String("error", err.Error()))
	}
}

// ackableIDs はACK対象の変更IDを返す。
// 取得に失敗したフィードに紐づく変更は未適用のまま残し、次回スキャンで再適用する。
func ackableIDs(cs *watcher.ChangeSet, failed map[string]bool) []string {
	ids := make([]string, 0, len(cs.Changes))
	for _, change := range cs.Changes {
		if change.FeedID != nil && failed[*change.FeedID] {
			continue
		}
		ids = append(ids, change.ID)
	}
	return ids
}

// applyChanges は検知した変更をスケジュール表へ反映し、
// フィードの取得に失敗して反映できなかったフィードIDの集合を返す。
//   - feed_created: next_fetch=nowで追加
//   - feed_updated: 非アクティブなら削除、interval変更はnext_fetchを再計算
//   - feed_deleted: 削除
//   - テンプレート変更: 影響フィードのnext_fetchを即時化（設定リロードの意味論）
func (s *Scheduler) applyChanges(ctx context.Context, cs *watcher.ChangeSet) map[string]bool {
	now := s.now()
	failed := map[string]bool{}

	for _, feedID := range cs.NewFeedIDs {
		feed, err := s.feedRepo.FindByID(ctx, feedID)
		if err != nil {
			failed[feedID] = true
			continue
		}
		if feed == nil || feed.Status != model.FeedStatusActive {
			continue
		}
		entry := entryFromFeed(feed, now)
		entry.NextFetch = now

		s.mu.Lock()
		s.schedule[feedID] = entry
		s.mu.Unlock()
	}

	for _, feedID := range cs.UpdatedFeedIDs {
		feed, err := s.feedRepo.FindByID(ctx, feedID)
		if err != nil {
			failed[feedID] = true
			continue
		}

		s.mu.Lock()
		if feed == nil || feed.Status != model.FeedStatusActive {
			delete(s.schedule, feedID)
			s.mu.Unlock()
			continue
		}
		entry, ok := s.schedule[feedID]
		if !ok {
			s.schedule[feedID] = entryFromFeed(feed, now)
			s.mu.Unlock()
			continue
		}
		entry.URL = feed.URL
		entry.Title = feed.Title
		entry.Status = feed.Status
		if entry.IntervalMinutes != feed.FetchIntervalMinutes {
			entry.IntervalMinutes = feed.FetchIntervalMinutes
			if feed.LastFetched != nil {
				entry.NextFetch = feed.LastFetched.Add(time.Duration(feed.FetchIntervalMinutes) * time.Minute)
			} else {
				entry.NextFetch = now
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	for _, feedID := range cs.DeletedFeedIDs {
		delete(s.schedule, feedID)
	}
	for _, feedID := range cs.TemplateAffectedFeedIDs {
		if entry, ok := s.schedule[feedID]; ok {
			entry.NextFetch = now
		}
	}
	s.mu.Unlock()

	return failed
}

// dispatchDue は期限到来フィードをDispatchBatch並列でフェッチする。
// バッチの完了を待ってから戻るため、シャットダウン時に
// 実行中のフェッチが取り残されることはない。
func (s *Scheduler) dispatchDue(ctx context.Context) {
	due := s.collectDue()
	if len(due) == 0 {
		return
	}

	s.logger.Info("期限到来フィードをディスパッチします", slog.Int("count", len(due)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.DispatchBatch)

	for _, entry := range due {
		feedID := entry.FeedID
		g.Go(func() error {
			feed, err := s.feedRepo.FindByID(gctx, feedID)
			if err != nil || feed == nil {
				s.onComplete(feedID, err)
				return nil
			}
			fetchErr := s.fetcher.Fetch(gctx, feed)
			s.onComplete(feedID, fetchErr)
			return nil
		})
	}
	// g.Goはエラーを返さないためWaitのエラーは無視できる
	_ = g.Wait()
}

// collectDue は実行可能な期限到来エントリを抽出し、is_runningを立てる。
func (s *Scheduler) collectDue() []*Entry {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Entry
	for _, entry := range s.schedule {
		if entry.IsRunning || entry.Status != model.FeedStatusActive {
			continue
		}
		if now.Before(entry.NextFetch) {
			continue
		}
		entry.IsRunning = true
		due = append(due, entry)
	}
	return due
}

// onComplete はフェッチ完了をスケジュール表へ反映する。
// 成功は失敗カウントをリセットし、失敗は指数バックオフを適用する。
func (s *Scheduler) onComplete(feedID string, fetchErr error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.schedule[feedID]
	if !ok {
		return
	}
	entry.IsRunning = false

	interval := time.Duration(entry.IntervalMinutes) * time.Minute
	if fetchErr == nil {
		entry.ConsecutiveFailures = 0
		entry.NextFetch = now.Add(interval)
		return
	}

	entry.ConsecutiveFailures++
	entry.NextFetch = now.Add(backoffDelay(interval, entry.ConsecutiveFailures, s.config.MaxBackoff))
	s.logger.Warn("フェッチ失敗によりバックオフを適用します",
		slog.String("feed_id", feedID),
		slog.Int("consecutive_failures", entry.ConsecutiveFailures),
		slog.Time("next_fetch", entry.NextFetch),
	)
}

// backoffDelay は失敗回数に応じた指数バックオフを計算する。
// delay = min(interval * 2^failures, max)
func backoffDelay(interval time.Duration, failures int, max time.Duration) time.Duration {
	delay := interval
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// Snapshot はスケジュール表の現在状態のコピーを返す。状態APIに使用する。
func (s *Scheduler) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.schedule))
	for _, entry := range s.schedule {
		entries = append(entries, *entry)
	}
	return entries
}
