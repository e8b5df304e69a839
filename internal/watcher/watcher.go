// Package watcher はフィード/テンプレート設定変更の検知を提供する。
package watcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/repository"
)

// defaultScanLimit は1回のスキャンで取得する未適用変更の上限。
const defaultScanLimit = 200

// ChangeSet は1回のスキャンで検知した設定変更の集合を表す。
// スケジューラはこの派生ビューを消費してスケジュールを再調整する。
type ChangeSet struct {
	// Changes はcreated_at昇順の未適用変更。
	Changes []*model.FeedConfigurationChange
	// NewFeedIDs はfeed_created由来の新規フィードID。
	NewFeedIDs []string
	// UpdatedFeedIDs はfeed_updated由来の更新フィードID。
	UpdatedFeedIDs []string
	// DeletedFeedIDs はfeed_deleted由来の削除フィードID。
	DeletedFeedIDs []string
	// TemplateAffectedFeedIDs はテンプレート変更の影響を受けるフィードID。
	// テンプレート変更は影響フィードの即時再取得を促す。
	TemplateAffectedFeedIDs []string
}

// Empty は変更が1件もないことを判定する。
func (cs *ChangeSet) Empty() bool {
	return len(cs.Changes) == 0
}

// IDs は変更ログのIDを返す。MarkAppliedに渡すために使用する。
func (cs *ChangeSet) IDs() []string {
	ids := make([]string, 0, len(cs.Changes))
	for _, c := range cs.Changes {
		ids = append(ids, c.ID)
	}
	return ids
}

// DriftResult はドリフト検知の結果を表す。
// いずれかがtrueの場合、変更ログを経由しない編集（生SQL等）が
// 行われた可能性があり、スケジューラはフルリロードを行う。
type DriftResult struct {
	FeedDrift         bool
	TemplateDrift     bool
	FeedConfigHash    string
	TemplateConfigHash string
}

// Detected はいずれかのドリフトが検知されたかを返す。
func (d DriftResult) Detected() bool {
	return d.FeedDrift || d.TemplateDrift
}

// Watcher は設定変更ログとコンテンツハッシュの2系統で変更を検知する。
// どちらの検知も冪等であり、同じ変更を複数回適用しても安全である。
type Watcher struct {
	changeRepo   repository.ChangeRepository
	templateRepo repository.TemplateRepository
	feedRepo     repository.FeedRepository
	stateRepo    repository.SchedulerStateRepository
	logger       *slog.Logger
	scanLimit    int
}

// NewWatcher はWatcherの新しいインスタンスを生成する。
func NewWatcher(
	changeRepo repository.ChangeRepository,
	templateRepo repository.TemplateRepository,
	feedRepo repository.FeedRepository,
	stateRepo repository.SchedulerStateRepository,
	logger *slog.Logger,
) *Watcher {
	return &Watcher{
		changeRepo:   changeRepo,
		templateRepo: templateRepo,
		feedRepo:     feedRepo,
		stateRepo:    stateRepo,
		logger:       logger,
		scanLimit:    defaultScanLimit,
	}
}

// Scan はsince以降の未適用変更を取得し、種別ごとに分類したChangeSetを返す。
// テンプレート変更はFeedsAssignedToTemplateで影響フィードへファンアウトする。
func (w *Watcher) Scan(ctx context.Context, since time.Time) (*ChangeSet, error) {
	changes, err := w.changeRepo.UnappliedSince(ctx, since, w.scanLimit)
	if err != nil {
		return nil, err
	}

	cs := &ChangeSet{Changes: changes}
	seenNew := map[string]bool{}
	seenUpdated := map[string]bool{}
	seenDeleted := map[string]bool{}
	seenAffected := map[string]bool{}

	for _, change := range changes {
		switch change.ChangeType {
		case model.ChangeFeedCreated:
			if change.FeedID != nil && !seenNew[*change.FeedID] {
				seenNew[*change.FeedID] = true
				cs.NewFeedIDs = append(cs.NewFeedIDs, *change.FeedID)
			}
		case model.ChangeFeedUpdated:
			if change.FeedID != nil && !seenUpdated[*change.FeedID] {
				seenUpdated[*change.FeedID] = true
				cs.UpdatedFeedIDs = append(cs.UpdatedFeedIDs, *change.FeedID)
			}
		case model.ChangeFeedDeleted:
			if change.FeedID != nil && !seenDeleted[*change.FeedID] {
				seenDeleted[*change.FeedID] = true
				cs.DeletedFeedIDs = append(cs.DeletedFeedIDs, *change.FeedID)
			}
		default:
			if !change.ChangeType.IsTemplateChange() {
				w.logger.Warn("未知の変更種別をスキップします",
					slog.String("change_id", change.ID),
					slog.String("change_type", string(change.ChangeType)),
				)
				continue
			}
			for _, feedID := range w.affectedFeeds(ctx, change) {
				if !seenAffected[feedID] {
					seenAffected[feedID] = true
					cs.TemplateAffectedFeedIDs = append(cs.TemplateAffectedFeedIDs, feedID)
				}
			}
		}
	}

	if !cs.Empty() {
		w.logger.Info("設定変更を検知しました",
			slog.Int("changes", len(cs.Changes)),
			slog.Int("new_feeds", len(cs.NewFeedIDs)),
			slog.Int("updated_feeds", len(cs.UpdatedFeedIDs)),
			slog.Int("deleted_feeds", len(cs.DeletedFeedIDs)),
			slog.Int("template_affected_feeds", len(cs.TemplateAffectedFeedIDs)),
		)
	}
	return cs, nil
}

// affectedFeeds はテンプレート変更1件の影響フィードを解決する。
// 割り当て変更は変更ログのfeed_idを直接使い、テンプレート本体の変更は
// 割り当てテーブルからファンアウトする。
func (w *Watcher) affectedFeeds(ctx context.Context, change *model.FeedConfigurationChange) []string {
	if change.FeedID != nil {
		return []string{*change.FeedID}
	}
	if change.TemplateID == nil {
		return nil
	}

	feedIDs, err := w.templateRepo.FeedsAssignedToTemplate(ctx, *change.TemplateID)
	if err != nil {
		w.logger.Error("テンプレート影響フィードの解決に失敗しました",
			slog.String("template_id", *change.TemplateID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return feedIDs
}

// MarkApplied は適用済みの変更にapplied_atを打刻する。
// 部分的に適用できた場合は成功した分のみをACKする。
func (w *Watcher) MarkApplied(ctx context.Context, ids []string) error {
	return w.changeRepo.MarkApplied(ctx, ids)
}

// CheckDrift は現在の設定ハッシュを前回値と比較し、乖離を検知する。
// 乖離を検知した場合は新しいハッシュを永続化して返す。
func (w *Watcher) CheckDrift(ctx context.Context, state *model.FeedSchedulerState) (DriftResult, error) {
	var result DriftResult

	feedHash, err := w.feedRepo.ConfigHash(ctx)
	if err != nil {
		return result, err
	}
	templateHash, err := w.templateRepo.ConfigHash(ctx)
	if err != nil {
		return result, err
	}

	result.FeedConfigHash = feedHash
	result.TemplateConfigHash = templateHash
	result.FeedDrift = state.LastFeedConfigHash != "" && state.LastFeedConfigHash != feedHash
	result.TemplateDrift = state.LastTemplateConfigHash != "" && state.LastTemplateConfigHash != templateHash

	if result.Detected() {
		w.logger.Warn("設定ドリフトを検知しました。フルリロードが必要です",
			slog.Bool("feed_drift", result.FeedDrift),
			slog.Bool("template_drift", result.TemplateDrift),
		)
	}

	if err := w.stateRepo.SetConfigHashes(ctx, state.ID, feedHash, templateHash); err != nil {
		return result, err
	}
	state.LastFeedConfigHash = feedHash
	state.LastTemplateConfigHash = templateHash
	return result, nil
}
