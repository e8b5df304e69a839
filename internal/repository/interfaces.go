// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/newsmcp/internal/model"
)

// FeedRepository はフィードデータの永続化インターフェース。
// Create/Update/Delete/Archiveは設定変更ログの追記を同一トランザクションで行う。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// FindByURL はフィードURLでフィードを検索する。見つからない場合はnilを返す。
	FindByURL(ctx context.Context, url string) (*model.Feed, error)

	// Create はフィードを作成し、feed_created変更ログを同一トランザクションで追記する。
	Create(ctx context.Context, feed *model.Feed) error

	// Update はフィード設定を更新し、feed_updated変更ログを同一トランザクションで追記する。
	Update(ctx context.Context, feed *model.Feed) error

	// Delete はフィードを削除し、feed_deleted変更ログを同一トランザクションで追記する。
	// is_criticalかつ参照行が存在する場合はAPIErrorで拒否する。
	Delete(ctx context.Context, id string) error

	// DeletePreflight は削除可否の事前確認を行い、参照行数とcan_deleteを返す。
	DeletePreflight(ctx context.Context, id string) (*model.FeedDeletePreflight, error)

	// Archive はフィードをアーカイブする（archived_atを打刻しstatus=inactiveに変更）。
	// 片方向の操作であり、feed_updated変更ログを追記する。
	Archive(ctx context.Context, id string) error

	// ListActive はアクティブな全フィードを返す。スケジューラの初期ロードに使用する。
	ListActive(ctx context.Context) ([]*model.Feed, error)

	// ListByIDs は指定IDのフィードを返す。
	ListByIDs(ctx context.Context, ids []string) ([]*model.Feed, error)

	// UpdateFetchMeta はフェッチ完了時のメタデータを更新する。
	// etag、last_modified、last_fetched、title、description、statusのみを書き換える。
	UpdateFetchMeta(ctx context.Context, feed *model.Feed) error

	// SetStatus はフィードの状態のみを更新する。
	SetStatus(ctx context.Context, id string, status model.FeedStatus) error

	// ConfigHash は全フィード設定のコンテンツハッシュを返す。
	// ドリフト検知（変更ログを経由しない生SQL編集の検出）に使用する。
	ConfigHash(ctx context.Context) (string, error)
}

// ItemInsertResult はInsertIfAbsentの結果を表す。
type ItemInsertResult int

const (
	// ItemInserted は新規挿入。
	ItemInserted ItemInsertResult = iota
	// ItemDuplicate はcontent_hash重複により挿入されなかったことを表す。
	ItemDuplicate
)

// ItemRepository は記事データの永続化インターフェース。
type ItemRepository interface {
	// InsertIfAbsent はcontent_hashが未登録の場合のみ記事を挿入する。
	// 一意制約違反はItemDuplicateとして返し、エラーにしない。
	InsertIfAbsent(ctx context.Context, item *model.Item) (ItemInsertResult, error)

	// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Item, error)

	// SelectScopeItemIDs はスコープ定義から分析対象の記事IDを選択する。
	// created_at降順でparams.Limitに切り詰める。
	SelectScopeItemIDs(ctx context.Context, scope model.RunScope, params model.RunParams) ([]string, error)

	// CountCreatedSince は指定時刻以降に作成された記事数を返す。カバレッジSLOに使用する。
	CountCreatedSince(ctx context.Context, since time.Time) (int, error)

	// CountAnalyzedSince は指定時刻以降に分析された記事数を返す。カバレッジSLOに使用する。
	CountAnalyzedSince(ctx context.Context, since time.Time) (int, error)

	// UpsertAnalysis は記事の分析結果を冪等にUPSERTする。
	UpsertAnalysis(ctx context.Context, analysis *model.ItemAnalysis) error
}

// FetchLogRepository はフェッチログの永続化インターフェース。
type FetchLogRepository interface {
	// InsertRunning はstatus=runningのフェッチログ行を挿入しIDを返す。
	InsertRunning(ctx context.Context, feedID string) (string, error)

	// Complete はフェッチログ行を完了状態に更新する。
	Complete(ctx context.Context, id string, status model.FetchLogStatus, itemsFound, itemsNew int, responseTimeMS int64, errorMessage string) error

	// WindowStats は指定時刻以降のフェッチ試行の集計を返す。FeedHealth再計算に使用する。
	WindowStats(ctx context.Context, feedID string, since time.Time) (model.FetchWindowStats, error)
}

// FeedHealthRepository はフィードヘルスの永続化インターフェース。
type FeedHealthRepository interface {
	// Find は指定フィードのヘルスを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, feedID string) (*model.FeedHealth, error)

	// Upsert はフィードヘルスを冪等にUPSERTする。
	Upsert(ctx context.Context, health *model.FeedHealth) error
}

// TemplateRepository はテンプレートと割り当ての永続化インターフェース。
// 変更系の操作は対応する変更ログを同一トランザクションで追記する。
type TemplateRepository interface {
	// FindByID は指定IDのテンプレートを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.DynamicFeedTemplate, error)

	// Create はテンプレートを作成し、template_created変更ログを追記する。
	Create(ctx context.Context, template *model.DynamicFeedTemplate) error

	// Update はテンプレートを更新し、template_updated変更ログを追記する。
	Update(ctx context.Context, template *model.DynamicFeedTemplate) error

	// Delete はテンプレートを削除し、template_deleted変更ログを追記する。
	Delete(ctx context.Context, id string) error

	// Assign はフィードへのテンプレート割り当てを作成し、feed_template_assigned変更ログを追記する。
	Assign(ctx context.Context, assignment *model.FeedTemplateAssignment) error

	// Unassign は割り当てを削除し、feed_template_unassigned変更ログを追記する。
	Unassign(ctx context.Context, assignmentID string) error

	// FindActiveForFeed はフィードに適用すべきテンプレートを返す。
	// 有効な割り当てのうちpriority最大のものを選択する。割り当てがない場合はnilを返す。
	FindActiveForFeed(ctx context.Context, feedID string) (*model.DynamicFeedTemplate, error)

	// FeedsAssignedToTemplate はテンプレートが割り当てられているフィードIDを返す。
	FeedsAssignedToTemplate(ctx context.Context, templateID string) ([]string, error)

	// ConfigHash は全テンプレート＋割り当て設定のコンテンツハッシュを返す。
	ConfigHash(ctx context.Context) (string, error)
}

// ChangeRepository は設定変更ログの読み出しインターフェース。
// 追記は各リポジトリの変更系操作が同一トランザクションで行う。
type ChangeRepository interface {
	// Append は変更ログを単独で追記する。主にテストとシステム操作用。
	Append(ctx context.Context, change *model.FeedConfigurationChange) error

	// UnappliedSince はapplied_at IS NULLの変更をcreated_at昇順で返す。
	UnappliedSince(ctx context.Context, since time.Time, limit int) ([]*model.FeedConfigurationChange, error)

	// MarkApplied は指定IDの変更にapplied_atを打刻する。冪等。
	MarkApplied(ctx context.Context, ids []string) error
}

// SchedulerStateRepository はスケジューラ状態の永続化インターフェース。
type SchedulerStateRepository interface {
	// Find は指定IDのスケジューラ状態を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, id string) (*model.FeedSchedulerState, error)

	// Upsert はスケジューラ状態を冪等にUPSERTする。
	Upsert(ctx context.Context, state *model.FeedSchedulerState) error

	// Heartbeat はlast_heartbeatを現在時刻に更新する。
	Heartbeat(ctx context.Context, id string) error

	// SetLastConfigCheck はlast_config_checkを更新する。
	SetLastConfigCheck(ctx context.Context, id string, t time.Time) error

	// SetConfigHashes はドリフト検知用の設定ハッシュを更新する。
	SetConfigHashes(ctx context.Context, id, feedHash, templateHash string) error
}

// RunRepository は分析ランの永続化インターフェース。
// statusの遷移は必ずこのインターフェースを経由する。
type RunRepository interface {
	// Create は分析ランを作成する。
	Create(ctx context.Context, run *model.AnalysisRun) error

	// FindByID は指定IDのランを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AnalysisRun, error)

	// FindActiveByScopeHash はscope_hashが一致するアクティブなランを返す。
	// 見つからない場合はnilを返す。
	FindActiveByScopeHash(ctx context.Context, scopeHash string) (*model.AnalysisRun, error)

	// MarkRunning はランをrunningに遷移しstarted_atを打刻する。
	MarkRunning(ctx context.Context, id string) error

	// MarkCompleted はランをcompletedに遷移しcompleted_atを打刻する。
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed はランをfailedに遷移しlast_errorを記録する。
	MarkFailed(ctx context.Context, id, lastError string) error

	// MarkCancelled はランをcancelledに遷移する。
	MarkCancelled(ctx context.Context, id string) error

	// ListActive はpending/runningのランをcreated_at昇順で返す。
	ListActive(ctx context.Context, limit int) ([]*model.AnalysisRun, error)

	// CountActive はアクティブなラン数を返す。
	CountActive(ctx context.Context) (int, error)

	// CountStartedToday は本日開始されたラン数を返す。
	CountStartedToday(ctx context.Context) (int, error)

	// CountAutoStartedToday は本日開始された自動ラン数を返す。
	CountAutoStartedToday(ctx context.Context) (int, error)

	// CountStartedLastHour は直近1時間に開始されたラン数を返す。
	CountStartedLastHour(ctx context.Context) (int, error)

	// UpdateAggregates はランの集計値を更新しupdated_at（ハートビート）を打刻する。
	UpdateAggregates(ctx context.Context, id string, counts model.RunItemCounts, actualCost, itemsPerMinute, errorRate float64) error

	// UpdateCoverage はSLOカバレッジゲージを更新する。
	UpdateCoverage(ctx context.Context, id string, coverage10m, coverage60m float64) error
}

// RunItemRepository はラン記事の永続化インターフェース。
type RunItemRepository interface {
	// BulkInsertQueued は記事IDごとにstate=queuedの行を一括挿入し、挿入件数を返す。
	BulkInsertQueued(ctx context.Context, runID string, itemIDs []string) (int, error)

	// ClaimQueued は最も古いqueued行を最大chunk件、FOR UPDATE SKIP LOCKEDで
	// 排他的に取得し、単一文でstate=processingへ遷移させstarted_atを打刻する。
	// 複数ワーカーの同時呼び出しで同一行が二重に返ることはない。
	ClaimQueued(ctx context.Context, runID string, chunk int) ([]*model.AnalysisRunItem, error)

	// ResetStaleProcessing はstarted_atがmaxAgeより古いprocessing行をqueuedへ戻し、
	// 件数を返す。クラッシュしたワーカーの持ち分を再回収する。
	ResetStaleProcessing(ctx context.Context, maxAge time.Duration) (int64, error)

	// MarkCompleted はラン記事をcompletedに遷移しトークン数とコストを記録する。
	MarkCompleted(ctx context.Context, id string, tokensUsed int, costUSD float64) error

	// MarkFailed はラン記事をfailedに遷移しエラーメッセージを記録する。
	MarkFailed(ctx context.Context, id, errorMessage string) error

	// MarkSkipped はラン記事をskippedに遷移する。
	MarkSkipped(ctx context.Context, id, reason string) error

	// CountsByState はランの状態別件数を返す。
	CountsByState(ctx context.Context, runID string) (model.RunItemCounts, error)

	// SumCost はランの記事別コストの合計を返す。
	SumCost(ctx context.Context, runID string) (float64, error)
}

// QueuedRunRepository は待機ランの永続化インターフェース。
type QueuedRunRepository interface {
	// Insert は待機ランを挿入する。
	Insert(ctx context.Context, queued *model.QueuedRun) error

	// FindActiveByScopeHash はscope_hashが一致する{QUEUED, RUNNING}の行を返す。
	// 見つからない場合はnilを返す。
	FindActiveByScopeHash(ctx context.Context, scopeHash string) (*model.QueuedRun, error)

	// FindByID は指定IDの待機ランを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.QueuedRun, error)

	// DequeueNext は優先度順・created_at昇順で次のQUEUED行を取得し、
	// 単一文でRUNNINGへ遷移させstarted_atを打刻する。空の場合はnilを返す。
	DequeueNext(ctx context.Context) (*model.QueuedRun, error)

	// MarkCompleted は待機ランをCOMPLETEDに遷移しanalysis_run_idを記録する。
	MarkCompleted(ctx context.Context, id, analysisRunID string) error

	// MarkFailed は待機ランをFAILEDに遷移し理由を記録する。
	MarkFailed(ctx context.Context, id, reason string) error

	// Cancel は待機ランをCANCELLEDに遷移する。
	Cancel(ctx context.Context, id string) error

	// ClearQueued は全QUEUED行をCANCELLEDに遷移させ件数を返す。緊急停止に使用する。
	ClearQueued(ctx context.Context) (int64, error)

	// Status は状態別・優先度別の件数集計を返す。
	Status(ctx context.Context) (*model.QueueStatus, error)

	// List は待機ランを優先度順で最大limit件返す。
	List(ctx context.Context, limit int) ([]*model.QueuedRun, error)
}

// PendingAutoAnalysisRepository は自動分析要求FIFOの永続化インターフェース。
type PendingAutoAnalysisRepository interface {
	// Enqueue は自動分析要求を挿入する。
	Enqueue(ctx context.Context, feedID string, itemIDs []string) error

	// TakePending はstatus=pendingの行を最大limit件、FOR UPDATE SKIP LOCKEDで
	// 取得しprocessingへ遷移させる。
	TakePending(ctx context.Context, limit int) ([]*model.PendingAutoAnalysis, error)

	// MarkDone は要求をdoneに遷移しprocessed_atを打刻する。
	MarkDone(ctx context.Context, id string) error

	// MarkError は要求をerrorに遷移する。
	MarkError(ctx context.Context, id string) error
}

// ControlRepository は全プロセス共有の運用制御フラグの永続化インターフェース。
// serveプロセスで発動した緊急停止をワーカープロセスが観測するために使用する。
type ControlRepository interface {
	// EmergencyStopActive は緊急停止フラグの現在値を返す。
	EmergencyStopActive(ctx context.Context) (bool, error)

	// SetEmergencyStop は緊急停止フラグを冪等にUPSERTする。
	SetEmergencyStop(ctx context.Context, active bool) error
}

// MetricsRepository はコスト/処理量ロールアップの永続化インターフェース。
// 更新は(feed_id, metric_date) / (metric_date, metric_hour)キーの加算UPSERTで行う。
type MetricsRepository interface {
	// UpsertFeedSample はラン記事1件の完了サンプルを日次フィードメトリクスへ加算する。
	// 平均値は件数加重の逐次平均で更新する。
	UpsertFeedSample(ctx context.Context, sample model.AnalysisSample) error

	// AddFeedRun はラン完了をフィード日次メトリクスへ加算する。
	AddFeedRun(ctx context.Context, feedID string, date time.Time, items int) error

	// UpsertQueueSample はキュー処理サンプルを時間別メトリクスへ加算する。
	UpsertQueueSample(ctx context.Context, sample model.AnalysisSample) error

	// DailyFeedSummary は指定フィード・日付の日次サマリを返す。見つからない場合はnilを返す。
	DailyFeedSummary(ctx context.Context, feedID string, date time.Time) (*model.FeedMetrics, error)

	// Rollup7d は指定フィードの直近7日間の合算を返す。
	Rollup7d(ctx context.Context, feedID string) (*model.FeedMetrics, error)

	// TopSpendFeeds は直近days日間のコスト上位フィードを返す。
	TopSpendFeeds(ctx context.Context, days, limit int) ([]model.FeedSpend, error)

	// Overview は直近days日間のシステム全体サマリを返す。
	Overview(ctx context.Context, days int) (*model.SystemOverview, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
