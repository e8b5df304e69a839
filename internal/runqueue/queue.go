// Package runqueue は分析ランの待機キューを提供する。
// 同時実行上限を超えたランを優先度付きで待機させ、
// 容量が空いたときに昇格させる。
package runqueue

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/repository"
)

// Outcome はエンキュー操作の結果種別を表す。
type Outcome string

const (
	// OutcomeEnqueued は新規に待機キューへ追加された。
	OutcomeEnqueued Outcome = "enqueued"
	// OutcomeDuplicate は同一scope_hashの待機/実行中ランが既に存在した。
	OutcomeDuplicate Outcome = "duplicate"
)

// EnqueueResult はエンキュー操作の結果を表す。
// Duplicateの場合、QueuedRunは既存の行を指す。
type EnqueueResult struct {
	Outcome   Outcome
	QueuedRun *model.QueuedRun
}

// Queue は待機ランのキュー操作を提供する。
// 重複抑止の不変条件（同一scope_hashの{QUEUED, RUNNING}は高々1つ）を
// エンキュー入口で守る。
type Queue struct {
	repo   repository.QueuedRunRepository
	logger *slog.Logger
}

// NewQueue はQueueの新しいインスタンスを生成する。
func NewQueue(repo repository.QueuedRunRepository, logger *slog.Logger) *Queue {
	return &Queue{repo: repo, logger: logger}
}

// Enqueue はランを待機キューへ追加する。
// 同一scope_hashの待機/実行中ランが存在する場合は追加せず、
// 既存の行とともにDuplicateを返す。優先度は起動契機から導出する。
func (q *Queue) Enqueue(ctx context.Context, scope model.RunScope, params model.RunParams, trigger model.TriggeredBy) (*EnqueueResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	params = params.Normalize()
	scopeHash := model.ComputeScopeHash(scope, params)

	existing, err := q.repo.FindActiveByScopeHash(ctx, scopeHash)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		q.logger.Info("同一スコープのランが既にキューに存在します",
			slog.String("scope_hash", scopeHash),
			slog.String("existing_id", existing.ID),
			slog.String("existing_status", string(existing.Status)),
		)
		return &EnqueueResult{Outcome: OutcomeDuplicate, QueuedRun: existing}, nil
	}

	queued := &model.QueuedRun{
		ID:          uuid.New().String(),
		Priority:    model.PriorityFor(trigger),
		Status:      model.QueuedRunQueued,
		ScopeHash:   scopeHash,
		Scope:       scope,
		Params:      params,
		TriggeredBy: trigger,
	}
	if err := q.repo.Insert(ctx, queued); err != nil {
		return nil, err
	}

	q.logger.Info("ランを待機キューへ追加しました",
		slog.String("queued_run_id", queued.ID),
		slog.String("scope_hash", scopeHash),
		slog.String("priority", queued.Priority.String()),
		slog.Int("queue_position", queued.QueuePosition),
	)
	return &EnqueueResult{Outcome: OutcomeEnqueued, QueuedRun: queued}, nil
}

// DequeueNext は優先度順で次の待機ランを取り出しRUNNINGへ遷移させる。
// キューが空の場合はnilを返す。
func (q *Queue) DequeueNext(ctx context.Context) (*model.QueuedRun, error) {
	queued, err := q.repo.DequeueNext(ctx)
	if err != nil {
		return nil, err
	}
	if queued != nil {
		q.logger.Info("待機ランを取り出しました",
			slog.String("queued_run_id", queued.ID),
			slog.String("priority", queued.Priority.String()),
		)
	}
	return queued, nil
}

// Complete は待機ランをCOMPLETEDへ遷移させ、昇格先のラン IDを記録する。
func (q *Queue) Complete(ctx context.Context, id, analysisRunID string) error {
	return q.repo.MarkCompleted(ctx, id, analysisRunID)
}

// Fail は待機ランをFAILEDへ遷移させ理由を記録する。
func (q *Queue) Fail(ctx context.Context, id, reason string) error {
	return q.repo.MarkFailed(ctx, id, reason)
}

// Cancel は待機中のランをキャンセルする。RUNNING以降の行には作用しない。
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.repo.Cancel(ctx, id)
}

// Clear は全待機ランをキャンセルし件数を返す。緊急停止時に使用する。
func (q *Queue) Clear(ctx context.Context) (int64, error) {
	cleared, err := q.repo.ClearQueued(ctx)
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		q.logger.Warn("待機キューを全件クリアしました", slog.Int64("cleared", cleared))
	}
	return cleared, nil
}

// Status は状態別・優先度別の件数集計を返す。
func (q *Queue) Status(ctx context.Context) (*model.QueueStatus, error) {
	return q.repo.Status(ctx)
}

// List は待機ランを優先度順で返す。
func (q *Queue) List(ctx context.Context, limit int) ([]*model.QueuedRun, error) {
	return q.repo.List(ctx, limit)
}
