// Package admission は分析ランの入場制御を提供する。
// 同時実行・時間別・日次・自動ランの各上限と緊急停止を単一の
// 判定点で適用し、開始/待機/拒否を決定する。
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/repository"
	"github.com/hitoshi/newsmcp/internal/runqueue"
)

// DecisionKind は入場判定の結果種別を表す。
type DecisionKind string

const (
	// DecisionProceed は即時開始を許可する。
	DecisionProceed DecisionKind = "proceed"
	// DecisionEnqueued は待機キューへ追加した。
	DecisionEnqueued DecisionKind = "enqueued"
	// DecisionRejected は開始を拒否した。
	DecisionRejected DecisionKind = "rejected"
)

// Decision は入場判定の結果を表す。
type Decision struct {
	Kind        DecisionKind
	QueuedRunID string
	Reason      string
}

// Limits は入場制御の上限値。
type Limits struct {
	MaxConcurrent int
	MaxDaily      int
	MaxDailyAuto  int
	MaxHourly     int
}

// DefaultLimits はデフォルトの上限値を返す。
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrent: 2,
		MaxDaily:      100,
		MaxDailyAuto:  50,
		MaxHourly:     10,
	}
}

// Controller は入場判定を直列化して行う。
// 内部mutexはCanStart/ProcessQueueを自己に対して原子化するためのもので、
// DB側の競合は重複抑止の不変条件（C6とランのscope_hash検索）が別途守る。
// 緊急停止フラグはsystem_controlsの共有行が正であり、serveプロセスの
// 発動を別プロセスのワーカーも観測できる。
type Controller struct {
	mu            sync.Mutex
	runRepo       repository.RunRepository
	queuedRepo    repository.QueuedRunRepository
	queue         *runqueue.Queue
	controlRepo   repository.ControlRepository
	logger        *slog.Logger
	limits        Limits
	emergencyStop bool
}

// NewController はControllerの新しいインスタンスを生成する。
func NewController(
	runRepo repository.RunRepository,
	queuedRepo repository.QueuedRunRepository,
	queue *runqueue.Queue,
	controlRepo repository.ControlRepository,
	logger *slog.Logger,
	limits Limits,
) *Controller {
	if limits.MaxConcurrent <= 0 {
		limits = DefaultLimits()
	}
	return &Controller{
		runRepo:     runRepo,
		queuedRepo:  queuedRepo,
		queue:       queue,
		controlRepo: controlRepo,
		logger:      logger,
		limits:      limits,
	}
}

// CanStart はランの開始可否を判定する。チェックは次の順で行う:
// 緊急停止 → 重複 → 同時実行上限（HIGHのみ待機へ） → 日次上限 →
// 自動ラン日次上限 → 時間別上限 → 許可。
func (c *Controller) CanStart(ctx context.Context, scope model.RunScope, params model.RunParams, trigger model.TriggeredBy) (*Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stoppedLocked(ctx) {
		return c.reject("Emergency stop is active"), nil
	}

	scopeHash := model.ComputeScopeHash(scope, params)
	if active, err := c.runRepo.FindActiveByScopeHash(ctx, scopeHash); err != nil {
		return nil, err
	} else if active != nil {
		return c.reject(fmt.Sprintf("Duplicate run: scope already active (run %s)", active.ID)), nil
	}
	if queued, err := c.queuedRepo.FindActiveByScopeHash(ctx, scopeHash); err != nil {
		return nil, err
	} else if queued != nil {
		return c.reject(fmt.Sprintf("Duplicate run: scope already queued (%s)", queued.ID)), nil
	}

	activeCount, err := c.runRepo.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if activeCount >= c.limits.MaxConcurrent {
		if model.PriorityFor(trigger) == model.PriorityHigh {
			result, err := c.queue.Enqueue(ctx, scope, params, trigger)
			if err != nil {
				return nil, err
			}
			c.logger.Info("同時実行上限のためランを待機キューへ回しました",
				slog.String("queued_run_id", result.QueuedRun.ID),
				slog.Int("active_runs", activeCount),
			)
			return &Decision{Kind: DecisionEnqueued, QueuedRunID: result.QueuedRun.ID}, nil
		}
		return c.reject(fmt.Sprintf("Too many concurrent runs (%d/%d)", activeCount, c.limits.MaxConcurrent)), nil
	}

	daily, err := c.runRepo.CountStartedToday(ctx)
	if err != nil {
		return nil, err
	}
	if daily >= c.limits.MaxDaily {
		return c.reject(fmt.Sprintf("Daily run limit reached (%d/%d)", daily, c.limits.MaxDaily)), nil
	}

	if trigger == model.TriggeredByAuto {
		auto, err := c.runRepo.CountAutoStartedToday(ctx)
		if err != nil {
			return nil, err
		}
		if auto >= c.limits.MaxDailyAuto {
			return c.reject(fmt.Sprintf("Daily auto-run limit reached (%d/%d)", auto, c.limits.MaxDailyAuto)), nil
		}
	}

	hourly, err := c.runRepo.CountStartedLastHour(ctx)
	if err != nil {
		return nil, err
	}
	if hourly >= c.limits.MaxHourly {
		return c.reject(fmt.Sprintf("Hourly run limit reached (%d/%d)", hourly, c.limits.MaxHourly)), nil
	}

	return &Decision{Kind: DecisionProceed}, nil
}

func (c *Controller) reject(reason string) *Decision {
	c.logger.Info("ランの開始を拒否しました", slog.String("reason", reason))
	return &Decision{Kind: DecisionRejected, Reason: reason}
}

// ProcessQueue は容量が空いていれば待機ランを1件取り出して返す。
// 取り出せるランがない、または停止中・満杯の場合はnilを返す。
// 呼び出し側はランの開始を確定したらConfirmStartを呼ぶ。
func (c *Controller) ProcessQueue(ctx context.Context) (*model.QueuedRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stoppedLocked(ctx) {
		return nil, nil
	}

	activeCount, err := c.runRepo.CountActive(ctx)
	if err != nil {
		return nil, err
	}
	if activeCount >= c.limits.MaxConcurrent {
		return nil, nil
	}

	return c.queue.DequeueNext(ctx)
}

// ConfirmStart は待機ラン由来のランが開始されたことを確定し、
// 待機行へanalysis_run_idを記録する。
func (c *Controller) ConfirmStart(ctx context.Context, queuedRunID, analysisRunID string) error {
	return c.queue.Complete(ctx, queuedRunID, analysisRunID)
}

// EmergencyStop は緊急停止フラグを共有行へ永続化し、待機キューを全件クリアする。
func (c *Controller) EmergencyStop(ctx context.Context) (int64, error) {
	c.mu.Lock()
	if err := c.controlRepo.SetEmergencyStop(ctx, true); err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.emergencyStop = true
	c.mu.Unlock()

	cleared, err := c.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	c.logger.Warn("緊急停止を発動しました", slog.Int64("cleared_queued_runs", cleared))
	return cleared, nil
}

// Resume は緊急停止を解除し、共有行へ永続化する。
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.controlRepo.SetEmergencyStop(ctx, false); err != nil {
		return err
	}
	c.emergencyStop = false
	c.logger.Info("緊急停止を解除しました")
	return nil
}

// RefreshStop は共有行の緊急停止フラグを再読み込みして返す。
// ワーカーの定期メンテナンスが別プロセスの発動を取り込むために呼ぶ。
func (c *Controller) RefreshStop(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stoppedLocked(ctx)
}

// Stopped は最後に観測した緊急停止フラグを返す。
// 共有行の現在値が必要な場合はRefreshStopを使う。
func (c *Controller) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergencyStop
}

// stoppedLocked は共有行の緊急停止フラグを読み、観測値のキャッシュを更新する。
// 読み出しに失敗した場合は最後に観測した値へフォールバックする。
// 呼び出し側がc.muを保持していること。
func (c *Controller) stoppedLocked(ctx context.Context) bool {
	active, err := c.controlRepo.EmergencyStopActive(ctx)
	if err != nil {
		c.logger.Error("緊急停止フラグの読み出しに失敗しました", slog.String("error", err.Error()))
		return c.emergencyStop
	}
	c.emergencyStop = active
	return active
}
