package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/resilience"
	"github.com/hitoshi/newsmcp/internal/scheduler"
)

// HealthChecker はDB接続の疎通確認を定義する。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// SchedulerStateFinderInterface はスケジューラ状態行の読み取りを定義する。
type SchedulerStateFinderInterface interface {
	Find(ctx context.Context, id string) (*model.FeedSchedulerState, error)
}

// ScheduleSnapshotter はインメモリスケジュール表のスナップショット取得を定義する。
// スケジューラと同一プロセスで動作する場合のみ設定される。
type ScheduleSnapshotter interface {
	Snapshot() []scheduler.Entry
}

// BreakerStatesInterface はサーキットブレーカー状態の読み取りを定義する。
type BreakerStatesInterface interface {
	States() map[string]resilience.BreakerState
}

// StatusHandler はヘルスチェックと運用状態エンドポイントのハンドラー。
type StatusHandler struct {
	db          HealthChecker
	stateRepo   SchedulerStateFinderInterface
	snapshotter ScheduleSnapshotter
	breakers    BreakerStatesInterface
	instanceID  string
}

// NewStatusHandler はStatusHandlerを生成する。
// snapshotterはスケジューラが別プロセスの場合nilでよい。
func NewStatusHandler(
	db HealthChecker,
	stateRepo SchedulerStateFinderInterface,
	snapshotter ScheduleSnapshotter,
	breakers BreakerStatesInterface,
	instanceID string,
) *StatusHandler {
	return &StatusHandler{
		db:          db,
		stateRepo:   stateRepo,
		snapshotter: snapshotter,
		breakers:    breakers,
		instanceID:  instanceID,
	}
}

// Health はGET /healthを処理する。DB疎通が取れない場合は503を返す。
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// scheduleEntryResponse はスケジュールエントリのAPIレスポンス表現。
type scheduleEntryResponse struct {
	FeedID              string    `json:"feed_id"`
	Title               string    `json:"title,omitempty"`
	IntervalMinutes     int       `json:"interval_minutes"`
	NextFetch           time.Time `json:"next_fetch"`
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	IsRunning           bool      `json:"is_running"`
}

// SchedulerStatus はGET /api/scheduler/statusを処理する。
// 永続化されたハートビート状態と、同一プロセスの場合はスケジュール表も返す。
func (h *StatusHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	state, err := h.stateRepo.Find(r.Context(), h.instanceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	body := map[string]any{"instance_id": h.instanceID}
	if state == nil {
		body["running"] = false
	} else {
		body["running"] = state.IsActive
		body["last_heartbeat"] = state.LastHeartbeat
		body["last_config_check"] = state.LastConfigCheck
	}

	if h.snapshotter != nil {
		entries := h.snapshotter.Snapshot()
		results := make([]scheduleEntryResponse, len(entries))
		for i, e := range entries {
			results[i] = scheduleEntryResponse{
				FeedID:              e.FeedID,
				Title:               e.Title,
				IntervalMinutes:     e.IntervalMinutes,
				NextFetch:           e.NextFetch,
				Status:              string(e.Status),
				ConsecutiveFailures: e.ConsecutiveFailures,
				IsRunning:           e.IsRunning,
			}
		}
		body["schedule"] = results
	}

	writeJSON(w, http.StatusOK, body)
}

// BreakerStates はGET /api/breakersを処理し、全ブレーカーの状態を返す。
func (h *StatusHandler) BreakerStates(w http.ResponseWriter, r *http.Request) {
	states := h.breakers.States()
	body := make(map[string]string, len(states))
	for name, state := range states {
		body[name] = state.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": body})
}
