package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsmcp/internal/admission"
	"github.com/hitoshi/newsmcp/internal/model"
)

// RunAdmissionInterface は入場制御の操作を定義する。
type RunAdmissionInterface interface {
	CanStart(ctx context.Context, scope model.RunScope, params model.RunParams, trigger model.TriggeredBy) (*admission.Decision, error)
	EmergencyStop(ctx context.Context) (int64, error)
	Resume(ctx context.Context) error
	Stopped() bool
}

// RunStarterInterface は許可されたランの開始操作を定義する。
type RunStarterInterface interface {
	StartRun(ctx context.Context, scope model.RunScope, params model.RunParams, trigger model.TriggeredBy) (*model.AnalysisRun, error)
}

// RunStoreInterface はランの読み取りと取り消し操作を定義する。
type RunStoreInterface interface {
	FindByID(ctx context.Context, id string) (*model.AnalysisRun, error)
	MarkCancelled(ctx context.Context, id string) error
	ListActive(ctx context.Context, limit int) ([]*model.AnalysisRun, error)
}

// RunQueueInterface は待機キューの読み取りと操作を定義する。
type RunQueueInterface interface {
	Status(ctx context.Context) (*model.QueueStatus, error)
	List(ctx context.Context, limit int) ([]*model.QueuedRun, error)
	Cancel(ctx context.Context, id string) error
	Clear(ctx context.Context) (int64, error)
}

// RunHandler は分析ラン管理エンドポイントのハンドラー。
type RunHandler struct {
	admission RunAdmissionInterface
	starter   RunStarterInterface
	store     RunStoreInterface
	queue     RunQueueInterface
}

// NewRunHandler はRunHandlerを生成する。
func NewRunHandler(
	admissionCtrl RunAdmissionInterface,
	starter RunStarterInterface,
	store RunStoreInterface,
	queue RunQueueInterface,
) *RunHandler {
	return &RunHandler{
		admission: admissionCtrl,
		starter:   starter,
		store:     store,
		queue:     queue,
	}
}

// createRunRequest はPOST /api/analysis/runsのリクエストボディ。
type createRunRequest struct {
	Scope       model.RunScope  `json:"scope"`
	Params      model.RunParams `json:"params"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
}

// runResponse は分析ランのAPIレスポンス表現。
type runResponse struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	ScopeType      string     `json:"scope_type"`
	ScopeHash      string     `json:"scope_hash"`
	ModelTag       string     `json:"model_tag"`
	RatePerSecond  float64    `json:"rate_per_second"`
	Limit          int        `json:"limit"`
	TriggeredBy    string     `json:"triggered_by"`
	CostEstimate   float64    `json:"cost_estimate_usd"`
	ActualCost     float64    `json:"actual_cost_usd"`
	QueuedCount    int        `json:"queued_count"`
	ProcessedCount int        `json:"processed_count"`
	FailedCount    int        `json:"failed_count"`
	ItemsPerMinute float64    `json:"items_per_minute"`
	ErrorRate      float64    `json:"error_rate"`
	Coverage10m    float64    `json:"coverage_10m"`
	Coverage60m    float64    `json:"coverage_60m"`
	LastError      string     `json:"last_error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// queuedRunResponse は待機ランのAPIレスポンス表現。
type queuedRunResponse struct {
	ID            string    `json:"id"`
	Priority      string    `json:"priority"`
	Status        string    `json:"status"`
	ScopeHash     string    `json:"scope_hash"`
	TriggeredBy   string    `json:"triggered_by"`
	QueuePosition int       `json:"queue_position"`
	AnalysisRunID *string   `json:"analysis_run_id,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CreateRun はPOST /api/analysis/runsを処理する。
// 入場制御の判定に従い、即時開始（201）、待機（202）、拒否のいずれかを返す。
func (h *RunHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidScopeError("リクエストボディの解析に失敗しました"))
		return
	}

	if err := req.Scope.Validate(); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidScopeError(err.Error()))
		return
	}

	trigger := model.TriggeredBy(req.TriggeredBy)
	switch trigger {
	case model.TriggeredByManual, model.TriggeredByScheduled:
	case "":
		// APIからの起動は手動扱い
		trigger = model.TriggeredByManual
	default:
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidScopeError("triggered_byには manual または scheduled を指定してください"))
		return
	}

	params := req.Params.Normalize()

	decision, err := h.admission.CanStart(r.Context(), req.Scope, params, trigger)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	switch decision.Kind {
	case admission.DecisionProceed:
		run, err := h.starter.StartRun(r.Context(), req.Scope, params, trigger)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toRunResponse(run))

	case admission.DecisionEnqueued:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queued":        true,
			"queued_run_id": decision.QueuedRunID,
		})

	default:
		writeRunRejection(w, decision.Reason)
	}
}

// writeRunRejection は拒否理由に応じたステータスコードでエラーを書き込む。
// 重複は409、緊急停止は503、レート上限系は429。
func writeRunRejection(w http.ResponseWriter, reason string) {
	switch {
	case strings.HasPrefix(reason, "Duplicate"):
		writeAPIErrorResponse(w, http.StatusConflict, &model.APIError{
			Code:     model.ErrCodeDuplicateRun,
			Message:  "同一スコープの分析ランが既に存在します: " + reason,
			Category: "analysis",
			Action:   "既存のランの完了を待つか、スコープを変更してください。",
		})
	case strings.HasPrefix(reason, "Emergency"):
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewEmergencyStopError())
	default:
		writeAPIErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
			Code:     model.ErrCodeRunRejected,
			Message:  "分析ランの開始が拒否されました: " + reason,
			Category: "analysis",
			Action:   "時間をおいてから再度実行してください。",
		})
	}
}

// GetRun はGET /api/analysis/runs/{id}を処理する。
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if run == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewRunNotFoundError(id))
		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// ListRuns はGET /api/analysis/runsを処理し、アクティブなランの一覧を返す。
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)

	runs, err := h.store.ListActive(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]runResponse, len(runs))
	for i, run := range runs {
		results[i] = toRunResponse(run)
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": results})
}

// CancelRun はPOST /api/analysis/runs/{id}/cancelを処理する。
// processing中の記事は完走するが、以降のクレームは行われない。
func (h *RunHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if run == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewRunNotFoundError(id))
		return
	}
	if !run.Status.IsActive() {
		writeAPIErrorResponse(w, http.StatusConflict, &model.APIError{
			Code:     model.ErrCodeRunRejected,
			Message:  "このランは既に終了しています: " + string(run.Status),
			Category: "analysis",
			Action:   "アクティブなランのみ取り消しできます。",
		})
		return
	}

	if err := h.store.MarkCancelled(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	run.Status = model.RunStatusCancelled
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

// EmergencyStop はPOST /api/analysis/emergency-stopを処理する。
// 新規ランの受付を停止し、待機キューの全QUEUED行を取り消す。
func (h *RunHandler) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.admission.EmergencyStop(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stopped":        true,
		"cleared_queued": cleared,
	})
}

// Resume はPOST /api/analysis/resumeを処理し、緊急停止を解除する。
func (h *RunHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.admission.Resume(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": false})
}

// QueueStatus はGET /api/analysis/queueを処理する。
func (h *RunHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.queue.Status(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	byStatus := make(map[string]int, len(status.ByStatus))
	for k, v := range status.ByStatus {
		byStatus[string(k)] = v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"emergency_stop": h.admission.Stopped(),
		"by_status":      byStatus,
		"by_priority":    status.ByPriority,
	})
}

// ListQueuedRuns はGET /api/analysis/queue/runsを処理する。
func (h *RunHandler) ListQueuedRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	queued, err := h.queue.List(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]queuedRunResponse, len(queued))
	for i, q := range queued {
		results[i] = toQueuedRunResponse(q)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued_runs": results})
}

// CancelQueuedRun はDELETE /api/analysis/queue/runs/{id}を処理する。
func (h *RunHandler) CancelQueuedRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.queue.Cancel(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearQueue はPOST /api/analysis/queue/clearを処理する。
func (h *RunHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.queue.Clear(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"cleared": cleared})
}

// toRunResponse はドメインのAnalysisRunをAPIレスポンス型に変換する。
func toRunResponse(run *model.AnalysisRun) runResponse {
	return runResponse{
		ID:             run.ID,
		Status:         string(run.Status),
		ScopeType:      string(run.Scope.Type),
		ScopeHash:      run.ScopeHash,
		ModelTag:       run.Params.ModelTag,
		RatePerSecond:  run.Params.RatePerSecond,
		Limit:          run.Params.Limit,
		TriggeredBy:    string(run.TriggeredBy),
		CostEstimate:   run.CostEstimate,
		ActualCost:     run.ActualCost,
		QueuedCount:    run.QueuedCount,
		ProcessedCount: run.ProcessedCount,
		FailedCount:    run.FailedCount,
		ItemsPerMinute: run.ItemsPerMinute,
		ErrorRate:      run.ErrorRate,
		Coverage10m:    run.Coverage10m,
		Coverage60m:    run.Coverage60m,
		LastError:      run.LastError,
		StartedAt:      run.StartedAt,
		CompletedAt:    run.CompletedAt,
		CreatedAt:      run.CreatedAt,
	}
}

// toQueuedRunResponse はドメインのQueuedRunをAPIレスポンス型に変換する。
func toQueuedRunResponse(q *model.QueuedRun) queuedRunResponse {
	return queuedRunResponse{
		ID:            q.ID,
		Priority:      q.Priority.String(),
		Status:        string(q.Status),
		ScopeHash:     q.ScopeHash,
		TriggeredBy:   string(q.TriggeredBy),
		QueuePosition: q.QueuePosition,
		AnalysisRunID: q.AnalysisRunID,
		ErrorMessage:  q.ErrorMessage,
		CreatedAt:     q.CreatedAt,
	}
}

// queryInt はクエリパラメータを整数として読み取る。不正な値はデフォルトに落とす。
func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}
