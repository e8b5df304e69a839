package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/newsmcp/internal/model"
)

// TemplateStoreInterface はテンプレートハンドラーが必要とする永続化操作を定義する。
type TemplateStoreInterface interface {
	FindByID(ctx context.Context, id string) (*model.DynamicFeedTemplate, error)
	Create(ctx context.Context, template *model.DynamicFeedTemplate) error
	Update(ctx context.Context, template *model.DynamicFeedTemplate) error
	Delete(ctx context.Context, id string) error
	Assign(ctx context.Context, assignment *model.FeedTemplateAssignment) error
	Unassign(ctx context.Context, assignmentID string) error
	FeedsAssignedToTemplate(ctx context.Context, templateID string) ([]string, error)
}

// TemplateHandler はテンプレート管理エンドポイントのハンドラー。
type TemplateHandler struct {
	store TemplateStoreInterface
}

// NewTemplateHandler はTemplateHandlerを生成する。
func NewTemplateHandler(store TemplateStoreInterface) *TemplateHandler {
	return &TemplateHandler{store: store}
}

// templateRequest はテンプレートの作成・更新リクエストボディ。
type templateRequest struct {
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	FieldMappings  map[string]string    `json:"field_mappings"`
	ContentRules   []model.ContentRule  `json:"content_rules"`
	QualityFilters model.QualityFilters `json:"quality_filters"`
	IsActive       *bool                `json:"is_active"`
}

// templateResponse はテンプレートのAPIレスポンス表現。
type templateResponse struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Description    string               `json:"description,omitempty"`
	FieldMappings  map[string]string    `json:"field_mappings,omitempty"`
	ContentRules   []model.ContentRule  `json:"content_rules,omitempty"`
	QualityFilters model.QualityFilters `json:"quality_filters"`
	IsActive       bool                 `json:"is_active"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// assignTemplateRequest はPOST /api/templates/{id}/assignmentsのリクエストボディ。
type assignTemplateRequest struct {
	FeedID   string `json:"feed_id"`
	Priority int    `json:"priority"`
}

// assignmentResponse は割り当てのAPIレスポンス表現。
type assignmentResponse struct {
	ID         string    `json:"id"`
	FeedID     string    `json:"feed_id"`
	TemplateID string    `json:"template_id"`
	Priority   int       `json:"priority"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateTemplate はPOST /api/templatesを処理する。
func (h *TemplateHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTemplateBadRequest(w, "リクエストボディの解析に失敗しました")
		return
	}
	if req.Name == "" {
		writeTemplateBadRequest(w, "nameは必須です")
		return
	}

	template := &model.DynamicFeedTemplate{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Description:    req.Description,
		FieldMappings:  req.FieldMappings,
		ContentRules:   req.ContentRules,
		QualityFilters: req.QualityFilters,
		IsActive:       true,
	}
	if req.IsActive != nil {
		template.IsActive = *req.IsActive
	}

	if err := h.store.Create(r.Context(), template); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toTemplateResponse(template))
}

// GetTemplate はGET /api/templates/{id}を処理する。
func (h *TemplateHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	template, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if template == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewTemplateNotFoundError(id))
		return
	}

	writeJSON(w, http.StatusOK, toTemplateResponse(template))
}

// UpdateTemplate はPUT /api/templates/{id}を処理する。
func (h *TemplateHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req templateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTemplateBadRequest(w, "リクエストボディの解析に失敗しました")
		return
	}

	template, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if template == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewTemplateNotFoundError(id))
		return
	}

	if req.Name != "" {
		template.Name = req.Name
	}
	template.Description = req.Description
	if req.FieldMappings != nil {
		template.FieldMappings = req.FieldMappings
	}
	if req.ContentRules != nil {
		template.ContentRules = req.ContentRules
	}
	template.QualityFilters = req.QualityFilters
	if req.IsActive != nil {
		template.IsActive = *req.IsActive
	}

	if err := h.store.Update(r.Context(), template); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTemplateResponse(template))
}

// DeleteTemplate はDELETE /api/templates/{id}を処理する。
func (h *TemplateHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	template, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if template == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewTemplateNotFoundError(id))
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AssignTemplate はPOST /api/templates/{id}/assignmentsを処理する。
// 同一フィードに複数割り当てがある場合、priority最大の割り当てが適用される。
func (h *TemplateHandler) AssignTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "id")

	var req assignTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTemplateBadRequest(w, "リクエストボディの解析に失敗しました")
		return
	}
	if req.FeedID == "" {
		writeTemplateBadRequest(w, "feed_idは必須です")
		return
	}

	template, err := h.store.FindByID(r.Context(), templateID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if template == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewTemplateNotFoundError(templateID))
		return
	}

	assignment := &model.FeedTemplateAssignment{
		ID:         uuid.New().String(),
		FeedID:     req.FeedID,
		TemplateID: templateID,
		Priority:   req.Priority,
		IsActive:   true,
	}
	if err := h.store.Assign(r.Context(), assignment); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, assignmentResponse{
		ID:         assignment.ID,
		FeedID:     assignment.FeedID,
		TemplateID: assignment.TemplateID,
		Priority:   assignment.Priority,
		IsActive:   assignment.IsActive,
		CreatedAt:  assignment.CreatedAt,
	})
}

// UnassignTemplate はDELETE /api/template-assignments/{id}を処理する。
func (h *TemplateHandler) UnassignTemplate(w http.ResponseWriter, r *http.Request) {
	assignmentID := chi.URLParam(r, "id")

	if err := h.store.Unassign(r.Context(), assignmentID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListAssignedFeeds はGET /api/templates/{id}/feedsを処理する。
func (h *TemplateHandler) ListAssignedFeeds(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "id")

	template, err := h.store.FindByID(r.Context(), templateID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if template == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewTemplateNotFoundError(templateID))
		return
	}

	feedIDs, err := h.store.FeedsAssignedToTemplate(r.Context(), templateID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"template_id": templateID,
		"feed_ids":    feedIDs,
	})
}

// toTemplateResponse はドメインのテンプレートをAPIレスポンス型に変換する。
func toTemplateResponse(template *model.DynamicFeedTemplate) templateResponse {
	return templateResponse{
		ID:             template.ID,
		Name:           template.Name,
		Description:    template.Description,
		FieldMappings:  template.FieldMappings,
		ContentRules:   template.ContentRules,
		QualityFilters: template.QualityFilters,
		IsActive:       template.IsActive,
		CreatedAt:      template.CreatedAt,
		UpdatedAt:      template.UpdatedAt,
	}
}

// writeTemplateBadRequest はテンプレートAPIの検証エラーレスポンスを書き込む。
func writeTemplateBadRequest(w http.ResponseWriter, reason string) {
	writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_TEMPLATE",
		Message:  "無効なテンプレート定義です: " + reason,
		Category: "validation",
		Action:   "リクエストボディを確認してください。",
	})
}
