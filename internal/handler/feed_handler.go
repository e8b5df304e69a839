// Package handler は管理APIのHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/newsmcp/internal/model"
)

// FeedStoreInterface はフィードハンドラーが必要とする永続化操作を定義する。
type FeedStoreInterface interface {
	FindByID(ctx context.Context, id string) (*model.Feed, error)
	FindByURL(ctx context.Context, url string) (*model.Feed, error)
	Create(ctx context.Context, feed *model.Feed) error
	Update(ctx context.Context, feed *model.Feed) error
	Delete(ctx context.Context, id string) error
	DeletePreflight(ctx context.Context, id string) (*model.FeedDeletePreflight, error)
	Archive(ctx context.Context, id string) error
	ListActive(ctx context.Context) ([]*model.Feed, error)
}

// FeedHandler はフィード管理エンドポイントのハンドラー。
type FeedHandler struct {
	store FeedStoreInterface
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(store FeedStoreInterface) *FeedHandler {
	return &FeedHandler{store: store}
}

// createFeedRequest はPOST /api/feedsのリクエストボディ。
type createFeedRequest struct {
	URL                  string `json:"url"`
	Title                string `json:"title"`
	Description          string `json:"description"`
	FetchIntervalMinutes int    `json:"fetch_interval_minutes"`
	AutoAnalyzeEnabled   bool   `json:"auto_analyze_enabled"`
	ScrapeFullContent    bool   `json:"scrape_full_content"`
	IsCritical           bool   `json:"is_critical"`
}

// updateFeedRequest はPUT /api/feeds/{id}のリクエストボディ。
// nilのフィールドは変更しない。
type updateFeedRequest struct {
	Title                *string `json:"title"`
	Description          *string `json:"description"`
	FetchIntervalMinutes *int    `json:"fetch_interval_minutes"`
	Status               *string `json:"status"`
	AutoAnalyzeEnabled   *bool   `json:"auto_analyze_enabled"`
	ScrapeFullContent    *bool   `json:"scrape_full_content"`
	IsCritical           *bool   `json:"is_critical"`
}

// feedResponse はフィードのAPIレスポンス表現。
type feedResponse struct {
	ID                   string     `json:"id"`
	URL                  string     `json:"url"`
	Title                string     `json:"title"`
	Description          string     `json:"description,omitempty"`
	FetchIntervalMinutes int        `json:"fetch_interval_minutes"`
	Status               string     `json:"status"`
	LastFetched          *time.Time `json:"last_fetched,omitempty"`
	AutoAnalyzeEnabled   bool       `json:"auto_analyze_enabled"`
	ScrapeFullContent    bool       `json:"scrape_full_content"`
	IsCritical           bool       `json:"is_critical"`
	ArchivedAt           *time.Time `json:"archived_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// deletePreflightResponse はGET /api/feeds/{id}/delete-preflightのレスポンス。
type deletePreflightResponse struct {
	FeedID        string `json:"feed_id"`
	IsCritical    bool   `json:"is_critical"`
	ItemCount     int    `json:"item_count"`
	FetchLogCount int    `json:"fetch_log_count"`
	RunItemCount  int    `json:"run_item_count"`
	CanDelete     bool   `json:"can_delete"`
}

// CreateFeed はPOST /api/feedsを処理する。
// URLとフェッチ間隔を検証し、URL重複は409で拒否する。
func (h *FeedHandler) CreateFeed(w http.ResponseWriter, r *http.Request) {
	var req createFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("リクエストボディの解析に失敗しました"))
		return
	}

	if err := validateFeedURL(req.URL); err != nil {
		handleServiceError(w, err)
		return
	}

	if req.FetchIntervalMinutes == 0 {
		req.FetchIntervalMinutes = 60
	}
	if !model.ValidFetchInterval(req.FetchIntervalMinutes) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidFetchIntervalError(req.FetchIntervalMinutes))
		return
	}

	existing, err := h.store.FindByURL(r.Context(), req.URL)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if existing != nil {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewDuplicateFeedError(req.URL))
		return
	}

	feed := &model.Feed{
		ID:                   uuid.New().String(),
		URL:                  req.URL,
		Title:                req.Title,
		Description:          req.Description,
		FetchIntervalMinutes: req.FetchIntervalMinutes,
		Status:               model.FeedStatusActive,
		AutoAnalyzeEnabled:   req.AutoAnalyzeEnabled,
		ScrapeFullContent:    req.ScrapeFullContent,
		IsCritical:           req.IsCritical,
	}
	if err := h.store.Create(r.Context(), feed); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toFeedResponse(feed))
}

// GetFeed はGET /api/feeds/{id}を処理する。
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	feed, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if feed == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(id))
		return
	}

	writeJSON(w, http.StatusOK, toFeedResponse(feed))
}

// ListFeeds はGET /api/feedsを処理し、アクティブフィードの一覧を返す。
func (h *FeedHandler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.store.ListActive(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	results := make([]feedResponse, len(feeds))
	for i, feed := range feeds {
		results[i] = toFeedResponse(feed)
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": results})
}

// UpdateFeed はPUT /api/feeds/{id}を処理する。
// 指定されたフィールドのみを更新する部分更新。
func (h *FeedHandler) UpdateFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateFeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidURLError("リクエストボディの解析に失敗しました"))
		return
	}

	feed, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if feed == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(id))
		return
	}

	if req.Title != nil {
		feed.Title = *req.Title
	}
	if req.Description != nil {
		feed.Description = *req.Description
	}
	if req.FetchIntervalMinutes != nil {
		if !model.ValidFetchInterval(*req.FetchIntervalMinutes) {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidFetchIntervalError(*req.FetchIntervalMinutes))
			return
		}
		feed.FetchIntervalMinutes = *req.FetchIntervalMinutes
	}
	if req.Status != nil {
		status := model.FeedStatus(*req.Status)
		if status != model.FeedStatusActive && status != model.FeedStatusInactive {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     model.ErrCodeInvalidURL,
				Message:  "無効なフィード状態です: " + *req.Status,
				Category: "validation",
				Action:   "statusには active または inactive を指定してください。",
			})
			return
		}
		feed.Status = status
	}
	if req.AutoAnalyzeEnabled != nil {
		feed.AutoAnalyzeEnabled = *req.AutoAnalyzeEnabled
	}
	if req.ScrapeFullContent != nil {
		feed.ScrapeFullContent = *req.ScrapeFullContent
	}
	if req.IsCritical != nil {
		feed.IsCritical = *req.IsCritical
	}

	if err := h.store.Update(r.Context(), feed); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toFeedResponse(feed))
}

// DeleteFeed はDELETE /api/feeds/{id}を処理する。
// is_criticalかつ参照行が存在するフィードはリポジトリ層がAPIErrorで拒否する。
func (h *FeedHandler) DeleteFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	feed, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if feed == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(id))
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeletePreflight はGET /api/feeds/{id}/delete-preflightを処理する。
// 削除前に参照行数とcan_deleteを確認するための読み取り専用エンドポイント。
func (h *FeedHandler) DeletePreflight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	preflight, err := h.store.DeletePreflight(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if preflight == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(id))
		return
	}

	writeJSON(w, http.StatusOK, deletePreflightResponse{
		FeedID:        preflight.FeedID,
		IsCritical:    preflight.IsCritical,
		ItemCount:     preflight.ItemCount,
		FetchLogCount: preflight.FetchLogCount,
		RunItemCount:  preflight.RunItemCount,
		CanDelete:     preflight.CanDelete,
	})
}

// ArchiveFeed はPOST /api/feeds/{id}/archiveを処理する。
// 削除できないクリティカルフィードの保全手段であり、片方向の操作。
func (h *FeedHandler) ArchiveFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	feed, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if feed == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(id))
		return
	}

	if err := h.store.Archive(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	updated, err := h.store.FindByID(r.Context(), id)
	if err != nil || updated == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toFeedResponse(updated))
}

// validateFeedURL はフィードURLの形式を検証する。
func validateFeedURL(raw string) error {
	if raw == "" {
		return model.NewInvalidURLError("URLが空です")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return model.NewInvalidURLError(raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return model.NewInvalidURLError("スキームは http または https である必要があります")
	}
	if parsed.Host == "" {
		return model.NewInvalidURLError("ホストが空です")
	}
	return nil
}

// toFeedResponse はドメインのFeedをAPIレスポンス型に変換する。
func toFeedResponse(feed *model.Feed) feedResponse {
	return feedResponse{
		ID:                   feed.ID,
		URL:                  feed.URL,
		Title:                feed.Title,
		Description:          feed.Description,
		FetchIntervalMinutes: feed.FetchIntervalMinutes,
		Status:               string(feed.Status),
		LastFetched:          feed.LastFetched,
		AutoAnalyzeEnabled:   feed.AutoAnalyzeEnabled,
		ScrapeFullContent:    feed.ScrapeFullContent,
		IsCritical:           feed.IsCritical,
		ArchivedAt:           feed.ArchivedAt,
		CreatedAt:            feed.CreatedAt,
		UpdatedAt:            feed.UpdatedAt,
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// apiErrorResponse はエラーレスポンスのJSON表現。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError は下位層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeFeedNotFound, model.ErrCodeRunNotFound, model.ErrCodeTemplateNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidFetchInterval, model.ErrCodeInvalidScope:
		return http.StatusBadRequest
	case model.ErrCodeDuplicateFeed, model.ErrCodeDuplicateRun, model.ErrCodeCriticalFeedDelete:
		return http.StatusConflict
	case model.ErrCodeRunRejected:
		return http.StatusTooManyRequests
	case model.ErrCodeEmergencyStop:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
