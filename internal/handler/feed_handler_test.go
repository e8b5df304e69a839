package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsmcp/internal/model"
)

// --- モック定義 ---

// mockFeedStore はFeedStoreInterfaceのモック実装。
type mockFeedStore struct {
	findByIDFn        func(ctx context.Context, id string) (*model.Feed, error)
	findByURLFn       func(ctx context.Context, url string) (*model.Feed, error)
	createFn          func(ctx context.Context, feed *model.Feed) error
	updateFn          func(ctx context.Context, feed *model.Feed) error
	deleteFn          func(ctx context.Context, id string) error
	deletePreflightFn func(ctx context.Context, id string) (*model.FeedDeletePreflight, error)
	archiveFn         func(ctx context.Context, id string) error
	listActiveFn      func(ctx context.Context) ([]*model.Feed, error)
}

func (m *mockFeedStore) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockFeedStore) FindByURL(ctx context.Context, url string) (*model.Feed, error) {
	if m.findByURLFn != nil {
		return m.findByURLFn(ctx, url)
	}
	return nil, nil
}

func (m *mockFeedStore) Create(ctx context.Context, feed *model.Feed) error {
	if m.createFn != nil {
		return m.createFn(ctx, feed)
	}
	return nil
}

func (m *mockFeedStore) Update(ctx context.Context, feed *model.Feed) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, feed)
	}
	return nil
}

func (m *mockFeedStore) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockFeedStore) DeletePreflight(ctx context.Context, id string) (*model.FeedDeletePreflight, error) {
	if m.deletePreflightFn != nil {
		return m.deletePreflightFn(ctx, id)
	}
	return nil, nil
}

func (m *mockFeedStore) Archive(ctx context.Context, id string) error {
	if m.archiveFn != nil {
		return m.archiveFn(ctx, id)
	}
	return nil
}

func (m *mockFeedStore) ListActive(ctx context.Context) ([]*model.Feed, error) {
	if m.listActiveFn != nil {
		return m.listActiveFn(ctx)
	}
	return nil, nil
}

// --- テストヘルパー ---

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) apiErrorResponse {
	t.Helper()
	var result apiErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("エラーレスポンスの解析に失敗しました: %v", err)
	}
	return result
}

// --- POST /api/feeds テスト ---

func TestFeedHandler_CreateFeed_Success(t *testing.T) {
	var created *model.Feed
	store := &mockFeedStore{
		createFn: func(ctx context.Context, feed *model.Feed) error {
			created = feed
			return nil
		},
	}
	h := NewFeedHandler(store)

	body := `{"url": "https://example.com/feed.xml", "title": "Example", "fetch_interval_minutes": 30, "auto_analyze_enabled": true}`
	req := httptest.NewRequest(http.MethodPost, "/api/feeds", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.CreateFeed(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if created == nil {
		t.Fatal("フィードが作成されるべき")
	}
	if created.ID == "" {
		t.Error("IDが採番されるべき")
	}
	if created.Status != model.FeedStatusActive {
		t.Errorf("status = %q, want active", created.Status)
	}
	if created.FetchIntervalMinutes != 30 {
		t.Errorf("interval = %d, want 30", created.FetchIntervalMinutes)
	}
	if !created.AutoAnalyzeEnabled {
		t.Error("auto_analyze_enabledが反映されるべき")
	}

	var resp feedResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.URL != "https://example.com/feed.xml" {
		t.Errorf("url = %q", resp.URL)
	}
}

func TestFeedHandler_CreateFeed_DefaultInterval(t *testing.T) {
	var created *model.Feed
	store := &mockFeedStore{
		createFn: func(ctx context.Context, feed *model.Feed) error {
			created = feed
			return nil
		},
	}
	h := NewFeedHandler(store)

	req := httptest.NewRequest(http.MethodPost, "/api/feeds", bytes.NewBufferString(`{"url": "https://example.com/feed.xml"}`))
	w := httptest.NewRecorder()

	h.CreateFeed(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if created.FetchIntervalMinutes != 60 {
		t.Errorf("interval未指定時は60分になるべき: %d", created.FetchIntervalMinutes)
	}
}

func TestFeedHandler_CreateFeed_InvalidURL(t *testing.T) {
	h := NewFeedHandler(&mockFeedStore{})

	cases := []string{
		`{"url": ""}`,
		`{"url": "ftp://example.com/feed.xml"}`,
		`{"url": "not a url"}`,
	}
	for _, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/feeds", bytes.NewBufferString(body))
		w := httptest.NewRecorder()

		h.CreateFeed(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
		if resp := parseAPIErrorResponse(t, w); resp.Code != model.ErrCodeInvalidURL {
			t.Errorf("code = %q, want %q", resp.Code, model.ErrCodeInvalidURL)
		}
	}
}

func TestFeedHandler_CreateFeed_InvalidInterval(t *testing.T) {
	h := NewFeedHandler(&mockFeedStore{})

	body := `{"url": "https://example.com/feed.xml", "fetch_interval_minutes": 3}`
	req := httptest.NewRequest(http.MethodPost, "/api/feeds", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.CreateFeed(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if resp := parseAPIErrorResponse(t, w); resp.Code != model.ErrCodeInvalidFetchInterval {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestFeedHandler_CreateFeed_Duplicate(t *testing.T) {
	store := &mockFeedStore{
		findByURLFn: func(ctx context.Context, url string) (*model.Feed, error) {
			return &model.Feed{ID: "existing", URL: url}, nil
		},
	}
	h := NewFeedHandler(store)

	body := `{"url": "https://example.com/feed.xml"}`
	req := httptest.NewRequest(http.MethodPost, "/api/feeds", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.CreateFeed(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("URL重複は409を返すべき: %d", w.Code)
	}
	if resp := parseAPIErrorResponse(t, w); resp.Code != model.ErrCodeDuplicateFeed {
		t.Errorf("code = %q", resp.Code)
	}
}

// --- GET /api/feeds/{id} テスト ---

func TestFeedHandler_GetFeed_NotFound(t *testing.T) {
	h := NewFeedHandler(&mockFeedStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/feeds/missing", nil)
	req = withChiURLParam(req, "id", "missing")
	w := httptest.NewRecorder()

	h.GetFeed(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if resp := parseAPIErrorResponse(t, w); resp.Code != model.ErrCodeFeedNotFound {
		t.Errorf("code = %q", resp.Code)
	}
}

// --- PUT /api/feeds/{id} テスト ---

func TestFeedHandler_UpdateFeed_PartialUpdate(t *testing.T) {
	var updated *model.Feed
	store := &mockFeedStore{
		findByIDFn: func(ctx context.Context, id string) (*model.Feed, error) {
			return &model.Feed{
				ID:                   id,
				URL:                  "https://example.com/feed.xml",
				Title:                "Old Title",
				FetchIntervalMinutes: 60,
				Status:               model.FeedStatusActive,
			}, nil
		},
		updateFn: func(ctx context.Context, feed *model.Feed) error {
			updated = feed
			return nil
		},
	}
	h := NewFeedHandler(store)

	body := `{"fetch_interval_minutes": 120, "is_critical": true}`
	req := httptest.NewRequest(http.MethodPut, "/api/feeds/f1", bytes.NewBufferString(body))
	req = withChiURLParam(req, "id", "f1")
	w := httptest.NewRecorder()

	h.UpdateFeed(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if updated.FetchIntervalMinutes != 120 {
		t.Errorf("interval = %d, want 120", updated.FetchIntervalMinutes)
	}
	if !updated.IsCritical {
		t.Error("is_criticalが更新されるべき")
	}
	if updated.Title != "Old Title" {
		t.Errorf("未指定フィールドは変更されないべき: %q", updated.Title)
	}
}

func TestFeedHandler_UpdateFeed_InvalidStatus(t *testing.T) {
	store := &mockFeedStore{
		findByIDFn: func(ctx context.Context, id string) (*model.Feed, error) {
			return &model.Feed{ID: id, Status: model.FeedStatusActive}, nil
		},
	}
	h := NewFeedHandler(store)

	body := `{"status": "paused"}`
	req := httptest.NewRequest(http.MethodPut, "/api/feeds/f1", bytes.NewBufferString(body))
	req = withChiURLParam(req, "id", "f1")
	w := httptest.NewRecorder()

	h.UpdateFeed(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("未知のstatusは400を返すべき: %d", w.Code)
	}
}

// --- DELETE /api/feeds/{id} テスト ---

func TestFeedHandler_DeleteFeed_CriticalRefused(t *testing.T) {
	store := &mockFeedStore{
		findByIDFn: func(ctx context.Context, id string) (*model.Feed, error) {
			return &model.Feed{ID: id, IsCritical: true}, nil
		},
		deleteFn: func(ctx context.Context, id string) error {
			return model.NewCriticalFeedDeleteError(id, 42)
		},
	}
	h := NewFeedHandler(store)

	req := httptest.NewRequest(http.MethodDelete, "/api/feeds/f1", nil)
	req = withChiURLParam(req, "id", "f1")
	w := httptest.NewRecorder()

	h.DeleteFeed(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("クリティカルフィードの削除は409を返すべき: %d", w.Code)
	}
	if resp := parseAPIErrorResponse(t, w); resp.Code != model.ErrCodeCriticalFeedDelete {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestFeedHandler_DeleteFeed_Success(t *testing.T) {
	deleted := ""
	store := &mockFeedStore{
		findByIDFn: func(ctx context.Context, id string) (*model.Feed, error) {
			return &model.Feed{ID: id}, nil
		},
		deleteFn: func(ctx context.Context, id string) error {
			deleted = id
			return nil
		},
	}
	h := NewFeedHandler(store)

	req := httptest.NewRequest(http.MethodDelete, "/api/feeds/f1", nil)
	req = withChiURLParam(req, "id", "f1")
	w := httptest.NewRecorder()

	h.DeleteFeed(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if deleted != "f1" {
		t.Errorf("deleted = %q", deleted)
	}
}

// --- GET /api/feeds/{id}/delete-preflight テスト ---

func TestFeedHandler_DeletePreflight(t *testing.T) {
	store := &mockFeedStore{
		deletePreflightFn: func(ctx context.Context, id string) (*model.FeedDeletePreflight, error) {
			return &model.FeedDeletePreflight{
				FeedID:     id,
				IsCritical: true,
				ItemCount:  10,
				CanDelete:  false,
			}, nil
		},
	}
	h := NewFeedHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/api/feeds/f1/delete-preflight", nil)
	req = withChiURLParam(req, "id", "f1")
	w := httptest.NewRecorder()

	h.DeletePreflight(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp deletePreflightResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.CanDelete {
		t.Error("参照行のあるクリティカルフィードはcan_delete=falseであるべき")
	}
	if resp.ItemCount != 10 {
		t.Errorf("item_count = %d", resp.ItemCount)
	}
}

// --- POST /api/feeds/{id}/archive テスト ---

func TestFeedHandler_ArchiveFeed(t *testing.T) {
	archived := ""
	store := &mockFeedStore{
		findByIDFn: func(ctx context.Context, id string) (*model.Feed, error) {
			return &model.Feed{ID: id, Status: model.FeedStatusActive}, nil
		},
		archiveFn: func(ctx context.Context, id string) error {
			archived = id
			return nil
		},
	}
	h := NewFeedHandler(store)

	req := httptest.NewRequest(http.MethodPost, "/api/feeds/f1/archive", nil)
	req = withChiURLParam(req, "id", "f1")
	w := httptest.NewRecorder()

	h.ArchiveFeed(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if archived != "f1" {
		t.Errorf("archived = %q", archived)
	}
}
