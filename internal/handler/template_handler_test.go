package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/newsmcp/internal/model"
)

// mockTemplateStore はTemplateStoreInterfaceのモック実装。
type mockTemplateStore struct {
	findByIDFn func(ctx context.Context, id string) (*model.DynamicFeedTemplate, error)
	createFn   func(ctx context.Context, template *model.DynamicFeedTemplate) error
	updateFn   func(ctx context.Context, template *model.DynamicFeedTemplate) error
	deleteFn   func(ctx context.Context, id string) error
	assignFn   func(ctx context.Context, assignment *model.FeedTemplateAssignment) error
	unassignFn func(ctx context.Context, assignmentID string) error
	feedsFn    func(ctx context.Context, templateID string) ([]string, error)
}

func (m *mockTemplateStore) FindByID(ctx context.Context, id string) (*model.DynamicFeedTemplate, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockTemplateStore) Create(ctx context.Context, template *model.DynamicFeedTemplate) error {
	if m.createFn != nil {
		return m.createFn(ctx, template)
	}
	return nil
}

func (m *mockTemplateStore) Update(ctx context.Context, template *model.DynamicFeedTemplate) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, template)
	}
	return nil
}

func (m *mockTemplateStore) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockTemplateStore) Assign(ctx context.Context, assignment *model.FeedTemplateAssignment) error {
	if m.assignFn != nil {
		return m.assignFn(ctx, assignment)
	}
	return nil
}

func (m *mockTemplateStore) Unassign(ctx context.Context, assignmentID string) error {
	if m.unassignFn != nil {
		return m.unassignFn(ctx, assignmentID)
	}
	return nil
}

func (m *mockTemplateStore) FeedsAssignedToTemplate(ctx context.Context, templateID string) ([]string, error) {
	if m.feedsFn != nil {
		return m.feedsFn(ctx, templateID)
	}
	return nil, nil
}

func TestTemplateHandler_CreateTemplate(t *testing.T) {
	var created *model.DynamicFeedTemplate
	store := &mockTemplateStore{
		createFn: func(ctx context.Context, template *model.DynamicFeedTemplate) error {
			created = template
			return nil
		},
	}
	h := NewTemplateHandler(store)

	body := `{
		"name": "tech-blog",
		"field_mappings": {"content": "content:encoded"},
		"content_rules": [{"type": "html_extract", "params": {"max_length": 5000}}],
		"quality_filters": {"min_title_length": 5}
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/templates", bytes.NewBufferString(body))
	w := httptest.NewRecorder()

	h.CreateTemplate(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if created == nil || created.ID == "" {
		t.Fatal("IDが採番されたテンプレートが作成されるべき")
	}
	if !created.IsActive {
		t.Error("デフォルトでis_active=trueであるべき")
	}
	if created.FieldMappings["content"] != "content:encoded" {
		t.Errorf("field_mappings = %v", created.FieldMappings)
	}
	if len(created.ContentRules) != 1 || created.ContentRules[0].Type != model.ContentRuleHTMLExtract {
		t.Errorf("content_rules = %v", created.ContentRules)
	}
}

func TestTemplateHandler_CreateTemplate_MissingName(t *testing.T) {
	h := NewTemplateHandler(&mockTemplateStore{})

	req := httptest.NewRequest(http.MethodPost, "/api/templates", bytes.NewBufferString(`{}`))
	w := httptest.NewRecorder()

	h.CreateTemplate(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("name未指定は400を返すべき: %d", w.Code)
	}
}

func TestTemplateHandler_GetTemplate_NotFound(t *testing.T) {
	h := NewTemplateHandler(&mockTemplateStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/templates/missing", nil)
	req = withChiURLParam(req, "id", "missing")
	w := httptest.NewRecorder()

	h.GetTemplate(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if resp := parseAPIErrorResponse(t, w); resp.Code != model.ErrCodeTemplateNotFound {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestTemplateHandler_AssignTemplate(t *testing.T) {
	var assigned *model.FeedTemplateAssignment
	store := &mockTemplateStore{
		findByIDFn: func(ctx context.Context, id string) (*model.DynamicFeedTemplate, error) {
			return &model.DynamicFeedTemplate{ID: id, Name: "t"}, nil
		},
		assignFn: func(ctx context.Context, assignment *model.FeedTemplateAssignment) error {
			assigned = assignment
			return nil
		},
	}
	h := NewTemplateHandler(store)

	body := `{"feed_id": "f1", "priority": 10}`
	req := httptest.NewRequest(http.MethodPost, "/api/templates/t1/assignments", bytes.NewBufferString(body))
	req = withChiURLParam(req, "id", "t1")
	w := httptest.NewRecorder()

	h.AssignTemplate(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	if assigned == nil || assigned.FeedID != "f1" || assigned.TemplateID != "t1" {
		t.Fatalf("assigned = %+v", assigned)
	}
	if assigned.Priority != 10 {
		t.Errorf("priority = %d", assigned.Priority)
	}
	if !assigned.IsActive {
		t.Error("割り当てはis_active=trueで作成されるべき")
	}
}

func TestTemplateHandler_AssignTemplate_MissingFeedID(t *testing.T) {
	store := &mockTemplateStore{
		findByIDFn: func(ctx context.Context, id string) (*model.DynamicFeedTemplate, error) {
			return &model.DynamicFeedTemplate{ID: id}, nil
		},
	}
	h := NewTemplateHandler(store)

	req := httptest.NewRequest(http.MethodPost, "/api/templates/t1/assignments", bytes.NewBufferString(`{"priority": 1}`))
	req = withChiURLParam(req, "id", "t1")
	w := httptest.NewRecorder()

	h.AssignTemplate(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("feed_id未指定は400を返すべき: %d", w.Code)
	}
}

func TestTemplateHandler_ListAssignedFeeds(t *testing.T) {
	store := &mockTemplateStore{
		findByIDFn: func(ctx context.Context, id string) (*model.DynamicFeedTemplate, error) {
			return &model.DynamicFeedTemplate{ID: id}, nil
		},
		feedsFn: func(ctx context.Context, templateID string) ([]string, error) {
			return []string{"f1", "f2"}, nil
		},
	}
	h := NewTemplateHandler(store)

	req := httptest.NewRequest(http.MethodGet, "/api/templates/t1/feeds", nil)
	req = withChiURLParam(req, "id", "t1")
	w := httptest.NewRecorder()

	h.ListAssignedFeeds(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		TemplateID string   `json:"template_id"`
		FeedIDs    []string `json:"feed_ids"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.FeedIDs) != 2 {
		t.Errorf("feed_ids = %v", resp.FeedIDs)
	}
}
