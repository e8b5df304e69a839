package watcher

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChangeRepo struct {
	repository.ChangeRepository
	changes []*model.FeedConfigurationChange
	marked  []string
}

func (r *fakeChangeRepo) UnappliedSince(ctx context.Context, since time.Time, limit int) ([]*model.FeedConfigurationChange, error) {
	return r.changes, nil
}

func (r *fakeChangeRepo) MarkApplied(ctx context.Context, ids []string) error {
	r.marked = append(r.marked, ids...)
	return nil
}

type fakeTemplateRepo struct {
	repository.TemplateRepository
	assigned   map[string][]string
	configHash string
}

func (r *fakeTemplateRepo) FeedsAssignedToTemplate(ctx context.Context, templateID string) ([]string, error) {
	return r.assigned[templateID], nil
}

func (r *fakeTemplateRepo) ConfigHash(ctx context.Context) (string, error) {
	return r.configHash, nil
}

type fakeFeedRepo struct {
	repository.FeedRepository
	configHash string
}

func (r *fakeFeedRepo) ConfigHash(ctx context.Context) (string, error) {
	return r.configHash, nil
}

type fakeStateRepo struct {
	repository.SchedulerStateRepository
	feedHash     string
	templateHash string
}

func (r *fakeStateRepo) SetConfigHashes(ctx context.Context, id, feedHash, templateHash string) error {
	r.feedHash = feedHash
	r.templateHash = templateHash
	return nil
}

func strPtr(s string) *string { return &s }

func change(id string, t model.ConfigChangeType, feedID, templateID *string) *model.FeedConfigurationChange {
	return &model.FeedConfigurationChange{
		ID: id, ChangeType: t, FeedID: feedID, TemplateID: templateID, CreatedAt: time.Now(),
	}
}

func newWatcherFixture(changes *fakeChangeRepo, templates *fakeTemplateRepo, feeds *fakeFeedRepo, states *fakeStateRepo) *Watcher {
	return NewWatcher(changes, templates, feeds, states, testLogger())
}

func TestScan_ClassifiesFeedChanges(t *testing.T) {
	changes := &fakeChangeRepo{changes: []*model.FeedConfigurationChange{
		change("c1", model.ChangeFeedCreated, strPtr("f1"), nil),
		change("c2", model.ChangeFeedUpdated, strPtr("f2"), nil),
		change("c3", model.ChangeFeedDeleted, strPtr("f3"), nil),
		change("c4", model.ChangeFeedUpdated, strPtr("f2"), nil), // 重複は1回だけ
	}}
	w := newWatcherFixture(changes, &fakeTemplateRepo{}, &fakeFeedRepo{}, &fakeStateRepo{})

	cs, err := w.Scan(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cs.NewFeedIDs) != 1 || cs.NewFeedIDs[0] != "f1" {
		t.Errorf("NewFeedIDs = %v, want [f1]", cs.NewFeedIDs)
	}
	if len(cs.UpdatedFeedIDs) != 1 || cs.UpdatedFeedIDs[0] != "f2" {
		t.Errorf("UpdatedFeedIDs = %v, want [f2]", cs.UpdatedFeedIDs)
	}
	if len(cs.DeletedFeedIDs) != 1 || cs.DeletedFeedIDs[0] != "f3" {
		t.Errorf("DeletedFeedIDs = %v, want [f3]", cs.DeletedFeedIDs)
	}
	if got := cs.IDs(); len(got) != 4 {
		t.Errorf("IDs() = %v, want 4件", got)
	}
}

func TestScan_TemplateFanOut(t *testing.T) {
	changes := &fakeChangeRepo{changes: []*model.FeedConfigurationChange{
		change("c1", model.ChangeTemplateUpdated, nil, strPtr("t1")),
	}}
	templates := &fakeTemplateRepo{assigned: map[string][]string{"t1": {"f1", "f2"}}}
	w := newWatcherFixture(changes, templates, &fakeFeedRepo{}, &fakeStateRepo{})

	cs, err := w.Scan(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cs.TemplateAffectedFeedIDs) != 2 {
		t.Errorf("テンプレート変更は割り当てフィードへファンアウトすべき: %v", cs.TemplateAffectedFeedIDs)
	}
}

func TestScan_AssignmentUsesDirectFeedID(t *testing.T) {
	changes := &fakeChangeRepo{changes: []*model.FeedConfigurationChange{
		change("c1", model.ChangeFeedTemplateAssigned, strPtr("f9"), strPtr("t1")),
	}}
	w := newWatcherFixture(changes, &fakeTemplateRepo{}, &fakeFeedRepo{}, &fakeStateRepo{})

	cs, err := w.Scan(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cs.TemplateAffectedFeedIDs) != 1 || cs.TemplateAffectedFeedIDs[0] != "f9" {
		t.Errorf("割り当て変更はfeed_idを直接使うべき: %v", cs.TemplateAffectedFeedIDs)
	}
}

func TestScan_Empty(t *testing.T) {
	w := newWatcherFixture(&fakeChangeRepo{}, &fakeTemplateRepo{}, &fakeFeedRepo{}, &fakeStateRepo{})
	cs, err := w.Scan(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cs.Empty() {
		t.Error("変更なしの場合はEmptyがtrueであるべき")
	}
}

func TestCheckDrift_NoDriftOnFirstRun(t *testing.T) {
	states := &fakeStateRepo{}
	w := newWatcherFixture(&fakeChangeRepo{}, &fakeTemplateRepo{configHash: "th1"}, &fakeFeedRepo{configHash: "fh1"}, states)

	// 初回（前回ハッシュなし）はドリフトとしない
	state := &model.FeedSchedulerState{ID: "sched-1"}
	result, err := w.CheckDrift(context.Background(), state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Detected() {
		t.Error("初回はドリフト検知すべきでない")
	}
	if states.feedHash != "fh1" || states.templateHash != "th1" {
		t.Errorf("新しいハッシュが永続化されるべき: %q %q", states.feedHash, states.templateHash)
	}
	if state.LastFeedConfigHash != "fh1" {
		t.Error("state構造体にもハッシュが反映されるべき")
	}
}

func TestCheckDrift_DetectsFeedDrift(t *testing.T) {
	w := newWatcherFixture(&fakeChangeRepo{}, &fakeTemplateRepo{configHash: "th1"}, &fakeFeedRepo{configHash: "fh2"}, &fakeStateRepo{})

	state := &model.FeedSchedulerState{
		ID:                     "sched-1",
		LastFeedConfigHash:     "fh1",
		LastTemplateConfigHash: "th1",
	}
	result, err := w.CheckDrift(context.Background(), state)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.FeedDrift {
		t.Error("フィード設定ハッシュの乖離を検知すべき")
	}
	if result.TemplateDrift {
		t.Error("テンプレートは乖離していない")
	}
}

func TestMarkApplied(t *testing.T) {
	changes := &fakeChangeRepo{}
	w := newWatcherFixture(changes, &fakeTemplateRepo{}, &fakeFeedRepo{}, &fakeStateRepo{})

	if err := w.MarkApplied(context.Background(), []string{"c1", "c2"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(changes.marked) != 2 {
		t.Errorf("marked = %v, want 2件", changes.marked)
	}
}
