package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/repository"
	"github.com/hitoshi/newsmcp/internal/watcher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFeedRepo struct {
	repository.FeedRepository
	feeds  map[string]*model.Feed
	errFor map[string]error
}

func (r *fakeFeedRepo) ListActive(ctx context.Context) ([]*model.Feed, error) {
	var out []*model.Feed
	for _, f := range r.feeds {
		if f.Status == model.FeedStatusActive {
			out = append(out, f)
		}
	}
	return out, nil
}

func (r *fakeFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	if err := r.errFor[id]; err != nil {
		return nil, err
	}
	return r.feeds[id], nil
}

func (r *fakeFeedRepo) ConfigHash(ctx context.Context) (string, error) {
	return "feed-hash", nil
}

type fakeStateRepo struct {
	repository.SchedulerStateRepository
	mu         sync.Mutex
	heartbeats int
}

func (r *fakeStateRepo) Upsert(ctx context.Context, state *model.FeedSchedulerState) error {
	return nil
}

func (r *fakeStateRepo) Heartbeat(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
	return nil
}

func (r *fakeStateRepo) SetLastConfigCheck(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (r *fakeStateRepo) SetConfigHashes(ctx context.Context, id, feedHash, templateHash string) error {
	return nil
}

type fakeChangeRepo struct {
	repository.ChangeRepository
	changes []*model.FeedConfigurationChange
	applied [][]string
}

func (r *fakeChangeRepo) UnappliedSince(ctx context.Context, since time.Time, limit int) ([]*model.FeedConfigurationChange, error) {
	return r.changes, nil
}

func (r *fakeChangeRepo) MarkApplied(ctx context.Context, ids []string) error {
	r.applied = append(r.applied, ids)
	return nil
}

type fakeTemplateRepo struct {
	repository.TemplateRepository
}

func (r *fakeTemplateRepo) ConfigHash(ctx context.Context) (string, error) {
	return "template-hash", nil
}

type fakeFetcher struct {
	mu     sync.Mutex
	calls  []string
	errFor map[string]error
}

func (f *fakeFetcher) Fetch(ctx context.Context, feed *model.Feed) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, feed.ID)
	return f.errFor[feed.ID]
}

func activeFeed(id string, intervalMin int, lastFetched *time.Time) *model.Feed {
	return &model.Feed{
		ID:                   id,
		URL:                  "https://example.com/" + id + ".xml",
		Title:                id,
		FetchIntervalMinutes: intervalMin,
		LastFetched:          lastFetched,
		Status:               model.FeedStatusActive,
	}
}

func newTestScheduler(feeds *fakeFeedRepo, fetcher *fakeFetcher, now time.Time) *Scheduler {
	w := watcher.NewWatcher(&fakeChangeRepo{}, &fakeTemplateRepo{}, feeds, &fakeStateRepo{}, testLogger())
	s := NewScheduler(feeds, &fakeStateRepo{}, w, fetcher, testLogger(), DefaultConfig())
	s.now = func() time.Time { return now }
	return s
}

func TestBackoffDelay(t *testing.T) {
	interval := 60 * time.Minute
	max := 240 * time.Minute
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 120 * time.Minute},
		{2, 240 * time.Minute},
		{3, 240 * time.Minute}, // 上限で頭打ち
		{4, 240 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoffDelay(interval, tt.failures, max); got != tt.want {
			t.Errorf("backoffDelay(failures=%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestEntryFromFeed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	last := now.Add(-30 * time.Minute)
	entry := entryFromFeed(activeFeed("f1", 60, &last), now)
	want := last.Add(60 * time.Minute)
	if !entry.NextFetch.Equal(want) {
		t.Errorf("NextFetch = %v, want last_fetched+interval %v", entry.NextFetch, want)
	}

	// 未フェッチのフィードは即時
	entry = entryFromFeed(activeFeed("f2", 60, nil), now)
	if !entry.NextFetch.Equal(now) {
		t.Errorf("未フェッチのNextFetch = %v, want %v", entry.NextFetch, now)
	}
}

func TestReload(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	feeds := &fakeFeedRepo{feeds: map[string]*model.Feed{
		"f1": activeFeed("f1", 60, nil),
		"f2": activeFeed("f2", 30, nil),
	}}
	s := newTestScheduler(feeds, &fakeFetcher{}, now)

	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(s.Snapshot()); got != 2 {
		t.Errorf("スケジュール表のサイズ = %d, want 2", got)
	}
}

func TestCollectDue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&fakeFeedRepo{}, &fakeFetcher{}, now)
	s.schedule = map[string]*Entry{
		"due":     {FeedID: "due", Status: model.FeedStatusActive, NextFetch: now.Add(-time.Minute)},
		"future":  {FeedID: "future", Status: model.FeedStatusActive, NextFetch: now.Add(time.Minute)},
		"running": {FeedID: "running", Status: model.FeedStatusActive, NextFetch: now.Add(-time.Minute), IsRunning: true},
		"errored": {FeedID: "errored", Status: model.FeedStatusError, NextFetch: now.Add(-time.Minute)},
	}

	due := s.collectDue()
	if len(due) != 1 || due[0].FeedID != "due" {
		t.Fatalf("collectDue = %v, want [due]", due)
	}
	if !s.schedule["due"].IsRunning {
		t.Error("抽出されたエントリはis_runningが立つべき")
	}
}

func TestOnComplete_Success(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&fakeFeedRepo{}, &fakeFetcher{}, now)
	s.schedule = map[string]*Entry{
		"f1": {FeedID: "f1", IntervalMinutes: 60, IsRunning: true, ConsecutiveFailures: 3},
	}

	s.onComplete("f1", nil)

	entry := s.schedule["f1"]
	if entry.IsRunning {
		t.Error("完了後はis_runningが下りるべき")
	}
	if entry.ConsecutiveFailures != 0 {
		t.Errorf("成功で失敗カウントはリセットされるべき: %d", entry.ConsecutiveFailures)
	}
	if want := now.Add(60 * time.Minute); !entry.NextFetch.Equal(want) {
		t.Errorf("NextFetch = %v, want %v", entry.NextFetch, want)
	}
}

func TestOnComplete_FailureAppliesBackoff(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestScheduler(&fakeFeedRepo{}, &fakeFetcher{}, now)
	s.schedule = map[string]*Entry{
		"f1": {FeedID: "f1", IntervalMinutes: 60, IsRunning: true},
	}

	s.onComplete("f1", errors.New("fetch failed"))

	entry := s.schedule["f1"]
	if entry.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", entry.ConsecutiveFailures)
	}
	if want := now.Add(120 * time.Minute); !entry.NextFetch.Equal(want) {
		t.Errorf("NextFetch = %v, want %v", entry.NextFetch, want)
	}

	// 2回目の失敗で上限到達
	s.onComplete("f1", errors.New("fetch failed"))
	if want := now.Add(240 * time.Minute); !s.schedule["f1"].NextFetch.Equal(want) {
		t.Errorf("2回目のNextFetch = %v, want %v", s.schedule["f1"].NextFetch, want)
	}
}

func TestApplyChanges(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-10 * time.Minute)

	inactive := activeFeed("updated-inactive", 60, nil)
	inactive.Status = model.FeedStatusInactive
	feeds := &fakeFeedRepo{feeds: map[string]*model.Feed{
		"created":          activeFeed("created", 60, &last),
		"updated-interval": activeFeed("updated-interval", 15, &last),
		"updated-inactive": inactive,
	}}
	s := newTestScheduler(feeds, &fakeFetcher{}, now)
	s.schedule = map[string]*Entry{
		"updated-interval": {FeedID: "updated-interval", IntervalMinutes: 60, NextFetch: last.Add(60 * time.Minute), Status: model.FeedStatusActive},
		"updated-inactive": {FeedID: "updated-inactive", IntervalMinutes: 60, Status: model.FeedStatusActive},
		"deleted":          {FeedID: "deleted", Status: model.FeedStatusActive},
		"templated":        {FeedID: "templated", NextFetch: now.Add(time.Hour), Status: model.FeedStatusActive},
	}

	s.applyChanges(context.Background(), &watcher.ChangeSet{
		NewFeedIDs:              []string{"created"},
		UpdatedFeedIDs:          []string{"updated-interval", "updated-inactive"},
		DeletedFeedIDs:          []string{"deleted"},
		TemplateAffectedFeedIDs: []string{"templated"},
	})

	if entry, ok := s.schedule["created"]; !ok {
		t.Error("新規フィードはスケジュール表に追加されるべき")
	} else if !entry.NextFetch.Equal(now) {
		t.Errorf("新規フィードのNextFetch = %v, want 即時 %v", entry.NextFetch, now)
	}

	// interval変更はlast_fetchedから再計算
	if entry := s.schedule["updated-interval"]; entry.IntervalMinutes != 15 {
		t.Errorf("IntervalMinutes = %d, want 15", entry.IntervalMinutes)
	} else if want := last.Add(15 * time.Minute); !entry.NextFetch.Equal(want) {
		t.Errorf("NextFetch = %v, want %v", entry.NextFetch, want)
	}

	if _, ok := s.schedule["updated-inactive"]; ok {
		t.Error("非アクティブ化されたフィードは削除されるべき")
	}
	if _, ok := s.schedule["deleted"]; ok {
		t.Error("削除されたフィードはスケジュール表から消えるべき")
	}
	if entry := s.schedule["templated"]; !entry.NextFetch.Equal(now) {
		t.Errorf("テンプレート変更の影響フィードは即時化されるべき: %v", entry.NextFetch)
	}
}

func TestCheckConfig_AcksOnlyReconciledChanges(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	okID := "f-ok"
	badID := "f-bad"

	feeds := &fakeFeedRepo{
		feeds:  map[string]*model.Feed{okID: activeFeed(okID, 60, nil)},
		errFor: map[string]error{badID: errors.New("connection refused")},
	}
	changeRepo := &fakeChangeRepo{changes: []*model.FeedConfigurationChange{
		{ID: "c1", ChangeType: model.ChangeFeedUpdated, FeedID: &okID},
		{ID: "c2", ChangeType: model.ChangeFeedUpdated, FeedID: &badID},
	}}
	w := watcher.NewWatcher(changeRepo, &fakeTemplateRepo{}, feeds, &fakeStateRepo{}, testLogger())
	s := NewScheduler(feeds, &fakeStateRepo{}, w, &fakeFetcher{}, testLogger(), DefaultConfig())
	s.now = func() time.Time { return now }
	s.state = &model.FeedSchedulerState{ID: "scheduler-1"}

	s.checkConfig(context.Background())

	if len(changeRepo.applied) != 1 {
		t.Fatalf("MarkApplied呼び出し回数 = %d, want 1", len(changeRepo.applied))
	}
	// 取得に失敗したフィードの変更は未適用のまま残し、次回スキャンで再適用する
	acked := changeRepo.applied[0]
	if len(acked) != 1 || acked[0] != "c1" {
		t.Errorf("ACK対象 = %v, want [c1]", acked)
	}
}

func TestDispatchDue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	feeds := &fakeFeedRepo{feeds: map[string]*model.Feed{
		"ok":   activeFeed("ok", 60, nil),
		"fail": activeFeed("fail", 60, nil),
	}}
	fetcher := &fakeFetcher{errFor: map[string]error{"fail": errors.New("boom")}}
	s := newTestScheduler(feeds, fetcher, now)
	s.schedule = map[string]*Entry{
		"ok":   {FeedID: "ok", IntervalMinutes: 60, Status: model.FeedStatusActive, NextFetch: now},
		"fail": {FeedID: "fail", IntervalMinutes: 60, Status: model.FeedStatusActive, NextFetch: now},
	}

	s.dispatchDue(context.Background())

	if len(fetcher.calls) != 2 {
		t.Fatalf("フェッチ回数 = %d, want 2", len(fetcher.calls))
	}
	if s.schedule["ok"].ConsecutiveFailures != 0 {
		t.Error("成功フィードの失敗カウントは0のまま")
	}
	if s.schedule["fail"].ConsecutiveFailures != 1 {
		t.Errorf("失敗フィードの失敗カウント = %d, want 1", s.schedule["fail"].ConsecutiveFailures)
	}
	if s.schedule["ok"].IsRunning || s.schedule["fail"].IsRunning {
		t.Error("ディスパッチ完了後はis_runningが下りるべき")
	}
}
