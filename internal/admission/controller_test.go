package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/hitoshi/newsmcp/internal/model"
	"github.com/hitoshi/newsmcp/internal/repository"
	"github.com/hitoshi/newsmcp/internal/runqueue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunRepo struct {
	repository.RunRepository
	activeByHash map[string]*model.AnalysisRun
	active       int
	daily        int
	dailyAuto    int
	hourly       int
}

func (r *fakeRunRepo) FindActiveByScopeHash(ctx context.Context, scopeHash string) (*model.AnalysisRun, error) {
	return r.activeByHash[scopeHash], nil
}

func (r *fakeRunRepo) CountActive(ctx context.Context) (int, error)          { return r.active, nil }
func (r *fakeRunRepo) CountStartedToday(ctx context.Context) (int, error)    { return r.daily, nil }
func (r *fakeRunRepo) CountAutoStartedToday(ctx context.Context) (int, error) {
	return r.dailyAuto, nil
}
func (r *fakeRunRepo) CountStartedLastHour(ctx context.Context) (int, error) { return r.hourly, nil }

type fakeQueuedRunRepo struct {
	repository.QueuedRunRepository
	byHash   map[string]*model.QueuedRun
	inserted []*model.QueuedRun
	next     *model.QueuedRun
	cleared  int64
}

func (r *fakeQueuedRunRepo) FindActiveByScopeHash(ctx context.Context, scopeHash string) (*model.QueuedRun, error) {
	return r.byHash[scopeHash], nil
}

func (r *fakeQueuedRunRepo) Insert(ctx context.Context, queued *model.QueuedRun) error {
	r.inserted = append(r.inserted, queued)
	if r.byHash == nil {
		r.byHash = map[string]*model.QueuedRun{}
	}
	r.byHash[queued.ScopeHash] = queued
	return nil
}

func (r *fakeQueuedRunRepo) DequeueNext(ctx context.Context) (*model.QueuedRun, error) {
	next := r.next
	r.next = nil
	return next, nil
}

func (r *fakeQueuedRunRepo) ClearQueued(ctx context.Context) (int64, error) {
	return r.cleared, nil
}

// fakeControlRepo はプロセス間で共有されるsystem_controls行を模す。
// 複数のControllerから同一インスタンスを参照させることで共有を再現する。
type fakeControlRepo struct {
	stopped bool
	readErr error
}

func (r *fakeControlRepo) EmergencyStopActive(ctx context.Context) (bool, error) {
	return r.stopped, r.readErr
}

func (r *fakeControlRepo) SetEmergencyStop(ctx context.Context, active bool) error {
	r.stopped = active
	return nil
}

func newFixture(runs *fakeRunRepo, queued *fakeQueuedRunRepo) *Controller {
	return newFixtureWithControl(runs, queued, &fakeControlRepo{})
}

func newFixtureWithControl(runs *fakeRunRepo, queued *fakeQueuedRunRepo, control *fakeControlRepo) *Controller {
	q := runqueue.NewQueue(queued, testLogger())
	return NewController(runs, queued, q, control, testLogger(), DefaultLimits())
}

func feedsScope(ids ...string) model.RunScope {
	return model.RunScope{Type: model.ScopeTypeFeeds, FeedIDs: ids}
}

func TestCanStart_Proceed(t *testing.T) {
	c := newFixture(&fakeRunRepo{}, &fakeQueuedRunRepo{})

	d, err := c.CanStart(context.Background(), feedsScope("f1"), model.RunParams{}, model.TriggeredByManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != DecisionProceed {
		t.Errorf("Kind = %v, want proceed", d.Kind)
	}
}

func TestCanStart_EmergencyStop(t *testing.T) {
	c := newFixture(&fakeRunRepo{}, &fakeQueuedRunRepo{})
	if _, err := c.EmergencyStop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := c.CanStart(context.Background(), feedsScope("f1"), model.RunParams{}, model.TriggeredByManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != DecisionRejected || !strings.Contains(d.Reason, "Emergency stop") {
		t.Errorf("緊急停止中は拒否されるべき: %+v", d)
	}

	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, _ = c.CanStart(context.Background(), feedsScope("f1"), model.RunParams{}, model.TriggeredByManual)
	if d.Kind != DecisionProceed {
		t.Errorf("解除後は許可されるべき: %+v", d)
	}
}

func TestEmergencyStop_SharedAcrossProcesses(t *testing.T) {
	// serveとワーカーを模した2つのControllerが同じ共有行を参照する
	control := &fakeControlRepo{}
	apiCtrl := newFixtureWithControl(&fakeRunRepo{}, &fakeQueuedRunRepo{}, control)
	workerCtrl := newFixtureWithControl(&fakeRunRepo{}, &fakeQueuedRunRepo{}, control)
	ctx := context.Background()

	if _, err := apiCtrl.EmergencyStop(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := workerCtrl.CanStart(ctx, feedsScope("f1"), model.RunParams{}, model.TriggeredByAuto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != DecisionRejected || !strings.Contains(d.Reason, "Emergency stop") {
		t.Errorf("別プロセスのControllerにも停止が波及すべき: %+v", d)
	}

	if !workerCtrl.RefreshStop(ctx) {
		t.Error("RefreshStopは共有行の停止を観測すべき")
	}
	if !workerCtrl.Stopped() {
		t.Error("再読み込み後はキャッシュにも反映されるべき")
	}

	if err := apiCtrl.Resume(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d, _ = workerCtrl.CanStart(ctx, feedsScope("f1"), model.RunParams{}, model.TriggeredByAuto)
	if d.Kind != DecisionProceed {
		t.Errorf("解除も別プロセスへ波及すべき: %+v", d)
	}
}

func TestCanStart_StopFlagReadErrorFallsBackToCache(t *testing.T) {
	control := &fakeControlRepo{}
	c := newFixtureWithControl(&fakeRunRepo{}, &fakeQueuedRunRepo{}, control)
	ctx := context.Background()

	if _, err := c.EmergencyStop(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	control.readErr = errors.New("connection refused")

	d, err := c.CanStart(ctx, feedsScope("f1"), model.RunParams{}, model.TriggeredByManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != DecisionRejected || !strings.Contains(d.Reason, "Emergency stop") {
		t.Errorf("読み出し失敗時は最後に観測した停止状態を使うべき: %+v", d)
	}
}

func TestCanStart_DuplicateActiveRun(t *testing.T) {
	scope := feedsScope("f1")
	hash := model.ComputeScopeHash(scope, model.RunParams{}.Normalize())
	runs := &fakeRunRepo{activeByHash: map[string]*model.AnalysisRun{
		hash: {ID: "run-1", Status: model.RunStatusRunning},
	}}
	c := newFixture(runs, &fakeQueuedRunRepo{})

	d, err := c.CanStart(context.Background(), scope, model.RunParams{}, model.TriggeredByManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != DecisionRejected || !strings.Contains(d.Reason, "Duplicate") {
		t.Errorf("重複ランは拒否されるべき: %+v", d)
	}
}

func TestCanStart_AtCapacity(t *testing.T) {
	// 同時実行上限: HIGHは待機、それ以外は拒否、待機と同一スコープは重複拒否
	runs := &fakeRunRepo{active: 2}
	queued := &fakeQueuedRunRepo{}
	c := newFixture(runs, queued)
	ctx := context.Background()

	d, err := c.CanStart(ctx, feedsScope("manual"), model.RunParams{}, model.TriggeredByManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Kind != DecisionEnqueued || d.QueuedRunID == "" {
		t.Errorf("満杯時のHIGHは待機へ回るべき: %+v", d)
	}

	d, _ = c.CanStart(ctx, feedsScope("auto"), model.RunParams{}, model.TriggeredByAuto)
	if d.Kind != DecisionRejected || !strings.Contains(d.Reason, "Too many concurrent runs") {
		t.Errorf("満杯時のLOWは拒否されるべき: %+v", d)
	}

	// 待機中のmanualと同一スコープのscheduledは重複
	d, _ = c.CanStart(ctx, feedsScope("manual"), model.RunParams{}, model.TriggeredByScheduled)
	if d.Kind != DecisionRejected || !strings.Contains(d.Reason, "Duplicate") {
		t.Errorf("待機中と同一スコープは重複拒否されるべき: %+v", d)
	}
}

func TestCanStart_DailyLimit(t *testing.T) {
	c := newFixture(&fakeRunRepo{daily: 100}, &fakeQueuedRunRepo{})

	d, _ := c.CanStart(context.Background(), feedsScope("f1"), model.RunParams{}, model.TriggeredByManual)
	if d.Kind != DecisionRejected || !strings.Contains(d.Reason, "Daily run limit") {
		t.Errorf("日次上限で拒否されるべき: %+v", d)
	}
}

func TestCanStart_DailyAutoLimit(t *testing.T) {
	runs := &fakeRunRepo{dailyAuto: 50}
	c := newFixture(runs, &fakeQueuedRunRepo{})
	ctx := context.Background()

	d, _ := c.CanStart(ctx, feedsScope("f1"), model.RunParams{}, model.TriggeredByAuto)
	if d.Kind != DecisionRejected || !strings.Contains(d.Reason, "auto-run limit") {
		t.Errorf("自動ラン上限で拒否されるべき: %+v", d)
	}

	// 手動ランには自動上限は適用されない
	d, _ = c.CanStart(ctx, feedsScope("f2"), model.RunParams{}, model.TriggeredByManual)
	if d.Kind != DecisionProceed {
		t.Errorf("手動ランは自動上限の影響を受けない: %+v", d)
	}
}

func TestCanStart_HourlyLimit(t *testing.T) {
	c := newFixture(&fakeRunRepo{hourly: 10}, &fakeQueuedRunRepo{})

	d, _ := c.CanStart(context.Background(), feedsScope("f1"), model.RunParams{}, model.TriggeredByManual)
	if d.Kind != DecisionRejected || !strings.Contains(d.Reason, "Hourly run limit") {
		t.Errorf("時間別上限で拒否されるべき: %+v", d)
	}
}

func TestProcessQueue(t *testing.T) {
	queued := &fakeQueuedRunRepo{next: &model.QueuedRun{ID: "q1", Priority: model.PriorityHigh}}
	c := newFixture(&fakeRunRepo{active: 1}, queued)

	got, err := c.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != "q1" {
		t.Errorf("容量があれば待機ランを取り出すべき: %+v", got)
	}
}

func TestProcessQueue_AtCapacity(t *testing.T) {
	queued := &fakeQueuedRunRepo{next: &model.QueuedRun{ID: "q1"}}
	c := newFixture(&fakeRunRepo{active: 2}, queued)

	got, err := c.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("満杯時は取り出さないべき: %+v", got)
	}
}

func TestProcessQueue_Stopped(t *testing.T) {
	queued := &fakeQueuedRunRepo{next: &model.QueuedRun{ID: "q1"}}
	c := newFixture(&fakeRunRepo{}, queued)
	if _, err := c.EmergencyStop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := c.ProcessQueue(context.Background())
	if got != nil {
		t.Errorf("停止中は取り出さないべき: %+v", got)
	}
}
