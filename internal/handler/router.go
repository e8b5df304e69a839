package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsmcp/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// フィード・テンプレート
	FeedStore     FeedStoreInterface
	TemplateStore TemplateStoreInterface

	// 分析ラン
	RunAdmission RunAdmissionInterface
	RunStarter   RunStarterInterface
	RunStore     RunStoreInterface
	RunQueue     RunQueueInterface

	// 運用状態
	HealthChecker  HealthChecker
	SchedulerState SchedulerStateFinderInterface
	Snapshotter    ScheduleSnapshotter // スケジューラと別プロセスの場合nil
	Breakers       BreakerStatesInterface
	InstanceID     string

	// メトリクス
	MetricsStore MetricsSummaryInterface
	PromHandler  http.Handler // Prometheusエクスポジション
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	feedHandler := NewFeedHandler(deps.FeedStore)
	templateHandler := NewTemplateHandler(deps.TemplateStore)
	runHandler := NewRunHandler(deps.RunAdmission, deps.RunStarter, deps.RunStore, deps.RunQueue)
	statusHandler := NewStatusHandler(deps.HealthChecker, deps.SchedulerState, deps.Snapshotter, deps.Breakers, deps.InstanceID)
	metricsHandler := NewMetricsHandler(deps.MetricsStore)

	// --- レート制限の外のルート ---

	r.Get("/health", statusHandler.Health)
	if deps.PromHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.PromHandler)
	}

	// --- レート制限下のAPIルート ---

	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// フィード管理
		r.Route("/api/feeds", func(r chi.Router) {
			r.Get("/", feedHandler.ListFeeds)
			r.Post("/", feedHandler.CreateFeed)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", feedHandler.GetFeed)
				r.Put("/", feedHandler.UpdateFeed)
				r.Delete("/", feedHandler.DeleteFeed)
				r.Get("/delete-preflight", feedHandler.DeletePreflight)
				r.Post("/archive", feedHandler.ArchiveFeed)
			})
		})

		// テンプレート管理
		r.Route("/api/templates", func(r chi.Router) {
			r.Post("/", templateHandler.CreateTemplate)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", templateHandler.GetTemplate)
				r.Put("/", templateHandler.UpdateTemplate)
				r.Delete("/", templateHandler.DeleteTemplate)
				r.Post("/assignments", templateHandler.AssignTemplate)
				r.Get("/feeds", templateHandler.ListAssignedFeeds)
			})
		})
		r.Delete("/api/template-assignments/{id}", templateHandler.UnassignTemplate)

		// 分析ラン管理
		r.Route("/api/analysis", func(r chi.Router) {
			// POST /api/analysis/runs - ラン作成（作成専用レート制限を追加）
			r.With(deps.RateLimiter.RunCreateMiddleware()).Post("/runs", runHandler.CreateRun)

			r.Get("/runs", runHandler.ListRuns)
			r.Route("/runs/{id}", func(r chi.Router) {
				r.Get("/", runHandler.GetRun)
				r.Post("/cancel", runHandler.CancelRun)
			})

			r.Post("/emergency-stop", runHandler.EmergencyStop)
			r.Post("/resume", runHandler.Resume)

			r.Route("/queue", func(r chi.Router) {
				r.Get("/", runHandler.QueueStatus)
				r.Get("/runs", runHandler.ListQueuedRuns)
				r.Delete("/runs/{id}", runHandler.CancelQueuedRun)
				r.Post("/clear", runHandler.ClearQueue)
			})
		})

		// 運用状態
		r.Get("/api/scheduler/status", statusHandler.SchedulerStatus)
		r.Get("/api/breakers", statusHandler.BreakerStates)

		// コスト/処理量サマリ
		r.Route("/api/metrics", func(r chi.Router) {
			r.Get("/overview", metricsHandler.Overview)
			r.Get("/top-feeds", metricsHandler.TopSpendFeeds)
			r.Get("/feeds/{id}/daily", metricsHandler.DailyFeedSummary)
			r.Get("/feeds/{id}/weekly", metricsHandler.WeeklyFeedSummary)
		})
	})

	return r
}
