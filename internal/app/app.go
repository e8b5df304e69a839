// Package app はサブコマンドごとの起動とワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/newsmcp/internal/admission"
	"github.com/hitoshi/newsmcp/internal/config"
	"github.com/hitoshi/newsmcp/internal/cost"
	"github.com/hitoshi/newsmcp/internal/database"
	"github.com/hitoshi/newsmcp/internal/handler"
	"github.com/hitoshi/newsmcp/internal/llm"
	"github.com/hitoshi/newsmcp/internal/logger"
	"github.com/hitoshi/newsmcp/internal/metrics"
	"github.com/hitoshi/newsmcp/internal/middleware"
	"github.com/hitoshi/newsmcp/internal/repository"
	"github.com/hitoshi/newsmcp/internal/resilience"
	"github.com/hitoshi/newsmcp/internal/runqueue"
	"github.com/hitoshi/newsmcp/internal/scheduler"
	"github.com/hitoshi/newsmcp/internal/security"
	"github.com/hitoshi/newsmcp/internal/watcher"
	"github.com/hitoshi/newsmcp/internal/worker/analysis"
	fetchpkg "github.com/hitoshi/newsmcp/internal/worker/fetch"
)

// breakerWatchInterval はブレーカー状態ゲージの更新周期。
const breakerWatchInterval = 15 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	logger.SetupDefault(w)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandScheduler:
		return runScheduler(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// repos はプロセス間で共有されるリポジトリ一式。
type repos struct {
	feed     *repository.PostgresFeedRepo
	item     *repository.PostgresItemRepo
	fetchLog *repository.PostgresFetchLogRepo
	health   *repository.PostgresFeedHealthRepo
	template *repository.PostgresTemplateRepo
	change   *repository.PostgresChangeRepo
	state    *repository.PostgresSchedulerStateRepo
	run      *repository.PostgresRunRepo
	runItem  *repository.PostgresRunItemRepo
	queued   *repository.PostgresQueuedRunRepo
	pending  *repository.PostgresPendingAutoAnalysisRepo
	metrics  *repository.PostgresMetricsRepo
	control  *repository.PostgresControlRepo
}

// openDatabase はDB接続を開いて疎通確認する。
func openDatabase(databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

func newRepos(db *sql.DB) *repos {
	return &repos{
		feed:     repository.NewPostgresFeedRepo(db),
		item:     repository.NewPostgresItemRepo(db),
		fetchLog: repository.NewPostgresFetchLogRepo(db),
		health:   repository.NewPostgresFeedHealthRepo(db),
		template: repository.NewPostgresTemplateRepo(db),
		change:   repository.NewPostgresChangeRepo(db),
		state:    repository.NewPostgresSchedulerStateRepo(db),
		run:      repository.NewPostgresRunRepo(db),
		runItem:  repository.NewPostgresRunItemRepo(db),
		queued:   repository.NewPostgresQueuedRunRepo(db),
		pending:  repository.NewPostgresPendingAutoAnalysisRepo(db),
		metrics:  repository.NewPostgresMetricsRepo(db),
		control:  repository.NewPostgresControlRepo(db),
	}
}

func admissionLimitsFrom(cfg *config.Config) admission.Limits {
	return admission.Limits{
		MaxConcurrent: cfg.MaxConcurrentRuns,
		MaxDaily:      cfg.MaxDailyRuns,
		MaxDailyAuto:  cfg.MaxDailyAutoRuns,
		MaxHourly:     cfg.MaxHourlyRuns,
	}
}

func workerConfigFrom(cfg *config.Config) analysis.Config {
	c := analysis.DefaultConfig()
	c.ChunkSize = cfg.ChunkSize
	c.MaxRunsPerCycle = cfg.MaxRunsPerCycle
	c.HeartbeatInterval = cfg.HeartbeatInterval
	c.StaleProcessingAge = time.Duration(cfg.StaleProcessingSec) * time.Second
	c.SleepInterval = cfg.SleepInterval
	c.ResetStaleOnStart = cfg.ResetStaleOnStart
	c.MinRequestInterval = cfg.MinRequestInterval
	c.AutoAnalyzeModelTag = cfg.AutoAnalyzeModelTag
	c.CostSoftCapUSD = cfg.MaxCostPerRun
	return c
}

// runServe は管理APIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log := slog.Default()
	r := newRepos(db)

	breakers := resilience.NewBreakerRegistry(log)
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)

	queue := runqueue.NewQueue(r.queued, log)
	controller := admission.NewController(r.run, r.queued, queue, r.control, log, admissionLimitsFrom(cfg))
	aggregator := cost.NewAggregator(r.metrics, log)

	llmClient := collector.WrapLLMClient(llm.NewHTTPClient(llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Timeout: cfg.LLMTimeout,
	}, log))

	// serveモードではワーカーループは回さず、ラン開始パスのみを使う。
	// ラン記事の駆動はworkerプロセスが行う。
	worker := analysis.NewWorker(
		r.run, r.runItem, r.item, r.pending,
		controller, queue, llmClient, aggregator, breakers,
		log, workerConfigFrom(cfg),
	)

	deps := &handler.RouterDeps{
		Logger:         log,
		RateLimiter:    middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), log),
		FeedStore:      r.feed,
		TemplateStore:  r.template,
		RunAdmission:   controller,
		RunStarter:     collector.WrapRunStarter(worker),
		RunStore:       r.run,
		RunQueue:       queue,
		HealthChecker:  db,
		SchedulerState: r.state,
		Snapshotter:    nil, // スケジューラは別プロセス
		Breakers:       breakers,
		InstanceID:     cfg.SchedulerInstanceID,
		MetricsStore:   r.metrics,
		PromHandler:    metrics.Handler(promReg),
	}
	router := handler.NewRouter(deps)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go collector.WatchBreakers(ctx, breakers.States, breakerWatchInterval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runScheduler はフィードスケジューラモードで起動する。
// スケジュール表を所有する単一のアクティブループを実行し、
// メトリクスを専用ポートで公開する。
func runScheduler(cfg *config.Config) error {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log := slog.Default()
	r := newRepos(db)

	breakers := resilience.NewBreakerRegistry(log)
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)

	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	fetcher := fetchpkg.NewFetcher(
		r.feed, r.item, r.fetchLog, r.health, r.template, r.pending,
		ssrfGuard, sanitizer,
		breakers.Get("feed_fetch", resilience.FeedFetchBreakerConfig()),
		log, cfg.FetchTimeout, cfg.FetchMaxSize, cfg.AutoMaxPerRun,
	)

	configWatcher := watcher.NewWatcher(r.change, r.template, r.feed, r.state, log)
	sched := scheduler.NewScheduler(
		r.feed, r.state, configWatcher,
		collector.WrapFetcher(fetcher),
		log,
		scheduler.Config{
			InstanceID:          cfg.SchedulerInstanceID,
			TickInterval:        cfg.SchedulerTickInterval,
			ConfigCheckInterval: cfg.ConfigCheckInterval,
			DispatchBatch:       cfg.DispatchBatch,
			MaxBackoff:          cfg.MaxBackoff,
		},
	)

	ctx, cancel := signalContext()
	defer cancel()

	go serveMetrics(ctx, cfg.MetricsPort, promReg)
	go collector.WatchBreakers(ctx, breakers.States, breakerWatchInterval)

	slog.Info("scheduler starting",
		slog.String("instance_id", cfg.SchedulerInstanceID),
		slog.Duration("tick_interval", cfg.SchedulerTickInterval),
	)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler failed: %w", err)
	}

	slog.Info("scheduler stopped gracefully")
	return nil
}

// runWorker は分析ワーカーモードで起動する。
// 待機キューの取り込みとアクティブランの駆動を行う制御ループを実行する。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log := slog.Default()
	r := newRepos(db)

	breakers := resilience.NewBreakerRegistry(log)
	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(promReg)

	queue := runqueue.NewQueue(r.queued, log)
	controller := admission.NewController(r.run, r.queued, queue, r.control, log, admissionLimitsFrom(cfg))
	aggregator := cost.NewAggregator(r.metrics, log)

	llmClient := collector.WrapLLMClient(llm.NewHTTPClient(llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Timeout: cfg.LLMTimeout,
	}, log))

	worker := analysis.NewWorker(
		r.run, r.runItem, r.item, r.pending,
		controller, queue, llmClient, aggregator, breakers,
		log, workerConfigFrom(cfg),
	)

	ctx, cancel := signalContext()
	defer cancel()

	go serveMetrics(ctx, cfg.MetricsPort, promReg)
	go collector.WatchBreakers(ctx, breakers.States, breakerWatchInterval)

	slog.Info("worker starting",
		slog.Int("chunk_size", cfg.ChunkSize),
		slog.Int("max_concurrent_runs", cfg.MaxConcurrentRuns),
	)

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("worker failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// signalContext はSIGINT/SIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutdown signal received")
		cancel()
	}()

	return ctx, cancel
}

// serveMetrics はscheduler/workerプロセス用のメトリクスエンドポイントを公開する。
// コンテキストのキャンセルでシャットダウンする。
func serveMetrics(ctx context.Context, port string, gatherer prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(gatherer))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: ":" + port, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server starting", slog.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("metrics server error", slog.String("error", err.Error()))
	}
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
