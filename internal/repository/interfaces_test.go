package repository

// 各Postgres実装がインターフェースを満たすことをコンパイル時に検証する。
var (
	_ FeedRepository                = (*PostgresFeedRepo)(nil)
	_ ItemRepository                = (*PostgresItemRepo)(nil)
	_ FetchLogRepository            = (*PostgresFetchLogRepo)(nil)
	_ FeedHealthRepository          = (*PostgresFeedHealthRepo)(nil)
	_ TemplateRepository            = (*PostgresTemplateRepo)(nil)
	_ ChangeRepository              = (*PostgresChangeRepo)(nil)
	_ SchedulerStateRepository      = (*PostgresSchedulerStateRepo)(nil)
	_ RunRepository                 = (*PostgresRunRepo)(nil)
	_ RunItemRepository             = (*PostgresRunItemRepo)(nil)
	_ QueuedRunRepository           = (*PostgresQueuedRunRepo)(nil)
	_ PendingAutoAnalysisRepository = (*PostgresPendingAutoAnalysisRepo)(nil)
	_ MetricsRepository             = (*PostgresMetricsRepo)(nil)
	_ ControlRepository             = (*PostgresControlRepo)(nil)
)
