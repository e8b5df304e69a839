// Package config は環境変数ベースのアプリケーション設定を提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort  string
	MetricsPort string // scheduler/workerモードのメトリクス公開ポート

	// LLM
	LLMBaseURL string
	LLMAPIKey  string
	LLMTimeout time.Duration

	// Scheduler
	SchedulerInstanceID   string        // feed_scheduler_stateの行を特定するID
	SchedulerTickInterval time.Duration // メインループのティック間隔
	ConfigCheckInterval   time.Duration // 設定変更のポーリング間隔
	DispatchBatch         int           // 1ティックあたりの並列フェッチ数
	MaxBackoff            time.Duration // 失敗フィードのバックオフ上限
	FetchTimeout          time.Duration // フィードHTTPタイムアウト
	FetchMaxSize          int64         // フィードレスポンスの最大バイト数

	// Worker
	ChunkSize           int           // 1サイクル・1ランあたりのクレーム件数
	SleepInterval       time.Duration // アイドル時のスリープ
	HeartbeatInterval   time.Duration // メンテナンス周期
	StaleProcessingSec  int           // processing再回収の閾値（秒）
	MinRequestInterval  time.Duration // レートリミッタの下限間隔
	MaxRunsPerCycle     int           // 1サイクルで処理するラン数の上限
	ResetStaleOnStart   bool          // 起動時にstale processingを回収する
	AutoAnalyzeModelTag string        // 自動分析のデフォルトモデル

	// Admission
	MaxConcurrentRuns int
	MaxDailyRuns      int
	MaxDailyAutoRuns  int
	MaxHourlyRuns     int
	MaxCostPerRun     float64 // USD。ソフト上限（警告のみ）
	AutoMaxPerRun     int     // 自動分析1要求あたりの記事数上限
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.LLMAPIKey = os.Getenv("LLM_API_KEY")
	if cfg.LLMAPIKey == "" {
		missing = append(missing, "LLM_API_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9091")
	cfg.LLMBaseURL = getEnvString("LLM_BASE_URL", "https://api.openai.com/v1")
	cfg.LLMTimeout = getEnvDuration("LLM_TIMEOUT", 60*time.Second)

	cfg.SchedulerInstanceID = getEnvString("SCHEDULER_INSTANCE_ID", "scheduler-1")
	cfg.SchedulerTickInterval = getEnvDuration("SCHEDULER_TICK_INTERVAL", 5*time.Second)
	cfg.ConfigCheckInterval = getEnvDuration("CONFIG_CHECK_INTERVAL", 30*time.Second)
	cfg.DispatchBatch = getEnvInt("DISPATCH_BATCH", 5)
	cfg.MaxBackoff = getEnvDuration("MAX_BACKOFF", 240*time.Minute)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 10485760)

	cfg.ChunkSize = getEnvInt("CHUNK_SIZE", 10)
	cfg.SleepInterval = getEnvDuration("SLEEP_INTERVAL", 5*time.Second)
	cfg.HeartbeatInterval = getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second)
	cfg.StaleProcessingSec = getEnvInt("STALE_PROCESSING_SEC", 300)
	cfg.MinRequestInterval = getEnvDuration("MIN_REQUEST_INTERVAL", 500*time.Millisecond)
	cfg.MaxRunsPerCycle = getEnvInt("MAX_RUNS_PER_CYCLE", 5)
	cfg.ResetStaleOnStart = getEnvBool("RESET_STALE_ON_START", true)
	cfg.AutoAnalyzeModelTag = getEnvString("AUTO_ANALYZE_MODEL_TAG", "gpt-4.1-nano")

	cfg.MaxConcurrentRuns = getEnvInt("MAX_CONCURRENT_RUNS", 2)
	cfg.MaxDailyRuns = getEnvInt("MAX_DAILY_RUNS", 100)
	cfg.MaxDailyAutoRuns = getEnvInt("MAX_DAILY_AUTO_RUNS", 50)
	cfg.MaxHourlyRuns = getEnvInt("MAX_HOURLY_RUNS", 10)
	cfg.MaxCostPerRun = getEnvFloat("MAX_COST_PER_RUN", 25.0)
	cfg.AutoMaxPerRun = getEnvInt("AUTO_MAX_PER_RUN", 50)

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
