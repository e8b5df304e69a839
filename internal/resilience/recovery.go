package resilience

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// RecoveryStrategy はエラー分類ごとのリカバリ戦略を表す。
type RecoveryStrategy struct {
	// InitialWait はリトライ開始前の待機時間。
	InitialWait time.Duration
	// Retry はその後のリトライ設定。MaxAttempts=0はリトライなしを意味する。
	Retry RetryConfig
}

// StrategyFor はエラー分類に対応するリカバリ戦略を返す。
//   - rate_limit: 60秒待機（Retry-Afterがあれば優先）後に1回リトライ。
//   - server_error: 30秒待機後、base=5秒/max=120秒で5回。
//   - timeout: base=2秒で3回。
//   - database: 2秒待機後、base=1秒で3回。
//   - auth_error: リトライなし。
func StrategyFor(kind ErrorKind) RecoveryStrategy {
	switch kind {
	case KindRateLimit:
		return RecoveryStrategy{
			InitialWait: 60 * time.Second,
			Retry: RetryConfig{
				BaseDelay:        1 * time.Second,
				MaxDelay:         60 * time.Second,
				MaxAttempts:      1,
				RecoverableKinds: []ErrorKind{KindRateLimit},
			},
		}
	case KindServerError:
		return RecoveryStrategy{
			InitialWait: 30 * time.Second,
			Retry: RetryConfig{
				BaseDelay:        5 * time.Second,
				MaxDelay:         120 * time.Second,
				MaxAttempts:      5,
				RecoverableKinds: []ErrorKind{KindServerError},
			},
		}
	case KindTimeout:
		return RecoveryStrategy{
			Retry: RetryConfig{
				BaseDelay:        2 * time.Second,
				MaxDelay:         60 * time.Second,
				MaxAttempts:      3,
				RecoverableKinds: []ErrorKind{KindTimeout},
			},
		}
	case KindDatabase:
		return RecoveryStrategy{
			InitialWait: 2 * time.Second,
			Retry: RetryConfig{
				BaseDelay:        1 * time.Second,
				MaxDelay:         60 * time.Second,
				MaxAttempts:      3,
				RecoverableKinds: []ErrorKind{KindDatabase},
			},
		}
	case KindAuthError:
		// 認証エラーはリトライせず呼び出し元へ伝播する。
		return RecoveryStrategy{Retry: RetryConfig{MaxAttempts: 1}}
	default:
		return RecoveryStrategy{Retry: DefaultRetryConfig()}
	}
}

// RetryAfterWait はHTTPレスポンスヘッダのRetry-Afterを解釈して待機時間を返す。
// パース不能または未設定の場合はfallbackを返す。
func RetryAfterWait(header http.Header, fallback time.Duration) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return fallback
}

// Recover は失敗原因の分類に基づくリカバリ戦略を適用してfnを再試行する。
// causeは直前に失敗した呼び出しのエラーで、レート制限エラーに
// Retry-Afterヒントが付いている場合は戦略のInitialWaitより優先する。
// auth_errorはリトライせずcauseをそのまま返す。
func Recover(ctx context.Context, cause error, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	kind := Classify(cause)
	if kind == KindAuthError {
		return cause
	}

	strategy := StrategyFor(kind)

	wait := strategy.InitialWait
	if kind == KindRateLimit {
		if hint := RetryAfterHint(cause); hint > 0 {
			wait = hint
		}
	}

	if wait > 0 {
		logger.Info("リカバリ戦略による待機を開始します",
			slog.String("operation", op),
			slog.String("error_kind", string(kind)),
			slog.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	return Retry(ctx, strategy.Retry, logger, op, fn)
}
