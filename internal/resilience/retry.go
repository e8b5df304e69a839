package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryConfig は指数バックオフリトライの設定を保持する。
type RetryConfig struct {
	// BaseDelay は初回リトライの遅延（デフォルト1秒）。
	BaseDelay time.Duration
	// MaxDelay は遅延の上限（デフォルト60秒）。
	MaxDelay time.Duration
	// MaxAttempts は試行回数の上限（デフォルト3）。
	MaxAttempts int
	// RecoverableKinds はリトライ対象のエラー分類。
	// 空の場合は全分類をリトライ対象とする。
	RecoverableKinds []ErrorKind
}

// DefaultRetryConfig はデフォルトのリトライ設定を返す。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   1 * time.Second,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 3,
	}
}

// Delay はattempt回目（0始まり）のリトライ遅延を計算する。
// delay = min(base * 2^attempt, max) に[0.5, 1.5)の乗法ジッターを掛ける。
func (c RetryConfig) Delay(attempt int) time.Duration {
	delay := c.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	jitter := 0.5 + rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

// recoverable はエラー分類がリトライ対象かを判定する。
func (c RetryConfig) recoverable(kind ErrorKind) bool {
	if len(c.RecoverableKinds) == 0 {
		return true
	}
	for _, k := range c.RecoverableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Retry は指数バックオフでfnを再試行する。
// fnは試行のたびに新しく呼び出されるクロージャでなければならない。
// リトライ対象外の分類は即座に返す。コンテキストキャンセルで中断する。
func Retry(ctx context.Context, config RetryConfig, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 60 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := config.Delay(attempt - 1)
			logger.Warn("リトライ待機中",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		kind := Classify(lastErr)
		if !config.recoverable(kind) {
			logger.Error("リトライ対象外のエラーのため中断します",
				slog.String("operation", op),
				slog.String("error_kind", string(kind)),
				slog.String("error", lastErr.Error()),
			)
			return lastErr
		}
	}

	return lastErr
}
