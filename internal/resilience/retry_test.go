package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), testLogger(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_RetriesUntilSuccess(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 3}
	calls := 0
	err := Retry(context.Background(), config, testLogger(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("500 internal server error")
		}
		return nil
	})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 3}
	boom := errors.New("503 service unavailable")
	calls := 0
	err := Retry(context.Background(), config, testLogger(), "op", func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("最終エラーを返すべき, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_UnrecoverableKindStopsImmediately(t *testing.T) {
	config := RetryConfig{
		BaseDelay:        time.Millisecond,
		MaxDelay:         10 * time.Millisecond,
		MaxAttempts:      5,
		RecoverableKinds: []ErrorKind{KindRateLimit, KindServerError, KindTimeout, KindNetwork},
	}
	calls := 0
	err := Retry(context.Background(), config, testLogger(), "op", func(ctx context.Context) error {
		calls++
		return NewClassifiedError(KindAuthError, errors.New("invalid api key"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("auth_errorはリトライせず即座に返すべき, calls = %d", calls)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 3}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, config, testLogger(), "op", func(ctx context.Context) error {
		return errors.New("502 bad gateway")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("キャンセルでcontext.Canceledを返すべき, got %v", err)
	}
}

func TestRetryConfig_DelayGrowsExponentially(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 60 * time.Second, MaxAttempts: 10}

	// ジッターは[0.5, 1.5)の乗法のため範囲で検証する
	for attempt, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		d := config.Delay(attempt)
		min := time.Duration(float64(base) * 0.5)
		max := time.Duration(float64(base) * 1.5)
		if d < min || d >= max {
			t.Errorf("Delay(%d) = %v, want [%v, %v)", attempt, d, min, max)
		}
	}
}

func TestRetryConfig_DelayCappedAtMax(t *testing.T) {
	config := RetryConfig{BaseDelay: time.Second, MaxDelay: 8 * time.Second, MaxAttempts: 10}
	d := config.Delay(20)
	if d >= time.Duration(float64(8*time.Second)*1.5) {
		t.Errorf("遅延は上限でキャップされるべき, got %v", d)
	}
}

func TestStrategyFor_AuthErrorNoRetry(t *testing.T) {
	s := StrategyFor(KindAuthError)
	if s.Retry.MaxAttempts != 1 {
		t.Errorf("auth_errorのMaxAttempts = %d, want 1", s.Retry.MaxAttempts)
	}
	if s.InitialWait != 0 {
		t.Errorf("auth_errorは待機なしであるべき, got %v", s.InitialWait)
	}
}

func TestStrategyFor_ServerError(t *testing.T) {
	s := StrategyFor(KindServerError)
	if s.InitialWait != 30*time.Second {
		t.Errorf("InitialWait = %v, want 30s", s.InitialWait)
	}
	if s.Retry.BaseDelay != 5*time.Second || s.Retry.MaxDelay != 120*time.Second || s.Retry.MaxAttempts != 5 {
		t.Errorf("server_errorのリトライ設定が仕様と異なります: %+v", s.Retry)
	}
}

func TestRetryAfterWait_Seconds(t *testing.T) {
	h := map[string][]string{"Retry-After": {"42"}}
	d := RetryAfterWait(h, time.Minute)
	if d != 42*time.Second {
		t.Errorf("d = %v, want 42s", d)
	}
}

func TestRetryAfterWait_Fallback(t *testing.T) {
	h := map[string][]string{"Retry-After": {"not-a-number-or-date"}}
	d := RetryAfterWait(h, time.Minute)
	if d != time.Minute {
		t.Errorf("パース不能な場合はフォールバックを返すべき, got %v", d)
	}
	if d := RetryAfterWait(map[string][]string{}, 30*time.Second); d != 30*time.Second {
		t.Errorf("未設定の場合はフォールバックを返すべき, got %v", d)
	}
}
