package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState はサーキットブレーカーの状態を表す。
type BreakerState int

const (
	// BreakerClosed は通常運転。呼び出しを許可する。
	BreakerClosed BreakerState = iota
	// BreakerOpen は即時拒否。timeout経過後にHalfOpenへ遷移する。
	BreakerOpen
	// BreakerHalfOpen はプローブ中。限定的に呼び出しを許可する。
	BreakerHalfOpen
)

// String は状態名を返す。
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen はブレーカーOPENによる即時拒否を表す。
type ErrBreakerOpen struct {
	Name string
}

// Error はerrorインターフェースを実装する。
func (e *ErrBreakerOpen) Error() string {
	return fmt.Sprintf("サーキットブレーカー %q がOPENのため呼び出しを拒否しました", e.Name)
}

// BreakerConfig はブレーカーごとの設定を保持する。
type BreakerConfig struct {
	// FailureThreshold はCLOSED→OPEN遷移までの連続失敗数（デフォルト5）。
	FailureThreshold int
	// SuccessThreshold はHALF_OPEN→CLOSED遷移までの連続成功数（デフォルト2）。
	SuccessThreshold int
	// Timeout はOPEN→HALF_OPEN遷移までの待機時間。
	Timeout time.Duration
}

// DefaultBreakerConfig はデフォルトのブレーカー設定を返す。
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// DatabaseBreakerConfig はデータベース呼び出し用のブレーカー設定を返す。
// OPENからの再試行はLLM呼び出しより短い30秒で行う。
func DatabaseBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// FeedFetchBreakerConfig はフィードフェッチ用のブレーカー設定を返す。
// 外部フィードの障害は長引くことがあるため、OPENからの再試行は120秒待つ。
func FeedFetchBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          120 * time.Second,
	}
}

// Breaker は名前付きサーキットブレーカー。
// CLOSED→OPEN: 連続失敗がFailureThresholdに達したとき。
// OPEN→HALF_OPEN: 最終失敗からTimeout経過したとき。
// HALF_OPEN→CLOSED: 連続成功がSuccessThresholdに達したとき。
// HALF_OPEN中の失敗は即座にOPENへ戻す。
type Breaker struct {
	name   string
	config BreakerConfig
	logger *slog.Logger

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	consecutiveSuccess  int
	lastFailure         time.Time
	failuresByKind      map[ErrorKind]int
}

// NewBreaker は名前付きブレーカーを生成する。
func NewBreaker(name string, config BreakerConfig, logger *slog.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &Breaker{
		name:           name,
		config:         config,
		logger:         logger,
		state:          BreakerClosed,
		failuresByKind: make(map[ErrorKind]int),
	}
}

// Name はブレーカー名を返す。
func (b *Breaker) Name() string {
	return b.name
}

// Allow は呼び出しを許可するかを判定する。
// OPENでtimeout経過済みの場合はHALF_OPENへ遷移して許可する。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return nil
	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.config.Timeout {
			b.state = BreakerHalfOpen
			b.consecutiveSuccess = 0
			b.logger.Info("サーキットブレーカーがHALF_OPENへ遷移しました",
				slog.String("breaker", b.name),
			)
			return nil
		}
		return &ErrBreakerOpen{Name: b.name}
	}
	return nil
}

// RecordSuccess は成功を記録する。
// HALF_OPENでSuccessThreshold連続成功するとCLOSEDへ遷移する。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0

	if b.state == BreakerHalfOpen {
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.config.SuccessThreshold {
			b.state = BreakerClosed
			b.logger.Info("サーキットブレーカーがCLOSEDへ復帰しました",
				slog.String("breaker", b.name),
			)
		}
	}
}

// RecordFailure は失敗を記録する。
// 連続失敗が閾値に達するか、HALF_OPEN中の失敗でOPENへ遷移する。
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kind := Classify(err)
	b.failuresByKind[kind]++
	b.consecutiveFailures++
	b.consecutiveSuccess = 0
	b.lastFailure = time.Now()

	if b.state == BreakerHalfOpen || b.consecutiveFailures >= b.config.FailureThreshold {
		if b.state != BreakerOpen {
			b.logger.Warn("サーキットブレーカーがOPENへ遷移しました",
				slog.String("breaker", b.name),
				slog.Int("consecutive_failures", b.consecutiveFailures),
				slog.String("error_kind", string(kind)),
				slog.String("error", err.Error()),
			)
		}
		b.state = BreakerOpen
	}
}

// State は現在の状態を返す。
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute はブレーカーの管理下でfnを実行する。
// OPENの場合はErrBreakerOpenを返し、fnは呼び出されない。
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// BreakerRegistry は名前付きブレーカーの生成と参照を一元管理する。
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	logger   *slog.Logger
}

// NewBreakerRegistry はレジストリを生成する。
func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// Get は名前のブレーカーを返す。存在しない場合はconfigで生成する。
func (r *BreakerRegistry) Get(name string, config BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, config, r.logger)
	r.breakers[name] = b
	return b
}

// States は全ブレーカーの現在状態を返す。メトリクス公開に使用する。
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
