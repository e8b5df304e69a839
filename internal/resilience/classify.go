// Package resilience はサーキットブレーカー、リトライ、エラー分類の
// 共有フォールトトレランスプリミティブを提供する。
// フィードフェッチとLLM呼び出しの両方がこのパッケージでラップされる。
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// ErrorKind は障害の分類を表す。ブレーカー統計とリカバリ戦略の両方で使用される。
type ErrorKind string

const (
	KindRateLimit   ErrorKind = "rate_limit"
	KindServerError ErrorKind = "server_error"
	KindTimeout     ErrorKind = "timeout"
	KindParseError  ErrorKind = "parse_error"
	KindAuthError   ErrorKind = "auth_error"
	KindNetwork     ErrorKind = "network"
	KindDatabase    ErrorKind = "database"
	KindUnknown     ErrorKind = "unknown"
)

// ClassifiedError は分類済みのエラーを表す。
// Kindを明示して生成された場合、Classifyはそれを優先する。
// RetryAfterはレート制限エラーに付くサーバー指示の待機時間（0は指示なし）。
type ClassifiedError struct {
	Kind       ErrorKind
	Err        error
	RetryAfter time.Duration
}

// Error はerrorインターフェースを実装する。
func (e *ClassifiedError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

// Unwrap はラップされた元エラーを返す。
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewClassifiedError は分類を明示したエラーを生成する。
func NewClassifiedError(kind ErrorKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// NewRateLimitError はRetry-Afterヒント付きのレート制限エラーを生成する。
func NewRateLimitError(err error, retryAfter time.Duration) *ClassifiedError {
	return &ClassifiedError{Kind: KindRateLimit, Err: err, RetryAfter: retryAfter}
}

// RetryAfterHint はエラーに付与されたサーバー指示の待機時間を返す。
// 指示がない場合は0を返す。
func RetryAfterHint(err error) time.Duration {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// Classify はエラーを分類する。
// ClassifiedErrorはそのKindを返し、それ以外は部分文字列と型の検査で判定する。
// 判定できない場合はKindUnknownを返す。
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return KindRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "authentication"):
		return KindAuthError
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504") || strings.Contains(msg, "internal server error") || strings.Contains(msg, "bad gateway") || strings.Contains(msg, "service unavailable"):
		return KindServerError
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal") || strings.Contains(msg, "invalid json") || strings.Contains(msg, "unexpected end"):
		return KindParseError
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe"):
		return KindNetwork
	case strings.Contains(msg, "sql") || strings.Contains(msg, "pq:") || strings.Contains(msg, "database") || strings.Contains(msg, "deadlock") || strings.Contains(msg, "bad connection"):
		return KindDatabase
	default:
		return KindUnknown
	}
}
