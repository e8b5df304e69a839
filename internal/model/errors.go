package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 管理APIに返す原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, feed, analysis, system
	Action   string // 呼び出し元向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeFeedNotFound         = "FEED_NOT_FOUND"
	ErrCodeInvalidURL           = "INVALID_URL"
	ErrCodeDuplicateFeed        = "DUPLICATE_FEED"
	ErrCodeInvalidFetchInterval = "INVALID_FETCH_INTERVAL"
	ErrCodeCriticalFeedDelete   = "CRITICAL_FEED_DELETE_REFUSED"
	ErrCodeInvalidScope         = "INVALID_SCOPE"
	ErrCodeRunNotFound          = "RUN_NOT_FOUND"
	ErrCodeDuplicateRun         = "DUPLICATE_RUN"
	ErrCodeRunRejected          = "RUN_REJECTED"
	ErrCodeEmergencyStop        = "EMERGENCY_STOP_ACTIVE"
	ErrCodeTemplateNotFound     = "TEMPLATE_NOT_FOUND"
)

// NewFeedNotFoundError はフィード未検出エラーを生成する。
func NewFeedNotFoundError(feedID string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotFound,
		Message:  fmt.Sprintf("指定されたフィードが見つかりません: %s", feedID),
		Category: "feed",
		Action:   "フィードIDを確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "http:// または https:// で始まる正しいURLを入力してください。",
	}
}

// NewDuplicateFeedError は既存URLのフィードを再登録しようとした場合のエラーを生成する。
func NewDuplicateFeedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateFeed,
		Message:  fmt.Sprintf("このURLのフィードは既に登録されています: %s", url),
		Category: "feed",
		Action:   "フィード一覧から該当フィードを確認してください。",
	}
}

// NewInvalidFetchIntervalError はフェッチ間隔が無効な場合のエラーを生成する。
func NewInvalidFetchIntervalError(minutes int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFetchInterval,
		Message:  fmt.Sprintf("無効なフェッチ間隔です: %d分", minutes),
		Category: "validation",
		Action:   fmt.Sprintf("フェッチ間隔は%d分から%d分の範囲で指定してください。", MinFetchIntervalMinutes, MaxFetchIntervalMinutes),
	}
}

// NewCriticalFeedDeleteError はクリティカルフィードの削除拒否エラーを生成する。
func NewCriticalFeedDeleteError(feedID string, refCount int) *APIError {
	return &APIError{
		Code:     ErrCodeCriticalFeedDelete,
		Message:  fmt.Sprintf("クリティカルフィードに参照行が%d件存在するため削除できません: %s", refCount, feedID),
		Category: "feed",
		Action:   "archived_atによるアーカイブを使用してください。削除の代わりにstatus=inactiveとして保全されます。",
	}
}

// NewInvalidScopeError は無効な分析スコープエラーを生成する。
func NewInvalidScopeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidScope,
		Message:  fmt.Sprintf("無効な分析スコープです: %s", reason),
		Category: "validation",
		Action:   "scope.typeには items、feeds、timerange、global のいずれかを指定してください。",
	}
}

// NewRunNotFoundError は分析ラン未検出エラーを生成する。
func NewRunNotFoundError(runID string) *APIError {
	return &APIError{
		Code:     ErrCodeRunNotFound,
		Message:  fmt.Sprintf("指定された分析ランが見つかりません: %s", runID),
		Category: "analysis",
		Action:   "ランIDを確認してください。",
	}
}

// NewEmergencyStopError は緊急停止中の起動拒否エラーを生成する。
func NewEmergencyStopError() *APIError {
	return &APIError{
		Code:     ErrCodeEmergencyStop,
		Message:  "緊急停止が有効なため、新しい分析ランを開始できません。",
		Category: "analysis",
		Action:   "resume操作で緊急停止を解除してから再度実行してください。",
	}
}

// NewTemplateNotFoundError はテンプレート未検出エラーを生成する。
func NewTemplateNotFoundError(templateID string) *APIError {
	return &APIError{
		Code:     ErrCodeTemplateNotFound,
		Message:  fmt.Sprintf("指定されたテンプレートが見つかりません: %s", templateID),
		Category: "feed",
		Action:   "テンプレートIDを確認してください。",
	}
}
