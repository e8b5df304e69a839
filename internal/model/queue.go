package model

import "time"

// RunPriority は待機ランの優先度を表す。数値が小さいほど優先される。
type RunPriority int

const (
	// PriorityHigh は手動ラン。
	PriorityHigh RunPriority = 1
	// PriorityMedium はスケジュールラン。
	PriorityMedium RunPriority = 2
	// PriorityLow は自動ラン。
	PriorityLow RunPriority = 3
)

// String はDBに格納する優先度名を返す。
func (p RunPriority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// PriorityFor は起動契機から優先度を導出する。
// manual=HIGH、scheduled=MEDIUM、auto=LOW。
func PriorityFor(trigger TriggeredBy) RunPriority {
	switch trigger {
	case TriggeredByManual:
		return PriorityHigh
	case TriggeredByScheduled:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// QueuedRunStatus は待機ランの状態を表す。
type QueuedRunStatus string

const (
	QueuedRunQueued    QueuedRunStatus = "QUEUED"
	QueuedRunRunning   QueuedRunStatus = "RUNNING"
	QueuedRunCompleted QueuedRunStatus = "COMPLETED"
	QueuedRunFailed    QueuedRunStatus = "FAILED"
	QueuedRunCancelled QueuedRunStatus = "CANCELLED"
)

// QueuedRun は承認待ちの分析ランを表す。
// 不変条件: 同一scope_hashで{QUEUED, RUNNING}の行は高々1つ。
type QueuedRun struct {
	ID            string
	Priority      RunPriority
	Status        QueuedRunStatus
	ScopeHash     string
	Scope         RunScope
	Params        RunParams
	TriggeredBy   TriggeredBy
	QueuePosition int
	AnalysisRunID *string
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     *time.Time
}

// QueueStatus は待機キューの状態別・優先度別の件数集計を表す。
type QueueStatus struct {
	ByStatus   map[QueuedRunStatus]int
	ByPriority map[string]int
}

// PendingAutoAnalysisStatus は自動分析要求の状態を表す。
type PendingAutoAnalysisStatus string

const (
	PendingAutoPending    PendingAutoAnalysisStatus = "pending"
	PendingAutoProcessing PendingAutoAnalysisStatus = "processing"
	PendingAutoDone       PendingAutoAnalysisStatus = "done"
	PendingAutoError      PendingAutoAnalysisStatus = "error"
)

// PendingAutoAnalysis はフェッチャーが書き込みワーカーが消費する
// 新着記事の自動分析要求（FIFO）を表す。
type PendingAutoAnalysis struct {
	ID          string
	FeedID      string
	ItemIDs     []string
	Status      PendingAutoAnalysisStatus
	CreatedAt   time.Time
	ProcessedAt *time.Time
}
