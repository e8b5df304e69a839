package model

import "time"

// FeedConfigurationChange はフィード/テンプレート設定変更の追記専用監査レコードを表す。
// 管理APIによる全ての設定変更は同一トランザクションでこのレコードを追記し、
// 設定ウォッチャーがスケジューラの再調整のために消費する。
type FeedConfigurationChange struct {
	ID         string
	ChangeType ConfigChangeType
	FeedID     *string
	TemplateID *string
	OldConfig  []byte // JSON
	NewConfig  []byte // JSON
	CreatedAt  time.Time
	AppliedAt  *time.Time
}

// ConfigChangeType は設定変更の種別を表す。
type ConfigChangeType string

const (
	ChangeFeedCreated            ConfigChangeType = "feed_created"
	ChangeFeedUpdated            ConfigChangeType = "feed_updated"
	ChangeFeedDeleted            ConfigChangeType = "feed_deleted"
	ChangeTemplateCreated        ConfigChangeType = "template_created"
	ChangeTemplateUpdated        ConfigChangeType = "template_updated"
	ChangeTemplateDeleted        ConfigChangeType = "template_deleted"
	ChangeFeedTemplateAssigned   ConfigChangeType = "feed_template_assigned"
	ChangeFeedTemplateUnassigned ConfigChangeType = "feed_template_unassigned"
)

// IsTemplateChange はテンプレート関連の変更種別かを判定する。
// テンプレート変更は影響フィードのnext_fetchを即時化する（即時再取得ポリシー）。
func (t ConfigChangeType) IsTemplateChange() bool {
	switch t {
	case ChangeTemplateCreated, ChangeTemplateUpdated, ChangeTemplateDeleted,
		ChangeFeedTemplateAssigned, ChangeFeedTemplateUnassigned:
		return true
	}
	return false
}

// FeedSchedulerState はスケジューラインスタンスごとのシングルトン状態を表す。
// ハートビートと設定ハッシュによるドリフト検知に使用される。
type FeedSchedulerState struct {
	ID                     string
	LastConfigCheck        time.Time
	LastHeartbeat          time.Time
	LastFeedConfigHash     string
	LastTemplateConfigHash string
	IsActive               bool
	UpdatedAt              time.Time
}
