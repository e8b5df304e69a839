package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/newsmcp/internal/model"
)

// PostgresSchedulerStateRepo はPostgreSQLを使用したスケジューラ状態リポジトリ。
type PostgresSchedulerStateRepo struct {
	db *sql.DB
}

// NewPostgresSchedulerStateRepo はPostgresSchedulerStateRepoを生成する。
func NewPostgresSchedulerStateRepo(db *sql.DB) *PostgresSchedulerStateRepo {
	return &PostgresSchedulerStateRepo{db: db}
}

// Find は指定IDのスケジューラ状態を取得する。見つからない場合はnilを返す。
func (r *PostgresSchedulerStateRepo) Find(ctx context.Context, id string) (*model.FeedSchedulerState, error) {
	state := &model.FeedSchedulerState{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, last_config_check, last_heartbeat, last_feed_config_hash,
		        last_template_config_hash, is_active, updated_at
		 FROM feed_scheduler_state WHERE id = $1`,
		id,
	).Scan(
		&state.ID, &state.LastConfigCheck, &state.LastHeartbeat,
		&state.LastFeedConfigHash, &state.LastTemplateConfigHash,
		&state.IsActive, &state.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("スケジューラ状態の取得に失敗しました: %w", err)
	}
	return state, nil
}

// Upsert はスケジューラ状態を冪等にUPSERTする。
func (r *PostgresSchedulerStateRepo) Upsert(ctx context.Context, state *model.FeedSchedulerState) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feed_scheduler_state (id, last_config_check, last_heartbeat, last_feed_config_hash, last_template_config_hash, is_active, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())
		 ON CONFLICT (id) DO UPDATE SET
		    last_config_check = EXCLUDED.last_config_check,
		    last_heartbeat = EXCLUDED.last_heartbeat,
		    last_feed_config_hash = EXCLUDED.last_feed_config_hash,
		    last_template_config_hash = EXCLUDED.last_template_config_hash,
		    is_active = EXCLUDED.is_active,
		    updated_at = now()`,
		state.ID, state.LastConfigCheck, state.LastHeartbeat,
		state.LastFeedConfigHash, state.LastTemplateConfigHash, state.IsActive,
	)
	if err != nil {
		return fmt.Errorf("スケジューラ状態のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// Heartbeat はlast_heartbeatを現在時刻に更新する。
func (r *PostgresSchedulerStateRepo) Heartbeat(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feed_scheduler_state SET last_heartbeat = now(), updated_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("ハートビートの更新に失敗しました: %w", err)
	}
	return nil
}

// SetLastConfigCheck はlast_config_checkを更新する。
func (r *PostgresSchedulerStateRepo) SetLastConfigCheck(ctx context.Context, id string, t time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feed_scheduler_state SET last_config_check = $2, updated_at = now() WHERE id = $1`,
		id, t,
	)
	if err != nil {
		return fmt.Errorf("設定チェック時刻の更新に失敗しました: %w", err)
	}
	return nil
}

// SetConfigHashes はドリフト検知用の設定ハッシュを更新する。
func (r *PostgresSchedulerStateRepo) SetConfigHashes(ctx context.Context, id, feedHash, templateHash string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feed_scheduler_state
		 SET last_feed_config_hash = $2, last_template_config_hash = $3, updated_at = now()
		 WHERE id = $1`,
		id, feedHash, templateHash,
	)
	if err != nil {
		return fmt.Errorf("設定ハッシュの更新に失敗しました: %w", err)
	}
	return nil
}
