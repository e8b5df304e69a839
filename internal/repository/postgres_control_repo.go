package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresControlRepo はPostgreSQLを使用した運用制御フラグリポジトリ。
// system_controlsはid=1のシングルトン行で、serveとワーカーの
// 全プロセスが同じ行を読み書きする。
type PostgresControlRepo struct {
	db *sql.DB
}

// NewPostgresControlRepo はPostgresControlRepoを生成する。
func NewPostgresControlRepo(db *sql.DB) *PostgresControlRepo {
	return &PostgresControlRepo{db: db}
}

// EmergencyStopActive は緊急停止フラグの現在値を返す。
// シングルトン行が未作成の場合はfalseを返す。
func (r *PostgresControlRepo) EmergencyStopActive(ctx context.Context) (bool, error) {
	var active bool
	err := r.db.QueryRowContext(ctx,
		`SELECT emergency_stop FROM system_controls WHERE id = 1`,
	).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("緊急停止フラグの取得に失敗しました: %w", err)
	}
	return active, nil
}

// SetEmergencyStop は緊急停止フラグを冪等にUPSERTする。
func (r *PostgresControlRepo) SetEmergencyStop(ctx context.Context, active bool) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO system_controls (id, emergency_stop, updated_at)
		 VALUES (1, $1, now())
		 ON CONFLICT (id) DO UPDATE SET
		    emergency_stop = EXCLUDED.emergency_stop,
		    updated_at = now()`,
		active,
	)
	if err != nil {
		return fmt.Errorf("緊急停止フラグの更新に失敗しました: %w", err)
	}
	return nil
}
