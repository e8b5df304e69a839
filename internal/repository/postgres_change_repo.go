package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/newsmcp/internal/model"
)

// PostgresChangeRepo はPostgreSQLを使用した設定変更ログリポジトリ。
// 通常の追記はフィード/テンプレートリポジトリの変更系操作が
// 同一トランザクションで行い、このリポジトリは読み出しを担う。
type PostgresChangeRepo struct {
	db *sql.DB
}

// NewPostgresChangeRepo はPostgresChangeRepoを生成する。
func NewPostgresChangeRepo(db *sql.DB) *PostgresChangeRepo {
	return &PostgresChangeRepo{db: db}
}

// Append は変更ログを単独で追記する。主にテストとシステム操作用。
func (r *PostgresChangeRepo) Append(ctx context.Context, change *model.FeedConfigurationChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	change.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feed_configuration_changes (id, change_type, feed_id, template_id, old_config, new_config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		change.ID, change.ChangeType, strOrNil(change.FeedID), strOrNil(change.TemplateID),
		nullableJSON(change.OldConfig), nullableJSON(change.NewConfig), change.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("設定変更ログの追記に失敗しました: %w", err)
	}
	return nil
}

// UnappliedSince はapplied_at IS NULLの変更をcreated_at昇順で返す。
func (r *PostgresChangeRepo) UnappliedSince(ctx context.Context, since time.Time, limit int) ([]*model.FeedConfigurationChange, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, change_type, feed_id, template_id, old_config, new_config, created_at, applied_at
		 FROM feed_configuration_changes
		 WHERE applied_at IS NULL AND created_at >= $1
		 ORDER BY created_at
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("未適用変更の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var changes []*model.FeedConfigurationChange
	for rows.Next() {
		c := &model.FeedConfigurationChange{}
		var feedID, templateID sql.NullString
		var oldConfig, newConfig []byte
		var appliedAt sql.NullTime

		err := rows.Scan(&c.ID, &c.ChangeType, &feedID, &templateID, &oldConfig, &newConfig, &c.CreatedAt, &appliedAt)
		if err != nil {
			return nil, fmt.Errorf("設定変更行のスキャンに失敗しました: %w", err)
		}

		if feedID.Valid {
			c.FeedID = &feedID.String
		}
		if templateID.Valid {
			c.TemplateID = &templateID.String
		}
		c.OldConfig = oldConfig
		c.NewConfig = newConfig
		c.AppliedAt = nullTimePtr(appliedAt)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// MarkApplied は指定IDの変更にapplied_atを打刻する。冪等。
func (r *PostgresChangeRepo) MarkApplied(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE feed_configuration_changes
		 SET applied_at = now()
		 WHERE id = ANY($1) AND applied_at IS NULL`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("適用済みマークに失敗しました: %w", err)
	}
	return nil
}
