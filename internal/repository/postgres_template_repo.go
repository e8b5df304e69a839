package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/newsmcp/internal/model"
)

// PostgresTemplateRepo はPostgreSQLを使用したテンプレートリポジトリ。
// 変更系の操作は対応する変更ログを同一トランザクションで追記する。
type PostgresTemplateRepo struct {
	db *sql.DB
}

// NewPostgresTemplateRepo はPostgresTemplateRepoを生成する。
func NewPostgresTemplateRepo(db *sql.DB) *PostgresTemplateRepo {
	return &PostgresTemplateRepo{db: db}
}

const templateColumns = `id, name, description, field_mappings, content_rules, quality_filters, is_active, created_at, updated_at`

func scanTemplate(row interface{ Scan(...interface{}) error }) (*model.DynamicFeedTemplate, error) {
	t := &model.DynamicFeedTemplate{}
	var mappings, rules, filters []byte

	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &mappings, &rules, &filters,
		&t.IsActive, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(mappings, &t.FieldMappings); err != nil {
		return nil, fmt.Errorf("field_mappingsのデシリアライズに失敗しました: %w", err)
	}
	if err := json.Unmarshal(rules, &t.ContentRules); err != nil {
		return nil, fmt.Errorf("content_rulesのデシリアライズに失敗しました: %w", err)
	}
	if err := json.Unmarshal(filters, &t.QualityFilters); err != nil {
		return nil, fmt.Errorf("quality_filtersのデシリアライズに失敗しました: %w", err)
	}
	return t, nil
}

func templateJSON(t *model.DynamicFeedTemplate) (mappings, rules, filters []byte, err error) {
	if t.FieldMappings == nil {
		t.FieldMappings = map[string]string{}
	}
	if t.ContentRules == nil {
		t.ContentRules = []model.ContentRule{}
	}
	if mappings, err = json.Marshal(t.FieldMappings); err != nil {
		return nil, nil, nil, fmt.Errorf("field_mappingsのシリアライズに失敗しました: %w", err)
	}
	if rules, err = json.Marshal(t.ContentRules); err != nil {
		return nil, nil, nil, fmt.Errorf("content_rulesのシリアライズに失敗しました: %w", err)
	}
	if filters, err = json.Marshal(t.QualityFilters); err != nil {
		return nil, nil, nil, fmt.Errorf("quality_filtersのシリアライズに失敗しました: %w", err)
	}
	return mappings, rules, filters, nil
}

// FindByID は指定IDのテンプレートを取得する。見つからない場合はnilを返す。
func (r *PostgresTemplateRepo) FindByID(ctx context.Context, id string) (*model.DynamicFeedTemplate, error) {
	t, err := scanTemplate(r.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM dynamic_feed_templates WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("テンプレートの取得に失敗しました: %w", err)
	}
	return t, nil
}

// Create はテンプレートを作成し、template_created変更ログを追記する。
func (r *PostgresTemplateRepo) Create(ctx context.Context, template *model.DynamicFeedTemplate) error {
	if template.ID == "" {
		template.ID = uuid.NewString()
	}
	now := time.Now()
	template.CreatedAt = now
	template.UpdatedAt = now

	mappings, rules, filters, err := templateJSON(template)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dynamic_feed_templates (id, name, description, field_mappings, content_rules, quality_filters, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		template.ID, template.Name, template.Description, mappings, rules, filters,
		template.IsActive, template.CreatedAt, template.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("テンプレートの作成に失敗しました: %w", err)
	}

	if err := appendChangeTx(ctx, tx, model.ChangeTemplateCreated, nil, &template.ID, nil, template); err != nil {
		return err
	}
	return tx.Commit()
}

// Update はテンプレートを更新し、template_updated変更ログを追記する。
func (r *PostgresTemplateRepo) Update(ctx context.Context, template *model.DynamicFeedTemplate) error {
	old, err := r.FindByID(ctx, template.ID)
	if err != nil {
		return err
	}
	if old == nil {
		return model.NewTemplateNotFoundError(template.ID)
	}

	template.UpdatedAt = time.Now()
	mappings, rules, filters, err := templateJSON(template)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE dynamic_feed_templates
		 SET name = $2, description = $3, field_mappings = $4, content_rules = $5,
		     quality_filters = $6, is_active = $7, updated_at = $8
		 WHERE id = $1`,
		template.ID, template.Name, template.Description, mappings, rules, filters,
		template.IsActive, template.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("テンプレートの更新に失敗しました: %w", err)
	}

	if err := appendChangeTx(ctx, tx, model.ChangeTemplateUpdated, nil, &template.ID, old, template); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete はテンプレートを削除し、template_deleted変更ログを追記する。
func (r *PostgresTemplateRepo) Delete(ctx context.Context, id string) error {
	old, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if old == nil {
		return model.NewTemplateNotFoundError(id)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dynamic_feed_templates WHERE id = $1`, id); err != nil {
		return fmt.Errorf("テンプレートの削除に失敗しました: %w", err)
	}

	if err := appendChangeTx(ctx, tx, model.ChangeTemplateDeleted, nil, &id, old, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Assign はフィードへのテンプレート割り当てを作成し、feed_template_assigned変更ログを追記する。
func (r *PostgresTemplateRepo) Assign(ctx context.Context, assignment *model.FeedTemplateAssignment) error {
	if assignment.ID == "" {
		assignment.ID = uuid.NewString()
	}
	assignment.CreatedAt = time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO feed_template_assignments (id, feed_id, template_id, priority, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		assignment.ID, assignment.FeedID, assignment.TemplateID,
		assignment.Priority, assignment.IsActive, assignment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("テンプレート割り当ての作成に失敗しました: %w", err)
	}

	if err := appendChangeTx(ctx, tx, model.ChangeFeedTemplateAssigned, &assignment.FeedID, &assignment.TemplateID, nil, assignment); err != nil {
		return err
	}
	return tx.Commit()
}

// Unassign は割り当てを削除し、feed_template_unassigned変更ログを追記する。
func (r *PostgresTemplateRepo) Unassign(ctx context.Context, assignmentID string) error {
	old := &model.FeedTemplateAssignment{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, feed_id, template_id, priority, is_active, created_at
		 FROM feed_template_assignments WHERE id = $1`,
		assignmentID,
	).Scan(&old.ID, &old.FeedID, &old.TemplateID, &old.Priority, &old.IsActive, &old.CreatedAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("テンプレート割り当ての取得に失敗しました: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM feed_template_assignments WHERE id = $1`, assignmentID); err != nil {
		return fmt.Errorf("テンプレート割り当ての削除に失敗しました: %w", err)
	}

	if err := appendChangeTx(ctx, tx, model.ChangeFeedTemplateUnassigned, &old.FeedID, &old.TemplateID, old, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// FindActiveForFeed はフィードに適用すべきテンプレートを返す。
// 有効な割り当てのうちpriority最大のものを選択する。割り当てがない場合はnilを返す。
func (r *PostgresTemplateRepo) FindActiveForFeed(ctx context.Context, feedID string) (*model.DynamicFeedTemplate, error) {
	t, err := scanTemplate(r.db.QueryRowContext(ctx,
		`SELECT t.id, t.name, t.description, t.field_mappings, t.content_rules, t.quality_filters, t.is_active, t.created_at, t.updated_at
		 FROM dynamic_feed_templates t
		 JOIN feed_template_assignments a ON a.template_id = t.id
		 WHERE a.feed_id = $1 AND a.is_active AND t.is_active
		 ORDER BY a.priority DESC, a.created_at
		 LIMIT 1`,
		feedID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("適用テンプレートの取得に失敗しました: %w", err)
	}
	return t, nil
}

// FeedsAssignedToTemplate はテンプレートが割り当てられているフィードIDを返す。
func (r *PostgresTemplateRepo) FeedsAssignedToTemplate(ctx context.Context, templateID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT feed_id FROM feed_template_assignments WHERE template_id = $1`,
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("割り当てフィードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("フィードIDのスキャンに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ConfigHash は全テンプレート＋割り当て設定のコンテンツハッシュを返す。
// ドリフト検知（変更ログを経由しない生SQL編集の検出）に使用する。
func (r *PostgresTemplateRepo) ConfigHash(ctx context.Context) (string, error) {
	h := sha256.New()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, field_mappings::text, content_rules::text, quality_filters::text, is_active
		 FROM dynamic_feed_templates ORDER BY id`,
	)
	if err != nil {
		return "", fmt.Errorf("テンプレート設定の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name, mappings, rules, filters string
		var active bool
		if err := rows.Scan(&id, &name, &mappings, &rules, &filters, &active); err != nil {
			return "", fmt.Errorf("テンプレート設定行のスキャンに失敗しました: %w", err)
		}
		fmt.Fprintf(h, "%s|%s|%s|%s|%s|%t\n", id, name, mappings, rules, filters, active)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("テンプレート設定行の走査に失敗しました: %w", err)
	}

	arows, err := r.db.QueryContext(ctx,
		`SELECT id, feed_id, template_id, priority, is_active
		 FROM feed_template_assignments ORDER BY id`,
	)
	if err != nil {
		return "", fmt.Errorf("割り当て設定の取得に失敗しました: %w", err)
	}
	defer arows.Close()

	for arows.Next() {
		var id, feedID, templateID string
		var priority int
		var active bool
		if err := arows.Scan(&id, &feedID, &templateID, &priority, &active); err != nil {
			return "", fmt.Errorf("割り当て設定行のスキャンに失敗しました: %w", err)
		}
		fmt.Fprintf(h, "%s|%s|%s|%d|%t\n", id, feedID, templateID, priority, active)
	}
	if err := arows.Err(); err != nil {
		return "", fmt.Errorf("割り当て設定行の走査に失敗しました: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
