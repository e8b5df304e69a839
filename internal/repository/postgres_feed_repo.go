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

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
// 設定変更系の操作は変更ログの追記を同一トランザクションで行う。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

const feedColumns = `id, url, title, description, fetch_interval_minutes, status,
	last_fetched, etag, last_modified, auto_analyze_enabled, scrape_full_content,
	configuration_hash, is_critical, archived_at, created_at, updated_at`

func scanFeed(row interface{ Scan(...interface{}) error }) (*model.Feed, error) {
	feed := &model.Feed{}
	var lastFetched, archivedAt sql.NullTime

	err := row.Scan(
		&feed.ID, &feed.URL, &feed.Title, &feed.Description,
		&feed.FetchIntervalMinutes, &feed.Status,
		&lastFetched, &feed.ETag, &feed.LastModified,
		&feed.AutoAnalyzeEnabled, &feed.ScrapeFullContent,
		&feed.ConfigurationHash, &feed.IsCritical, &archivedAt,
		&feed.CreatedAt, &feed.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	feed.LastFetched = nullTimePtr(lastFetched)
	feed.ArchivedAt = nullTimePtr(archivedAt)
	return feed, nil
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// FindByURL はフィードURLでフィードを検索する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByURL(ctx context.Context, url string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE url = $1`, url))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("URLによるフィードの検索に失敗しました: %w", err)
	}
	return feed, nil
}

// Create はフィードを作成し、feed_created変更ログを同一トランザクションで追記する。
func (r *PostgresFeedRepo) Create(ctx context.Context, feed *model.Feed) error {
	if feed.ID == "" {
		feed.ID = uuid.NewString()
	}
	now := time.Now()
	feed.CreatedAt = now
	feed.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO feeds (id, url, title, description, fetch_interval_minutes, status,
		    etag, last_modified, auto_analyze_enabled, scrape_full_content,
		    configuration_hash, is_critical, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		feed.ID, feed.URL, feed.Title, feed.Description,
		feed.FetchIntervalMinutes, feed.Status,
		feed.ETag, feed.LastModified, feed.AutoAnalyzeEnabled, feed.ScrapeFullContent,
		feed.ConfigurationHash, feed.IsCritical, feed.CreatedAt, feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("フィードの作成に失敗しました: %w", err)
	}

	if err := appendChangeTx(ctx, tx, model.ChangeFeedCreated, &feed.ID, nil, nil, feed); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Update はフィード設定を更新し、feed_updated変更ログを同一トランザクションで追記する。
func (r *PostgresFeedRepo) Update(ctx context.Context, feed *model.Feed) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	old, err := scanFeed(tx.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1 FOR UPDATE`, feed.ID))
	if err == sql.ErrNoRows {
		return model.NewFeedNotFoundError(feed.ID)
	}
	if err != nil {
		return fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}

	feed.UpdatedAt = time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE feeds SET url = $2, title = $3, description = $4,
		    fetch_interval_minutes = $5, status = $6,
		    auto_analyze_enabled = $7, scrape_full_content = $8,
		    configuration_hash = $9, is_critical = $10, updated_at = $11
		 WHERE id = $1`,
		feed.ID, feed.URL, feed.Title, feed.Description,
		feed.FetchIntervalMinutes, feed.Status,
		feed.AutoAnalyzeEnabled, feed.ScrapeFullContent,
		feed.ConfigurationHash, feed.IsCritical, feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("フィードの更新に失敗しました: %w", err)
	}

	if err := appendChangeTx(ctx, tx, model.ChangeFeedUpdated, &feed.ID, nil, old, feed); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// DeletePreflight は削除可否の事前確認を行い、参照行数とcan_deleteを返す。
func (r *PostgresFeedRepo) DeletePreflight(ctx context.Context, id string) (*model.FeedDeletePreflight, error) {
	feed, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if feed == nil {
		return nil, model.NewFeedNotFoundError(id)
	}

	pf := &model.FeedDeletePreflight{FeedID: id, IsCritical: feed.IsCritical}

	err = r.db.QueryRowContext(ctx,
		`SELECT
		    (SELECT count(*) FROM items WHERE feed_id = $1),
		    (SELECT count(*) FROM fetch_log WHERE feed_id = $1),
		    (SELECT count(*) FROM analysis_run_items ri JOIN items i ON i.id = ri.item_id WHERE i.feed_id = $1)`,
		id,
	).Scan(&pf.ItemCount, &pf.FetchLogCount, &pf.RunItemCount)
	if err != nil {
		return nil, fmt.Errorf("参照行数の取得に失敗しました: %w", err)
	}

	refs := pf.ItemCount + pf.FetchLogCount + pf.RunItemCount
	pf.CanDelete = !feed.IsCritical || refs == 0
	return pf, nil
}

// Delete はフィードを削除し、feed_deleted変更ログを同一トランザクションで追記する。
// is_criticalかつ参照行が存在する場合はAPIErrorで拒否する。
func (r *PostgresFeedRepo) Delete(ctx context.Context, id string) error {
	pf, err := r.DeletePreflight(ctx, id)
	if err != nil {
		return err
	}
	if !pf.CanDelete {
		return model.NewCriticalFeedDeleteError(id, pf.ItemCount+pf.FetchLogCount+pf.RunItemCount)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	old, err := scanFeed(tx.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return model.NewFeedNotFoundError(id)
	}
	if err != nil {
		return fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}

	// 関連行はCASCADE削除される
	if _, err := tx.ExecContext(ctx, `DELETE FROM feeds WHERE id = $1`, id); err != nil {
		return fmt.Errorf("フィードの削除に失敗しました: %w", err)
	}

	if err := appendChangeTx(ctx, tx, model.ChangeFeedDeleted, &id, nil, old, nil); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Archive はフィードをアーカイブする。archived_atの打刻は片方向で、
// status=inactiveに変更してスケジュールから除外する。
func (r *PostgresFeedRepo) Archive(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	old, err := scanFeed(tx.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1 FOR UPDATE`, id))
	if err == sql.ErrNoRows {
		return model.NewFeedNotFoundError(id)
	}
	if err != nil {
		return fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE feeds SET status = $2, archived_at = COALESCE(archived_at, $3), updated_at = $3
		 WHERE id = $1`,
		id, model.FeedStatusInactive, now,
	)
	if err != nil {
		return fmt.Errorf("フィードのアーカイブに失敗しました: %w", err)
	}

	updated := *old
	updated.Status = model.FeedStatusInactive
	updated.ArchivedAt = &now
	if err := appendChangeTx(ctx, tx, model.ChangeFeedUpdated, &id, nil, old, &updated); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ListActive はアクティブな全フィードを返す。
func (r *PostgresFeedRepo) ListActive(ctx context.Context) ([]*model.Feed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE status = $1 ORDER BY created_at`,
		model.FeedStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("アクティブフィードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectFeeds(rows)
}

// ListByIDs は指定IDのフィードを返す。
func (r *PostgresFeedRepo) ListByIDs(ctx context.Context, ids []string) ([]*model.Feed, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = ANY($1) ORDER BY created_at`,
		pqStringArray(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("フィード一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectFeeds(rows)
}

func collectFeeds(rows *sql.Rows) ([]*model.Feed, error) {
	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("フィード行のスキャンに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィード行の走査に失敗しました: %w", err)
	}
	return feeds, nil
}

// UpdateFetchMeta はフェッチ完了時のメタデータを更新する。
// 設定変更ではないため変更ログは追記しない。
func (r *PostgresFeedRepo) UpdateFetchMeta(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET etag = $2, last_modified = $3, last_fetched = $4,
		    title = $5, description = $6, status = $7, updated_at = now()
		 WHERE id = $1`,
		feed.ID, feed.ETag, feed.LastModified, timeOrNil(feed.LastFetched),
		feed.Title, feed.Description, feed.Status,
	)
	if err != nil {
		return fmt.Errorf("フェッチメタデータの更新に失敗しました: %w", err)
	}
	return nil
}

// SetStatus はフィードの状態のみを更新する。
func (r *PostgresFeedRepo) SetStatus(ctx context.Context, id string, status model.FeedStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET status = $2, updated_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("フィード状態の更新に失敗しました: %w", err)
	}
	return nil
}

// ConfigHash は全フィード設定のコンテンツハッシュを返す。
// id順に設定列を連結してSHA-256を計算する。フェッチメタデータは含めない。
func (r *PostgresFeedRepo) ConfigHash(ctx context.Context) (string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, url, fetch_interval_minutes, status, auto_analyze_enabled,
		    scrape_full_content, is_critical
		 FROM feeds ORDER BY id`,
	)
	if err != nil {
		return "", fmt.Errorf("フィード設定の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var id, url, status string
		var interval int
		var autoAnalyze, scrape, critical bool
		if err := rows.Scan(&id, &url, &interval, &status, &autoAnalyze, &scrape, &critical); err != nil {
			return "", fmt.Errorf("フィード設定行のスキャンに失敗しました: %w", err)
		}
		fmt.Fprintf(h, "%s|%s|%d|%s|%t|%t|%t\n", id, url, interval, status, autoAnalyze, scrape, critical)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("フィード設定行の走査に失敗しました: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// appendChangeTx は設定変更ログをトランザクション内で追記する。
// oldConfig/newConfigはJSONにシリアライズして保存する。
func appendChangeTx(ctx context.Context, tx *sql.Tx, changeType model.ConfigChangeType, feedID, templateID *string, oldConfig, newConfig interface{}) error {
	var oldJSON, newJSON []byte
	var err error
	if oldConfig != nil {
		if oldJSON, err = json.Marshal(oldConfig); err != nil {
			return fmt.Errorf("旧設定のシリアライズに失敗しました: %w", err)
		}
	}
	if newConfig != nil {
		if newJSON, err = json.Marshal(newConfig); err != nil {
			return fmt.Errorf("新設定のシリアライズに失敗しました: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO feed_configuration_changes (id, change_type, feed_id, template_id, old_config, new_config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now())`,
		uuid.NewString(), changeType, strOrNil(feedID), strOrNil(templateID), nullableJSON(oldJSON), nullableJSON(newJSON),
	)
	if err != nil {
		return fmt.Errorf("設定変更ログの追記に失敗しました: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
