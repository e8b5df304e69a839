package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/newsmcp/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコード。
const uniqueViolation = "23505"

// PostgresItemRepo はPostgreSQLを使用した記事リポジトリ。
// item_analysisテーブルへの分析結果の保存も担当する。
type PostgresItemRepo struct {
	db *sql.DB
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{db: db}
}

// InsertIfAbsent はcontent_hashが未登録の場合のみ記事を挿入する。
// 並行INSERTによる一意制約違反はItemDuplicateとして返し、
// 周囲のトランザクションを汚染しないよう独立した文として実行する。
func (r *PostgresItemRepo) InsertIfAbsent(ctx context.Context, item *model.Item) (ItemInsertResult, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.ContentHash == "" {
		item.ContentHash = model.ComputeContentHash(item.Title, item.Link, item.Description)
	}
	item.CreatedAt = time.Now()

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO items (id, feed_id, title, link, description, content, author, published, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (content_hash) DO NOTHING`,
		item.ID, item.FeedID, item.Title, item.Link, item.Description,
		item.Content, item.Author, timeOrNil(item.Published),
		item.ContentHash, item.CreatedAt,
	)
	if err != nil {
		// ON CONFLICTで吸収できない競合（例: 同時実行のシリアライズ失敗）も重複として扱う
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ItemDuplicate, nil
		}
		return ItemDuplicate, fmt.Errorf("記事の挿入に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return ItemDuplicate, fmt.Errorf("挿入結果の確認に失敗しました: %w", err)
	}
	if affected == 0 {
		return ItemDuplicate, nil
	}
	return ItemInserted, nil
}

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByID(ctx context.Context, id string) (*model.Item, error) {
	item := &model.Item{}
	var published sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, feed_id, title, link, description, content, author, published, content_hash, created_at
		 FROM items WHERE id = $1`,
		id,
	).Scan(
		&item.ID, &item.FeedID, &item.Title, &item.Link, &item.Description,
		&item.Content, &item.Author, &published, &item.ContentHash, &item.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}

	item.Published = nullTimePtr(published)
	return item, nil
}

// SelectScopeItemIDs はスコープ定義から分析対象の記事IDを選択する。
// created_at降順でparams.Limitに切り詰める。
// unanalyzed_onlyはitem_analysisに存在しない記事のみを対象とし、
// override_existingが指定された場合は無視される。
func (r *PostgresItemRepo) SelectScopeItemIDs(ctx context.Context, scope model.RunScope, params model.RunParams) ([]string, error) {
	params = params.Normalize()

	var conditions []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	switch scope.Type {
	case model.ScopeTypeItems, model.ScopeTypeArticles:
		conditions = append(conditions, "i.id = ANY("+arg(pq.Array(scope.EffectiveItemIDs()))+")")
	case model.ScopeTypeFeeds:
		conditions = append(conditions, "i.feed_id = ANY("+arg(pq.Array(scope.FeedIDs))+")")
	case model.ScopeTypeTimerange:
		conditions = append(conditions, "i.created_at BETWEEN "+arg(*scope.StartTime)+" AND "+arg(*scope.EndTime))
	case model.ScopeTypeGlobal:
		// 条件なし
	default:
		return nil, model.NewInvalidScopeError(string(scope.Type))
	}

	override := scope.OverrideExisting || params.OverrideExisting
	if scope.UnanalyzedOnly && !override {
		conditions = append(conditions, "NOT EXISTS (SELECT 1 FROM item_analysis a WHERE a.item_id = i.id)")
	}
	if scope.MinImpactThreshold != nil {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM item_analysis a WHERE a.item_id = i.id AND (a.impact->>'overall')::float >= "+arg(*scope.MinImpactThreshold)+")")
	}
	if scope.MaxImpactThreshold != nil {
		conditions = append(conditions, "EXISTS (SELECT 1 FROM item_analysis a WHERE a.item_id = i.id AND (a.impact->>'overall')::float <= "+arg(*scope.MaxImpactThreshold)+")")
	}

	query := `SELECT i.id FROM items i`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY i.created_at DESC LIMIT " + arg(params.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("スコープ記事の選択に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("記事IDのスキャンに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事ID行の走査に失敗しました: %w", err)
	}
	return ids, nil
}

// CountCreatedSince は指定時刻以降に作成された記事数を返す。
func (r *PostgresItemRepo) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM items WHERE created_at >= $1`, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("記事作成数の集計に失敗しました: %w", err)
	}
	return count, nil
}

// CountAnalyzedSince は指定時刻以降に分析された記事数を返す。
func (r *PostgresItemRepo) CountAnalyzedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM item_analysis WHERE updated_at >= $1`, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("記事分析数の集計に失敗しました: %w", err)
	}
	return count, nil
}

// UpsertAnalysis は記事の分析結果を冪等にUPSERTする。
// LLM呼び出しはat-least-onceのため、同一記事の再分析は上書きとなる。
func (r *PostgresItemRepo) UpsertAnalysis(ctx context.Context, analysis *model.ItemAnalysis) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO item_analysis (item_id, sentiment, impact, model_tag, tokens_used, cost_usd, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (item_id) DO UPDATE SET
		    sentiment = EXCLUDED.sentiment,
		    impact = EXCLUDED.impact,
		    model_tag = EXCLUDED.model_tag,
		    tokens_used = EXCLUDED.tokens_used,
		    cost_usd = EXCLUDED.cost_usd,
		    updated_at = now()`,
		analysis.ItemID, analysis.Sentiment, analysis.Impact,
		analysis.ModelTag, analysis.TokensUsed, analysis.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("分析結果のUPSERTに失敗しました: %w", err)
	}
	return nil
}
