package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"trendlens/internal/core"
)

// whereClause accumulates WHERE conditions with positional args.
type whereClause struct {
	conds []string
	args  []interface{}
}

// addf appends a condition whose ? placeholders are rewritten to the
// next positional parameters.
func (w *whereClause) addf(cond string, args ...interface{}) {
	for _, a := range args {
		w.args = append(w.args, a)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.conds = append(w.conds, cond)
}

func (w *whereClause) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// next returns the next positional parameter, appending its value.
func (w *whereClause) next(v interface{}) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func limitOffset(limit, offset, def int) (int, int) {
	if limit <= 0 {
		limit = def
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// --- items ---

type postgresItemRepo struct {
	db *sql.DB
	tx *sql.Tx
}

func (r *postgresItemRepo) querier() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const itemColumns = `id, source, source_id, url, title, normalized_title, body, author,
	published_at, upvotes, downvotes, comments, shares, views,
	category, language, lang_confidence, keywords, sentiment_score, processed_at`

func scanItem(row interface{ Scan(...interface{}) error }) (*core.ProcessedItem, error) {
	var item core.ProcessedItem
	var keywords pq.StringArray
	err := row.Scan(
		&item.ID, &item.Source, &item.SourceID, &item.URL, &item.Title,
		&item.NormalizedTitle, &item.Body, &item.Author, &item.PublishedAt,
		&item.Engagement.Upvotes, &item.Engagement.Downvotes,
		&item.Engagement.Comments, &item.Engagement.Shares, &item.Engagement.Views,
		&item.Category, &item.Language, &item.LangConfidence,
		&keywords, &item.SentimentScore, &item.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Keywords = keywords
	return &item, nil
}

func (r *postgresItemRepo) saveOne(ctx context.Context, q querier, item *core.ProcessedItem) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO processed_items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (source, source_id) DO UPDATE SET
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			normalized_title = EXCLUDED.normalized_title,
			body = EXCLUDED.body,
			author = EXCLUDED.author,
			upvotes = EXCLUDED.upvotes,
			downvotes = EXCLUDED.downvotes,
			comments = EXCLUDED.comments,
			shares = EXCLUDED.shares,
			views = EXCLUDED.views,
			category = EXCLUDED.category,
			language = EXCLUDED.language,
			lang_confidence = EXCLUDED.lang_confidence,
			keywords = EXCLUDED.keywords,
			sentiment_score = EXCLUDED.sentiment_score,
			processed_at = EXCLUDED.processed_at`,
		item.ID, item.Source, item.SourceID, item.URL, item.Title,
		item.NormalizedTitle, item.Body, item.Author, item.PublishedAt,
		item.Engagement.Upvotes, item.Engagement.Downvotes,
		item.Engagement.Comments, item.Engagement.Shares, item.Engagement.Views,
		string(item.Category), item.Language, item.LangConfidence,
		pq.Array(item.Keywords), item.SentimentScore, item.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (r *postgresItemRepo) Save(ctx context.Context, item *core.ProcessedItem) error {
	return r.saveOne(ctx, r.querier(), item)
}

func (r *postgresItemRepo) SaveBatch(ctx context.Context, items []core.ProcessedItem) error {
	if len(items) == 0 {
		return nil
	}
	// Inside an existing transaction, reuse it.
	if r.tx != nil {
		for i := range items {
			if err := r.saveOne(ctx, r.tx, &items[i]); err != nil {
				return err
			}
		}
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for i := range items {
		if err := r.saveOne(ctx, tx, &items[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *postgresItemRepo) Get(ctx context.Context, id string) (*core.ProcessedItem, error) {
	row := r.querier().QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM processed_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "item %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

func (r *postgresItemRepo) GetBySourceKey(ctx context.Context, source, sourceID string) (*core.ProcessedItem, error) {
	row := r.querier().QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM processed_items WHERE source = $1 AND source_id = $2`,
		source, sourceID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "item %s:%s not found", source, sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

func itemFilter(f Filter) *whereClause {
	w := &whereClause{}
	if f.Category != "" {
		w.addf("category = ?", string(f.Category))
	}
	if len(f.Sources) > 0 {
		w.addf("source = ANY(?)", pq.Array(f.Sources))
	}
	if f.Language != "" {
		w.addf("language = ?", f.Language)
	}
	if !f.Since.IsZero() {
		w.addf("published_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		w.addf("published_at <= ?", f.Until)
	}
	return w
}

func (r *postgresItemRepo) List(ctx context.Context, f Filter) ([]core.ProcessedItem, error) {
	w := itemFilter(f)
	limit, offset := limitOffset(f.Limit, f.Offset, 100)
	query := `SELECT ` + itemColumns + ` FROM processed_items` + w.sql() +
		` ORDER BY published_at DESC, id ASC LIMIT ` + w.next(limit) + ` OFFSET ` + w.next(offset)

	rows, err := r.querier().QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []core.ProcessedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (r *postgresItemRepo) Count(ctx context.Context, f Filter) (int, error) {
	w := itemFilter(f)
	var count int
	err := r.querier().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_items`+w.sql(), w.args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

func (r *postgresItemRepo) GetByTopic(ctx context.Context, topicID string, limit, offset int) ([]core.ProcessedItem, error) {
	limit, offset = limitOffset(limit, offset, 100)
	rows, err := r.querier().QueryContext(ctx, `
		SELECT `+prefixColumns("i", itemColumns)+`
		FROM processed_items i
		JOIN topic_items ti ON ti.item_id = i.id
		WHERE ti.topic_id = $1
		ORDER BY i.published_at DESC, i.id ASC
		LIMIT $2 OFFSET $3`, topicID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get topic items: %w", err)
	}
	defer rows.Close()

	var items []core.ProcessedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (r *postgresItemRepo) GetWithoutEmbeddings(ctx context.Context, limit int) ([]core.ProcessedItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.querier().QueryContext(ctx,
		`SELECT `+itemColumns+` FROM processed_items
		 WHERE NOT embedded
		 ORDER BY published_at DESC, id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get unembedded items: %w", err)
	}
	defer rows.Close()

	var items []core.ProcessedItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (r *postgresItemRepo) MarkEmbedded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.querier().ExecContext(ctx,
		`UPDATE processed_items SET embedded = TRUE WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to mark items embedded: %w", err)
	}
	return nil
}

func (r *postgresItemRepo) Delete(ctx context.Context, id string) error {
	res, err := r.querier().ExecContext(ctx, `DELETE FROM processed_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindNotFound, "item %s not found", id)
	}
	return nil
}

func (r *postgresItemRepo) Sweep(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.querier().ExecContext(ctx,
		`DELETE FROM processed_items WHERE published_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// --- topics ---

type postgresTopicRepo struct {
	db *sql.DB
	tx *sql.Tx
}

func (r *postgresTopicRepo) querier() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const topicColumns = `id, title, summary, category, keywords, item_count,
	upvotes, downvotes, comments, shares, views, language, first_seen, last_updated`

func scanTopic(row interface{ Scan(...interface{}) error }) (*core.Topic, error) {
	var topic core.Topic
	var keywords pq.StringArray
	err := row.Scan(
		&topic.ID, &topic.Title, &topic.Summary, &topic.Category,
		&keywords, &topic.ItemCount,
		&topic.Engagement.Upvotes, &topic.Engagement.Downvotes,
		&topic.Engagement.Comments, &topic.Engagement.Shares, &topic.Engagement.Views,
		&topic.Language, &topic.FirstSeen, &topic.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	topic.Keywords = keywords
	return &topic, nil
}

func (r *postgresTopicRepo) Save(ctx context.Context, topic *core.Topic) error {
	save := func(q querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO topics (`+topicColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				title = EXCLUDED.title,
				summary = EXCLUDED.summary,
				category = EXCLUDED.category,
				keywords = EXCLUDED.keywords,
				item_count = EXCLUDED.item_count,
				upvotes = EXCLUDED.upvotes,
				downvotes = EXCLUDED.downvotes,
				comments = EXCLUDED.comments,
				shares = EXCLUDED.shares,
				views = EXCLUDED.views,
				language = EXCLUDED.language,
				first_seen = EXCLUDED.first_seen,
				last_updated = EXCLUDED.last_updated`,
			topic.ID, topic.Title, topic.Summary, string(topic.Category),
			pq.Array(topic.Keywords), len(topic.ItemIDs),
			topic.Engagement.Upvotes, topic.Engagement.Downvotes,
			topic.Engagement.Comments, topic.Engagement.Shares, topic.Engagement.Views,
			topic.Language, topic.FirstSeen, topic.LastUpdated)
		if err != nil {
			return fmt.Errorf("failed to save topic: %w", err)
		}

		// Rewrite the junction so item_count always matches it.
		if _, err := q.ExecContext(ctx,
			`DELETE FROM topic_items WHERE topic_id = $1`, topic.ID); err != nil {
			return fmt.Errorf("failed to clear topic items: %w", err)
		}
		for _, itemID := range topic.ItemIDs {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO topic_items (topic_id, item_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, topic.ID, itemID); err != nil {
				return fmt.Errorf("failed to link topic item: %w", err)
			}
		}
		topic.ItemCount = len(topic.ItemIDs)
		return nil
	}

	if r.tx != nil {
		return save(r.tx)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := save(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *postgresTopicRepo) loadItemIDs(ctx context.Context, topic *core.Topic) error {
	rows, err := r.querier().QueryContext(ctx,
		`SELECT item_id FROM topic_items WHERE topic_id = $1 ORDER BY item_id`, topic.ID)
	if err != nil {
		return fmt.Errorf("failed to load topic items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		topic.ItemIDs = append(topic.ItemIDs, id)
	}
	return rows.Err()
}

func (r *postgresTopicRepo) Get(ctx context.Context, id string) (*core.Topic, error) {
	row := r.querier().QueryRowContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE id = $1`, id)
	topic, err := scanTopic(row)
	if err == sql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "topic %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}
	if err := r.loadItemIDs(ctx, topic); err != nil {
		return nil, err
	}
	return topic, nil
}

func topicFilter(f Filter) *whereClause {
	w := &whereClause{}
	if f.Category != "" {
		w.addf("category = ?", string(f.Category))
	}
	if f.Language != "" {
		w.addf("language = ?", f.Language)
	}
	if !f.Since.IsZero() {
		w.addf("last_updated >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		w.addf("last_updated <= ?", f.Until)
	}
	return w
}

func (r *postgresTopicRepo) List(ctx context.Context, f Filter) ([]core.Topic, error) {
	w := topicFilter(f)
	limit, offset := limitOffset(f.Limit, f.Offset, 100)
	query := `SELECT ` + topicColumns + ` FROM topics` + w.sql() +
		` ORDER BY last_updated DESC, id ASC LIMIT ` + w.next(limit) + ` OFFSET ` + w.next(offset)

	rows, err := r.querier().QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	defer rows.Close()

	var topics []core.Topic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		topics = append(topics, *topic)
	}
	return topics, rows.Err()
}

func (r *postgresTopicRepo) Count(ctx context.Context, f Filter) (int, error) {
	w := topicFilter(f)
	var count int
	err := r.querier().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM topics`+w.sql(), w.args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count topics: %w", err)
	}
	return count, nil
}

func (r *postgresTopicRepo) Search(ctx context.Context, keywords string, limit int) ([]core.Topic, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.querier().QueryContext(ctx, `
		SELECT `+topicColumns+` FROM topics
		WHERE to_tsvector('simple', title || ' ' || summary) @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(to_tsvector('simple', title || ' ' || summary),
			plainto_tsquery('simple', $1)) DESC, id ASC
		LIMIT $2`, keywords, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search topics: %w", err)
	}
	defer rows.Close()

	var topics []core.Topic
	for rows.Next() {
		topic, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		topics = append(topics, *topic)
	}
	return topics, rows.Err()
}

func (r *postgresTopicRepo) Delete(ctx context.Context, id string) error {
	res, err := r.querier().ExecContext(ctx, `DELETE FROM topics WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindNotFound, "topic %s not found", id)
	}
	return nil
}

// --- trends ---

type postgresTrendRepo struct {
	db *sql.DB
	tx *sql.Tx
}

func (r *postgresTrendRepo) querier() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const trendColumns = `id, topic_id, title, summary, category, rank, score,
	state, velocity, sources, language, created_at`

func scanTrend(row interface{ Scan(...interface{}) error }) (*core.Trend, error) {
	var trend core.Trend
	var sources pq.StringArray
	err := row.Scan(
		&trend.ID, &trend.TopicID, &trend.Title, &trend.Summary, &trend.Category,
		&trend.Rank, &trend.Score, &trend.State, &trend.Velocity,
		&sources, &trend.Language, &trend.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	trend.Sources = sources
	return &trend, nil
}

func (r *postgresTrendRepo) saveOne(ctx context.Context, q querier, trend *core.Trend) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO trends (`+trendColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			topic_id = EXCLUDED.topic_id,
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			category = EXCLUDED.category,
			rank = EXCLUDED.rank,
			score = EXCLUDED.score,
			state = EXCLUDED.state,
			velocity = EXCLUDED.velocity,
			sources = EXCLUDED.sources,
			language = EXCLUDED.language,
			created_at = EXCLUDED.created_at`,
		trend.ID, trend.TopicID, trend.Title, trend.Summary, string(trend.Category),
		trend.Rank, trend.Score, string(trend.State), trend.Velocity,
		pq.Array(trend.Sources), trend.Language, trend.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save trend: %w", err)
	}
	return nil
}

func (r *postgresTrendRepo) Save(ctx context.Context, trend *core.Trend) error {
	return r.saveOne(ctx, r.querier(), trend)
}

func (r *postgresTrendRepo) SaveBatch(ctx context.Context, trends []core.Trend) error {
	if len(trends) == 0 {
		return nil
	}
	if r.tx != nil {
		for i := range trends {
			if err := r.saveOne(ctx, r.tx, &trends[i]); err != nil {
				return err
			}
		}
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for i := range trends {
		if err := r.saveOne(ctx, tx, &trends[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *postgresTrendRepo) Get(ctx context.Context, id string) (*core.Trend, error) {
	row := r.querier().QueryRowContext(ctx,
		`SELECT `+trendColumns+` FROM trends WHERE id = $1`, id)
	trend, err := scanTrend(row)
	if err == sql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "trend %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trend: %w", err)
	}
	return trend, nil
}

func trendFilter(f Filter) *whereClause {
	w := &whereClause{}
	if f.Category != "" {
		w.addf("category = ?", string(f.Category))
	}
	if f.State != "" {
		w.addf("state = ?", string(f.State))
	}
	if len(f.Sources) > 0 {
		w.addf("sources && ?", pq.Array(f.Sources))
	}
	if f.Language != "" {
		w.addf("language = ?", f.Language)
	}
	if f.MinScore > 0 {
		w.addf("score >= ?", f.MinScore)
	}
	if !f.Since.IsZero() {
		w.addf("created_at >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		w.addf("created_at <= ?", f.Until)
	}
	return w
}

func (r *postgresTrendRepo) List(ctx context.Context, f Filter) ([]core.Trend, error) {
	w := trendFilter(f)
	limit, offset := limitOffset(f.Limit, f.Offset, 50)
	query := `SELECT ` + trendColumns + ` FROM trends` + w.sql() +
		` ORDER BY score DESC, id ASC LIMIT ` + w.next(limit) + ` OFFSET ` + w.next(offset)

	rows, err := r.querier().QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trends: %w", err)
	}
	defer rows.Close()

	var trends []core.Trend
	for rows.Next() {
		trend, err := scanTrend(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trend: %w", err)
		}
		trends = append(trends, *trend)
	}
	return trends, rows.Err()
}

func (r *postgresTrendRepo) Count(ctx context.Context, f Filter) (int, error) {
	w := trendFilter(f)
	var count int
	err := r.querier().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trends`+w.sql(), w.args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count trends: %w", err)
	}
	return count, nil
}

func (r *postgresTrendRepo) Top(ctx context.Context, limit int, category core.Category) ([]core.Trend, error) {
	return r.List(ctx, Filter{Category: category, Limit: limit})
}

func (r *postgresTrendRepo) Search(ctx context.Context, keywords string, limit int) ([]core.Trend, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.querier().QueryContext(ctx, `
		SELECT `+trendColumns+` FROM trends
		WHERE to_tsvector('simple', title || ' ' || summary) @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(to_tsvector('simple', title || ' ' || summary),
			plainto_tsquery('simple', $1)) DESC, id ASC
		LIMIT $2`, keywords, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search trends: %w", err)
	}
	defer rows.Close()

	var trends []core.Trend
	for rows.Next() {
		trend, err := scanTrend(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trend: %w", err)
		}
		trends = append(trends, *trend)
	}
	return trends, rows.Err()
}

func (r *postgresTrendRepo) Delete(ctx context.Context, id string) error {
	res, err := r.querier().ExecContext(ctx, `DELETE FROM trends WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindNotFound, "trend %s not found", id)
	}
	return nil
}

// --- collector sources ---

type postgresSourceRepo struct {
	db *sql.DB
	tx *sql.Tx
}

func (r *postgresSourceRepo) querier() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const sourceColumns = `id, name, type, url, schedule, rate_limit, timeout, language,
	include_keywords, exclude_keywords, auth_encrypted, plugin_code, enabled,
	etag, last_modified, error_count, last_error, created_at, updated_at`

func scanSource(row interface{ Scan(...interface{}) error }) (*core.CollectorSource, error) {
	var src core.CollectorSource
	var include, exclude pq.StringArray
	err := row.Scan(
		&src.ID, &src.Name, &src.Type, &src.URL, &src.Schedule,
		&src.RateLimit, &src.Timeout, &src.Language,
		&include, &exclude, &src.AuthEncrypted, &src.PluginCode, &src.Enabled,
		&src.ETag, &src.LastModified, &src.ErrorCount, &src.LastError,
		&src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	src.IncludeKeywords = include
	src.ExcludeKeywords = exclude
	return &src, nil
}

func (r *postgresSourceRepo) Create(ctx context.Context, src *core.CollectorSource) error {
	now := time.Now().UTC()
	src.CreatedAt = now
	src.UpdatedAt = now
	err := r.querier().QueryRowContext(ctx, `
		INSERT INTO crawler_sources (name, type, url, schedule, rate_limit, timeout,
			language, include_keywords, exclude_keywords, auth_encrypted, plugin_code,
			enabled, etag, last_modified, error_count, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`,
		src.Name, string(src.Type), src.URL, src.Schedule, src.RateLimit, src.Timeout,
		src.Language, pq.Array(src.IncludeKeywords), pq.Array(src.ExcludeKeywords),
		src.AuthEncrypted, src.PluginCode, src.Enabled,
		src.ETag, src.LastModified, src.ErrorCount, src.LastError,
		src.CreatedAt, src.UpdatedAt,
	).Scan(&src.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Errorf(core.KindValidation, "source %q already exists", src.Name)
		}
		return fmt.Errorf("failed to create source: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func (r *postgresSourceRepo) Get(ctx context.Context, id int64) (*core.CollectorSource, error) {
	row := r.querier().QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM crawler_sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "source %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

func (r *postgresSourceRepo) GetByName(ctx context.Context, name string) (*core.CollectorSource, error) {
	row := r.querier().QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM crawler_sources WHERE name = $1`, name)
	src, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "source %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return src, nil
}

func (r *postgresSourceRepo) List(ctx context.Context, enabledOnly bool) ([]core.CollectorSource, error) {
	query := `SELECT ` + sourceColumns + ` FROM crawler_sources`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name ASC`

	rows, err := r.querier().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []core.CollectorSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, *src)
	}
	return sources, rows.Err()
}

func (r *postgresSourceRepo) Update(ctx context.Context, src *core.CollectorSource) error {
	src.UpdatedAt = time.Now().UTC()
	res, err := r.querier().ExecContext(ctx, `
		UPDATE crawler_sources SET
			name = $2, type = $3, url = $4, schedule = $5, rate_limit = $6,
			timeout = $7, language = $8, include_keywords = $9, exclude_keywords = $10,
			auth_encrypted = $11, plugin_code = $12, enabled = $13, updated_at = $14
		WHERE id = $1`,
		src.ID, src.Name, string(src.Type), src.URL, src.Schedule, src.RateLimit,
		src.Timeout, src.Language, pq.Array(src.IncludeKeywords),
		pq.Array(src.ExcludeKeywords), src.AuthEncrypted, src.PluginCode,
		src.Enabled, src.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindNotFound, "source %d not found", src.ID)
	}
	return nil
}

func (r *postgresSourceRepo) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := r.querier().ExecContext(ctx, `
		UPDATE crawler_sources SET enabled = $2, updated_at = NOW() WHERE name = $1`,
		name, enabled)
	if err != nil {
		return fmt.Errorf("failed to toggle source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindNotFound, "source %q not found", name)
	}
	return nil
}

func (r *postgresSourceRepo) RecordFetchState(ctx context.Context, name, etag, lastModified string, errorCount int, lastError string) error {
	_, err := r.querier().ExecContext(ctx, `
		UPDATE crawler_sources SET
			etag = $2, last_modified = $3, error_count = $4, last_error = $5,
			updated_at = NOW()
		WHERE name = $1`,
		name, etag, lastModified, errorCount, lastError)
	if err != nil {
		return fmt.Errorf("failed to record fetch state: %w", err)
	}
	return nil
}

func (r *postgresSourceRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.querier().ExecContext(ctx, `DELETE FROM crawler_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindNotFound, "source %d not found", id)
	}
	return nil
}

// --- plugin health ---

type postgresPluginHealthRepo struct {
	db *sql.DB
	tx *sql.Tx
}

func (r *postgresPluginHealthRepo) querier() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const healthColumns = `plugin_name, last_run, last_success, last_error,
	consecutive_failures, total_runs, success_rate, is_healthy`

func scanHealth(row interface{ Scan(...interface{}) error }) (*core.PluginHealth, error) {
	var h core.PluginHealth
	var lastRun, lastSuccess sql.NullTime
	err := row.Scan(
		&h.PluginName, &lastRun, &lastSuccess, &h.LastError,
		&h.ConsecutiveFailures, &h.TotalRuns, &h.SuccessRate, &h.IsHealthy,
	)
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		h.LastRun = lastRun.Time
	}
	if lastSuccess.Valid {
		h.LastSuccess = lastSuccess.Time
	}
	return &h, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func (r *postgresPluginHealthRepo) Get(ctx context.Context, name string) (*core.PluginHealth, error) {
	row := r.querier().QueryRowContext(ctx,
		`SELECT `+healthColumns+` FROM plugin_health WHERE plugin_name = $1`, name)
	h, err := scanHealth(row)
	if err == sql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "plugin %q has no health record", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin health: %w", err)
	}
	return h, nil
}

func (r *postgresPluginHealthRepo) GetAll(ctx context.Context) ([]core.PluginHealth, error) {
	rows, err := r.querier().QueryContext(ctx,
		`SELECT `+healthColumns+` FROM plugin_health ORDER BY plugin_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list plugin health: %w", err)
	}
	defer rows.Close()

	var records []core.PluginHealth
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin health: %w", err)
		}
		records = append(records, *h)
	}
	return records, rows.Err()
}

func (r *postgresPluginHealthRepo) Upsert(ctx context.Context, health *core.PluginHealth) error {
	_, err := r.querier().ExecContext(ctx, `
		INSERT INTO plugin_health (`+healthColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (plugin_name) DO UPDATE SET
			last_run = EXCLUDED.last_run,
			last_success = EXCLUDED.last_success,
			last_error = EXCLUDED.last_error,
			consecutive_failures = EXCLUDED.consecutive_failures,
			total_runs = EXCLUDED.total_runs,
			success_rate = EXCLUDED.success_rate,
			is_healthy = EXCLUDED.is_healthy`,
		health.PluginName, nullTime(health.LastRun), nullTime(health.LastSuccess),
		health.LastError, health.ConsecutiveFailures, health.TotalRuns,
		health.SuccessRate, health.IsHealthy)
	if err != nil {
		return fmt.Errorf("failed to upsert plugin health: %w", err)
	}
	return nil
}

func (r *postgresPluginHealthRepo) Delete(ctx context.Context, name string) error {
	res, err := r.querier().ExecContext(ctx,
		`DELETE FROM plugin_health WHERE plugin_name = $1`, name)
	if err != nil {
		return fmt.Errorf("failed to delete plugin health: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindNotFound, "plugin %q has no health record", name)
	}
	return nil
}

// --- pipeline runs ---

type postgresRunRepo struct {
	db *sql.DB
	tx *sql.Tx
}

func (r *postgresRunRepo) querier() querier {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

const runColumns = `id, started_at, completed_at, status, items_in, items_out,
	topic_count, trend_count, errors, config_snap`

func scanRun(row interface{ Scan(...interface{}) error }) (*core.PipelineRun, error) {
	var run core.PipelineRun
	var completedAt sql.NullTime
	var errorsJSON, configJSON []byte
	err := row.Scan(
		&run.ID, &run.StartedAt, &completedAt, &run.Status,
		&run.ItemsIn, &run.ItemsOut, &run.TopicCount, &run.TrendCount,
		&errorsJSON, &configJSON,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time
	}
	if err := json.Unmarshal(errorsJSON, &run.Errors); err != nil {
		run.Errors = nil
	}
	if err := json.Unmarshal(configJSON, &run.ConfigSnap); err != nil {
		run.ConfigSnap = nil
	}
	return &run, nil
}

func runJSON(run *core.PipelineRun) ([]byte, []byte, error) {
	errs := run.Errors
	if errs == nil {
		errs = []string{}
	}
	snap := run.ConfigSnap
	if snap == nil {
		snap = map[string]string{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode run errors: %w", err)
	}
	configJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode config snapshot: %w", err)
	}
	return errorsJSON, configJSON, nil
}

func (r *postgresRunRepo) Create(ctx context.Context, run *core.PipelineRun) error {
	errorsJSON, configJSON, err := runJSON(run)
	if err != nil {
		return err
	}
	_, err = r.querier().ExecContext(ctx, `
		INSERT INTO pipeline_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.StartedAt, nullTime(run.CompletedAt), string(run.Status),
		run.ItemsIn, run.ItemsOut, run.TopicCount, run.TrendCount,
		errorsJSON, configJSON)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (r *postgresRunRepo) Update(ctx context.Context, run *core.PipelineRun) error {
	errorsJSON, configJSON, err := runJSON(run)
	if err != nil {
		return err
	}
	res, err := r.querier().ExecContext(ctx, `
		UPDATE pipeline_runs SET
			completed_at = $2, status = $3, items_in = $4, items_out = $5,
			topic_count = $6, trend_count = $7, errors = $8, config_snap = $9
		WHERE id = $1`,
		run.ID, nullTime(run.CompletedAt), string(run.Status),
		run.ItemsIn, run.ItemsOut, run.TopicCount, run.TrendCount,
		errorsJSON, configJSON)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Errorf(core.KindNotFound, "run %s not found", run.ID)
	}
	return nil
}

func (r *postgresRunRepo) Get(ctx context.Context, id string) (*core.PipelineRun, error) {
	row := r.querier().QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, core.Errorf(core.KindNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (r *postgresRunRepo) ListRecent(ctx context.Context, limit int) ([]core.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.querier().QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []core.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
