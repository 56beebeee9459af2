package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"feed-crawler/internal/config"
	"feed-crawler/internal/database/models"
	"feed-crawler/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

type DB struct {
	conn   *sql.DB
	logger *logrus.Logger
}

func NewConnection(cfg *config.DatabaseConfig, logger *logrus.Logger) (*DB, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)

	logger.Infof("Connecting to database: host=%s port=%d dbname=%s user=%s", cfg.Host, cfg.Port, cfg.Name, cfg.User)

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{
		conn:   conn,
		logger: logger,
	}

	logger.Info("Database connection established")
	return db, nil
}

func (db *DB) RunMigrations() error {
	db.logger.Info("Running database migrations...")

	migrationFiles, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to find migration files: %w", err)
	}

	sort.Strings(migrationFiles)

	for _, file := range migrationFiles {
		db.logger.Infof("Running migration: %s", file)

		content, err := migrations.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		if _, err := db.conn.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", file, err)
		}
	}

	db.logger.Info("Migrations completed successfully")
	return nil
}

// UpsertPosts writes a batch in one transaction. Re-ingesting a post id
// overwrites it; a count that is unknown now keeps the stored value.
func (db *DB) UpsertPosts(ctx context.Context, posts []types.PostRecord) error {
	if len(posts) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO posts (
			account, post_id, url, username, content, published_at, published_display,
			fetched_at, likes, comments, reposts, shares, views, images, videos,
			extraction_method, count_sources, tags
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		) ON CONFLICT (account, post_id) DO UPDATE SET
			url = EXCLUDED.url,
			username = EXCLUDED.username,
			content = EXCLUDED.content,
			published_at = COALESCE(EXCLUDED.published_at, posts.published_at),
			published_display = EXCLUDED.published_display,
			fetched_at = EXCLUDED.fetched_at,
			likes = COALESCE(EXCLUDED.likes, posts.likes),
			comments = COALESCE(EXCLUDED.comments, posts.comments),
			reposts = COALESCE(EXCLUDED.reposts, posts.reposts),
			shares = COALESCE(EXCLUDED.shares, posts.shares),
			views = COALESCE(EXCLUDED.views, posts.views),
			images = EXCLUDED.images,
			videos = EXCLUDED.videos,
			extraction_method = EXCLUDED.extraction_method,
			count_sources = EXCLUDED.count_sources,
			tags = EXCLUDED.tags,
			updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range posts {
		p := models.FromRecord(&posts[i])
		if _, err := stmt.ExecContext(ctx,
			p.Account, p.PostID, p.URL, p.Username, p.Content, p.PublishedAt, p.PublishedDisplay,
			p.FetchedAt, p.Likes, p.Comments, p.Reposts, p.Shares, p.Views, p.Images, p.Videos,
			p.ExtractionMethod, p.CountSources, p.Tags,
		); err != nil {
			return fmt.Errorf("failed to upsert post %s: %w", p.PostID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit posts: %w", err)
	}
	return nil
}

func (db *DB) ExistingPostIDs(ctx context.Context, account string) (map[string]struct{}, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT post_id FROM posts WHERE account = $1`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to query post ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan post id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// UpdateCrawlState records a committed batch. totalCrawled is the number of
// stored posts and never decreases.
func (db *DB) UpdateCrawlState(ctx context.Context, account string, at time.Time) (*types.CrawlState, error) {
	state := &types.CrawlState{Account: account}
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO crawl_state (account, last_crawl_at, total_crawled)
		VALUES ($1, $2, (SELECT COUNT(*) FROM posts WHERE account = $1))
		ON CONFLICT (account) DO UPDATE SET
			last_crawl_at = EXCLUDED.last_crawl_at,
			total_crawled = GREATEST(crawl_state.total_crawled, EXCLUDED.total_crawled)
		RETURNING last_crawl_at, total_crawled
	`, account, at).Scan(&state.LastCrawlAt, &state.TotalCrawled)
	if err != nil {
		return nil, fmt.Errorf("failed to update crawl state: %w", err)
	}
	return state, nil
}

// GetCrawlState returns nil without error for an account never crawled.
func (db *DB) GetCrawlState(ctx context.Context, account string) (*types.CrawlState, error) {
	state := &types.CrawlState{Account: account}
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_crawl_at, total_crawled FROM crawl_state WHERE account = $1`, account,
	).Scan(&state.LastCrawlAt, &state.TotalCrawled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crawl state: %w", err)
	}
	return state, nil
}

// CreatePendingMedia inserts pending rows and returns them with ids. A media
// URL already known for the post is reset to pending.
func (db *DB) CreatePendingMedia(ctx context.Context, records []types.MediaRecord) ([]types.MediaRecord, error) {
	out := make([]types.MediaRecord, 0, len(records))
	for _, r := range records {
		var m models.Media
		err := db.conn.QueryRowContext(ctx, `
			INSERT INTO media_records (account, post_id, media_type, source_url, status)
			VALUES ($1, $2, $3, $4, 'pending')
			ON CONFLICT (account, post_id, source_url) DO UPDATE SET
				status = CASE WHEN media_records.status = 'stored' THEN 'stored' ELSE 'pending' END,
				updated_at = NOW()
			RETURNING id, account, post_id, media_type, source_url, storage_key, status, size_bytes, updated_at
		`, r.Account, r.PostID, r.MediaType, r.SourceURL).Scan(
			&m.ID, &m.Account, &m.PostID, &m.MediaType, &m.SourceURL,
			&m.StorageKey, &m.Status, &m.SizeBytes, &m.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create media record for %s: %w", r.PostID, err)
		}
		out = append(out, m.ToRecord())
	}
	return out, nil
}

func (db *DB) UpdateMediaStatus(ctx context.Context, id int64, status string, storageKey *string, sizeBytes int64) error {
	key := sql.NullString{}
	if storageKey != nil {
		key = sql.NullString{String: *storageKey, Valid: true}
	}
	_, err := db.conn.ExecContext(ctx, `
		UPDATE media_records
		SET status = $2, storage_key = COALESCE($3, storage_key), size_bytes = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, key, sizeBytes)
	if err != nil {
		return fmt.Errorf("failed to update media record %d: %w", id, err)
	}
	return nil
}

// ExpireMedia marks stored media whose objects were swept as failed and clears the key.
func (db *DB) ExpireMedia(ctx context.Context, keys []string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res, err := db.conn.ExecContext(ctx, `
		UPDATE media_records SET status = 'failed', storage_key = NULL, updated_at = NOW()
		WHERE storage_key = ANY($1)
	`, pq.Array(keys))
	if err != nil {
		return 0, fmt.Errorf("failed to expire media: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) Close() error {
	return db.conn.Close()
}
