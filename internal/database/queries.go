package database

import (
	"context"
	"database/sql"
	"fmt"

	"feed-crawler/internal/database/models"
	"feed-crawler/pkg/types"
)

const postColumns = `id, account, post_id, url, username, content, published_at, published_display,
	fetched_at, likes, comments, reposts, shares, views, images, videos,
	extraction_method, count_sources, tags, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*models.Post, error) {
	post := &models.Post{}
	err := row.Scan(
		&post.ID, &post.Account, &post.PostID, &post.URL, &post.Username, &post.Content,
		&post.PublishedAt, &post.PublishedDisplay, &post.FetchedAt,
		&post.Likes, &post.Comments, &post.Reposts, &post.Shares, &post.Views,
		&post.Images, &post.Videos, &post.ExtractionMethod, &post.CountSources, &post.Tags,
		&post.CreatedAt, &post.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return post, nil
}

func (db *DB) queryPosts(ctx context.Context, query string, args ...any) ([]types.PostRecord, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	var posts []types.PostRecord
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, post.ToRecord())
	}
	return posts, rows.Err()
}

// GetPostsWithPagination retrieves an account's posts, most liked first.
// Posts with unknown likes only show up when minLikes is 0.
func (db *DB) GetPostsWithPagination(ctx context.Context, account string, page, pageSize, minLikes int) ([]types.PostRecord, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	query := `SELECT ` + postColumns + `
		FROM posts
		WHERE account = $1 AND ($2 = 0 OR likes >= $2)
		ORDER BY likes DESC NULLS LAST, fetched_at DESC
		LIMIT $3 OFFSET $4`

	return db.queryPosts(ctx, query, account, minLikes, pageSize, offset)
}

// GetPostsCount returns the total count of posts matching criteria
func (db *DB) GetPostsCount(ctx context.Context, account string, minLikes int) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM posts
		WHERE account = $1 AND ($2 = 0 OR likes >= $2)
	`, account, minLikes).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get posts count: %w", err)
	}
	return count, nil
}

// GetPost returns nil without error when the post is not stored.
func (db *DB) GetPost(ctx context.Context, account, postID string) (*types.PostRecord, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE account = $1 AND post_id = $2`, account, postID)
	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	rec := post.ToRecord()
	return &rec, nil
}

// GetPostsForRanking returns every stored post of the account in fetch order.
func (db *DB) GetPostsForRanking(ctx context.Context, account string) ([]types.PostRecord, error) {
	return db.queryPosts(ctx,
		`SELECT `+postColumns+` FROM posts WHERE account = $1 ORDER BY fetched_at DESC, post_id`, account)
}

// GetPostsForExport retrieves posts for CSV export
func (db *DB) GetPostsForExport(ctx context.Context, account string, minLikes int) ([]types.PostRecord, error) {
	return db.queryPosts(ctx, `SELECT `+postColumns+`
		FROM posts
		WHERE account = $1 AND ($2 = 0 OR likes >= $2)
		ORDER BY likes DESC NULLS LAST`, account, minLikes)
}

// GetCrawlStats returns per-store totals across all accounts.
func (db *DB) GetCrawlStats(ctx context.Context) (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var totalPosts, accounts int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT account) FROM posts`).Scan(&totalPosts, &accounts)
	if err != nil {
		return nil, fmt.Errorf("failed to get total posts: %w", err)
	}
	stats["total_posts"] = totalPosts
	stats["accounts"] = accounts

	// Posts still missing at least one count
	var incomplete int
	err = db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM posts
		WHERE likes IS NULL OR comments IS NULL OR reposts IS NULL OR shares IS NULL
	`).Scan(&incomplete)
	if err != nil {
		return nil, fmt.Errorf("failed to get incomplete posts: %w", err)
	}
	stats["posts_missing_counts"] = incomplete

	var avgLikes sql.NullFloat64
	err = db.conn.QueryRowContext(ctx,
		`SELECT AVG(likes) FROM posts WHERE fetched_at >= NOW() - INTERVAL '7 days'`).Scan(&avgLikes)
	if err != nil {
		return nil, fmt.Errorf("failed to get average likes: %w", err)
	}
	if avgLikes.Valid {
		stats["average_likes"] = avgLikes.Float64
	} else {
		stats["average_likes"] = 0.0
	}

	var lastCrawl sql.NullString
	err = db.conn.QueryRowContext(ctx,
		`SELECT MAX(last_crawl_at)::text FROM crawl_state`).Scan(&lastCrawl)
	if err != nil {
		return nil, fmt.Errorf("failed to get last crawl time: %w", err)
	}
	if lastCrawl.Valid {
		stats["last_crawl_at"] = lastCrawl.String
	} else {
		stats["last_crawl_at"] = "Never"
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM media_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to get media by status: %w", err)
	}
	defer rows.Close()

	mediaByStatus := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		mediaByStatus[status] = count
	}
	stats["media_by_status"] = mediaByStatus

	return stats, nil
}

// Ping checks if the database connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// GetTopAccounts returns accounts ordered by stored post count.
func (db *DB) GetTopAccounts(ctx context.Context, limit int) ([]map[string]interface{}, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT p.account, COUNT(*) AS post_count, COALESCE(AVG(p.likes), 0) AS avg_likes,
		       COALESCE(MAX(s.total_crawled), 0) AS total_crawled
		FROM posts p
		LEFT JOIN crawl_state s ON s.account = p.account
		GROUP BY p.account
		ORDER BY post_count DESC, avg_likes DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top accounts: %w", err)
	}
	defer rows.Close()

	var accounts []map[string]interface{}
	for rows.Next() {
		var account string
		var postCount, totalCrawled int
		var avgLikes float64

		if err := rows.Scan(&account, &postCount, &avgLikes, &totalCrawled); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}

		accounts = append(accounts, map[string]interface{}{
			"account":       account,
			"post_count":    postCount,
			"avg_likes":     avgLikes,
			"total_crawled": totalCrawled,
		})
	}
	return accounts, rows.Err()
}

// GetEngagementTrends returns daily engagement for an account over the last 30 days.
func (db *DB) GetEngagementTrends(ctx context.Context, account string) ([]map[string]interface{}, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT
			DATE(fetched_at)::text AS date,
			COUNT(*) AS posts_count,
			COALESCE(AVG(likes), 0) AS avg_likes,
			COALESCE(MAX(likes), 0) AS max_likes,
			COALESCE(SUM(views), 0) AS total_views
		FROM posts
		WHERE account = $1 AND fetched_at >= NOW() - INTERVAL '30 days'
		GROUP BY DATE(fetched_at)
		ORDER BY date DESC`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to query engagement trends: %w", err)
	}
	defer rows.Close()

	var trends []map[string]interface{}
	for rows.Next() {
		var date string
		var postsCount int
		var avgLikes float64
		var maxLikes, totalViews int64

		if err := rows.Scan(&date, &postsCount, &avgLikes, &maxLikes, &totalViews); err != nil {
			return nil, fmt.Errorf("failed to scan trend: %w", err)
		}

		trends = append(trends, map[string]interface{}{
			"date":        date,
			"posts_count": postsCount,
			"avg_likes":   avgLikes,
			"max_likes":   maxLikes,
			"total_views": totalViews,
		})
	}
	return trends, rows.Err()
}
