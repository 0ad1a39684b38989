package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/npezzotti/go-fitsocial/internal/stream"
	"github.com/npezzotti/go-fitsocial/internal/types"
)

const (
	postColumns = "id, author_id, author_name, author_avatar, text, image_urls, " +
		"like_count, comment_count, group_id, activities, created_at"
)

func (db *PgRepository) GetUser(ctx context.Context, userId string) (types.User, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, display_name, avatar_url, notifications_enabled, created_at, updated_at FROM users "+
			"WHERE id = $1 LIMIT 1",
		userId,
	)

	var (
		u      types.User
		avatar sql.NullString
	)
	err := row.Scan(
		&u.Id,
		&u.DisplayName,
		&avatar,
		&u.NotificationsEnabled,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return types.User{}, classify(err)
	}
	u.AvatarUrl = nullStringPtr(avatar)

	blocked, err := db.ListBlocked(ctx, userId)
	if err != nil {
		return types.User{}, err
	}
	u.BlockedUsers = blocked

	return u, nil
}

func (db *PgRepository) UpsertUser(ctx context.Context, params UpsertUserParams) (types.User, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, avatar_url, notifications_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			notifications_enabled = EXCLUDED.notifications_enabled,
			updated_at = EXCLUDED.updated_at
		RETURNING id, display_name, avatar_url, notifications_enabled, created_at, updated_at`,
		params.Id,
		params.DisplayName,
		params.AvatarUrl,
		params.NotificationsEnabled,
		now,
	)

	var (
		u      types.User
		avatar sql.NullString
	)
	err := row.Scan(
		&u.Id,
		&u.DisplayName,
		&avatar,
		&u.NotificationsEnabled,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	u.AvatarUrl = nullStringPtr(avatar)

	return u, classify(err)
}

// AddBlock records that blockerId blocked blockedId. It reports whether a
// new block was created; repeating a block is a no-op.
func (db *PgRepository) AddBlock(ctx context.Context, blockerId, blockedId string) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, classify(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO blocks (blocker_id, blocked_id, created_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (blocker_id, blocked_id) DO NOTHING",
		blockerId,
		blockedId,
		time.Now().UTC(),
	)
	if err != nil {
		return false, classify(fmt.Errorf("insert block: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}

	if n > 0 {
		if err := notify(ctx, tx, stream.BlocklistTopic(blockerId)); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, classify(err)
	}

	return n > 0, nil
}

func (db *PgRepository) ListBlocked(ctx context.Context, blockerId string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT blocked_id FROM blocks WHERE blocker_id = $1 ORDER BY created_at",
		blockerId,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("list blocks: %w", err))
	}
	defer rows.Close()

	blocked := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		blocked = append(blocked, id)
	}

	return blocked, classify(rows.Err())
}

func (db *PgRepository) IsBlocked(ctx context.Context, blockerId, blockedId string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM blocks WHERE blocker_id = $1 AND blocked_id = $2)",
		blockerId,
		blockedId,
	).Scan(&exists)

	return exists, classify(err)
}

func (db *PgRepository) CreateReport(ctx context.Context, report types.Report) (types.Report, error) {
	err := db.conn.QueryRowContext(ctx,
		"INSERT INTO reports (id, reporter_id, target_id, target_kind, reason, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at",
		report.Id,
		report.ReporterId,
		report.TargetId,
		string(report.TargetKind),
		report.Reason,
		time.Now().UTC(),
	).Scan(&report.CreatedAt)
	if err != nil {
		return types.Report{}, classify(fmt.Errorf("insert report: %w", err))
	}

	report.CreatedAt = report.CreatedAt.UTC()
	return report, nil
}

func (db *PgRepository) CreatePost(ctx context.Context, post types.Post) (types.Post, error) {
	activities, err := json.Marshal(post.Activities)
	if err != nil {
		return types.Post{}, fmt.Errorf("encode activities: %w", err)
	}
	if post.ImageUrls == nil {
		post.ImageUrls = []string{}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Post{}, classify(err)
	}
	defer tx.Rollback()

	var avatar sql.NullString
	err = tx.QueryRowContext(ctx, `
		INSERT INTO posts (id, author_id, author_name, author_avatar, text, image_urls, group_id, activities, created_at)
		SELECT $1, $2, COALESCE(u.display_name, ''), u.avatar_url, $3, $4, $5, $6, clock_timestamp()
		FROM (SELECT 1) AS one
		LEFT JOIN users u ON u.id = $2
		RETURNING author_name, author_avatar, created_at`,
		post.Id,
		post.AuthorId,
		post.Text,
		pq.Array(post.ImageUrls),
		post.GroupId,
		activities,
	).Scan(&post.Author.Name, &avatar, &post.CreatedAt)
	if err != nil {
		return types.Post{}, classify(fmt.Errorf("insert post: %w", err))
	}
	post.Author.AvatarUrl = nullStringPtr(avatar)
	post.CreatedAt = post.CreatedAt.UTC()

	if err := notify(ctx, tx, stream.FeedTopic); err != nil {
		return types.Post{}, err
	}

	if err := tx.Commit(); err != nil {
		return types.Post{}, classify(err)
	}

	return post, nil
}

func (db *PgRepository) GetPost(ctx context.Context, postId string) (types.Post, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+postColumns+" FROM posts WHERE id = $1 LIMIT 1",
		postId,
	)

	return scanPost(row)
}

// ListPosts returns the newest posts first, optionally restricted to a
// group.
func (db *PgRepository) ListPosts(ctx context.Context, groupId *string, limit int) ([]types.Post, error) {
	if limit <= 0 {
		limit = DefaultPostLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if groupId != nil {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+postColumns+" FROM posts WHERE group_id = $1 ORDER BY created_at DESC LIMIT $2",
			*groupId, limit)
	} else {
		rows, err = db.conn.QueryContext(ctx,
			"SELECT "+postColumns+" FROM posts ORDER BY created_at DESC LIMIT $1",
			limit)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("list posts: %w", err))
	}
	defer rows.Close()

	var posts []types.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}

	return posts, classify(rows.Err())
}

func (db *PgRepository) AddLike(ctx context.Context, postId, userId string) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, classify(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO post_likes (post_id, user_id, created_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (post_id, user_id) DO NOTHING",
		postId,
		userId,
		time.Now().UTC(),
	)
	if err != nil {
		return false, classify(fmt.Errorf("insert like: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err)
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE posts SET like_count = like_count + 1 WHERE id = $1", postId); err != nil {
		return false, classify(fmt.Errorf("update like count: %w", err))
	}

	if err := notify(ctx, tx, stream.FeedTopic); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, classify(err)
	}

	return true, nil
}

func (db *PgRepository) AddComment(ctx context.Context, comment types.Comment) (types.Comment, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return types.Comment{}, classify(err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		"INSERT INTO post_comments (id, post_id, user_id, text, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING created_at",
		comment.Id,
		comment.PostId,
		comment.UserId,
		comment.Text,
		time.Now().UTC(),
	).Scan(&comment.CreatedAt)
	if err != nil {
		return types.Comment{}, classify(fmt.Errorf("insert comment: %w", err))
	}
	comment.CreatedAt = comment.CreatedAt.UTC()

	if _, err := tx.ExecContext(ctx,
		"UPDATE posts SET comment_count = comment_count + 1 WHERE id = $1", comment.PostId); err != nil {
		return types.Comment{}, classify(fmt.Errorf("update comment count: %w", err))
	}

	if err := notify(ctx, tx, stream.FeedTopic); err != nil {
		return types.Comment{}, err
	}

	if err := tx.Commit(); err != nil {
		return types.Comment{}, classify(err)
	}

	return comment, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (types.Post, error) {
	var (
		p          types.Post
		avatar     sql.NullString
		groupId    sql.NullString
		activities []byte
	)
	err := row.Scan(
		&p.Id,
		&p.AuthorId,
		&p.Author.Name,
		&avatar,
		&p.Text,
		pq.Array(&p.ImageUrls),
		&p.LikeCount,
		&p.CommentCount,
		&groupId,
		&activities,
		&p.CreatedAt,
	)
	if err != nil {
		return types.Post{}, classify(err)
	}

	p.Author.AvatarUrl = nullStringPtr(avatar)
	p.GroupId = nullStringPtr(groupId)
	p.CreatedAt = p.CreatedAt.UTC()
	if len(activities) > 0 {
		if err := json.Unmarshal(activities, &p.Activities); err != nil {
			return types.Post{}, fmt.Errorf("decode activities: %w", err)
		}
	}

	return p, nil
}
