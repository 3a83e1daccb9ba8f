package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/driftboard/notifier/internal/notification"
)

// Repository is the Postgres implementation of the notification document
// store. The actor set merge on conflict is what makes re-delivery of the
// same (recipient, post, kind) event invisible to the end user.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert inserts a notification, merging actor usernames into any existing
// record for the same (recipient, post, kind).
func (r *Repository) Upsert(ctx context.Context, n *notification.Notification) error {
	query := `
		INSERT INTO notifications (
			id, recipient_id, post_id, kind, actor_usernames, content, seen, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, false, $7
		)
		ON CONFLICT (recipient_id, post_id, kind) DO UPDATE
		SET actor_usernames = (
			SELECT ARRAY(
				SELECT DISTINCT actor
				FROM unnest(notifications.actor_usernames || EXCLUDED.actor_usernames) AS actor
				ORDER BY actor
			)
		),
		    seen = false
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		n.ID,
		n.RecipientID,
		n.PostID,
		string(n.Kind),
		n.ActorUsernames,
		n.Content,
		n.CreatedAt,
	).Scan(&n.ID, &n.CreatedAt)

	if err != nil {
		r.logger.Error("failed to upsert notification",
			zap.Error(err),
			zap.String("recipient_id", n.RecipientID),
			zap.String("kind", string(n.Kind)),
		)
		return fmt.Errorf("upsert notification: %w", err)
	}

	return nil
}

// FindByRecipient retrieves a recipient's notifications sorted by recency,
// optionally joining the referenced post's minimal fields.
func (r *Repository) FindByRecipient(ctx context.Context, recipientID string, opts notification.QueryOptions) ([]*notification.Notification, error) {
	query := `
		SELECT
			n.id, n.recipient_id, n.post_id, n.kind, n.actor_usernames,
			n.content, n.seen, n.created_at,
			p.id, p.title, p.author
		FROM notifications n
		LEFT JOIN posts p ON p.id = n.post_id
		WHERE n.recipient_id = $1
	`
	if opts.UnseenOnly {
		query += ` AND NOT n.seen`
	}
	query += `
		ORDER BY n.created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, recipientID, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*notification.Notification
	for rows.Next() {
		var (
			n          notification.Notification
			kind       string
			postID     *string
			postTitle  *string
			postAuthor *string
		)
		err := rows.Scan(
			&n.ID,
			&n.RecipientID,
			&n.PostID,
			&kind,
			&n.ActorUsernames,
			&n.Content,
			&n.Seen,
			&n.CreatedAt,
			&postID,
			&postTitle,
			&postAuthor,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = notification.Kind(kind)
		if opts.IncludePost && postID != nil {
			ref := notification.PostRef{ID: *postID}
			if postTitle != nil {
				ref.Title = *postTitle
			}
			if postAuthor != nil {
				ref.Author = *postAuthor
			}
			n.Post = &ref
		}
		notifications = append(notifications, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// MarkSeen flips the seen flag. The recipient action that triggers this
// lives outside the pipeline.
func (r *Repository) MarkSeen(ctx context.Context, id string) error {
	result, err := r.db.Pool().Exec(ctx, `UPDATE notifications SET seen = true WHERE id = $1`, id)
	if err != nil {
		r.logger.Error("failed to mark notification seen",
			zap.Error(err),
			zap.String("notification_id", id),
		)
		return fmt.Errorf("mark seen: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification not found: %s", id)
	}
	return nil
}

// DeleteOlderThan removes notifications created before the cutoff.
// Called by the retention job.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetNotification retrieves a single notification by id.
func (r *Repository) GetNotification(ctx context.Context, id string) (*notification.Notification, error) {
	query := `
		SELECT id, recipient_id, post_id, kind, actor_usernames, content, seen, created_at
		FROM notifications
		WHERE id = $1
	`

	var (
		n    notification.Notification
		kind string
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&n.ID,
		&n.RecipientID,
		&n.PostID,
		&kind,
		&n.ActorUsernames,
		&n.Content,
		&n.Seen,
		&n.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("notification not found: %s", id)
	}

	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	n.Kind = notification.Kind(kind)
	return &n, nil
}
