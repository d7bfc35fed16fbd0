package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ternmail/tern/consts"
)

// Message is the stored metadata for one imported email. The raw body lives
// in object storage under ContentHash.
type Message struct {
	ID          int64      `json:"id"`
	AccountID   int64      `json:"-"`
	MessageID   string     `json:"messageId"`
	Subject     string     `json:"subject"`
	Sender      string     `json:"from"`
	Recipient   string     `json:"to"`
	Snippet     string     `json:"snippet"`
	ContentHash string     `json:"-"`
	Size        int        `json:"size"`
	Folder      string     `json:"folder"`
	Labels      []string   `json:"labels"`
	Seen        bool       `json:"read"`
	SentDate    time.Time  `json:"sentDate"`
	DeletedAt   *time.Time `json:"-"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"-"`
}

const messageColumns = "id, account_id, message_id, subject, sender, recipient, snippet, content_hash, size, folder, labels, seen, sent_date, deleted_at, created_at, updated_at"

func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	err := row.Scan(&msg.ID, &msg.AccountID, &msg.MessageID, &msg.Subject, &msg.Sender,
		&msg.Recipient, &msg.Snippet, &msg.ContentHash, &msg.Size, &msg.Folder,
		&msg.Labels, &msg.Seen, &msg.SentDate, &msg.DeletedAt, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if msg.Labels == nil {
		msg.Labels = []string{}
	}
	return &msg, nil
}

// InsertMessage stores message metadata. Messages are deduplicated per
// account by their Message-Id header.
func (db *Database) InsertMessage(ctx context.Context, tx pgx.Tx, msg *Message) (*Message, error) {
	folder := msg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	labels := msg.Labels
	if labels == nil {
		labels = []string{}
	}

	inserted, err := scanMessage(tx.QueryRow(ctx, `
		INSERT INTO messages (account_id, message_id, subject, sender, recipient, snippet, content_hash, size, folder, labels, seen, sent_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+messageColumns,
		msg.AccountID, msg.MessageID, msg.Subject, msg.Sender, msg.Recipient,
		msg.Snippet, msg.ContentHash, msg.Size, folder, labels, msg.Seen, msg.SentDate))
	if err != nil {
		if uniqueViolation(err) {
			return nil, ErrDuplicateMessage
		}
		return nil, err
	}
	return inserted, nil
}

// GetMessage fetches one message scoped to an account. Soft-deleted
// messages are not returned.
func (db *Database) GetMessage(ctx context.Context, messageID, accountID int64) (*Message, error) {
	msg, err := scanMessage(db.TimedQueryRow(ctx, "get_message",
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 AND account_id = $2 AND deleted_at IS NULL",
		messageID, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return msg, nil
}

// GetMessagesByIDs fetches a batch of messages scoped to an account,
// preserving the requested order. Unknown ids are simply absent from the
// result.
func (db *Database) GetMessagesByIDs(ctx context.Context, accountID int64, messageIDs []int64) ([]*Message, error) {
	if len(messageIDs) == 0 {
		return []*Message{}, nil
	}

	rows, err := db.TimedQuery(ctx, "get_messages_by_ids",
		"SELECT "+messageColumns+" FROM messages WHERE account_id = $1 AND id = ANY($2) AND deleted_at IS NULL",
		accountID, messageIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*Message, len(messageIDs))
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		byID[msg.ID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]*Message, 0, len(byID))
	for _, id := range messageIDs {
		if msg, ok := byID[id]; ok {
			result = append(result, msg)
		}
	}
	return result, nil
}

// ListMessagesOptions filters and paginates ListMessages.
type ListMessagesOptions struct {
	Folder string    // Empty matches all folders
	Label  string    // Empty matches all labels
	Unread bool      // Only unread messages
	Search string    // Case-insensitive substring over subject and snippet
	Sender string    // Case-insensitive substring over the sender
	Since  time.Time // Zero matches from the beginning of time
	Before time.Time // Zero matches to the end of time
	Limit  int
	Offset int
}

// likePattern wraps a search term for ILIKE, escaping the wildcard
// characters so user input is matched literally.
func likePattern(term string) string {
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(term)
	return "%" + escaped + "%"
}

// ListMessages returns messages for an account, newest first.
func (db *Database) ListMessages(ctx context.Context, accountID int64, opts ListMessagesOptions) ([]*Message, int64, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = consts.DefaultMessagePageSize
	}
	if limit > consts.MaxMessagePageSize {
		limit = consts.MaxMessagePageSize
	}

	where := "account_id = $1 AND deleted_at IS NULL"
	args := []interface{}{accountID}
	if opts.Folder != "" {
		args = append(args, opts.Folder)
		where += fmt.Sprintf(" AND folder = $%d", len(args))
	}
	if opts.Label != "" {
		args = append(args, opts.Label)
		where += fmt.Sprintf(" AND $%d = ANY(labels)", len(args))
	}
	if opts.Unread {
		where += " AND NOT seen"
	}
	if opts.Search != "" {
		args = append(args, likePattern(opts.Search))
		where += fmt.Sprintf(" AND (subject ILIKE $%d OR snippet ILIKE $%d)", len(args), len(args))
	}
	if opts.Sender != "" {
		args = append(args, likePattern(opts.Sender))
		where += fmt.Sprintf(" AND sender ILIKE $%d", len(args))
	}
	if !opts.Since.IsZero() {
		args = append(args, opts.Since)
		where += fmt.Sprintf(" AND sent_date >= $%d", len(args))
	}
	if !opts.Before.IsZero() {
		args = append(args, opts.Before)
		where += fmt.Sprintf(" AND sent_date < $%d", len(args))
	}

	var total int64
	if err := db.TimedQueryRow(ctx, "count_messages",
		"SELECT count(*) FROM messages WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, opts.Offset)
	rows, err := db.TimedQuery(ctx, "list_messages",
		fmt.Sprintf("SELECT %s FROM messages WHERE %s ORDER BY sent_date DESC, id DESC LIMIT $%d OFFSET $%d",
			messageColumns, where, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, msg)
	}
	return messages, total, rows.Err()
}

// MoveMessage sets the folder of one message.
func (db *Database) MoveMessage(ctx context.Context, messageID, accountID int64, folder string) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE messages SET folder = $1, updated_at = now()
		WHERE id = $2 AND account_id = $3 AND deleted_at IS NULL
	`, folder, messageID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// AddMessageLabel appends a label unless already present.
func (db *Database) AddMessageLabel(ctx context.Context, messageID, accountID int64, label string) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE messages
		SET labels = array_append(labels, $1), updated_at = now()
		WHERE id = $2 AND account_id = $3 AND deleted_at IS NULL AND NOT ($1 = ANY(labels))
	`, label, messageID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Distinguish an unknown message from an already present label.
		if _, err := db.GetMessage(ctx, messageID, accountID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveMessageLabel removes a label. Removing a label the message does
// not carry is a noop, mirroring AddMessageLabel.
func (db *Database) RemoveMessageLabel(ctx context.Context, messageID, accountID int64, label string) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE messages
		SET labels = array_remove(labels, $1), updated_at = now()
		WHERE id = $2 AND account_id = $3 AND deleted_at IS NULL AND $1 = ANY(labels)
	`, label, messageID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetMessage(ctx, messageID, accountID); err != nil {
			return err
		}
	}
	return nil
}

// SetMessageSeen marks a message read or unread.
func (db *Database) SetMessageSeen(ctx context.Context, messageID, accountID int64, seen bool) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE messages SET seen = $1, updated_at = now()
		WHERE id = $2 AND account_id = $3 AND deleted_at IS NULL
	`, seen, messageID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// SoftDeleteMessage marks a message deleted. The S3 object is left in place
// because other messages may share the same content hash.
func (db *Database) SoftDeleteMessage(ctx context.Context, messageID, accountID int64) error {
	tag, err := db.GetWritePool().Exec(ctx, `
		UPDATE messages SET deleted_at = now(), updated_at = now()
		WHERE id = $1 AND account_id = $2 AND deleted_at IS NULL
	`, messageID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// CountMessages returns the number of live messages for an account.
func (db *Database) CountMessages(ctx context.Context, accountID int64) (int64, error) {
	var count int64
	err := db.TimedQueryRow(ctx, "count_messages",
		"SELECT count(*) FROM messages WHERE account_id = $1 AND deleted_at IS NULL",
		accountID).Scan(&count)
	return count, err
}

// PurgedMessage identifies a hard-deleted message so the caller can
// decide whether its stored body is still referenced.
type PurgedMessage struct {
	ID          int64
	AccountID   int64
	ContentHash string
}

// PurgeSoftDeletedMessages removes messages whose soft-delete grace
// period has expired, up to limit rows per call. The returned rows let
// the cleanup worker delete orphaned bodies from object storage.
func (db *Database) PurgeSoftDeletedMessages(ctx context.Context, olderThan time.Duration, limit int) ([]PurgedMessage, error) {
	rows, err := db.GetWritePool().Query(ctx, `
		DELETE FROM messages
		WHERE id IN (
			SELECT id FROM messages
			WHERE deleted_at IS NOT NULL AND deleted_at < now() - $1::interval
			LIMIT $2
		)
		RETURNING id, account_id, content_hash
	`, fmt.Sprintf("%f seconds", olderThan.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var purged []PurgedMessage
	for rows.Next() {
		var p PurgedMessage
		if err := rows.Scan(&p.ID, &p.AccountID, &p.ContentHash); err != nil {
			return nil, err
		}
		purged = append(purged, p)
	}
	return purged, rows.Err()
}

// ContentHashInUse reports whether any remaining message of the account
// still references the content hash.
func (db *Database) ContentHashInUse(ctx context.Context, accountID int64, contentHash string) (bool, error) {
	var inUse bool
	err := db.TimedQueryRow(ctx, "content_hash_in_use",
		"SELECT EXISTS (SELECT 1 FROM messages WHERE account_id = $1 AND content_hash = $2)",
		accountID, contentHash).Scan(&inUse)
	return inUse, err
}
