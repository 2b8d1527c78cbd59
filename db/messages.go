package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/StarZeus/mailrelay/consts"
	"github.com/StarZeus/mailrelay/helpers"
)

// Attachment is one decoded attachment owned by its message.
type Attachment struct {
	ID          string
	MessageID   string
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// Message is an ingested mail message. It is immutable once parsed; the
// pipeline only ever reads it.
type Message struct {
	ID          string
	FromEmail   string
	ToEmail     string
	Subject     string
	Body        string
	ContentHash string
	SentDate    time.Time
	ReceivedAt  time.Time
	Attachments []*Attachment
}

// InsertMessage persists a message and its attachments in one transaction.
// Either everything is stored or nothing is, so a failed ingestion never
// leaves a partially persisted message behind.
func (db *Database) InsertMessage(ctx context.Context, msg *Message) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO messages (id, from_email, to_email, subject, body, content_hash, sent_date, received_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)`,
		msg.ID, msg.FromEmail, msg.ToEmail,
		helpers.SanitizeUTF8(msg.Subject), helpers.SanitizeUTF8(msg.Body),
		msg.ContentHash, msg.SentDate, msg.ReceivedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBInsertFailed, err)
	}

	for _, att := range msg.Attachments {
		_, err = tx.Exec(ctx, `
			INSERT INTO attachments (id, message_id, filename, content_type, size, content)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			att.ID, msg.ID, att.Filename, att.ContentType, att.Size, att.Content)
		if err != nil {
			return fmt.Errorf("%w: attachment %q: %v", consts.ErrDBInsertFailed, att.Filename, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

// GetMessage loads a message with its attachment rows (content included).
func (db *Database) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	var msg Message
	err := db.timedQueryRow(ctx, "get_message", `
		SELECT id, from_email, to_email, COALESCE(subject, ''), COALESCE(body, ''), content_hash, sent_date, received_at
		FROM messages
		WHERE id = $1`, messageID).
		Scan(&msg.ID, &msg.FromEmail, &msg.ToEmail, &msg.Subject, &msg.Body,
			&msg.ContentHash, &msg.SentDate, &msg.ReceivedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, consts.ErrDBNotFound
		}
		return nil, err
	}

	rows, err := db.timedQuery(ctx, "get_message_attachments", `
		SELECT id, message_id, filename, content_type, size, content
		FROM attachments
		WHERE message_id = $1
		ORDER BY id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var att Attachment
		if err := rows.Scan(&att.ID, &att.MessageID, &att.Filename, &att.ContentType, &att.Size, &att.Content); err != nil {
			return nil, err
		}
		msg.Attachments = append(msg.Attachments, &att)
	}
	return &msg, rows.Err()
}
