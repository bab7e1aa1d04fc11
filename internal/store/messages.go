package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"securechat-backend/internal/models"
)

type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Insert(ctx context.Context, msg *models.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, recipient_id, sender_id, content, ciphertext, contains_sensitive, created_at, deleted, flagged)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE, FALSE)`,
		msg.ID, msg.ChannelID, msg.RecipientID, msg.SenderID, msg.Content, msg.Ciphertext, msg.ContainsSensitive, msg.CreatedAt)
	return err
}

func (s *MessageStore) UpdateContent(ctx context.Context, id int64, content string, ciphertext []byte) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET content = ?, ciphertext = ?, edited_at = ? WHERE id = ? AND deleted = FALSE",
		content, ciphertext, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *MessageStore) SoftDelete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET deleted = TRUE, deleted_at = ?, content = '', ciphertext = NULL WHERE id = ? AND deleted = FALSE",
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *MessageStore) HardDelete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *MessageStore) Find(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, channel_id, recipient_id, sender_id, content, ciphertext, contains_sensitive,
		       created_at, edited_at, deleted_at, deleted, flagged, read_at
		FROM messages WHERE id = ?`, id).
		Scan(&msg.ID, &msg.ChannelID, &msg.RecipientID, &msg.SenderID, &msg.Content, &msg.Ciphertext,
			&msg.ContainsSensitive, &msg.CreatedAt, &msg.EditedAt, &msg.DeletedAt, &msg.Deleted, &msg.Flagged, &msg.ReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}

	return &msg, nil
}

func (s *MessageStore) MarkRead(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET read_at = ? WHERE id = ? AND deleted = FALSE", time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *MessageStore) Flag(ctx context.Context, id int64, reason string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE messages SET flagged = TRUE, flag_reason = ? WHERE id = ? AND deleted = FALSE", reason, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
