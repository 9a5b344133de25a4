package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"megagram/models"
)

// SaveMessages upserts a batch of messages into one conversation's archive.
func (s *Store) SaveMessages(conversationKey string, messages []models.Message) error {
	if conversationKey == "" {
		return errors.New("conversation_key is required")
	}
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save messages transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(
		`INSERT INTO messages (
			conversation_key,
			message_id,
			sender,
			recipient,
			main_wallet,
			content,
			timestamp,
			tx_hash,
			status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_key, message_id) DO UPDATE SET
			sender = excluded.sender,
			recipient = excluded.recipient,
			main_wallet = excluded.main_wallet,
			content = excluded.content,
			timestamp = excluded.timestamp,
			tx_hash = excluded.tx_hash,
			status = excluded.status`,
	)
	if err != nil {
		return fmt.Errorf("prepare save messages: %w", err)
	}
	defer stmt.Close()

	for _, message := range messages {
		row := archivedFromModel(conversationKey, message)
		if row.MessageID == "" {
			return errors.New("message_id is required")
		}
		if row.Status == "" {
			row.Status = messageStatusDelivered
		}
		if err := validateMessageStatus(row.Status); err != nil {
			return err
		}

		if _, err := stmt.Exec(
			row.ConversationKey,
			row.MessageID,
			row.Sender,
			row.Recipient,
			row.MainWallet,
			row.Content,
			row.Timestamp,
			row.TxHash,
			row.Status,
		); err != nil {
			return fmt.Errorf("upsert message %q: %w", row.MessageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save messages transaction: %w", err)
	}

	return nil
}

// GetMessages returns the most recent limit messages of a conversation in
// ascending timestamp order.
func (s *Store) GetMessages(conversationKey string, limit int) ([]models.Message, error) {
	if conversationKey == "" {
		return nil, errors.New("conversation_key is required")
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}

	rows, err := s.db.Query(
		`SELECT * FROM (
			SELECT
				conversation_key,
				message_id,
				sender,
				recipient,
				main_wallet,
				content,
				timestamp,
				tx_hash,
				status
			FROM messages
			WHERE conversation_key = ?
			ORDER BY timestamp DESC, message_id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, message_id ASC`,
		conversationKey,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for conversation %q: %w", conversationKey, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		row, err := scanArchivedMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, row.Model())
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessageByID fetches one archived message.
func (s *Store) GetMessageByID(conversationKey, messageID string) (*models.Message, error) {
	if conversationKey == "" {
		return nil, errors.New("conversation_key is required")
	}
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			conversation_key,
			message_id,
			sender,
			recipient,
			main_wallet,
			content,
			timestamp,
			tx_hash,
			status
		FROM messages
		WHERE conversation_key = ? AND message_id = ?`,
		conversationKey,
		messageID,
	)

	archived, err := scanArchivedMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	message := archived.Model()
	return &message, nil
}

// MarkDelivered flips archived pending messages carrying txHash to delivered.
func (s *Store) MarkDelivered(txHash string) (int64, error) {
	if txHash == "" {
		return 0, errors.New("tx_hash is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET status = ?
		WHERE tx_hash = ? AND status = ?`,
		messageStatusDelivered,
		txHash,
		messageStatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("mark delivered for tx %q: %w", txHash, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for mark delivered %q: %w", txHash, err)
	}

	return rowsAffected, nil
}

// DeleteConversation removes every archived message of a conversation.
func (s *Store) DeleteConversation(conversationKey string) (int64, error) {
	if conversationKey == "" {
		return 0, errors.New("conversation_key is required")
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE conversation_key = ?`, conversationKey)
	if err != nil {
		return 0, fmt.Errorf("delete conversation %q: %w", conversationKey, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for delete conversation %q: %w", conversationKey, err)
	}

	return rowsAffected, nil
}

func scanArchivedMessage(row scanner) (*ArchivedMessage, error) {
	var (
		message ArchivedMessage
		status  sql.NullString
	)

	if err := row.Scan(
		&message.ConversationKey,
		&message.MessageID,
		&message.Sender,
		&message.Recipient,
		&message.MainWallet,
		&message.Content,
		&message.Timestamp,
		&message.TxHash,
		&status,
	); err != nil {
		return nil, err
	}

	message.Status = nullString(status)
	if message.Status == "" {
		message.Status = messageStatusDelivered
	}

	return &message, nil
}
