package storage

import (
	"errors"
	"fmt"
)

// SaveMessage inserts or replaces one cached confirmed message row.
// Only server-confirmed messages belong in the cache; pending entries live in
// memory until reconciliation.
func (s *Store) SaveMessage(row MessageRow) error {
	if row.MessageID == "" {
		return errors.New("message_id is required")
	}
	if row.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if row.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if row.Content == "" {
		return errors.New("content is required")
	}
	if row.CreatedAt == 0 {
		row.CreatedAt = nowUnixMilli()
	}

	isRead := 0
	if row.IsRead {
		isRead = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			conversation_id,
			sender_id,
			sender_name,
			content,
			created_at,
			is_read,
			read_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			is_read = excluded.is_read,
			read_by = excluded.read_by`,
		row.MessageID,
		row.ConversationID,
		row.SenderID,
		row.SenderName,
		row.Content,
		row.CreatedAt,
		isRead,
		joinReadBy(row.ReadBy),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", row.MessageID, err)
	}

	return nil
}

// GetMessages returns a conversation's cached messages ordered by creation time.
func (s *Store) GetMessages(conversationID string, limit, offset int) ([]MessageRow, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(conversationID, limit, offset)
}

// queryMessages is GetMessages without the default page size; limit <= 0
// returns every row.
func (s *Store) queryMessages(conversationID string, limit, offset int) ([]MessageRow, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		// SQLite treats a negative LIMIT as unbounded.
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			conversation_id,
			sender_id,
			sender_name,
			content,
			created_at,
			is_read,
			read_by
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, message_id
		LIMIT ? OFFSET ?`,
		conversationID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for conversation %q: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]MessageRow, 0)
	for rows.Next() {
		var (
			row    MessageRow
			isRead int
			readBy string
		)
		if err := rows.Scan(
			&row.MessageID,
			&row.ConversationID,
			&row.SenderID,
			&row.SenderName,
			&row.Content,
			&row.CreatedAt,
			&isRead,
			&readBy,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		row.IsRead = isRead == 1
		row.ReadBy = splitReadBy(readBy)
		messages = append(messages, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// MarkConversationReadBy records a reader on every cached message of a
// conversation not authored by that reader. The update is monotonic.
func (s *Store) MarkConversationReadBy(conversationID, readerID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	if readerID == "" {
		return errors.New("reader_id is required")
	}

	rows, err := s.queryMessages(conversationID, -1, 0)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if row.SenderID == readerID {
			continue
		}
		already := false
		for _, reader := range row.ReadBy {
			if reader == readerID {
				already = true
				break
			}
		}
		if already {
			continue
		}
		row.ReadBy = append(row.ReadBy, readerID)
		if _, err := s.db.Exec(
			`UPDATE messages SET is_read = 1, read_by = ? WHERE message_id = ?`,
			joinReadBy(row.ReadBy),
			row.MessageID,
		); err != nil {
			return fmt.Errorf("mark message %q read: %w", row.MessageID, err)
		}
	}

	return nil
}

// DeleteConversationMessages drops all cached messages for one conversation.
func (s *Store) DeleteConversationMessages(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}
	if _, err := s.db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages for conversation %q: %w", conversationID, err)
	}
	return nil
}
