package storage

import (
	"errors"
	"fmt"
)

// UpsertConversation inserts or replaces one cached conversation row.
func (s *Store) UpsertConversation(row ConversationRow) error {
	if row.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if row.CounterpartID == "" {
		return errors.New("counterpart_id is required")
	}
	if row.UnreadCount < 0 {
		return fmt.Errorf("invalid unread count %d", row.UnreadCount)
	}

	_, err := s.db.Exec(
		`INSERT INTO conversations (
			conversation_id,
			counterpart_id,
			counterpart_name,
			last_message_id,
			last_message_text,
			last_message_at,
			unread_count
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			counterpart_id = excluded.counterpart_id,
			counterpart_name = excluded.counterpart_name,
			last_message_id = excluded.last_message_id,
			last_message_text = excluded.last_message_text,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count`,
		row.ConversationID,
		row.CounterpartID,
		row.CounterpartName,
		row.LastMessageID,
		row.LastMessageText,
		row.LastMessageAt,
		row.UnreadCount,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation %q: %w", row.ConversationID, err)
	}

	return nil
}

// ReplaceConversations atomically replaces the whole conversation cache.
// Used after a full authoritative list reload.
func (s *Store) ReplaceConversations(rows []ConversationRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin conversation replace: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversation cache: %w", err)
	}

	for _, row := range rows {
		if row.ConversationID == "" || row.CounterpartID == "" {
			continue
		}
		if _, err := tx.Exec(
			`INSERT INTO conversations (
				conversation_id,
				counterpart_id,
				counterpart_name,
				last_message_id,
				last_message_text,
				last_message_at,
				unread_count
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			row.ConversationID,
			row.CounterpartID,
			row.CounterpartName,
			row.LastMessageID,
			row.LastMessageText,
			row.LastMessageAt,
			row.UnreadCount,
		); err != nil {
			return fmt.Errorf("insert conversation %q: %w", row.ConversationID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit conversation replace: %w", err)
	}

	return nil
}

// ListConversations returns cached conversations in descending last-message order.
func (s *Store) ListConversations() ([]ConversationRow, error) {
	rows, err := s.db.Query(
		`SELECT
			conversation_id,
			counterpart_id,
			counterpart_name,
			COALESCE(last_message_id, ''),
			last_message_text,
			last_message_at,
			unread_count
		FROM conversations
		ORDER BY last_message_at DESC, conversation_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]ConversationRow, 0)
	for rows.Next() {
		var row ConversationRow
		if err := rows.Scan(
			&row.ConversationID,
			&row.CounterpartID,
			&row.CounterpartName,
			&row.LastMessageID,
			&row.LastMessageText,
			&row.LastMessageAt,
			&row.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	return conversations, nil
}
