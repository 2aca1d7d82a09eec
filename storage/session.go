package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveSessionBlob stores the sealed session credentials as a singleton row.
func (s *Store) SaveSessionBlob(sealed []byte) error {
	if len(sealed) == 0 {
		return errors.New("sealed blob is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO session (id, sealed_blob, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET sealed_blob = excluded.sealed_blob, updated_at = excluded.updated_at`,
		sealed,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save session blob: %w", err)
	}

	return nil
}

// LoadSessionBlob returns the sealed session credentials, or ErrNotFound.
func (s *Store) LoadSessionBlob() ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT sealed_blob FROM session WHERE id = 1`).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session blob: %w", err)
	}

	return sealed, nil
}

// ClearSession deletes the persisted session row. Clearing an absent session
// is not an error.
func (s *Store) ClearSession() error {
	if _, err := s.db.Exec(`DELETE FROM session WHERE id = 1`); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
