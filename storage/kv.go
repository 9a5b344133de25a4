package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	if key == "" {
		return "", errors.New("key is required")
	}

	var value string
	if err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get kv %q: %w", key, err)
	}

	return value, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	if key == "" {
		return errors.New("key is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("set kv %q: %w", key, err)
	}

	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(key string) error {
	if key == "" {
		return errors.New("key is required")
	}

	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove kv %q: %w", key, err)
	}

	return nil
}

// Keys lists stored keys that start with prefix, in ascending order.
func (s *Store) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT key FROM kv WHERE key >= ? ORDER BY key ASC`,
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list kv keys with prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan kv key: %w", err)
		}
		// Keys sort bytewise, so the first miss ends the prefix range.
		if !strings.HasPrefix(key, prefix) {
			break
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv keys: %w", err)
	}

	return keys, nil
}
