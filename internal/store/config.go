package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetConfig reads a node_config value. ok is false when the key is unset.
func (s *Store) GetConfig(ctx context.Context, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM node_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, true, nil
}

// SetConfigIfAbsent stores value under key unless the key is already set,
// and returns whichever value is on record afterwards. Concurrent callers
// racing to initialize a key all observe the same winner.
func (s *Store) SetConfigIfAbsent(ctx context.Context, key, value string) (string, error) {
	var stored string
	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO node_config (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO NOTHING
		`, key, value, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("set config %s: %w", key, err)
		}
		return tx.tx.QueryRowContext(ctx, `SELECT value FROM node_config WHERE key = ?`, key).Scan(&stored)
	})
	if err != nil {
		return "", err
	}
	return stored, nil
}
