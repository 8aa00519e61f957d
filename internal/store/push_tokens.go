package store

import (
	"context"
)

// RegisterPushToken registers or updates a device push token for a user
func (s *Store) RegisterPushToken(ctx context.Context, userID, token, platform string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO device_push_tokens (id, user_id, token, platform)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, token) DO UPDATE SET
			platform = EXCLUDED.platform,
			created_at = NOW()
	`, newID(), userID, token, platform)
	return err
}

// UnregisterPushToken removes a device push token
func (s *Store) UnregisterPushToken(ctx context.Context, token string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM device_push_tokens WHERE token = $1
	`, token)
	return err
}

// GetUserPushTokens returns all push tokens for a user
func (s *Store) GetUserPushTokens(ctx context.Context, userID string) ([]DevicePushToken, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, token, platform, created_at
		FROM device_push_tokens
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []DevicePushToken
	for rows.Next() {
		var t DevicePushToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform, &t.CreatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
