package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TrackingSession is one user-data stream connection window.
type TrackingSession struct {
	ID             int64
	AccountID      int64
	Venue          string
	ConnectedAt    time.Time
	DisconnectedAt sql.NullTime
	CreatedAt      time.Time
}

// TrackingLog is one lifecycle observation inside a session:
// connected, renewed, reconnected, parse alerts.
type TrackingLog struct {
	ID        int64
	SessionID int64
	AccountID int64
	Event     string
	Detail    string
	CreatedAt time.Time
}

// StartTrackingSession opens a session row and returns its id.
func (d *Database) StartTrackingSession(ctx context.Context, accountID int64, venue string) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO tracking_sessions (account_id, venue) VALUES (?, ?)
	`, accountID, venue)
	if err != nil {
		return 0, fmt.Errorf("start tracking session: %w", err)
	}
	return res.LastInsertId()
}

// EndTrackingSession stamps the disconnect time.
func (d *Database) EndTrackingSession(ctx context.Context, id int64) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE tracking_sessions SET disconnected_at = CURRENT_TIMESTAMP
		WHERE id = ? AND disconnected_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("end tracking session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTrackingLog records one session event.
func (d *Database) AppendTrackingLog(ctx context.Context, l TrackingLog) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO tracking_logs (session_id, account_id, event, detail)
		VALUES (?, ?, ?, ?)
	`, l.SessionID, l.AccountID, l.Event, l.Detail)
	if err != nil {
		return fmt.Errorf("append tracking log: %w", err)
	}
	return nil
}

// ListTrackingLogs returns recent logs for an account, newest first.
func (d *Database) ListTrackingLogs(ctx context.Context, accountID int64, limit int) ([]TrackingLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, session_id, account_id, event, detail, created_at
		FROM tracking_logs WHERE account_id = ?
		ORDER BY id DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tracking logs: %w", err)
	}
	defer rows.Close()

	var res []TrackingLog
	for rows.Next() {
		var l TrackingLog
		if err := rows.Scan(&l.ID, &l.SessionID, &l.AccountID, &l.Event, &l.Detail, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tracking log: %w", err)
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// OpenTrackingSession returns the account's session without a
// disconnect stamp, if one exists.
func (d *Database) OpenTrackingSession(ctx context.Context, accountID int64) (*TrackingSession, error) {
	var s TrackingSession
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, account_id, venue, connected_at, disconnected_at, created_at
		FROM tracking_sessions
		WHERE account_id = ? AND disconnected_at IS NULL
		ORDER BY id DESC LIMIT 1
	`, accountID).Scan(&s.ID, &s.AccountID, &s.Venue, &s.ConnectedAt, &s.DisconnectedAt, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tracking session: %w", err)
	}
	return &s, nil
}
