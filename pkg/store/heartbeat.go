package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// Heartbeat is the last liveness signal seen from a platform connection.
type Heartbeat struct {
	Platform        message.Platform
	LastHeartbeatAt time.Time
	RawStatus       string
}

// SaveHeartbeat upserts the heartbeat record for a platform.
func (s *Store) SaveHeartbeat(ctx context.Context, platform message.Platform, ts time.Time, raw string) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO heartbeat (platform, last_heartbeat_at, raw_status)
		VALUES ($1, $2, $3)
		ON CONFLICT (platform)
		DO UPDATE SET last_heartbeat_at=excluded.last_heartbeat_at, raw_status=excluded.raw_status
	`, platform, ts.UnixMilli(), raw)
	return err
}

// GetHeartbeat fetches the heartbeat record, nil when the platform has never
// reported.
func (s *Store) GetHeartbeat(ctx context.Context, platform message.Platform) (*Heartbeat, error) {
	var hb Heartbeat
	var ts int64
	err := s.DB.QueryRow(ctx, `
		SELECT platform, last_heartbeat_at, raw_status FROM heartbeat WHERE platform=$1
	`, platform).Scan(&hb.Platform, &ts, &hb.RawStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	hb.LastHeartbeatAt = time.UnixMilli(ts)
	return &hb, nil
}
