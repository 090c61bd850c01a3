package store

import (
	"context"
	"time"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// SendRetry is a durable pending forward. Payload carries the serialized
// already-translated segments so a retry does not depend on re-translating.
type SendRetry struct {
	SourcePlatform       message.Platform
	SourceMessageID      string
	TargetPlatform       message.Platform
	Payload              []byte
	ConversationID       string
	SourceConversationID string
	TargetTopicID        string
	AttemptCount         int
	MaxAttempts          int
	NextAttemptAt        time.Time
	LastFailureReason    string
	CreatedAt            time.Time
}

// DownloadRetry is a durable pending media download.
type DownloadRetry struct {
	Platform          message.Platform
	FileID            string
	Kind              string
	URL               string
	LocalPath         string
	UseProxy          bool
	AttemptCount      int
	MaxAttempts       int
	NextAttemptAt     time.Time
	LastFailureReason string
	CreatedAt         time.Time
}

// AddSendRetry inserts or refreshes a pending send. A re-enqueue of the same
// source message replaces the payload but keeps the attempt counter of the
// existing row, so a flapping peer cannot reset the budget.
func (s *Store) AddSendRetry(ctx context.Context, r SendRetry) error {
	now := time.Now()
	_, err := s.DB.Exec(ctx, `
		INSERT INTO retry_send (source_platform, source_message_id, target_platform, payload,
		                        conversation_id, source_conversation_id, target_topic_id,
		                        attempt_count, max_attempts, next_attempt_at, last_failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (source_platform, source_message_id, target_platform)
		DO UPDATE SET payload=excluded.payload, next_attempt_at=excluded.next_attempt_at,
		              last_failure_reason=excluded.last_failure_reason
	`, r.SourcePlatform, r.SourceMessageID, r.TargetPlatform, r.Payload,
		r.ConversationID, r.SourceConversationID, r.TargetTopicID,
		r.AttemptCount, r.MaxAttempts, r.NextAttemptAt.UnixMilli(), r.LastFailureReason, now.UnixMilli())
	return err
}

// AddDownloadRetry inserts or refreshes a pending download.
func (s *Store) AddDownloadRetry(ctx context.Context, r DownloadRetry) error {
	now := time.Now()
	_, err := s.DB.Exec(ctx, `
		INSERT INTO retry_download (platform, file_id, kind, url, local_path, use_proxy,
		                            attempt_count, max_attempts, next_attempt_at, last_failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (platform, file_id)
		DO UPDATE SET url=excluded.url, local_path=excluded.local_path, use_proxy=excluded.use_proxy,
		              next_attempt_at=excluded.next_attempt_at, last_failure_reason=excluded.last_failure_reason
	`, r.Platform, r.FileID, r.Kind, r.URL, r.LocalPath, r.UseProxy,
		r.AttemptCount, r.MaxAttempts, r.NextAttemptAt.UnixMilli(), r.LastFailureReason, now.UnixMilli())
	return err
}

// DueSendRetries fetches up to limit pending sends whose next attempt time
// has passed, oldest first.
func (s *Store) DueSendRetries(ctx context.Context, now time.Time, limit int) ([]*SendRetry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT source_platform, source_message_id, target_platform, payload,
		       conversation_id, source_conversation_id, target_topic_id,
		       attempt_count, max_attempts, next_attempt_at, last_failure_reason, created_at
		FROM retry_send WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at ASC LIMIT $2
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SendRetry
	for rows.Next() {
		var r SendRetry
		var next, created int64
		err = rows.Scan(&r.SourcePlatform, &r.SourceMessageID, &r.TargetPlatform, &r.Payload,
			&r.ConversationID, &r.SourceConversationID, &r.TargetTopicID,
			&r.AttemptCount, &r.MaxAttempts, &next, &r.LastFailureReason, &created)
		if err != nil {
			return nil, err
		}
		r.NextAttemptAt = time.UnixMilli(next)
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// DueDownloadRetries fetches up to limit pending downloads due for retry.
func (s *Store) DueDownloadRetries(ctx context.Context, now time.Time, limit int) ([]*DownloadRetry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT platform, file_id, kind, url, local_path, use_proxy,
		       attempt_count, max_attempts, next_attempt_at, last_failure_reason, created_at
		FROM retry_download WHERE next_attempt_at <= $1
		ORDER BY next_attempt_at ASC LIMIT $2
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*DownloadRetry
	for rows.Next() {
		var r DownloadRetry
		var next, created int64
		err = rows.Scan(&r.Platform, &r.FileID, &r.Kind, &r.URL, &r.LocalPath, &r.UseProxy,
			&r.AttemptCount, &r.MaxAttempts, &next, &r.LastFailureReason, &created)
		if err != nil {
			return nil, err
		}
		r.NextAttemptAt = time.UnixMilli(next)
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpdateSendRetry persists a failed attempt's new counter and schedule.
func (s *Store) UpdateSendRetry(ctx context.Context, r *SendRetry) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE retry_send SET attempt_count=$1, next_attempt_at=$2, last_failure_reason=$3
		WHERE source_platform=$4 AND source_message_id=$5 AND target_platform=$6
	`, r.AttemptCount, r.NextAttemptAt.UnixMilli(), r.LastFailureReason,
		r.SourcePlatform, r.SourceMessageID, r.TargetPlatform)
	return err
}

// UpdateDownloadRetry persists a failed attempt's new counter, schedule and
// proxy toggle. max_attempts is included because the proxy-to-direct flip
// grants one extra attempt.
func (s *Store) UpdateDownloadRetry(ctx context.Context, r *DownloadRetry) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE retry_download SET attempt_count=$1, max_attempts=$2, next_attempt_at=$3, last_failure_reason=$4, use_proxy=$5
		WHERE platform=$6 AND file_id=$7
	`, r.AttemptCount, r.MaxAttempts, r.NextAttemptAt.UnixMilli(), r.LastFailureReason, r.UseProxy,
		r.Platform, r.FileID)
	return err
}

// DeleteSendRetry removes a pending send (success, exhaustion, or recall of
// the source message before it landed).
func (s *Store) DeleteSendRetry(ctx context.Context, srcPlatform message.Platform, srcID string, tgtPlatform message.Platform) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM retry_send
		WHERE source_platform=$1 AND source_message_id=$2 AND target_platform=$3
	`, srcPlatform, srcID, tgtPlatform)
	return err
}

// DeleteDownloadRetry removes a pending download.
func (s *Store) DeleteDownloadRetry(ctx context.Context, platform message.Platform, fileID string) error {
	_, err := s.DB.Exec(ctx, `
		DELETE FROM retry_download WHERE platform=$1 AND file_id=$2
	`, platform, fileID)
	return err
}
