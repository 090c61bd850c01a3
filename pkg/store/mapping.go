package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// Mapping records that a source message has a forwarded copy on the target
// platform. (source_platform, source_message_id, target_platform) is unique:
// at most one forwarded copy per source on a given target.
type Mapping struct {
	SourcePlatform  message.Platform
	SourceMessageID string
	TargetPlatform  message.Platform
	TargetMessageID string
	CreatedAt       time.Time
}

// AddMapping inserts a mapping. Returns false without error when the mapping
// already exists (duplicate forward).
func (s *Store) AddMapping(ctx context.Context, m Mapping) (bool, error) {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	res, err := s.DB.Exec(ctx, `
		INSERT INTO message_mapping (source_platform, source_message_id, target_platform, target_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_platform, source_message_id, target_platform) DO NOTHING
	`, m.SourcePlatform, m.SourceMessageID, m.TargetPlatform, m.TargetMessageID, createdAt.UnixMilli())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return true, nil
	}
	return rows > 0, nil
}

// GetTargetID looks up the forwarded copy of a source message on the target
// platform. An empty result with nil error means no mapping exists.
func (s *Store) GetTargetID(ctx context.Context, srcPlatform message.Platform, srcID string, tgtPlatform message.Platform) (string, error) {
	var targetID string
	err := s.DB.QueryRow(ctx, `
		SELECT target_message_id FROM message_mapping
		WHERE source_platform=$1 AND source_message_id=$2 AND target_platform=$3
	`, srcPlatform, srcID, tgtPlatform).Scan(&targetID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return targetID, err
}

// GetSourceID is the reverse lookup: given a forwarded copy on srcPlatform,
// find the original message id on originPlatform.
func (s *Store) GetSourceID(ctx context.Context, srcPlatform message.Platform, srcID string, originPlatform message.Platform) (string, error) {
	var sourceID string
	err := s.DB.QueryRow(ctx, `
		SELECT source_message_id FROM message_mapping
		WHERE target_platform=$1 AND target_message_id=$2 AND source_platform=$3
	`, srcPlatform, srcID, originPlatform).Scan(&sourceID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return sourceID, err
}

// FindCounterpart resolves a message id on platform to its counterpart on
// peer, regardless of which side originated the message. Used for reply
// threading and recall propagation.
func (s *Store) FindCounterpart(ctx context.Context, platform message.Platform, id string, peer message.Platform) (string, error) {
	target, err := s.GetTargetID(ctx, platform, id, peer)
	if err != nil || target != "" {
		return target, err
	}
	return s.GetSourceID(ctx, platform, id, peer)
}

// DeleteMapping removes a mapping, returning whether a row existed.
func (s *Store) DeleteMapping(ctx context.Context, srcPlatform message.Platform, srcID string, tgtPlatform message.Platform) (bool, error) {
	res, err := s.DB.Exec(ctx, `
		DELETE FROM message_mapping
		WHERE source_platform=$1 AND source_message_id=$2 AND target_platform=$3
	`, srcPlatform, srcID, tgtPlatform)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return rows > 0, nil
}
