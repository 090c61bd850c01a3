package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// UserInfo is the per-conversation display-name overlay for a platform user.
// ConversationID "" holds the platform-global record.
type UserInfo struct {
	Platform       message.Platform
	UserID         string
	ConversationID string
	Nickname       string
	GroupCard      string
	Title          string
	LastUpdated    time.Time
}

// DisplayName resolves the effective name: group card wins over title, title
// over nickname, nickname over the bare user id.
func (u *UserInfo) DisplayName() string {
	switch {
	case u.GroupCard != "":
		return u.GroupCard
	case u.Title != "":
		return u.Title
	case u.Nickname != "":
		return u.Nickname
	default:
		return u.UserID
	}
}

// SaveUser upserts a display-info record, bumping last_updated.
func (s *Store) SaveUser(ctx context.Context, u UserInfo) error {
	updated := u.LastUpdated
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO user_info (platform, user_id, conversation_id, nickname, group_card, title, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (platform, user_id, conversation_id)
		DO UPDATE SET nickname=excluded.nickname, group_card=excluded.group_card,
		              title=excluded.title, last_updated=excluded.last_updated
	`, u.Platform, u.UserID, u.ConversationID, u.Nickname, u.GroupCard, u.Title, updated.UnixMilli())
	return err
}

// GetUser fetches a record, falling back from the conversation-scoped row to
// the global one. Returns nil when neither exists.
func (s *Store) GetUser(ctx context.Context, platform message.Platform, userID, conversationID string) (*UserInfo, error) {
	u, err := s.getUserExact(ctx, platform, userID, conversationID)
	if err != nil || u != nil {
		return u, err
	}
	if conversationID == "" {
		return nil, nil
	}
	return s.getUserExact(ctx, platform, userID, "")
}

func (s *Store) getUserExact(ctx context.Context, platform message.Platform, userID, conversationID string) (*UserInfo, error) {
	var u UserInfo
	var updated int64
	err := s.DB.QueryRow(ctx, `
		SELECT platform, user_id, conversation_id, nickname, group_card, title, last_updated
		FROM user_info WHERE platform=$1 AND user_id=$2 AND conversation_id=$3
	`, platform, userID, conversationID).Scan(&u.Platform, &u.UserID, &u.ConversationID, &u.Nickname, &u.GroupCard, &u.Title, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.LastUpdated = time.UnixMilli(updated)
	return &u, nil
}

// GetDisplayName resolves the effective display name, falling back to the
// bare user id when nothing is cached. Never fails the caller: lookup errors
// degrade to the user id.
func (s *Store) GetDisplayName(ctx context.Context, platform message.Platform, userID, conversationID string) string {
	u, err := s.GetUser(ctx, platform, userID, conversationID)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("Display name lookup failed")
		return userID
	}
	if u == nil {
		return userID
	}
	return u.DisplayName()
}

// ShouldRefreshUser reports whether the cached record for the triple is
// missing or older than interval, throttling API-side refreshes.
func (s *Store) ShouldRefreshUser(ctx context.Context, platform message.Platform, userID, conversationID string, interval time.Duration) bool {
	u, err := s.getUserExact(ctx, platform, userID, conversationID)
	if err != nil || u == nil {
		return true
	}
	return time.Since(u.LastUpdated) >= interval
}
