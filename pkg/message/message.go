// Package message defines the platform-neutral message model shared by both
// sides of the bridge. A message is an ordered list of typed segments; events
// wrap messages (or notices) together with their source platform identity.
package message

import (
	"strings"
	"time"
)

// Platform identifies one side of the bridge.
type Platform string

const (
	PlatformQQ       Platform = "qq"
	PlatformTelegram Platform = "telegram"
)

// Peer returns the opposite side of the bridge.
func (p Platform) Peer() Platform {
	if p == PlatformQQ {
		return PlatformTelegram
	}
	return PlatformQQ
}

// SegmentType identifies the kind of content carried by a segment.
type SegmentType string

const (
	SegText      SegmentType = "text"
	SegImage     SegmentType = "image"
	SegVideo     SegmentType = "video"
	SegVoice     SegmentType = "voice"
	SegFile      SegmentType = "file"
	SegSticker   SegmentType = "sticker"
	SegAnimation SegmentType = "animation"
	SegFace      SegmentType = "face"
	SegMention   SegmentType = "mention"
	SegReply     SegmentType = "reply"
	SegForward   SegmentType = "forward"
	SegNode      SegmentType = "node"
	SegCard      SegmentType = "card"
	SegMusic     SegmentType = "music"
	SegShare     SegmentType = "share"
)

// Segment is one typed piece of a message. Data keys are type-specific;
// unrecognized keys are carried through untouched so downstream consumers can
// still see them.
type Segment struct {
	Type SegmentType       `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// Get returns the named attribute or "" when absent.
func (s Segment) Get(key string) string {
	if s.Data == nil {
		return ""
	}
	return s.Data[key]
}

// Message is an ordered sequence of segments. An empty message is valid and
// represents a no-op (pure notice events have no content to forward).
type Message []Segment

// Text creates a plain text segment.
func Text(text string) Segment {
	return Segment{Type: SegText, Data: map[string]string{"text": text}}
}

// Reply creates a reply segment pointing at a message id on the same platform.
func Reply(messageID string) Segment {
	return Segment{Type: SegReply, Data: map[string]string{"id": messageID}}
}

// Mention creates a mention segment for the given user id.
func Mention(userID string) Segment {
	return Segment{Type: SegMention, Data: map[string]string{"user_id": userID}}
}

// PlainText concatenates the text content of all text segments.
func (m Message) PlainText() string {
	var sb strings.Builder
	for _, seg := range m {
		if seg.Type == SegText {
			sb.WriteString(seg.Get("text"))
		}
	}
	return sb.String()
}

// CountType returns how many segments of the given type the message contains.
func (m Message) CountType(t SegmentType) int {
	n := 0
	for _, seg := range m {
		if seg.Type == t {
			n++
		}
	}
	return n
}

// ConversationKind distinguishes group chats from direct chats.
type ConversationKind string

const (
	ConversationGroup   ConversationKind = "group"
	ConversationPrivate ConversationKind = "private"
)

// Event is the union of everything a connection manager can deliver.
type Event interface {
	EventPlatform() Platform
}

// MessageEvent is an inbound chat message. (platform, MessageID) is globally
// unique; ReplyTo is empty when the message is not a reply.
type MessageEvent struct {
	Platform       Platform
	ConversationID string
	UserID         string
	MessageID      string
	Segments       Message
	RawText        string
	ReplyTo        string
	Timestamp      time.Time
	Kind           ConversationKind

	// Display hints captured from the event itself, used to warm the
	// user-info cache without an extra API round trip.
	SenderNickname string
	SenderCard     string
	SenderTitle    string
}

func (e *MessageEvent) EventPlatform() Platform { return e.Platform }

// NoticeKind classifies non-message events.
type NoticeKind string

const (
	NoticeRecall    NoticeKind = "recall"
	NoticeJoin      NoticeKind = "join"
	NoticeLeave     NoticeKind = "leave"
	NoticeEdit      NoticeKind = "edit"
	NoticeHeartbeat NoticeKind = "heartbeat"
	NoticeOther     NoticeKind = "other"
)

// NoticeEvent is a membership / recall / edit / heartbeat notification.
type NoticeEvent struct {
	Platform       Platform
	Kind           NoticeKind
	ConversationID string
	UserID         string
	AffectedID     string
	Timestamp      time.Time
	Raw            string

	// Edited carries the replacement content for edit notices.
	Edited *MessageEvent
}

func (e *NoticeEvent) EventPlatform() Platform { return e.Platform }

// UnknownEvent preserves frames the adapter could not classify. They are
// logged and dropped by the router, never fatal.
type UnknownEvent struct {
	Platform Platform
	Raw      string
}

func (e *UnknownEvent) EventPlatform() Platform { return e.Platform }
