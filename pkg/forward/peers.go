package forward

import (
	"context"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// PeerProfile is the display info a platform exposes for a user.
type PeerProfile struct {
	Nickname string
	Card     string
	Title    string
}

// ForwardNode is one entry of an expanded forwarded-bundle transcript.
type ForwardNode struct {
	Sender string
	Text   string
}

// MediaKind selects the Telegram upload method for a media item.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaAnimation MediaKind = "animation"
	MediaVideo     MediaKind = "video"
	MediaVoice     MediaKind = "voice"
	MediaAudio     MediaKind = "audio"
	MediaDocument  MediaKind = "document"
)

// QQPeer is what the forwarder needs from the QQ connection.
type QQPeer interface {
	SendMessage(ctx context.Context, conversationID string, kind message.ConversationKind, msg message.Message) (string, error)
	DeleteMessage(ctx context.Context, messageID string) error
	MemberProfile(ctx context.Context, conversationID, userID string) (*PeerProfile, error)
	ResolveFileURL(ctx context.Context, kind, fileID string) (string, error)
	ExpandForward(ctx context.Context, forwardID string) ([]ForwardNode, error)
}

// TGPeer is what the forwarder needs from the Telegram connection.
type TGPeer interface {
	SendText(ctx context.Context, conversation, text, replyTo string) (string, error)
	// SendMedia returns the new message id plus the platform-assigned file id
	// of the upload, which feeds the fingerprint cache.
	SendMedia(ctx context.Context, kind MediaKind, conversation, media, caption, replyTo string) (msgID, fileID string, err error)
	SendSticker(ctx context.Context, conversation, fileID, replyTo string) (string, error)
	DeleteMessage(ctx context.Context, conversation, msgID string) error
	MemberProfile(ctx context.Context, conversation, userID string) (*PeerProfile, error)
	ResolveFileURL(ctx context.Context, fileID string) (string, error)
}

// MediaProber abstracts the media engine's animation sniffing, dimension
// decoding and URL reachability checks so translation is testable without
// network access.
type MediaProber interface {
	ProbeAnimated(ctx context.Context, url string) (mime string, animated bool)
	ProbeDimensions(ctx context.Context, url string) (width, height int)
	Recheck(ctx context.Context, url string) bool
}
