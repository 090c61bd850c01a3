package forward

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/meowcat-dev/qtbridge/pkg/message"
	"github.com/meowcat-dev/qtbridge/pkg/store"
)

// Telegram rejects captions longer than this.
const captionLimit = 1024

// DeliverToTelegram executes a translated message against the Telegram side.
// Text segments collapse into a single send; each media segment becomes its
// own API call. Returns the id of the primary (first) message sent, or ""
// when the message degraded to nothing.
//
// A failure of the first send fails the whole delivery so the retry queue can
// replay it. Once something landed, later media failures are logged and
// skipped instead, so a replay cannot duplicate the parts that already went
// through.
func (f *Forwarder) DeliverToTelegram(ctx context.Context, conversation string, msg message.Message) (string, error) {
	var replyTo string
	var text strings.Builder
	var mediaSegs []message.Segment
	for _, seg := range msg {
		switch seg.Type {
		case message.SegReply:
			if replyTo == "" {
				replyTo = seg.Get("id")
			}
		case message.SegText:
			text.WriteString(seg.Get("text"))
		default:
			mediaSegs = append(mediaSegs, seg)
		}
	}
	txt := text.String()

	if len(mediaSegs) == 0 {
		if strings.TrimSpace(txt) == "" {
			return "", nil
		}
		return f.tg.SendText(ctx, conversation, txt, replyTo)
	}

	// Single media item with short text rides along as the caption.
	if len(mediaSegs) == 1 && mediaSegs[0].Type != message.SegSticker && utf8.RuneCountInString(txt) <= captionLimit {
		return f.sendTGMedia(ctx, conversation, mediaSegs[0], txt, replyTo)
	}

	var primary string
	if strings.TrimSpace(txt) != "" {
		id, err := f.tg.SendText(ctx, conversation, txt, replyTo)
		if err != nil {
			return "", err
		}
		primary = id
		replyTo = ""
	}
	for _, seg := range mediaSegs {
		id, err := f.sendTGMedia(ctx, conversation, seg, seg.Get("caption"), replyTo)
		replyTo = ""
		if err != nil {
			if primary == "" {
				return "", err
			}
			f.log.Warn().Err(err).Str("type", string(seg.Type)).Msg("Dropping media item after partial delivery")
			continue
		}
		if primary == "" {
			primary = id
		}
	}
	return primary, nil
}

func (f *Forwarder) sendTGMedia(ctx context.Context, conversation string, seg message.Segment, caption, replyTo string) (string, error) {
	if seg.Type == message.SegSticker {
		return f.tg.SendSticker(ctx, conversation, seg.Get("file_id"), replyTo)
	}

	var kind MediaKind
	switch seg.Type {
	case message.SegImage:
		kind = MediaPhoto
	case message.SegAnimation:
		kind = MediaAnimation
	case message.SegVideo:
		kind = MediaVideo
	case message.SegVoice:
		kind = MediaVoice
	case message.SegFile:
		kind = MediaDocument
		if caption == "" {
			caption = seg.Get("name")
		}
	default:
		return f.tg.SendText(ctx, conversation, "["+string(seg.Type)+"]", replyTo)
	}

	msgID, fileID, err := f.tg.SendMedia(ctx, kind, conversation, seg.Get("media"), caption, replyTo)
	if err != nil {
		return "", err
	}
	if fp := seg.Get("fingerprint"); fp != "" && fileID != "" {
		saveErr := f.store.SaveMediaFingerprint(ctx, store.MediaFingerprint{
			Hash:       fp,
			PeerFileID: fileID,
			MediaKind:  string(kind),
			IsAnimated: kind == MediaAnimation,
			MimeType:   seg.Get("mime"),
		})
		if saveErr != nil {
			f.log.Warn().Err(saveErr).Msg("Failed to record uploaded file id")
		}
	}
	return msgID, nil
}

// DeliverToQQ executes a translated message against the QQ side as one send.
func (f *Forwarder) DeliverToQQ(ctx context.Context, conversationID string, kind message.ConversationKind, msg message.Message) (string, error) {
	if len(msg) == 0 {
		return "", nil
	}
	return f.qq.SendMessage(ctx, conversationID, kind, msg)
}

// RetrySender adapts the forwarder for the retry queue: it replays a durable
// pending send against the record's target platform.
func (f *Forwarder) RetrySender(ctx context.Context, rec *store.SendRetry, msg message.Message) (string, error) {
	if rec.TargetPlatform == message.PlatformTelegram {
		conversation := rec.ConversationID
		if rec.TargetTopicID != "" {
			conversation += ":" + rec.TargetTopicID
		}
		return f.DeliverToTelegram(ctx, conversation, msg)
	}
	kind := message.ConversationGroup
	if route := f.routes.ByQQ(rec.ConversationID); route != nil {
		kind = qqKind(route)
	}
	return f.DeliverToQQ(ctx, rec.ConversationID, kind, msg)
}
