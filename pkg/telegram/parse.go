package telegram

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// ParseUpdate classifies one getUpdates entry into a neutral event. Updates
// the bridge does not handle yield nil and are skipped silently.
func ParseUpdate(update gjson.Result) message.Event {
	switch {
	case update.Get("message").Exists():
		return parseMessage(update.Get("message"))
	case update.Get("edited_message").Exists():
		edited := update.Get("edited_message")
		msgEvt, ok := parseMessage(edited).(*message.MessageEvent)
		if !ok {
			return nil
		}
		return &message.NoticeEvent{
			Platform:       message.PlatformTelegram,
			Kind:           message.NoticeEdit,
			ConversationID: msgEvt.ConversationID,
			UserID:         msgEvt.UserID,
			AffectedID:     msgEvt.MessageID,
			Timestamp:      msgEvt.Timestamp,
			Raw:            edited.Raw,
			Edited:         msgEvt,
		}
	default:
		return &message.UnknownEvent{Platform: message.PlatformTelegram, Raw: update.Raw}
	}
}

func parseMessage(msg gjson.Result) message.Event {
	chat := msg.Get("chat")
	if !msg.Get("message_id").Exists() || !chat.Exists() {
		return &message.UnknownEvent{Platform: message.PlatformTelegram, Raw: msg.Raw}
	}

	// Membership service messages surface as notices, not messages.
	if msg.Get("new_chat_members").Exists() || msg.Get("left_chat_member").Exists() {
		kind := message.NoticeJoin
		userID := msg.Get("new_chat_members.0.id").String()
		if msg.Get("left_chat_member").Exists() {
			kind = message.NoticeLeave
			userID = msg.Get("left_chat_member.id").String()
		}
		return &message.NoticeEvent{
			Platform:       message.PlatformTelegram,
			Kind:           kind,
			ConversationID: conversationOf(msg),
			UserID:         userID,
			Timestamp:      messageTime(msg),
			Raw:            msg.Raw,
		}
	}

	evt := &message.MessageEvent{
		Platform:       message.PlatformTelegram,
		ConversationID: conversationOf(msg),
		UserID:         msg.Get("from.id").String(),
		MessageID:      msg.Get("message_id").String(),
		RawText:        msg.Get("text").String(),
		Timestamp:      messageTime(msg),
		SenderNickname: senderName(msg.Get("from")),
	}
	if chat.Get("type").String() == "private" {
		evt.Kind = message.ConversationPrivate
	} else {
		evt.Kind = message.ConversationGroup
	}
	if reply := msg.Get("reply_to_message.message_id"); reply.Exists() {
		evt.ReplyTo = reply.String()
		evt.Segments = append(evt.Segments, message.Reply(reply.String()))
	}
	evt.Segments = append(evt.Segments, contentSegments(msg)...)
	return evt
}

// conversationOf renders the chat address, folding forum topics into the
// "<chat_id>:<topic_id>" form.
func conversationOf(msg gjson.Result) string {
	chatID := msg.Get("chat.id").String()
	if msg.Get("is_topic_message").Bool() {
		if topic := msg.Get("message_thread_id"); topic.Exists() {
			return JoinConversation(chatID, topic.String())
		}
	}
	return chatID
}

func senderName(from gjson.Result) string {
	name := from.Get("first_name").String()
	if last := from.Get("last_name").String(); last != "" {
		if name != "" {
			name += " "
		}
		name += last
	}
	if name == "" {
		name = from.Get("username").String()
	}
	return name
}

func contentSegments(msg gjson.Result) message.Message {
	var out message.Message
	if text := msg.Get("text").String(); text != "" {
		out = append(out, message.Text(text))
	}
	switch {
	case msg.Get("photo").Exists():
		photos := msg.Get("photo").Array()
		if len(photos) > 0 {
			out = append(out, message.Segment{Type: message.SegImage, Data: map[string]string{
				"file_id": photos[len(photos)-1].Get("file_id").String(),
			}})
		}
	case msg.Get("sticker").Exists():
		sticker := msg.Get("sticker")
		out = append(out, message.Segment{Type: message.SegSticker, Data: map[string]string{
			"file_id":     sticker.Get("file_id").String(),
			"emoji":       sticker.Get("emoji").String(),
			"is_animated": sticker.Get("is_animated").String(),
		}})
	case msg.Get("animation").Exists():
		out = append(out, message.Segment{Type: message.SegAnimation, Data: map[string]string{
			"file_id": msg.Get("animation.file_id").String(),
		}})
	case msg.Get("video").Exists():
		out = append(out, message.Segment{Type: message.SegVideo, Data: map[string]string{
			"file_id": msg.Get("video.file_id").String(),
		}})
	case msg.Get("voice").Exists():
		out = append(out, message.Segment{Type: message.SegVoice, Data: map[string]string{
			"file_id": msg.Get("voice.file_id").String(),
		}})
	case msg.Get("audio").Exists():
		out = append(out, message.Segment{Type: message.SegVoice, Data: map[string]string{
			"file_id": msg.Get("audio.file_id").String(),
			"title":   msg.Get("audio.title").String(),
		}})
	case msg.Get("document").Exists():
		out = append(out, message.Segment{Type: message.SegFile, Data: map[string]string{
			"file_id": msg.Get("document.file_id").String(),
			"name":    msg.Get("document.file_name").String(),
			"size":    msg.Get("document.file_size").String(),
		}})
	}
	if caption := msg.Get("caption").String(); caption != "" {
		out = append(out, message.Text(caption))
	}
	return out
}

func messageTime(msg gjson.Result) time.Time {
	if ts := msg.Get("date"); ts.Exists() {
		return time.Unix(ts.Int(), 0)
	}
	return time.Now()
}
