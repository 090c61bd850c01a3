package onebot

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/meowcat-dev/qtbridge/pkg/cqcode"
	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// ParseEvent turns one non-correlated frame into a neutral event. Parsing is
// schema tolerant: numeric ids arrive as integers or strings and are
// normalized to strings; frames missing required fields come back as
// UnknownEvent, never an error.
func ParseEvent(data []byte) message.Event {
	root := gjson.ParseBytes(data)
	switch root.Get("post_type").String() {
	case "message":
		return parseMessageEvent(root)
	case "notice":
		return parseNoticeEvent(root)
	case "meta_event":
		return parseMetaEvent(root)
	case "request":
		return &message.NoticeEvent{
			Platform:  message.PlatformQQ,
			Kind:      message.NoticeOther,
			UserID:    root.Get("user_id").String(),
			Timestamp: eventTime(root),
			Raw:       root.Raw,
		}
	default:
		return &message.UnknownEvent{Platform: message.PlatformQQ, Raw: root.Raw}
	}
}

func parseMessageEvent(root gjson.Result) message.Event {
	msgID := root.Get("message_id")
	if !msgID.Exists() {
		return &message.UnknownEvent{Platform: message.PlatformQQ, Raw: root.Raw}
	}
	evt := &message.MessageEvent{
		Platform:  message.PlatformQQ,
		MessageID: msgID.String(),
		UserID:    root.Get("user_id").String(),
		RawText:   root.Get("raw_message").String(),
		Timestamp: eventTime(root),
	}
	switch root.Get("message_type").String() {
	case "group":
		evt.Kind = message.ConversationGroup
		evt.ConversationID = root.Get("group_id").String()
	case "private":
		evt.Kind = message.ConversationPrivate
		evt.ConversationID = root.Get("user_id").String()
	default:
		return &message.UnknownEvent{Platform: message.PlatformQQ, Raw: root.Raw}
	}

	sender := root.Get("sender")
	evt.SenderNickname = sender.Get("nickname").String()
	evt.SenderCard = sender.Get("card").String()
	evt.SenderTitle = sender.Get("title").String()

	body := root.Get("message")
	if body.IsArray() {
		evt.Segments = parseSegmentArray(body)
	} else {
		evt.Segments = cqcode.Parse(body.String())
	}
	for _, seg := range evt.Segments {
		if seg.Type == message.SegReply {
			evt.ReplyTo = seg.Get("id")
			break
		}
	}
	return evt
}

func parseSegmentArray(body gjson.Result) message.Message {
	var msg message.Message
	body.ForEach(func(_, item gjson.Result) bool {
		typ := item.Get("type").String()
		if typ == "" {
			return true
		}
		data := make(map[string]string)
		item.Get("data").ForEach(func(k, v gjson.Result) bool {
			data[k.String()] = v.String()
			return true
		})
		msg = append(msg, message.Segment{Type: cqcode.TypeFromWire(typ), Data: data})
		return true
	})
	return msg
}

func parseNoticeEvent(root gjson.Result) message.Event {
	evt := &message.NoticeEvent{
		Platform:       message.PlatformQQ,
		ConversationID: root.Get("group_id").String(),
		UserID:         root.Get("user_id").String(),
		Timestamp:      eventTime(root),
		Raw:            root.Raw,
	}
	switch root.Get("notice_type").String() {
	case "group_recall", "friend_recall":
		evt.Kind = message.NoticeRecall
		evt.AffectedID = root.Get("message_id").String()
		if evt.ConversationID == "" {
			evt.ConversationID = evt.UserID
		}
	case "group_increase":
		evt.Kind = message.NoticeJoin
	case "group_decrease":
		evt.Kind = message.NoticeLeave
	default:
		evt.Kind = message.NoticeOther
	}
	return evt
}

func parseMetaEvent(root gjson.Result) message.Event {
	switch root.Get("meta_event_type").String() {
	case "heartbeat", "lifecycle":
		return &message.NoticeEvent{
			Platform:  message.PlatformQQ,
			Kind:      message.NoticeHeartbeat,
			Timestamp: eventTime(root),
			Raw:       root.Get("status").Raw,
		}
	default:
		return &message.UnknownEvent{Platform: message.PlatformQQ, Raw: root.Raw}
	}
}

func eventTime(root gjson.Result) time.Time {
	if ts := root.Get("time"); ts.Exists() {
		return time.Unix(ts.Int(), 0)
	}
	return time.Now()
}

// wireSegment is the array form of a segment on the A-side wire.
type wireSegment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// toWire converts neutral segments into the platform's array form.
func toWire(msg message.Message) []wireSegment {
	out := make([]wireSegment, 0, len(msg))
	for _, seg := range msg {
		typ := string(seg.Type)
		switch seg.Type {
		case message.SegVoice:
			typ = "record"
		case message.SegMention:
			typ = "at"
		case message.SegAnimation, message.SegSticker:
			typ = "image"
		}
		data := seg.Data
		if data == nil {
			data = map[string]string{}
		}
		out = append(out, wireSegment{Type: typ, Data: data})
	}
	return out
}

// idValue passes numeric ids as numbers, since some platform builds reject
// string-typed group and user ids.
func idValue(id string) any {
	num := gjson.Parse(id)
	if num.Type == gjson.Number {
		return num.Int()
	}
	return id
}
