// Package cqcode implements the in-band tagged text form used by platform A:
// `[CQ:type,key=value,...]` embedded in plain text, with the four reserved
// characters escaped as numeric entities.
package cqcode

import (
	"strings"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// Escape replaces every reserved character with its entity form. The `&`
// replacement must run first so that already-produced entities are not
// double-mangled on Unescape.
func Escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "[", "&#91;")
	s = strings.ReplaceAll(s, "]", "&#93;")
	s = strings.ReplaceAll(s, ",", "&#44;")
	return s
}

// EscapeText escapes a plain-text run. Commas are only significant inside a
// CQ code, so text runs keep them literal.
func EscapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "[", "&#91;")
	s = strings.ReplaceAll(s, "]", "&#93;")
	return s
}

// Unescape reverses Escape. Replacement order is the exact mirror: entities
// first, `&amp;` last.
func Unescape(s string) string {
	s = strings.ReplaceAll(s, "&#44;", ",")
	s = strings.ReplaceAll(s, "&#93;", "]")
	s = strings.ReplaceAll(s, "&#91;", "[")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

// Parse splits a raw CQ-form string into message segments. Malformed codes
// (unterminated bracket, missing type) are kept as literal text rather than
// dropped, matching the platform's own lenient behaviour.
func Parse(raw string) message.Message {
	var msg message.Message
	for len(raw) > 0 {
		start := strings.Index(raw, "[CQ:")
		if start < 0 {
			msg = appendText(msg, raw)
			break
		}
		if start > 0 {
			msg = appendText(msg, raw[:start])
			raw = raw[start:]
		}
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			msg = appendText(msg, raw)
			break
		}
		seg, ok := parseCode(raw[4:end])
		if ok {
			msg = append(msg, seg)
		} else {
			msg = appendText(msg, raw[:end+1])
		}
		raw = raw[end+1:]
	}
	return msg
}

func appendText(msg message.Message, raw string) message.Message {
	text := Unescape(raw)
	if text == "" {
		return msg
	}
	return append(msg, message.Text(text))
}

func parseCode(body string) (message.Segment, bool) {
	parts := strings.Split(body, ",")
	typ := strings.TrimSpace(parts[0])
	if typ == "" {
		return message.Segment{}, false
	}
	data := make(map[string]string, len(parts)-1)
	for _, kv := range parts[1:] {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		data[kv[:eq]] = Unescape(kv[eq+1:])
	}
	return message.Segment{Type: TypeFromWire(typ), Data: data}, true
}

// TypeFromWire maps a CQ code type onto the neutral segment algebra. Types
// without a neutral equivalent keep their wire name so the translator can
// still stub them out as `[type]`.
func TypeFromWire(typ string) message.SegmentType {
	switch typ {
	case "text":
		return message.SegText
	case "image":
		return message.SegImage
	case "record":
		return message.SegVoice
	case "video":
		return message.SegVideo
	case "face":
		return message.SegFace
	case "at":
		return message.SegMention
	case "reply":
		return message.SegReply
	case "forward":
		return message.SegForward
	case "node":
		return message.SegNode
	case "file":
		return message.SegFile
	case "json", "xml", "app", "ark":
		return message.SegCard
	case "music":
		return message.SegMusic
	case "share":
		return message.SegShare
	default:
		return message.SegmentType(typ)
	}
}

// wireType is the inverse of segmentType for the types the encoder emits.
func wireType(typ message.SegmentType) string {
	switch typ {
	case message.SegVoice:
		return "record"
	case message.SegMention:
		return "at"
	case message.SegCard:
		return "json"
	default:
		return string(typ)
	}
}

// Encode renders segments back into the in-band tagged form.
func Encode(msg message.Message) string {
	var sb strings.Builder
	for _, seg := range msg {
		if seg.Type == message.SegText {
			sb.WriteString(EscapeText(seg.Get("text")))
			continue
		}
		sb.WriteString("[CQ:")
		sb.WriteString(wireType(seg.Type))
		for k, v := range seg.Data {
			sb.WriteByte(',')
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(Escape(v))
		}
		sb.WriteByte(']')
	}
	return sb.String()
}
