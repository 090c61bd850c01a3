package forward

import (
	"context"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// translateTG rewrites Telegram segments into the QQ vocabulary. Telegram
// media arrives as opaque file ids; anything forwarded as media is first
// resolved to a download URL the QQ side can fetch itself.
func (f *Forwarder) translateTG(ctx context.Context, evt *message.MessageEvent) message.Message {
	var out message.Message
	for _, seg := range evt.Segments {
		switch seg.Type {
		case message.SegText:
			out = append(out, message.Text(seg.Get("text")))

		case message.SegReply:
			mapped, err := f.store.FindCounterpart(ctx, message.PlatformTelegram, seg.Get("id"), message.PlatformQQ)
			if err != nil {
				f.log.Warn().Err(err).Msg("Reply counterpart lookup failed")
			}
			if mapped != "" {
				out = append(out, message.Reply(mapped))
			}

		case message.SegImage, message.SegAnimation:
			out = append(out, f.tgFileAsImage(ctx, seg, "[图片]"))

		case message.SegSticker:
			out = append(out, f.translateTGSticker(ctx, seg))

		case message.SegVideo:
			out = append(out, f.tgFileAs(ctx, seg, message.SegVideo, "[视频]"))

		case message.SegVoice:
			out = append(out, f.tgFileAs(ctx, seg, message.SegVoice, "[语音]"))

		case message.SegFile:
			out = append(out, f.translateTGDocument(ctx, seg))

		default:
			out = append(out, message.Text("["+string(seg.Type)+"]"))
		}
	}
	return out
}

func (f *Forwarder) resolveTGURL(ctx context.Context, seg message.Segment) string {
	fileID := seg.Get("file_id")
	if fileID == "" {
		return ""
	}
	url, err := f.tg.ResolveFileURL(ctx, fileID)
	if err != nil {
		f.log.Debug().Err(err).Str("file_id", fileID).Msg("File URL resolution failed")
		return ""
	}
	return url
}

func (f *Forwarder) tgFileAsImage(ctx context.Context, seg message.Segment, stub string) message.Segment {
	return f.tgFileAs(ctx, seg, message.SegImage, stub)
}

func (f *Forwarder) tgFileAs(ctx context.Context, seg message.Segment, typ message.SegmentType, stub string) message.Segment {
	url := f.resolveTGURL(ctx, seg)
	if url == "" {
		return message.Text(stub)
	}
	return message.Segment{Type: typ, Data: map[string]string{"file": url}}
}

// translateTGSticker forwards static stickers as images. Animated stickers use
// a vector format the QQ side cannot render, so they degrade to the sticker's
// emoji.
func (f *Forwarder) translateTGSticker(ctx context.Context, seg message.Segment) message.Segment {
	if seg.Get("is_animated") == "true" {
		return message.Text(stickerStub(seg))
	}
	url := f.resolveTGURL(ctx, seg)
	if url == "" {
		return message.Text(stickerStub(seg))
	}
	return message.Segment{Type: message.SegImage, Data: map[string]string{"file": url}}
}

func stickerStub(seg message.Segment) string {
	if emoji := seg.Get("emoji"); emoji != "" {
		return "[贴纸 " + emoji + "]"
	}
	return "[贴纸]"
}

// translateTGDocument renders documents as a text stub with a download link.
// The QQ message API has no inline way to attach an arbitrary file.
func (f *Forwarder) translateTGDocument(ctx context.Context, seg message.Segment) message.Segment {
	stub := fileStub(seg.Get("name"), seg.Get("size"))
	if url := f.resolveTGURL(ctx, seg); url != "" {
		stub += "\n" + url
	}
	return message.Text(stub)
}
