package forward

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meowcat-dev/qtbridge/pkg/media"
	"github.com/meowcat-dev/qtbridge/pkg/message"
	"github.com/meowcat-dev/qtbridge/pkg/store"
)

// translateQQ rewrites QQ segments into the Telegram vocabulary. Segments that
// cannot cross the bridge degrade to text stubs rather than disappearing.
func (f *Forwarder) translateQQ(ctx context.Context, evt *message.MessageEvent) message.Message {
	imageTotal := evt.Segments.CountType(message.SegImage)
	imageIdx := 0
	headerDone := false

	var out message.Message
	for _, seg := range evt.Segments {
		switch seg.Type {
		case message.SegText:
			out = append(out, message.Text(seg.Get("text")))

		case message.SegReply:
			mapped, err := f.store.FindCounterpart(ctx, message.PlatformQQ, seg.Get("id"), message.PlatformTelegram)
			if err != nil {
				f.log.Warn().Err(err).Msg("Reply counterpart lookup failed")
			}
			if mapped != "" {
				out = append(out, message.Reply(mapped))
			}

		case message.SegImage:
			if imageTotal > 1 && !headerDone {
				out = append(out, message.Text(fmt.Sprintf("\n📸 共%d张图片：\n", imageTotal)))
				headerDone = true
			}
			imageIdx++
			img := f.translateQQImage(ctx, seg)
			if imageTotal > 1 && img.Type != message.SegText {
				img.Data["caption"] = strconv.Itoa(imageIdx)
			}
			out = append(out, img)

		case message.SegVoice:
			out = append(out, f.mediaOrStub(ctx, seg, message.SegVoice, "record", "[语音]"))

		case message.SegVideo:
			out = append(out, f.mediaOrStub(ctx, seg, message.SegVideo, "video", "[视频]"))

		case message.SegFile:
			out = append(out, f.translateQQFile(ctx, seg))

		case message.SegFace:
			out = append(out, message.Text("[face:"+seg.Get("id")+"]"))

		case message.SegMention:
			out = append(out, message.Text("@"+f.mentionName(ctx, evt, seg)+" "))

		case message.SegForward:
			out = append(out, message.Text(f.forwardTranscript(ctx, seg.Get("id"))))

		case message.SegNode:
			name := seg.Get("nickname")
			if name == "" {
				name = seg.Get("user_id")
			}
			out = append(out, message.Text("👤 "+name+": "+seg.Get("content")+"\n"))

		case message.SegCard:
			out = append(out, message.Text(f.renderCard(seg)))

		case message.SegMusic:
			out = append(out, message.Text(linkStub("🎵", seg)))

		case message.SegShare:
			out = append(out, message.Text(linkStub("🔗", seg)))

		default:
			out = append(out, message.Text("["+string(seg.Type)+"]"))
		}
	}
	return out
}

// recheckInterval bounds how often a cached source URL is re-verified.
const recheckInterval = time.Hour

// translateQQImage decides between sticker reuse, animation, still photo and
// document (for stills too large for the photo endpoint).
// The fingerprint cache both skips repeat probes and lets a previously
// uploaded Telegram file id be reused directly.
func (f *Forwarder) translateQQImage(ctx context.Context, seg message.Segment) message.Segment {
	url := imageURL(seg)
	if url == "" {
		return message.Text("[图片]")
	}
	key := seg.Get("file")
	if key == "" {
		key = url
	}
	fp := media.Fingerprint(key)

	cached, err := f.store.GetMediaFingerprint(ctx, fp)
	if err != nil {
		f.log.Warn().Err(err).Msg("Fingerprint lookup failed")
	}
	if cached != nil && cached.PeerFileID == "" && time.Since(cached.LastCheckedAt) > recheckInterval {
		// Without a peer file id the delivery re-sends the source URL, and
		// QQ CDN links expire. A stale entry over a dead URL is dropped and
		// the image goes through the probe path again.
		if f.media.Recheck(ctx, url) {
			if err := f.store.MarkMediaFingerprintChecked(ctx, fp); err != nil {
				f.log.Debug().Err(err).Msg("Fingerprint recheck mark failed")
			}
		} else {
			if err := f.store.DeleteMediaFingerprint(ctx, fp); err != nil {
				f.log.Warn().Err(err).Msg("Failed to drop stale fingerprint")
			}
			cached = nil
		}
	}
	if cached != nil {
		if err := f.store.TouchMediaFingerprint(ctx, fp); err != nil {
			f.log.Debug().Err(err).Msg("Fingerprint touch failed")
		}
		ref := url
		if cached.PeerFileID != "" {
			ref = cached.PeerFileID
		}
		switch cached.MediaKind {
		case "sticker":
			if cached.PeerFileID != "" {
				return message.Segment{Type: message.SegSticker, Data: map[string]string{
					"file_id": cached.PeerFileID,
				}}
			}
		case "document":
			return documentSegment(ref, fp, cached.MimeType)
		}
		return imageSegment(cached.IsAnimated, ref, fp, cached.MimeType)
	}

	mime, animated := "", false
	if ambiguousImage(seg) {
		mime, animated = f.media.ProbeAnimated(ctx, url)
	}
	kind := "photo"
	if animated {
		kind = "animation"
	} else if w, h := f.media.ProbeDimensions(ctx, url); oversizedPhoto(w, h) {
		// Stills past the photo endpoint's limits survive only as documents.
		kind = "document"
	}
	err = f.store.SaveMediaFingerprint(ctx, store.MediaFingerprint{
		Hash:       fp,
		MediaKind:  kind,
		IsAnimated: animated,
		MimeType:   mime,
	})
	if err != nil {
		f.log.Warn().Err(err).Msg("Failed to persist fingerprint")
	}
	if kind == "document" {
		return documentSegment(url, fp, mime)
	}
	return imageSegment(animated, url, fp, mime)
}

// Telegram's photo endpoint caps: width+height at most 10000 and an aspect
// ratio no wider than 20.
const (
	photoDimensionSum = 10000
	photoAspectRatio  = 20
)

func oversizedPhoto(w, h int) bool {
	if w <= 0 || h <= 0 {
		return false
	}
	if w+h > photoDimensionSum {
		return true
	}
	long, short := w, h
	if h > w {
		long, short = h, w
	}
	return long > short*photoAspectRatio
}

func documentSegment(media, fingerprint, mime string) message.Segment {
	return message.Segment{Type: message.SegFile, Data: map[string]string{
		"media":       media,
		"fingerprint": fingerprint,
		"mime":        mime,
	}}
}

func imageSegment(animated bool, media, fingerprint, mime string) message.Segment {
	typ := message.SegImage
	if animated {
		typ = message.SegAnimation
	}
	return message.Segment{Type: typ, Data: map[string]string{
		"media":       media,
		"fingerprint": fingerprint,
		"mime":        mime,
	}}
}

// ambiguousImage reports whether the wire metadata cannot distinguish a still
// image from an animated one, requiring a magic-byte probe.
func ambiguousImage(seg message.Segment) bool {
	sub := seg.Get("subType")
	if sub == "" {
		sub = seg.Get("sub_type")
	}
	// Sub-type 0 is a plain chat photo; everything else may be a custom
	// animated face delivered with an image/* content type.
	return sub != "" && sub != "0"
}

func imageURL(seg message.Segment) string {
	if url := seg.Get("url"); url != "" {
		return url
	}
	if file := seg.Get("file"); strings.HasPrefix(file, "http") {
		return file
	}
	return ""
}

// mediaOrStub forwards voice or video by URL, resolving the file id through
// the platform API when the event carries none, and degrades to a text stub
// when no URL can be obtained.
func (f *Forwarder) mediaOrStub(ctx context.Context, seg message.Segment, typ message.SegmentType, apiKind, stub string) message.Segment {
	url := seg.Get("url")
	if url == "" {
		if file := seg.Get("file"); file != "" {
			resolved, err := f.qq.ResolveFileURL(ctx, apiKind, file)
			if err != nil {
				f.log.Debug().Err(err).Str("kind", apiKind).Msg("File URL resolution failed")
			}
			url = resolved
		}
	}
	if url == "" || !strings.HasPrefix(url, "http") {
		return message.Text(stub)
	}
	return message.Segment{Type: typ, Data: map[string]string{"media": url}}
}

func (f *Forwarder) translateQQFile(ctx context.Context, seg message.Segment) message.Segment {
	name := seg.Get("name")
	if name == "" {
		name = seg.Get("file")
	}
	out := f.mediaOrStub(ctx, seg, message.SegFile, "file", fileStub(name, seg.Get("size")))
	if out.Type == message.SegFile {
		out.Data["name"] = name
	}
	return out
}

func fileStub(name, size string) string {
	if size != "" {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil {
			return fmt.Sprintf("📎 %s (%s)", name, humanSize(n))
		}
	}
	return "📎 " + name
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// mentionName resolves an at-segment to a display name. The wire may use
// either "qq" or "user_id" as the target key; "all" mentions everyone.
func (f *Forwarder) mentionName(ctx context.Context, evt *message.MessageEvent, seg message.Segment) string {
	target := seg.Get("qq")
	if target == "" {
		target = seg.Get("user_id")
	}
	if target == "all" || target == "" {
		return "全体成员"
	}
	return f.displayName(ctx, message.PlatformQQ, target, evt.ConversationID)
}

// forwardTranscript expands a forwarded bundle into a bulleted transcript.
func (f *Forwarder) forwardTranscript(ctx context.Context, forwardID string) string {
	nodes, err := f.qq.ExpandForward(ctx, forwardID)
	if err != nil || len(nodes) == 0 {
		if err != nil {
			f.log.Debug().Err(err).Str("forward_id", forwardID).Msg("Forward expansion failed")
		}
		return "[转发消息]"
	}
	var sb strings.Builder
	sb.WriteString("📑 转发消息：\n")
	for _, node := range nodes {
		sb.WriteString("• ")
		sb.WriteString(node.Sender)
		sb.WriteString(": ")
		sb.WriteString(node.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func linkStub(icon string, seg message.Segment) string {
	title := seg.Get("title")
	url := seg.Get("url")
	switch {
	case title != "" && url != "":
		return icon + " " + title + "\n" + url
	case title != "":
		return icon + " " + title
	case url != "":
		return icon + " " + url
	default:
		return icon
	}
}
