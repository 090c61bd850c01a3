package forward

import (
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// renderCard extracts the human-readable fields from a structured card
// (mini-app share, news card, channel share). The embedded JSON varies per
// producing app, so extraction tries the known shapes and falls back to the
// raw payload or a generic stub per configuration.
func (f *Forwarder) renderCard(seg message.Segment) string {
	raw := seg.Get("data")
	if raw == "" {
		raw = seg.Get("content")
	}
	if !f.opts.EnableMiniAppParsing {
		return f.cardFallback(raw)
	}
	j := gjson.Parse(raw)
	if !j.IsObject() {
		return f.cardFallback(raw)
	}

	var title, desc, url, app string
	if detail := j.Get("meta.detail_1"); detail.Exists() {
		// Mini-app share: "title" is the app name, "desc" the content title.
		app = detail.Get("title").String()
		title = detail.Get("desc").String()
		url = detail.Get("qqdocurl").String()
		if url == "" {
			url = detail.Get("url").String()
		}
	} else if news := j.Get("meta.news"); news.Exists() {
		title = news.Get("title").String()
		desc = news.Get("desc").String()
		url = news.Get("jumpUrl").String()
		app = news.Get("tag").String()
	} else if prompt := j.Get("prompt").String(); prompt != "" {
		title = prompt
	}
	if title == "" && url == "" {
		return f.cardFallback(raw)
	}

	var sb strings.Builder
	sb.WriteString("📱 " + title)
	if desc != "" {
		sb.WriteString("\n" + desc)
	}
	if url != "" {
		sb.WriteString("\n🔗 " + url)
	}
	if app != "" {
		sb.WriteString("\n📦 " + app)
	}
	return sb.String()
}

func (f *Forwarder) cardFallback(raw string) string {
	if !f.opts.ShowRawJSONOnParseFail || raw == "" {
		return "[卡片消息]"
	}
	if len(raw) > f.opts.MaxJSONDisplayLength {
		// Cut on a rune boundary so the truncated payload stays valid UTF-8.
		cut := f.opts.MaxJSONDisplayLength
		for cut > 0 && !utf8.RuneStart(raw[cut]) {
			cut--
		}
		raw = raw[:cut] + "…"
	}
	return "📋 " + raw
}
