package cqcode

import (
	"strings"
	"testing"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

func TestEscapeRoundTrip(t *testing.T) {
	cases := []string{
		"",
		"plain text",
		"a&b",
		"[CQ:face,id=1]",
		"&amp; pre-escaped stays intact",
		"commas, brackets [ ] and & mixed,",
		"&#91;&#93;",
		strings.Repeat("&[],", 50),
	}
	for _, in := range cases {
		if got := Unescape(Escape(in)); got != in {
			t.Errorf("round trip %q: got %q", in, got)
		}
	}
}

func TestEscapeExpanding(t *testing.T) {
	for _, ch := range []string{"&", "[", "]", ","} {
		if got := Escape(ch); len(got) <= len(ch) {
			t.Errorf("Escape(%q) = %q, expected strict expansion", ch, got)
		}
	}
}

func TestParseMixed(t *testing.T) {
	msg := Parse("hi [CQ:at,qq=123] there [CQ:face,id=14]")
	if len(msg) != 4 {
		t.Fatalf("expected 4 segments, got %d: %+v", len(msg), msg)
	}
	if msg[0].Type != message.SegText || msg[0].Get("text") != "hi " {
		t.Errorf("unexpected first segment: %+v", msg[0])
	}
	if msg[1].Type != message.SegMention || msg[1].Get("qq") != "123" {
		t.Errorf("unexpected mention segment: %+v", msg[1])
	}
	if msg[3].Type != message.SegFace || msg[3].Get("id") != "14" {
		t.Errorf("unexpected face segment: %+v", msg[3])
	}
}

func TestParseEscapedValues(t *testing.T) {
	msg := Parse("[CQ:share,url=https://x.test/?a=1&amp;b=2,title=a&#44;b]")
	if len(msg) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(msg))
	}
	if got := msg[0].Get("url"); got != "https://x.test/?a=1&b=2" {
		t.Errorf("url not unescaped: %q", got)
	}
	if got := msg[0].Get("title"); got != "a,b" {
		t.Errorf("title not unescaped: %q", got)
	}
}

func TestParseMalformed(t *testing.T) {
	// Unterminated code degrades to literal text instead of vanishing.
	msg := Parse("before [CQ:image,file=x")
	if len(msg) != 2 {
		t.Fatalf("expected 2 segments, got %d: %+v", len(msg), msg)
	}
	if msg[1].Type != message.SegText {
		t.Errorf("expected literal text tail, got %+v", msg[1])
	}
}

func TestEncodeTextEscaping(t *testing.T) {
	out := Encode(message.Message{message.Text("a[b]c&d,e")})
	if out != "a&#91;b&#93;c&amp;d,e" {
		t.Errorf("unexpected encoding: %q", out)
	}
}

func TestEncodeSegment(t *testing.T) {
	out := Encode(message.Message{message.Reply("42"), message.Text("ok")})
	if out != "[CQ:reply,id=42]ok" {
		t.Errorf("unexpected encoding: %q", out)
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	orig := message.Message{
		message.Text("hello & [world],"),
		{Type: message.SegImage, Data: map[string]string{"file": "a,b&c.png"}},
	}
	parsed := Parse(Encode(orig))
	if len(parsed) != len(orig) {
		t.Fatalf("segment count changed: %d != %d", len(parsed), len(orig))
	}
	if parsed[0].Get("text") != orig[0].Get("text") {
		t.Errorf("text changed: %q", parsed[0].Get("text"))
	}
	if parsed[1].Get("file") != "a,b&c.png" {
		t.Errorf("attribute changed: %q", parsed[1].Get("file"))
	}
}
