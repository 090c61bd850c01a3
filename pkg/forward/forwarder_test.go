package forward

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/meowcat-dev/qtbridge/pkg/media"
	"github.com/meowcat-dev/qtbridge/pkg/message"
	"github.com/meowcat-dev/qtbridge/pkg/store"
)

type qqSend struct {
	Conversation string
	Kind         message.ConversationKind
	Msg          message.Message
}

type fakeQQ struct {
	sends    []qqSend
	deleted  []string
	sendErr  error
	nextID   int
	profiles map[string]*PeerProfile
	bundle   []ForwardNode
	fileURLs map[string]string
}

func (q *fakeQQ) SendMessage(_ context.Context, conv string, kind message.ConversationKind, msg message.Message) (string, error) {
	if q.sendErr != nil {
		return "", q.sendErr
	}
	q.sends = append(q.sends, qqSend{conv, kind, msg})
	q.nextID++
	return "q" + strconv.Itoa(q.nextID), nil
}

func (q *fakeQQ) DeleteMessage(_ context.Context, msgID string) error {
	q.deleted = append(q.deleted, msgID)
	return nil
}

func (q *fakeQQ) MemberProfile(_ context.Context, _, userID string) (*PeerProfile, error) {
	if p, ok := q.profiles[userID]; ok {
		return p, nil
	}
	return nil, errors.New("no such member")
}

func (q *fakeQQ) ResolveFileURL(_ context.Context, _, fileID string) (string, error) {
	if url, ok := q.fileURLs[fileID]; ok {
		return url, nil
	}
	return "", errors.New("unresolvable")
}

func (q *fakeQQ) ExpandForward(context.Context, string) ([]ForwardNode, error) {
	if q.bundle == nil {
		return nil, errors.New("no bundle")
	}
	return q.bundle, nil
}

type tgCall struct {
	Method       string
	Conversation string
	Media        string
	Text         string
	ReplyTo      string
}

type fakeTG struct {
	calls     []tgCall
	deleted   []tgCall
	sendErr   error
	deleteErr error
	nextID    int
	fileURLs  map[string]string
}

func (t *fakeTG) send(method, conv, media, text, replyTo string) (string, error) {
	if t.sendErr != nil {
		return "", t.sendErr
	}
	t.calls = append(t.calls, tgCall{method, conv, media, text, replyTo})
	t.nextID++
	return "t" + strconv.Itoa(t.nextID), nil
}

func (t *fakeTG) SendText(_ context.Context, conv, text, replyTo string) (string, error) {
	return t.send("text", conv, "", text, replyTo)
}

func (t *fakeTG) SendMedia(_ context.Context, kind MediaKind, conv, media, caption, replyTo string) (string, string, error) {
	id, err := t.send(string(kind), conv, media, caption, replyTo)
	return id, "up-" + media, err
}

func (t *fakeTG) SendSticker(_ context.Context, conv, fileID, replyTo string) (string, error) {
	return t.send("sticker", conv, fileID, "", replyTo)
}

func (t *fakeTG) DeleteMessage(_ context.Context, conv, msgID string) error {
	t.deleted = append(t.deleted, tgCall{Method: "delete", Conversation: conv, Text: msgID})
	return t.deleteErr
}

func (t *fakeTG) MemberProfile(context.Context, string, string) (*PeerProfile, error) {
	return nil, errors.New("not implemented")
}

func (t *fakeTG) ResolveFileURL(_ context.Context, fileID string) (string, error) {
	if url, ok := t.fileURLs[fileID]; ok {
		return url, nil
	}
	return "", errors.New("unresolvable")
}

type fakeProber struct {
	animated      bool
	unreachable   bool
	width, height int
	probed        []string
}

func (p *fakeProber) ProbeAnimated(_ context.Context, url string) (string, bool) {
	p.probed = append(p.probed, url)
	if p.animated {
		return "image/gif", true
	}
	return "image/jpeg", false
}

func (p *fakeProber) ProbeDimensions(_ context.Context, _ string) (int, int) {
	return p.width, p.height
}

func (p *fakeProber) Recheck(_ context.Context, _ string) bool {
	return !p.unreachable
}

func topicRoute(showQQ, showTG bool) Routes {
	return Routes{{
		QQConversation:   "g1",
		QQKind:           message.ConversationGroup,
		TGChat:           "-100",
		TGTopic:          "5",
		Mode:             ModeTopic,
		ShowSenderQQToTG: showQQ,
		ShowSenderTGToQQ: showTG,
	}}
}

func setupForwarder(t *testing.T, routes Routes) (*Forwarder, *store.Store, *fakeQQ, *fakeTG) {
	t.Helper()
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		t.Fatalf("wrap db: %v", err)
	}
	st, err := store.NewWithDB(context.Background(), db, zerolog.Nop())
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	qq := &fakeQQ{profiles: map[string]*PeerProfile{}, fileURLs: map[string]string{}}
	tg := &fakeTG{fileURLs: map[string]string{}}
	fwd := New(zerolog.Nop(), st, &fakeProber{}, routes, qq, tg, Options{EnableMiniAppParsing: true})
	return fwd, st, qq, tg
}

func qqTextEvent(conv, msgID, userID, nickname, text string) *message.MessageEvent {
	return &message.MessageEvent{
		Platform:       message.PlatformQQ,
		ConversationID: conv,
		UserID:         userID,
		MessageID:      msgID,
		Kind:           message.ConversationGroup,
		Segments:       message.Message{message.Text(text)},
		RawText:        text,
		SenderNickname: nickname,
		Timestamp:      time.Now(),
	}
}

func TestForwardTextWithSenderHeader(t *testing.T) {
	fwd, st, _, tg := setupForwarder(t, topicRoute(true, false))
	ctx := context.Background()

	fwd.HandleMessage(ctx, qqTextEvent("g1", "100", "10", "Alice", "hello"))

	if len(tg.calls) != 1 {
		t.Fatalf("expected one Telegram call, got %+v", tg.calls)
	}
	call := tg.calls[0]
	if call.Method != "text" || call.Conversation != "-100:5" {
		t.Errorf("unexpected call: %+v", call)
	}
	if call.Text != "[Alice]\thello" {
		t.Errorf("text = %q, want sender header", call.Text)
	}
	mapped, err := st.GetTargetID(ctx, message.PlatformQQ, "100", message.PlatformTelegram)
	if err != nil || mapped != "t1" {
		t.Errorf("mapping = %q, %v; want t1", mapped, err)
	}
}

func TestReplyThreadedToCounterpart(t *testing.T) {
	fwd, st, qq, _ := setupForwarder(t, topicRoute(false, false))
	ctx := context.Background()
	// A QQ message 100 was previously forwarded as Telegram message 7.
	if _, err := st.AddMapping(ctx, store.Mapping{
		SourcePlatform: message.PlatformQQ, SourceMessageID: "100",
		TargetPlatform: message.PlatformTelegram, TargetMessageID: "7",
	}); err != nil {
		t.Fatal(err)
	}

	fwd.HandleMessage(ctx, &message.MessageEvent{
		Platform:       message.PlatformTelegram,
		ConversationID: "-100:5",
		UserID:         "55",
		MessageID:      "9",
		Kind:           message.ConversationGroup,
		ReplyTo:        "7",
		Segments:       message.Message{message.Reply("7"), message.Text("hi")},
	})

	if len(qq.sends) != 1 {
		t.Fatalf("expected one QQ send, got %+v", qq.sends)
	}
	sent := qq.sends[0].Msg
	if len(sent) != 2 || sent[0].Type != message.SegReply || sent[0].Get("id") != "100" {
		t.Errorf("reply not remapped: %+v", sent)
	}
	if sent[1].Get("text") != "hi" {
		t.Errorf("text lost: %+v", sent)
	}
}

func TestReplyToUnmappedMessageDropsReply(t *testing.T) {
	fwd, _, qq, _ := setupForwarder(t, topicRoute(false, false))
	fwd.HandleMessage(context.Background(), &message.MessageEvent{
		Platform:       message.PlatformTelegram,
		ConversationID: "-100:5",
		MessageID:      "9",
		UserID:         "55",
		Kind:           message.ConversationGroup,
		ReplyTo:        "404",
		Segments:       message.Message{message.Reply("404"), message.Text("hi")},
	})
	if len(qq.sends) != 1 {
		t.Fatalf("expected one QQ send, got %+v", qq.sends)
	}
	if qq.sends[0].Msg.CountType(message.SegReply) != 0 {
		t.Errorf("unmapped reply should be dropped: %+v", qq.sends[0].Msg)
	}
}

func TestRecallDeletesMappingEvenWhenPeerFails(t *testing.T) {
	fwd, st, _, tg := setupForwarder(t, topicRoute(false, false))
	tg.deleteErr = errors.New("message too old")
	ctx := context.Background()
	if _, err := st.AddMapping(ctx, store.Mapping{
		SourcePlatform: message.PlatformQQ, SourceMessageID: "100",
		TargetPlatform: message.PlatformTelegram, TargetMessageID: "7",
	}); err != nil {
		t.Fatal(err)
	}

	fwd.HandleNotice(ctx, &message.NoticeEvent{
		Platform:       message.PlatformQQ,
		Kind:           message.NoticeRecall,
		ConversationID: "g1",
		AffectedID:     "100",
	})

	if len(tg.deleted) != 1 || tg.deleted[0].Conversation != "-100:5" || tg.deleted[0].Text != "7" {
		t.Errorf("peer delete not attempted: %+v", tg.deleted)
	}
	mapped, err := st.GetTargetID(ctx, message.PlatformQQ, "100", message.PlatformTelegram)
	if err != nil {
		t.Fatal(err)
	}
	if mapped != "" {
		t.Error("mapping must be removed even when peer deletion fails")
	}
}

func TestLoopbackDropped(t *testing.T) {
	fwd, _, _, tg := setupForwarder(t, topicRoute(true, true))
	fwd.HandleMessage(context.Background(),
		qqTextEvent("g1", "101", "99", "Bridge", SentinelFromTelegram+"[Bob]\they"))
	if len(tg.calls) != 0 {
		t.Errorf("loopback must not be forwarded: %+v", tg.calls)
	}
}

func TestDuplicateForwardDropped(t *testing.T) {
	fwd, st, _, tg := setupForwarder(t, topicRoute(false, false))
	ctx := context.Background()
	if _, err := st.AddMapping(ctx, store.Mapping{
		SourcePlatform: message.PlatformQQ, SourceMessageID: "100",
		TargetPlatform: message.PlatformTelegram, TargetMessageID: "7",
	}); err != nil {
		t.Fatal(err)
	}
	fwd.HandleMessage(ctx, qqTextEvent("g1", "100", "10", "Alice", "hello"))
	if len(tg.calls) != 0 {
		t.Errorf("duplicate must not be re-forwarded: %+v", tg.calls)
	}
}

func TestUnroutedConversationDropped(t *testing.T) {
	fwd, _, _, tg := setupForwarder(t, topicRoute(false, false))
	fwd.HandleMessage(context.Background(), qqTextEvent("g2", "100", "10", "Alice", "hello"))
	if len(tg.calls) != 0 {
		t.Errorf("unrouted conversation must be dropped: %+v", tg.calls)
	}
}

func TestDeliveryFailureEnqueuesRetry(t *testing.T) {
	fwd, st, _, tg := setupForwarder(t, topicRoute(false, false))
	tg.sendErr = errors.New("gateway timeout")
	ctx := context.Background()

	fwd.HandleMessage(ctx, qqTextEvent("g1", "100", "10", "Alice", "hello"))

	due, err := st.DueSendRetries(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one retry record, got %d", len(due))
	}
	rec := due[0]
	if rec.SourceMessageID != "100" || rec.TargetPlatform != message.PlatformTelegram {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.MaxAttempts != defaultMaxSendAttempts {
		t.Errorf("max attempts = %d, want %d", rec.MaxAttempts, defaultMaxSendAttempts)
	}
	if rec.ConversationID != "-100" || rec.TargetTopicID != "5" {
		t.Errorf("target address = %q/%q", rec.ConversationID, rec.TargetTopicID)
	}
	var payload message.Message
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		t.Fatalf("payload not decodable: %v", err)
	}
	if payload.PlainText() != "hello" {
		t.Errorf("payload text = %q", payload.PlainText())
	}
}

func TestRetrySenderReplaysAgainstTelegram(t *testing.T) {
	fwd, _, _, tg := setupForwarder(t, topicRoute(false, false))
	id, err := fwd.RetrySender(context.Background(), &store.SendRetry{
		TargetPlatform: message.PlatformTelegram,
		ConversationID: "-100",
		TargetTopicID:  "5",
	}, message.Message{message.Text("again")})
	if err != nil {
		t.Fatal(err)
	}
	if id != "t1" || tg.calls[0].Conversation != "-100:5" {
		t.Errorf("unexpected replay: id=%q calls=%+v", id, tg.calls)
	}
}

func TestMultiImageAggregation(t *testing.T) {
	fwd, _, _, tg := setupForwarder(t, topicRoute(false, false))
	evt := qqTextEvent("g1", "100", "10", "Alice", "look")
	evt.Segments = message.Message{
		message.Text("look"),
		{Type: message.SegImage, Data: map[string]string{"url": "https://cdn/a.jpg", "file": "a.jpg"}},
		{Type: message.SegImage, Data: map[string]string{"url": "https://cdn/b.jpg", "file": "b.jpg"}},
	}

	fwd.HandleMessage(context.Background(), evt)

	if len(tg.calls) != 3 {
		t.Fatalf("expected text + 2 photos, got %+v", tg.calls)
	}
	if !strings.Contains(tg.calls[0].Text, "共2张图片") {
		t.Errorf("aggregation header missing: %q", tg.calls[0].Text)
	}
	for i, call := range tg.calls[1:] {
		if call.Method != "photo" {
			t.Errorf("call %d method = %q", i+1, call.Method)
		}
		if call.Text != strconv.Itoa(i+1) {
			t.Errorf("image %d caption = %q, want index", i+1, call.Text)
		}
	}
}

func TestEditDeletesAndResends(t *testing.T) {
	fwd, st, qq, _ := setupForwarder(t, topicRoute(false, false))
	ctx := context.Background()
	if _, err := st.AddMapping(ctx, store.Mapping{
		SourcePlatform: message.PlatformTelegram, SourceMessageID: "9",
		TargetPlatform: message.PlatformQQ, TargetMessageID: "q0",
	}); err != nil {
		t.Fatal(err)
	}

	fwd.HandleNotice(ctx, &message.NoticeEvent{
		Platform:       message.PlatformTelegram,
		Kind:           message.NoticeEdit,
		ConversationID: "-100:5",
		AffectedID:     "9",
		Edited: &message.MessageEvent{
			Platform:       message.PlatformTelegram,
			ConversationID: "-100:5",
			MessageID:      "9",
			UserID:         "55",
			Kind:           message.ConversationGroup,
			Segments:       message.Message{message.Text("fixed")},
		},
	})

	if len(qq.deleted) != 1 || qq.deleted[0] != "q0" {
		t.Errorf("outdated copy not deleted: %+v", qq.deleted)
	}
	if len(qq.sends) != 1 || qq.sends[0].Msg.PlainText() != "fixed" {
		t.Fatalf("replacement not sent: %+v", qq.sends)
	}
	mapped, err := st.FindCounterpart(ctx, message.PlatformTelegram, "9", message.PlatformQQ)
	if err != nil {
		t.Fatal(err)
	}
	if mapped != "q1" {
		t.Errorf("mapping = %q, want rewritten to q1", mapped)
	}
}

func TestCheckAliveAnswersSameSide(t *testing.T) {
	fwd, st, qq, tg := setupForwarder(t, topicRoute(false, false))
	ctx := context.Background()
	if err := st.SaveHeartbeat(ctx, message.PlatformQQ, time.Now(), "{}"); err != nil {
		t.Fatal(err)
	}

	fwd.HandleMessage(ctx, qqTextEvent("g1", "100", "10", "Alice", "/checkalive"))

	if len(tg.calls) != 0 {
		t.Errorf("command must not be forwarded: %+v", tg.calls)
	}
	if len(qq.sends) != 1 {
		t.Fatalf("expected status reply, got %+v", qq.sends)
	}
	text := qq.sends[0].Msg.PlainText()
	if !strings.Contains(text, "qq") || !strings.Contains(text, "telegram") {
		t.Errorf("status text incomplete: %q", text)
	}
}

func TestRecallCommandRemovesCounterpart(t *testing.T) {
	fwd, st, _, tg := setupForwarder(t, topicRoute(false, false))
	ctx := context.Background()
	if _, err := st.AddMapping(ctx, store.Mapping{
		SourcePlatform: message.PlatformQQ, SourceMessageID: "100",
		TargetPlatform: message.PlatformTelegram, TargetMessageID: "7",
	}); err != nil {
		t.Fatal(err)
	}

	evt := qqTextEvent("g1", "101", "10", "Alice", "/recall")
	evt.ReplyTo = "100"
	fwd.HandleMessage(ctx, evt)

	if len(tg.deleted) != 1 || tg.deleted[0].Text != "7" {
		t.Errorf("counterpart not deleted: %+v", tg.deleted)
	}
	if mapped, _ := st.GetTargetID(ctx, message.PlatformQQ, "100", message.PlatformTelegram); mapped != "" {
		t.Error("mapping should be gone after /recall")
	}
}

func TestStaleFingerprintOverDeadURLRedone(t *testing.T) {
	fwd, st, _, tg := setupForwarder(t, topicRoute(false, false))
	fwd.media = &fakeProber{unreachable: true}
	ctx := context.Background()

	url := "http://cdn.example/old.gif"
	fp := media.Fingerprint(url)
	if err := st.SaveMediaFingerprint(ctx, store.MediaFingerprint{
		Hash: fp, MediaKind: "animation", IsAnimated: true, MimeType: "image/gif",
	}); err != nil {
		t.Fatal(err)
	}
	backdated := time.Now().Add(-2 * time.Hour).UnixMilli()
	if _, err := st.DB.Exec(ctx,
		`UPDATE media_fingerprint SET last_checked_at=$1 WHERE fingerprint_hash=$2`,
		backdated, fp); err != nil {
		t.Fatal(err)
	}

	evt := qqTextEvent("g1", "200", "10", "Alice", "")
	evt.Segments = message.Message{{Type: message.SegImage, Data: map[string]string{"url": url}}}
	fwd.HandleMessage(ctx, evt)

	if len(tg.calls) != 1 || tg.calls[0].Method != "photo" {
		t.Fatalf("expected a fresh photo send after the dead entry was dropped, got %+v", tg.calls)
	}
	refreshed, err := st.GetMediaFingerprint(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if refreshed == nil || refreshed.IsAnimated {
		t.Fatalf("stale animated entry should have been replaced: %+v", refreshed)
	}
}

func TestOversizedStillSentAsDocument(t *testing.T) {
	fwd, st, _, tg := setupForwarder(t, topicRoute(false, false))
	fwd.media = &fakeProber{width: 12000, height: 300}
	ctx := context.Background()

	url := "http://cdn.example/pano.jpg"
	evt := qqTextEvent("g1", "300", "10", "Alice", "")
	evt.Segments = message.Message{{Type: message.SegImage, Data: map[string]string{"url": url}}}
	fwd.HandleMessage(ctx, evt)

	if len(tg.calls) != 1 || tg.calls[0].Method != "document" {
		t.Fatalf("expected a document send for an oversized still, got %+v", tg.calls)
	}
	fp, err := st.GetMediaFingerprint(ctx, media.Fingerprint(url))
	if err != nil {
		t.Fatal(err)
	}
	if fp == nil || fp.MediaKind != "document" {
		t.Fatalf("fingerprint kind = %+v, want document", fp)
	}
}

func TestEmptyMessageSendsNoBareHeader(t *testing.T) {
	fwd, _, _, tg := setupForwarder(t, topicRoute(true, false))
	ctx := context.Background()

	empty := qqTextEvent("g1", "400", "10", "Alice", "")
	empty.Segments = nil
	fwd.HandleMessage(ctx, empty)

	blank := qqTextEvent("g1", "401", "10", "Alice", "   ")
	fwd.HandleMessage(ctx, blank)

	if len(tg.calls) != 0 {
		t.Fatalf("expected no delivery for content-free messages, got %+v", tg.calls)
	}
}
