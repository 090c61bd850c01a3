package telegram

import (
	"testing"

	"github.com/tidwall/gjson"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

func TestParseReplyMessage(t *testing.T) {
	update := gjson.Parse(`{"update_id":1,"message":{
		"message_id":9,"date":1700000000,
		"chat":{"id":-100,"type":"supergroup"},
		"from":{"id":55,"first_name":"Bob","last_name":"B"},
		"reply_to_message":{"message_id":7},
		"text":"hi"}}`)
	evt, ok := ParseUpdate(update).(*message.MessageEvent)
	if !ok {
		t.Fatal("expected MessageEvent")
	}
	if evt.ReplyTo != "7" {
		t.Errorf("reply not captured: %q", evt.ReplyTo)
	}
	if len(evt.Segments) != 2 || evt.Segments[0].Type != message.SegReply {
		t.Errorf("reply segment missing: %+v", evt.Segments)
	}
	if evt.SenderNickname != "Bob B" {
		t.Errorf("sender name = %q", evt.SenderNickname)
	}
}

func TestParseTopicMessage(t *testing.T) {
	update := gjson.Parse(`{"update_id":1,"message":{
		"message_id":9,"date":1700000000,"is_topic_message":true,
		"message_thread_id":5,
		"chat":{"id":-100,"type":"supergroup"},
		"from":{"id":55,"username":"bob"},
		"text":"hi"}}`)
	evt := ParseUpdate(update).(*message.MessageEvent)
	if evt.ConversationID != "-100:5" {
		t.Errorf("topic conversation = %q, want -100:5", evt.ConversationID)
	}
}

func TestParseEditBecomesNotice(t *testing.T) {
	update := gjson.Parse(`{"update_id":1,"edited_message":{
		"message_id":9,"date":1700000000,
		"chat":{"id":-100,"type":"supergroup"},
		"from":{"id":55,"first_name":"Bob"},
		"text":"fixed"}}`)
	evt, ok := ParseUpdate(update).(*message.NoticeEvent)
	if !ok {
		t.Fatal("expected NoticeEvent")
	}
	if evt.Kind != message.NoticeEdit || evt.AffectedID != "9" {
		t.Errorf("unexpected notice: %+v", evt)
	}
	if evt.Edited == nil || evt.Edited.Segments.PlainText() != "fixed" {
		t.Errorf("edited content lost: %+v", evt.Edited)
	}
}

func TestParseDocumentWithCaption(t *testing.T) {
	update := gjson.Parse(`{"update_id":1,"message":{
		"message_id":9,"date":1700000000,
		"chat":{"id":1,"type":"private"},
		"from":{"id":55},
		"document":{"file_id":"doc1","file_name":"a.pdf","file_size":1024},
		"caption":"the file"}}`)
	evt := ParseUpdate(update).(*message.MessageEvent)
	if evt.Kind != message.ConversationPrivate {
		t.Errorf("kind = %q", evt.Kind)
	}
	if len(evt.Segments) != 2 {
		t.Fatalf("expected file+caption, got %+v", evt.Segments)
	}
	if evt.Segments[0].Type != message.SegFile || evt.Segments[0].Get("name") != "a.pdf" {
		t.Errorf("file segment wrong: %+v", evt.Segments[0])
	}
	if evt.Segments[1].Get("text") != "the file" {
		t.Errorf("caption lost: %+v", evt.Segments[1])
	}
}

func TestParseMembershipNotices(t *testing.T) {
	join := gjson.Parse(`{"update_id":1,"message":{
		"message_id":9,"date":1700000000,
		"chat":{"id":-100,"type":"supergroup"},
		"new_chat_members":[{"id":77,"first_name":"New"}]}}`)
	evt, ok := ParseUpdate(join).(*message.NoticeEvent)
	if !ok || evt.Kind != message.NoticeJoin || evt.UserID != "77" {
		t.Errorf("join notice wrong: %+v", evt)
	}

	leave := gjson.Parse(`{"update_id":2,"message":{
		"message_id":10,"date":1700000000,
		"chat":{"id":-100,"type":"supergroup"},
		"left_chat_member":{"id":78}}}`)
	evt, ok = ParseUpdate(leave).(*message.NoticeEvent)
	if !ok || evt.Kind != message.NoticeLeave || evt.UserID != "78" {
		t.Errorf("leave notice wrong: %+v", evt)
	}
}

func TestParseUnknownUpdate(t *testing.T) {
	update := gjson.Parse(`{"update_id":1,"callback_query":{"id":"x"}}`)
	if _, ok := ParseUpdate(update).(*message.UnknownEvent); !ok {
		t.Error("expected UnknownEvent for unhandled update kinds")
	}
}
