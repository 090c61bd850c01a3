package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// fakeAPI is an in-process bot API server recording every call.
type fakeAPI struct {
	t       *testing.T
	srv     *httptest.Server
	handler     func(method string, params gjson.Result) string
	calls       []string
	httpMethods []string
}

func newFakeAPI(t *testing.T, handler func(method string, params gjson.Result) string) *fakeAPI {
	t.Helper()
	api := &fakeAPI{t: t, handler: handler}
	api.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if len(parts) != 2 || !strings.HasPrefix(parts[0], "bot") {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		method := parts[1]
		api.calls = append(api.calls, method)
		api.httpMethods = append(api.httpMethods, r.Method)
		var body json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(api.handler(method, gjson.ParseBytes(body))))
	}))
	t.Cleanup(api.srv.Close)
	return api
}

func (api *fakeAPI) client(t *testing.T) *Client {
	t.Helper()
	return NewClient(zerolog.Nop(), Config{
		Host:         api.srv.URL,
		Token:        "TESTTOKEN",
		PollInterval: 20 * time.Millisecond,
		SendRate:     1000,
	}, api.srv.Client())
}

func TestSendMessage(t *testing.T) {
	api := newFakeAPI(t, func(method string, params gjson.Result) string {
		if method != "sendMessage" {
			t.Errorf("unexpected method %q", method)
		}
		if params.Get("chat_id").Int() != -100 {
			t.Errorf("chat_id = %v", params.Get("chat_id"))
		}
		if params.Get("message_thread_id").Int() != 5 {
			t.Errorf("message_thread_id = %v", params.Get("message_thread_id"))
		}
		if params.Get("text").String() != "[Alice]\thello" {
			t.Errorf("text = %q", params.Get("text").String())
		}
		return `{"ok":true,"result":{"message_id":7}}`
	})
	c := api.client(t)
	id, err := c.SendMessage(context.Background(), "-100:5", "[Alice]\thello", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "7" {
		t.Errorf("message id = %q, want 7", id)
	}
}

func TestParameterlessCallGoesOverGet(t *testing.T) {
	api := newFakeAPI(t, func(method string, _ gjson.Result) string {
		if method != "getMe" {
			t.Errorf("unexpected method %q", method)
		}
		return `{"ok":true,"result":{"id":1,"username":"bridgebot"}}`
	})
	c := api.client(t)
	me, err := c.GetMe(context.Background())
	if err != nil {
		t.Fatalf("getMe: %v", err)
	}
	if me.Get("username").String() != "bridgebot" {
		t.Errorf("unexpected identity: %s", me.Raw)
	}
	if len(api.httpMethods) != 1 || api.httpMethods[0] != http.MethodGet {
		t.Errorf("http methods = %v, want one GET", api.httpMethods)
	}
}

func TestCallAPIError(t *testing.T) {
	api := newFakeAPI(t, func(string, gjson.Result) string {
		return `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`
	})
	c := api.client(t)
	_, err := c.SendMessage(context.Background(), "1", "x", "")
	if !errors.Is(err, ErrAPIFailed) {
		t.Fatalf("expected ErrAPIFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("description lost: %v", err)
	}
}

func TestSendPhotoExtractsLargestFileID(t *testing.T) {
	api := newFakeAPI(t, func(method string, params gjson.Result) string {
		if params.Get("photo").String() != "https://cdn/x.png" {
			t.Errorf("photo = %q", params.Get("photo").String())
		}
		return `{"ok":true,"result":{"message_id":8,"photo":[
			{"file_id":"small"},{"file_id":"large"}]}}`
	})
	c := api.client(t)
	res, err := c.SendPhoto(context.Background(), "-100", "https://cdn/x.png", "cap", "")
	if err != nil {
		t.Fatalf("send photo: %v", err)
	}
	if res.MessageID != "8" || res.FileID != "large" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestPollLoopDeliversAndAdvancesOffset(t *testing.T) {
	var offsets []int64
	api := newFakeAPI(t, func(method string, params gjson.Result) string {
		if method != "getUpdates" {
			return `{"ok":true,"result":{}}`
		}
		offsets = append(offsets, params.Get("offset").Int())
		if len(offsets) == 1 {
			return `{"ok":true,"result":[{"update_id":41,"message":{
				"message_id":9,"date":1700000000,
				"chat":{"id":-100,"type":"supergroup"},
				"from":{"id":55,"first_name":"Bob"},
				"text":"hi"}}]}`
		}
		return `{"ok":true,"result":[]}`
	})
	events := make(chan message.Event, 4)
	c := api.client(t)
	c.SetEventHandler(func(evt message.Event) { events <- evt })
	c.Connect(context.Background())
	defer c.Disconnect()

	select {
	case evt := <-events:
		msg, ok := evt.(*message.MessageEvent)
		if !ok {
			t.Fatalf("expected MessageEvent, got %T", evt)
		}
		if msg.MessageID != "9" || msg.UserID != "55" || msg.Segments.PlainText() != "hi" {
			t.Errorf("unexpected event: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("update never delivered")
	}

	deadline := time.Now().Add(3 * time.Second)
	for len(offsets) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("second poll never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if offsets[1] != 42 {
		t.Errorf("offset after update 41 = %d, want 42", offsets[1])
	}
	if !c.IsConnected() {
		t.Error("client should report connected after successful poll")
	}
}

func TestSplitConversation(t *testing.T) {
	cases := []struct {
		in    string
		chat  string
		topic string
	}{
		{"-100:5", "-100", "5"},
		{"-1001234", "-1001234", ""},
		{"123", "123", ""},
	}
	for _, tc := range cases {
		chat, topic := SplitConversation(tc.in)
		if chat != tc.chat || topic != tc.topic {
			t.Errorf("SplitConversation(%q) = %q, %q", tc.in, chat, topic)
		}
	}
}
