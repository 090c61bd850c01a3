// Package forward is the policy layer of the bridge: per-direction
// forwarders composing the translator, the mapping store, the media engine
// and the retry queue.
package forward

import (
	"github.com/meowcat-dev/qtbridge/pkg/message"
	"github.com/meowcat-dev/qtbridge/pkg/telegram"
)

// RouteMode selects how the Telegram side is addressed.
type RouteMode string

const (
	// ModeGroup bridges into a plain group chat.
	ModeGroup RouteMode = "group"
	// ModeTopic bridges into a forum topic inside a supergroup.
	ModeTopic RouteMode = "topic"
)

// Route binds one QQ conversation to one Telegram conversation (optionally a
// topic within it) with per-direction sender-header policies.
type Route struct {
	QQConversation string
	QQKind         message.ConversationKind
	TGChat         string
	TGTopic        string
	Mode           RouteMode
	ShowSenderQQToTG bool
	ShowSenderTGToQQ bool
}

// TGConversation renders the Telegram-side address of the route.
func (r *Route) TGConversation() string {
	if r.Mode == ModeTopic {
		return telegram.JoinConversation(r.TGChat, r.TGTopic)
	}
	return r.TGChat
}

// Routes is the configured bridge-route table.
type Routes []Route

// ByQQ finds the route owning a QQ conversation.
func (rs Routes) ByQQ(conversationID string) *Route {
	for i := range rs {
		if rs[i].QQConversation == conversationID {
			return &rs[i]
		}
	}
	return nil
}

// ByTG finds the route owning a Telegram conversation address. A topic-mode
// route only matches its exact topic; a group-mode route matches the chat
// regardless of topic.
func (rs Routes) ByTG(conversation string) *Route {
	chat, _ := telegram.SplitConversation(conversation)
	for i := range rs {
		r := &rs[i]
		if r.Mode == ModeTopic {
			if r.TGConversation() == conversation {
				return r
			}
			continue
		}
		if r.TGChat == chat {
			return r
		}
	}
	return nil
}
