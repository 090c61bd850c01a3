package forward

import "testing"

func TestRouteLookup(t *testing.T) {
	routes := Routes{
		{QQConversation: "g1", TGChat: "-100", TGTopic: "5", Mode: ModeTopic},
		{QQConversation: "g2", TGChat: "-200", Mode: ModeGroup},
	}

	if r := routes.ByQQ("g1"); r == nil || r.TGConversation() != "-100:5" {
		t.Errorf("ByQQ(g1) = %+v", r)
	}
	if r := routes.ByTG("-100:5"); r == nil || r.QQConversation != "g1" {
		t.Errorf("ByTG(-100:5) = %+v", r)
	}
	// A topic-mode route must not capture messages from other topics.
	if r := routes.ByTG("-100:9"); r != nil {
		t.Errorf("ByTG(-100:9) matched %+v", r)
	}
	// A group-mode route matches the chat with or without a topic.
	if r := routes.ByTG("-200:3"); r == nil || r.QQConversation != "g2" {
		t.Errorf("ByTG(-200:3) = %+v", r)
	}
	if r := routes.ByQQ("g9"); r != nil {
		t.Errorf("ByQQ(g9) matched %+v", r)
	}
}
