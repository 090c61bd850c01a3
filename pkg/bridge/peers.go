package bridge

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/meowcat-dev/qtbridge/pkg/forward"
	"github.com/meowcat-dev/qtbridge/pkg/media"
	"github.com/meowcat-dev/qtbridge/pkg/message"
	"github.com/meowcat-dev/qtbridge/pkg/onebot"
	"github.com/meowcat-dev/qtbridge/pkg/telegram"
)

// qqPeer adapts the OneBot client to the forwarder's capability surface.
type qqPeer struct {
	c *onebot.Client
}

func (p *qqPeer) SendMessage(ctx context.Context, conversationID string, kind message.ConversationKind, msg message.Message) (string, error) {
	return p.c.SendMessage(ctx, conversationID, kind, msg)
}

func (p *qqPeer) DeleteMessage(ctx context.Context, messageID string) error {
	return p.c.DeleteMessage(ctx, messageID)
}

func (p *qqPeer) MemberProfile(ctx context.Context, conversationID, userID string) (*forward.PeerProfile, error) {
	info, err := p.c.GetGroupMemberInfo(ctx, conversationID, userID)
	if err != nil {
		// Direct chats and departed members have no group record.
		info, err = p.c.GetStrangerInfo(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	return &forward.PeerProfile{Nickname: info.Nickname, Card: info.Card, Title: info.Title}, nil
}

func (p *qqPeer) ResolveFileURL(ctx context.Context, kind, fileID string) (string, error) {
	switch kind {
	case "record":
		return p.c.GetRecordURL(ctx, fileID)
	case "image", "video":
		return p.c.GetImageURL(ctx, fileID)
	default:
		return "", fmt.Errorf("no URL resolver for %s files", kind)
	}
}

func (p *qqPeer) ExpandForward(ctx context.Context, forwardID string) ([]forward.ForwardNode, error) {
	data, err := p.c.GetForwardMessage(ctx, forwardID)
	if err != nil {
		return nil, err
	}
	var nodes []forward.ForwardNode
	data.Get("messages").ForEach(func(_, node gjson.Result) bool {
		sender := node.Get("sender.card").String()
		if sender == "" {
			sender = node.Get("sender.nickname").String()
		}
		text := node.Get("raw_message").String()
		if text == "" {
			text = node.Get("content").String()
		}
		nodes = append(nodes, forward.ForwardNode{Sender: sender, Text: text})
		return true
	})
	return nodes, nil
}

// tgPeer adapts the bot API client to the forwarder's capability surface.
type tgPeer struct {
	c *telegram.Client
}

func (p *tgPeer) SendText(ctx context.Context, conversation, text, replyTo string) (string, error) {
	return p.c.SendMessage(ctx, conversation, text, replyTo)
}

func (p *tgPeer) SendMedia(ctx context.Context, kind forward.MediaKind, conversation, mediaRef, caption, replyTo string) (string, string, error) {
	var res *telegram.SendResult
	var err error
	switch kind {
	case forward.MediaPhoto:
		res, err = p.c.SendPhoto(ctx, conversation, mediaRef, caption, replyTo)
	case forward.MediaAnimation:
		res, err = p.c.SendAnimation(ctx, conversation, mediaRef, caption, replyTo)
	case forward.MediaVideo:
		res, err = p.c.SendVideo(ctx, conversation, mediaRef, caption, replyTo)
	case forward.MediaVoice:
		res, err = p.c.SendVoice(ctx, conversation, mediaRef, replyTo)
	case forward.MediaAudio:
		res, err = p.c.SendAudio(ctx, conversation, mediaRef, caption, replyTo)
	case forward.MediaDocument:
		res, err = p.c.SendDocument(ctx, conversation, mediaRef, caption, replyTo)
	default:
		return "", "", fmt.Errorf("unsupported media kind %q", kind)
	}
	if err != nil {
		return "", "", err
	}
	return res.MessageID, res.FileID, nil
}

func (p *tgPeer) SendSticker(ctx context.Context, conversation, fileID, replyTo string) (string, error) {
	res, err := p.c.SendSticker(ctx, conversation, fileID, replyTo)
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}

func (p *tgPeer) DeleteMessage(ctx context.Context, conversation, msgID string) error {
	return p.c.DeleteMessage(ctx, conversation, msgID)
}

func (p *tgPeer) MemberProfile(ctx context.Context, conversation, userID string) (*forward.PeerProfile, error) {
	member, err := p.c.GetChatMember(ctx, conversation, userID)
	if err != nil {
		return nil, err
	}
	name := member.Get("user.first_name").String()
	if last := member.Get("user.last_name").String(); last != "" {
		if name != "" {
			name += " "
		}
		name += last
	}
	if name == "" {
		name = member.Get("user.username").String()
	}
	return &forward.PeerProfile{
		Nickname: name,
		Title:    member.Get("custom_title").String(),
	}, nil
}

func (p *tgPeer) ResolveFileURL(ctx context.Context, fileID string) (string, error) {
	return p.c.GetFileURL(ctx, fileID)
}

// prober adapts the media engine to the forwarder's probe interface.
type prober struct {
	e *media.Engine
}

func (p *prober) ProbeAnimated(ctx context.Context, url string) (string, bool) {
	res := p.e.ProbeAnimated(ctx, url)
	return res.Mime, res.Animated
}

func (p *prober) ProbeDimensions(ctx context.Context, url string) (int, int) {
	return p.e.ProbeDimensions(ctx, url)
}

func (p *prober) Recheck(ctx context.Context, url string) bool {
	return p.e.Recheck(ctx, url)
}
