package onebot

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/meowcat-dev/qtbridge/pkg/message"
)

// SendGroupMessage delivers segments to a group and returns the new message id.
func (c *Client) SendGroupMessage(ctx context.Context, groupID string, msg message.Message) (string, error) {
	resp, err := c.SendAction(ctx, "send_group_msg", map[string]any{
		"group_id": idValue(groupID),
		"message":  toWire(msg),
	})
	if err != nil {
		return "", err
	}
	return resp.Data.Get("message_id").String(), nil
}

// SendPrivateMessage delivers segments to a direct chat and returns the new
// message id.
func (c *Client) SendPrivateMessage(ctx context.Context, userID string, msg message.Message) (string, error) {
	resp, err := c.SendAction(ctx, "send_private_msg", map[string]any{
		"user_id": idValue(userID),
		"message": toWire(msg),
	})
	if err != nil {
		return "", err
	}
	return resp.Data.Get("message_id").String(), nil
}

// SendMessage routes to the group or private action based on the
// conversation kind.
func (c *Client) SendMessage(ctx context.Context, conversationID string, kind message.ConversationKind, msg message.Message) (string, error) {
	if kind == message.ConversationPrivate {
		return c.SendPrivateMessage(ctx, conversationID, msg)
	}
	return c.SendGroupMessage(ctx, conversationID, msg)
}

// DeleteMessage recalls a message by id.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := c.SendAction(ctx, "delete_msg", map[string]any{
		"message_id": idValue(messageID),
	})
	return err
}

// GetMessage fetches a stored message by id.
func (c *Client) GetMessage(ctx context.Context, messageID string) (gjson.Result, error) {
	resp, err := c.SendAction(ctx, "get_msg", map[string]any{
		"message_id": idValue(messageID),
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.Data, nil
}

// GetForwardMessage expands a forwarded bundle into its node list.
func (c *Client) GetForwardMessage(ctx context.Context, forwardID string) (gjson.Result, error) {
	resp, err := c.SendAction(ctx, "get_forward_msg", map[string]any{
		"id": forwardID,
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.Data, nil
}

// MemberInfo is the display-relevant subset of a user or member record.
type MemberInfo struct {
	Nickname string
	Card     string
	Title    string
}

// GetStrangerInfo fetches platform-global display info for a user.
func (c *Client) GetStrangerInfo(ctx context.Context, userID string) (*MemberInfo, error) {
	resp, err := c.SendAction(ctx, "get_stranger_info", map[string]any{
		"user_id": idValue(userID),
	})
	if err != nil {
		return nil, err
	}
	return &MemberInfo{Nickname: resp.Data.Get("nickname").String()}, nil
}

// GetGroupMemberInfo fetches per-group display info for a member.
func (c *Client) GetGroupMemberInfo(ctx context.Context, groupID, userID string) (*MemberInfo, error) {
	resp, err := c.SendAction(ctx, "get_group_member_info", map[string]any{
		"group_id": idValue(groupID),
		"user_id":  idValue(userID),
	})
	if err != nil {
		return nil, err
	}
	return &MemberInfo{
		Nickname: resp.Data.Get("nickname").String(),
		Card:     resp.Data.Get("card").String(),
		Title:    resp.Data.Get("title").String(),
	}, nil
}

// GetImageURL resolves a cached image file to a fetchable URL.
func (c *Client) GetImageURL(ctx context.Context, file string) (string, error) {
	resp, err := c.SendAction(ctx, "get_image", map[string]any{"file": file})
	if err != nil {
		return "", err
	}
	if url := resp.Data.Get("url").String(); url != "" {
		return url, nil
	}
	return resp.Data.Get("file").String(), nil
}

// GetRecordURL resolves a voice record to a fetchable URL or local path.
func (c *Client) GetRecordURL(ctx context.Context, file string) (string, error) {
	resp, err := c.SendAction(ctx, "get_record", map[string]any{
		"file":       file,
		"out_format": "mp3",
	})
	if err != nil {
		return "", err
	}
	if url := resp.Data.Get("url").String(); url != "" {
		return url, nil
	}
	return resp.Data.Get("file").String(), nil
}

// GetStatus fetches the peer's self-reported status blob.
func (c *Client) GetStatus(ctx context.Context) (gjson.Result, error) {
	resp, err := c.SendAction(ctx, "get_status", nil)
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.Data, nil
}

// GetVersionInfo fetches the implementation name and version.
func (c *Client) GetVersionInfo(ctx context.Context) (gjson.Result, error) {
	resp, err := c.SendAction(ctx, "get_version_info", nil)
	if err != nil {
		return gjson.Result{}, err
	}
	return resp.Data, nil
}
