package telegram

import (
	"context"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// SplitConversation separates a "<chat_id>" or "<chat_id>:<topic_id>"
// conversation address into its parts.
func SplitConversation(conversation string) (chatID, topicID string) {
	// Chat ids can themselves start with '-', so split on the last colon.
	if idx := strings.LastIndexByte(conversation, ':'); idx > 0 {
		return conversation[:idx], conversation[idx+1:]
	}
	return conversation, ""
}

// JoinConversation is the inverse of SplitConversation.
func JoinConversation(chatID, topicID string) string {
	if topicID == "" {
		return chatID
	}
	return chatID + ":" + topicID
}

// baseParams assembles the shared chat / topic / reply addressing fields.
func baseParams(conversation, replyTo string) map[string]any {
	chatID, topicID := SplitConversation(conversation)
	params := map[string]any{"chat_id": numeric(chatID)}
	if topicID != "" {
		params["message_thread_id"] = numeric(topicID)
	}
	if replyTo != "" {
		params["reply_to_message_id"] = numeric(replyTo)
		params["allow_sending_without_reply"] = true
	}
	return params
}

func numeric(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func messageID(result gjson.Result) string {
	return result.Get("message_id").String()
}

// SendMessage sends plain text and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, conversation, text, replyTo string) (string, error) {
	params := baseParams(conversation, replyTo)
	params["text"] = text
	result, err := c.Call(ctx, "sendMessage", params)
	if err != nil {
		return "", err
	}
	return messageID(result), nil
}

// SendResult carries the new message id plus the platform-assigned file id of
// the uploaded media, for the fingerprint cache.
type SendResult struct {
	MessageID string
	FileID    string
}

func (c *Client) sendMedia(ctx context.Context, method, field, conversation, media, caption, replyTo string) (*SendResult, error) {
	params := baseParams(conversation, replyTo)
	params[field] = media
	if caption != "" {
		params["caption"] = caption
	}
	result, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	out := &SendResult{MessageID: messageID(result)}
	switch field {
	case "photo":
		// Largest size is last.
		photos := result.Get("photo").Array()
		if len(photos) > 0 {
			out.FileID = photos[len(photos)-1].Get("file_id").String()
		}
	default:
		out.FileID = result.Get(field + ".file_id").String()
	}
	return out, nil
}

// SendPhoto sends a still image by URL or cached file id.
func (c *Client) SendPhoto(ctx context.Context, conversation, media, caption, replyTo string) (*SendResult, error) {
	return c.sendMedia(ctx, "sendPhoto", "photo", conversation, media, caption, replyTo)
}

// SendAnimation sends a GIF-like looping clip.
func (c *Client) SendAnimation(ctx context.Context, conversation, media, caption, replyTo string) (*SendResult, error) {
	return c.sendMedia(ctx, "sendAnimation", "animation", conversation, media, caption, replyTo)
}

// SendVideo sends a video by URL or cached file id.
func (c *Client) SendVideo(ctx context.Context, conversation, media, caption, replyTo string) (*SendResult, error) {
	return c.sendMedia(ctx, "sendVideo", "video", conversation, media, caption, replyTo)
}

// SendAudio sends an audio track.
func (c *Client) SendAudio(ctx context.Context, conversation, media, caption, replyTo string) (*SendResult, error) {
	return c.sendMedia(ctx, "sendAudio", "audio", conversation, media, caption, replyTo)
}

// SendVoice sends a voice note.
func (c *Client) SendVoice(ctx context.Context, conversation, media, replyTo string) (*SendResult, error) {
	return c.sendMedia(ctx, "sendVoice", "voice", conversation, media, "", replyTo)
}

// SendDocument sends an arbitrary file.
func (c *Client) SendDocument(ctx context.Context, conversation, media, caption, replyTo string) (*SendResult, error) {
	return c.sendMedia(ctx, "sendDocument", "document", conversation, media, caption, replyTo)
}

// SendSticker sends a cached sticker by file id.
func (c *Client) SendSticker(ctx context.Context, conversation, fileID, replyTo string) (*SendResult, error) {
	return c.sendMedia(ctx, "sendSticker", "sticker", conversation, fileID, "", replyTo)
}

// DeleteMessage removes a message from a chat.
func (c *Client) DeleteMessage(ctx context.Context, conversation, msgID string) error {
	chatID, _ := SplitConversation(conversation)
	_, err := c.Call(ctx, "deleteMessage", map[string]any{
		"chat_id":    numeric(chatID),
		"message_id": numeric(msgID),
	})
	return err
}

// EditMessageText replaces the text of an existing message.
func (c *Client) EditMessageText(ctx context.Context, conversation, msgID, text string) error {
	chatID, _ := SplitConversation(conversation)
	_, err := c.Call(ctx, "editMessageText", map[string]any{
		"chat_id":    numeric(chatID),
		"message_id": numeric(msgID),
		"text":       text,
	})
	return err
}

// GetFileURL resolves a file id to its download URL.
func (c *Client) GetFileURL(ctx context.Context, fileID string) (string, error) {
	result, err := c.Call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return "", err
	}
	return c.FileURL(result.Get("file_path").String()), nil
}

// GetMe fetches the bot's own identity, used as a startup liveness check.
func (c *Client) GetMe(ctx context.Context) (gjson.Result, error) {
	return c.Call(ctx, "getMe", nil)
}

// GetChatMember fetches a member's display info for the user cache.
func (c *Client) GetChatMember(ctx context.Context, conversation, userID string) (gjson.Result, error) {
	chatID, _ := SplitConversation(conversation)
	return c.Call(ctx, "getChatMember", map[string]any{
		"chat_id": numeric(chatID),
		"user_id": numeric(userID),
	})
}
