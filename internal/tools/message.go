package tools

import (
	"context"

	"github.com/nanoclaw/nanoclaw/internal/bus"
)

// MessageTool publishes an outbound message. A fresh instance is bound to
// the originating (channel, chat_id) for every request, so concurrent chats
// can never route into each other.
type MessageTool struct {
	bus            *bus.MessageBus
	defaultChannel string
	defaultChatID  string
}

func NewMessageTool(b *bus.MessageBus, channel, chatID string) *MessageTool {
	return &MessageTool{bus: b, defaultChannel: channel, defaultChatID: chatID}
}

func (t *MessageTool) Name() string { return "message" }
func (t *MessageTool) Description() string {
	return "Send a message to the user immediately, before the final response"
}

func (t *MessageTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "Message text to send",
				"minLength":   1,
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Target channel; defaults to the current chat's channel",
			},
			"chat_id": map[string]any{
				"type":        "string",
				"description": "Target chat; defaults to the current chat",
			},
		},
		"required": []any{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]any) string {
	content, _ := args["content"].(string)
	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)
	if channel == "" {
		channel = t.defaultChannel
	}
	if chatID == "" {
		chatID = t.defaultChatID
	}
	if channel == "" || chatID == "" {
		return Errorf("message has no destination: channel and chat_id are unset")
	}

	t.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
	})
	return "Message sent."
}
