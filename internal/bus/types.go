package bus

import "time"

// InboundMessage is a message received from a chat channel (Telegram, WebUI,
// or the synthetic "system" channel used by subagent announcements).
type InboundMessage struct {
	Channel    string         `json:"channel"`
	SenderID   string         `json:"sender_id"`
	ChatID     string         `json:"chat_id"`
	Content    string         `json:"content"`
	Media      []string       `json:"media,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// SessionKey derives the default per-chat session key.
// Channels on the trusted override list may replace it via metadata.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// MetadataString returns a string metadata value, or "" when absent.
func (m InboundMessage) MetadataString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	v, _ := m.Metadata[key].(string)
	return v
}

// Control returns the control record carried in metadata, if any.
// Control messages are handled by the dispatcher without an LLM turn.
func (m InboundMessage) Control() map[string]any {
	if m.Metadata == nil {
		return nil
	}
	v, _ := m.Metadata["control"].(map[string]any)
	return v
}

// Outbound message types carried in OutboundMessage metadata.
const (
	TypeAssistant     = "assistant"
	TypeStatus        = "status"
	TypeSubagents     = "subagents"
	TypeSubagentEvent = "subagent_event"
)

// OutboundMessage is a message to deliver to a channel.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Type returns the outbound message type, defaulting to assistant.
func (m OutboundMessage) Type() string {
	if m.Metadata == nil {
		return TypeAssistant
	}
	if t, _ := m.Metadata["type"].(string); t != "" {
		return t
	}
	return TypeAssistant
}
