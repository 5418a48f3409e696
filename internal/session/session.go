// Package session persists per-chat transcripts as JSONL files, one file per
// session key. The first line is a metadata record; each following line is a
// message record.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/providers"
)

// Message is one transcript entry.
type Message struct {
	Role      string               `json:"role"` // "user", "assistant", "tool", "system"
	Content   string               `json:"content"`
	Timestamp time.Time            `json:"timestamp"`
	ToolCalls []providers.ToolCall `json:"tool_calls,omitempty"`
}

// Session is one chat's transcript plus metadata. The Key never changes;
// everything else is guarded by mu because async saves marshal the session
// while the next message for the same chat may already be appending to it.
// Access Messages and Metadata through the methods, not the fields.
type Session struct {
	Key       string         `json:"key"`
	Messages  []Message      `json:"messages"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata"`

	mu sync.Mutex
}

// Append adds a message and stamps the update time.
func (s *Session) Append(role, content string, toolCalls ...providers.ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		ToolCalls: toolCalls,
	})
	s.UpdatedAt = time.Now().UTC()
}

// Trim drops the oldest messages once the transcript exceeds the cap,
// keeping the most recent keepLast. The drop is permanent.
func (s *Session) Trim(keepLast int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keepLast > 0 && len(s.Messages) > keepLast {
		s.Messages = append([]Message(nil), s.Messages[len(s.Messages)-keepLast:]...)
	}
}

// History returns a copy of the transcript for read-only use.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.Messages...)
}

// Meta returns a metadata value.
func (s *Session) Meta(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Metadata[key]
	return v, ok
}

// MetaString returns a string metadata value, or "" when absent.
func (s *Session) MetaString(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, _ := s.Metadata[key].(string)
	return v
}

// SetMeta sets a metadata value, allocating the map on first use.
func (s *Session) SetMeta(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[key] = value
}

// Snapshot returns a consistent copy of everything persistence needs, so
// Save can marshal without holding the lock.
func (s *Session) Snapshot() (msgs []Message, meta map[string]any, createdAt, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs = append([]Message(nil), s.Messages...)
	if s.Metadata != nil {
		meta = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			meta[k] = v
		}
	}
	return msgs, meta, s.CreatedAt, s.UpdatedAt
}

// FileStem returns the safe filename stem for a session key:
// "<channel>:<chat_id>" becomes "<channel>_<chat_id>" with unsafe runes escaped.
func FileStem(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
