// Package channels connects chat front-ends (WebUI, Telegram) to the agent
// runtime through the message bus.
package channels

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nanoclaw/nanoclaw/internal/bus"
)

// internalChannels never receive outbound dispatch; their messages are
// consumed by the agent loop directly.
var internalChannels = map[string]bool{
	"system": true,
	"cron":   true,
}

// IsInternalChannel reports whether a channel name is runtime-internal.
func IsInternalChannel(name string) bool {
	return internalChannels[name]
}

// Channel is implemented by every chat transport.
type Channel interface {
	// Name returns the channel identifier ("webui", "telegram").
	Name() string

	// Start begins listening for messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the channel down.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the channel is processing messages.
	IsRunning() bool
}

// maxTrackedSenders caps the per-sender limiter map so rotating sender IDs
// cannot exhaust memory.
const maxTrackedSenders = 4096

// BaseChannel carries the allowlist check, per-sender rate limiting and
// inbound publishing shared by all channel implementations.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string

	mu       sync.Mutex
	running  bool
	limit    rate.Limit
	limiters map[string]*rate.Limiter
}

// NewBaseChannel wires a channel name to the bus. rateLimitS is the minimum
// seconds between messages per sender; zero disables limiting.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowFrom []string, rateLimitS float64) *BaseChannel {
	limit := rate.Inf
	if rateLimitS > 0 {
		limit = rate.Every(time.Duration(rateLimitS * float64(time.Second)))
	}
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowFrom: allowFrom,
		limit:     limit,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (c *BaseChannel) Name() string { return c.name }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

func (c *BaseChannel) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *BaseChannel) SetRunning(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
}

// IsAllowed checks the sender against the allowlist. Compound sender IDs
// ("12345|username") match on either part; allowlist entries may carry a
// leading "@". An empty allowlist admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	parts := strings.Split(senderID, "|")
	for _, allowed := range c.allowFrom {
		allowed = strings.TrimPrefix(allowed, "@")
		if senderID == allowed {
			return true
		}
		for _, part := range parts {
			if part != "" && part == allowed {
				return true
			}
		}
	}
	return false
}

// allowRate reports whether the sender is within the rate limit.
func (c *BaseChannel) allowRate(senderID string) bool {
	if c.limit == rate.Inf {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[senderID]
	if !ok {
		if len(c.limiters) >= maxTrackedSenders {
			for k := range c.limiters {
				delete(c.limiters, k)
				break
			}
		}
		lim = rate.NewLimiter(c.limit, 1)
		c.limiters[senderID] = lim
	}
	return lim.Allow()
}

// HandleMessage checks the allowlist and rate limit, then publishes the
// message to the bus. Returns whether it was accepted.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]any) bool {
	if !c.IsAllowed(senderID) {
		return false
	}
	if !c.allowRate(senderID) {
		return false
	}
	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Media:    media,
		Metadata: metadata,
	})
	return true
}

// SplitContent chunks a message for platforms with a length cap, preferring
// newline boundaries past the midpoint of each chunk.
func SplitContent(content string, maxLen int) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	if maxLen <= 0 || len(content) <= maxLen {
		return []string{content}
	}
	var chunks []string
	for start := 0; start < len(content); {
		end := start + maxLen
		if end >= len(content) {
			end = len(content)
		} else if split := strings.LastIndex(content[start:end], "\n"); split > maxLen/2 {
			end = start + split + 1
		}
		chunks = append(chunks, content[start:end])
		start = end
	}
	return chunks
}
