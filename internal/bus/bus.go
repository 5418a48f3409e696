// Package bus provides the typed message queues between chat channels and
// the agent runtime. The bus does not persist messages; backpressure is
// applied by the consumer, not here.
package bus

import "context"

const defaultQueueCap = 1024

// MessageBus carries inbound and outbound messages on bounded FIFO queues.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultQueueCap),
		outbound: make(chan OutboundMessage, defaultQueueCap),
	}
}

// PublishInbound enqueues a message from a channel. Blocks when the queue is full.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// PublishOutbound enqueues a message for delivery. Blocks when the queue is full.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// ConsumeInbound blocks until a message is available or ctx is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// ConsumeOutbound blocks until a message is available or ctx is cancelled.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}
