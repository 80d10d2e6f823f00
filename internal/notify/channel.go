package notify

import "context"

// Channel delivers one outbound message. The engine never depends on a
// concrete transport; pub/sub broadcast and SMS or push gateways all plug
// in here.
type Channel interface {
	Send(ctx context.Context, channel, recipient string, payload []byte) error
}

// Publisher is the Redis pub/sub surface used by the stock channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PubSubChannel broadcasts deliveries on a Redis channel. Dashboard and
// operator consoles subscribe to it for the live notification feed.
type PubSubChannel struct {
	pub     Publisher
	channel string
}

func NewPubSubChannel(pub Publisher, channel string) *PubSubChannel {
	return &PubSubChannel{pub: pub, channel: channel}
}

func (c *PubSubChannel) Send(ctx context.Context, _ string, _ string, payload []byte) error {
	return c.pub.Publish(ctx, c.channel, payload)
}
