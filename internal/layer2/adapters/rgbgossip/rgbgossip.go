// Package rgbgossip implements rgb.Gossip over a libp2p-pubsub topic,
// joined once at daemon startup and shared by every RGB contract the
// rgb adapter tracks.
package rgbgossip

import (
	"context"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
)

// Topic publishes RGB consignment transfer payloads onto a pubsub topic.
type Topic struct {
	topic *pubsub.Topic
}

// New wraps an already-joined pubsub topic.
func New(topic *pubsub.Topic) *Topic {
	return &Topic{topic: topic}
}

// Publish broadcasts data to every peer subscribed to the topic.
func (t *Topic) Publish(ctx context.Context, data []byte) error {
	if t.topic == nil {
		return l2err.New(l2err.NotConnected, "rgb gossip topic is not joined")
	}
	if err := t.topic.Publish(ctx, data); err != nil {
		return l2err.Wrap(l2err.Unavailable, "failed to publish rgb consignment to gossip topic", err)
	}
	return nil
}
