// Package fanout carries terminal output and viewer control traffic between
// gateway instances over a topic-based publish/subscribe bus.
package fanout

import (
	"context"
	"errors"
)

// ErrClosed is returned by a bus after Close.
var ErrClosed = errors.New("fanout bus closed")

// Handler receives one published payload. Handlers for a subscription are
// called sequentially in publish order.
type Handler func(payload []byte)

// Subscription is an active topic subscription.
type Subscription interface {
	Close() error
}

// Bus is a topic publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	Close() error
}

// OutputTopic is the channel carrying shell output for a session.
func OutputTopic(sessionID string) string {
	return "terminal:" + sessionID
}

// ControlTopic is the channel carrying viewer control frames for a session.
func ControlTopic(sessionID string) string {
	return "terminal:" + sessionID + ":ctl"
}
