package sink

import (
	"context"

	"chainwatch/internal/render"
)

// Sink accepts a rendered payload plus a routing key and delivers it to the
// matching channel, preserving submission order per channel.
type Sink interface {
	Send(ctx context.Context, routingKey string, payload render.Payload) error
}
