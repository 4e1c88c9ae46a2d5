package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"chainwatch/internal/render"
)

// NATSSink publishes rendered payloads to one NATS subject per channel key.
// Subjects are ordered message logs, so each Send is flushed before the next
// one is issued.
type NATSSink struct {
	conn          *nats.Conn
	subjectPrefix string
}

// NewNATSSink connects to NATS with automatic reconnection. Payloads for
// channel key "general" end up on subject "<prefix>.general".
func NewNATSSink(url, subjectPrefix string, opts ...nats.Option) (*NATSSink, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	conn, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSSink{conn: conn, subjectPrefix: subjectPrefix}, nil
}

func (s *NATSSink) Send(ctx context.Context, routingKey string, payload render.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	subject := s.subjectPrefix + "." + routingKey
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	// Flush before returning so a batch dispatched sequentially arrives in
	// submission order even across reconnects.
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := s.conn.FlushTimeout(time.Until(deadline)); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	s.conn.Close()
	return nil
}
