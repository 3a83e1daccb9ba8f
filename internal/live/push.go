// Package live implements the best-effort push channel to connected
// clients. Presence is a TTL key the session layer refreshes; delivery is a
// pub/sub publish the session layer's socket fan-out subscribes to. Nothing
// here is durable; durability belongs to the log + store path.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/driftboard/notifier/internal/metrics"
	"github.com/driftboard/notifier/internal/notification"
	redisx "github.com/driftboard/notifier/internal/redis"
)

const (
	presencePrefix = "presence:"
	channelPrefix  = "notify:"

	// presenceTTL bounds how stale a presence mark can be when a session
	// dies without cleanup.
	presenceTTL = 2 * time.Minute
)

// Pusher sends notifications to online recipients over Redis pub/sub.
type Pusher struct {
	client   *redisx.Client
	throttle *redisx.Throttle
	logger   *zap.Logger
}

// NewPusher wires the push channel. throttle may be nil to push unthrottled.
func NewPusher(client *redisx.Client, throttle *redisx.Throttle, logger *zap.Logger) *Pusher {
	return &Pusher{client: client, throttle: throttle, logger: logger}
}

// IsOnline reports whether the recipient has an active session.
func (p *Pusher) IsOnline(ctx context.Context, recipientID string) (bool, error) {
	n, err := p.client.RDB().Exists(ctx, presencePrefix+recipientID).Result()
	if err != nil {
		return false, fmt.Errorf("presence check: %w", err)
	}
	return n > 0, nil
}

// Push publishes the event on the recipient's channel. No delivery
// guarantee: a subscriber that is gone simply misses it. Pushes over the
// recipient's rate window are dropped silently; the client still sees the
// notification through the durable path.
func (p *Pusher) Push(ctx context.Context, recipientID string, ev notification.Event) error {
	if p.throttle != nil {
		allowed, err := p.throttle.Allow(ctx, recipientID)
		if err != nil {
			return fmt.Errorf("push throttle: %w", err)
		}
		if !allowed {
			metrics.RecordLivePush("throttled")
			p.logger.Debug("live push throttled", zap.String("recipient_id", recipientID))
			return nil
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.RDB().Publish(ctx, channelPrefix+recipientID, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	p.logger.Debug("live push delivered",
		zap.String("recipient_id", recipientID),
		zap.String("kind", string(ev.Kind)),
	)
	return nil
}

// MarkOnline records an active session for the recipient. Called by the
// session layer on connect and periodically while connected.
func (p *Pusher) MarkOnline(ctx context.Context, recipientID string) error {
	return p.client.RDB().Set(ctx, presencePrefix+recipientID, "1", presenceTTL).Err()
}

// MarkOffline clears the presence mark on disconnect.
func (p *Pusher) MarkOffline(ctx context.Context, recipientID string) error {
	return p.client.RDB().Del(ctx, presencePrefix+recipientID).Err()
}
