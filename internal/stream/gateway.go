// Package stream wraps the Redis-stream durable log behind a typed gateway.
// Flat field lists never leave this package: entries are parsed into
// notification.QueueEntry at the boundary.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/driftboard/notifier/internal/metrics"
	"github.com/driftboard/notifier/internal/notification"
	redisx "github.com/driftboard/notifier/internal/redis"
)

// Field names used in the flat stream payload.
const (
	fieldRecipient  = "recipient_id"
	fieldPost       = "post_id"
	fieldKind       = "kind"
	fieldActor      = "actor_username"
	fieldContent    = "content"
	fieldRetryCount = "retry_count"
)

// Gateway owns all interaction with the durable notification log:
// consumer-group bookkeeping, reads, acknowledgment, and trimming.
type Gateway struct {
	client *redisx.Client
	stream string
	group  string
	logger *zap.Logger
}

func NewGateway(client *redisx.Client, stream, group string, logger *zap.Logger) *Gateway {
	return &Gateway{
		client: client,
		stream: stream,
		group:  group,
		logger: logger,
	}
}

// Stream returns the underlying stream key.
func (g *Gateway) Stream() string {
	return g.stream
}

// EnsureGroup creates the consumer group, creating the stream if needed.
// "already exists" counts as success; any other failure is fatal to startup.
func (g *Gateway) EnsureGroup(ctx context.Context) error {
	err := g.client.RDB().XGroupCreateMkStream(ctx, g.stream, g.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %q on %q: %w", g.group, g.stream, err)
	}
	return nil
}

// Append adds an event to the log and returns the assigned log id.
func (g *Gateway) Append(ctx context.Context, ev notification.Event) (string, error) {
	id, err := g.client.RDB().XAdd(ctx, &redis.XAddArgs{
		Stream: g.stream,
		Values: FlattenEvent(ev),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %q: %w", g.stream, err)
	}
	return id, nil
}

// ClaimStalePending reclaims entries delivered to some consumer but not
// acknowledged within minIdle. This is how a crashed worker's in-flight
// batch is recovered.
func (g *Gateway) ClaimStalePending(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]notification.QueueEntry, error) {
	msgs, _, err := g.client.RDB().XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   g.stream,
		Group:    g.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim stale pending: %w", err)
	}
	return g.parseBatch(ctx, msgs), nil
}

// ReadNew does a non-blocking read of unclaimed entries for this consumer.
func (g *Gateway) ReadNew(ctx context.Context, consumer string, count int) ([]notification.QueueEntry, error) {
	streams, err := g.client.RDB().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: consumer,
		Streams:  []string{g.stream, ">"},
		Count:    int64(count),
		Block:    -1, // no blocking; the worker owns its own sleep policy
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read new entries: %w", err)
	}

	var entries []notification.QueueEntry
	for _, s := range streams {
		entries = append(entries, g.parseBatch(ctx, s.Messages)...)
	}
	return entries, nil
}

// Ack marks entries done. Call only after durable persistence succeeded or
// the entry's durability moved to the DLQ.
func (g *Gateway) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := g.client.RDB().XAck(ctx, g.stream, g.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d entries: %w", len(ids), err)
	}
	return nil
}

// Trim caps the log length. Approximate trimming is fine; this is a
// retention bound, not an exactness requirement.
func (g *Gateway) Trim(ctx context.Context, maxLen int64) error {
	if err := g.client.RDB().XTrimMaxLenApprox(ctx, g.stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("trim %q: %w", g.stream, err)
	}
	return nil
}

// TrimOlderThan drops entries whose log id timestamp predates the cutoff.
// Stream ids are "<unix-ms>-<seq>", so a min-id trim is an age trim.
func (g *Gateway) TrimOlderThan(ctx context.Context, cutoff time.Time) error {
	minID := strconv.FormatInt(cutoff.UnixMilli(), 10)
	if err := g.client.RDB().XTrimMinIDApprox(ctx, g.stream, minID, 0).Err(); err != nil {
		return fmt.Errorf("trim %q before %s: %w", g.stream, minID, err)
	}
	return nil
}

// parseBatch converts raw messages to typed entries. A malformed entry is a
// per-entry failure: it is logged, acked so it never redelivers, and skipped
// without aborting the batch.
func (g *Gateway) parseBatch(ctx context.Context, msgs []redis.XMessage) []notification.QueueEntry {
	entries := make([]notification.QueueEntry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := ParseEntry(msg.ID, msg.Values)
		if err != nil {
			g.logger.Warn("skipping malformed log entry",
				zap.String("log_id", msg.ID),
				zap.Error(err),
			)
			if ackErr := g.Ack(ctx, msg.ID); ackErr != nil {
				g.logger.Error("failed to ack malformed entry", zap.Error(ackErr))
			}
			metrics.RecordEntryProcessed("malformed")
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// ParseEntry reconstructs a typed QueueEntry from a flat field map.
// retry_count defaults to 0 when absent.
func ParseEntry(id string, values map[string]interface{}) (notification.QueueEntry, error) {
	ev := notification.Event{
		RecipientID:   stringField(values, fieldRecipient),
		PostID:        stringField(values, fieldPost),
		Kind:          notification.Kind(stringField(values, fieldKind)),
		ActorUsername: stringField(values, fieldActor),
		Content:       stringField(values, fieldContent),
	}
	if err := ev.Validate(); err != nil {
		return notification.QueueEntry{}, err
	}

	retries := 0
	if raw := stringField(values, fieldRetryCount); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return notification.QueueEntry{}, fmt.Errorf("bad retry_count %q: %w", raw, err)
		}
		retries = n
	}

	return notification.QueueEntry{LogID: id, RetryCount: retries, Event: ev}, nil
}

// FlattenEvent produces the flat field map for an event. Shared with the
// dead-letter sink so both logs speak the same payload.
func FlattenEvent(ev notification.Event) map[string]interface{} {
	return map[string]interface{}{
		fieldRecipient:  ev.RecipientID,
		fieldPost:       ev.PostID,
		fieldKind:       string(ev.Kind),
		fieldActor:      ev.ActorUsername,
		fieldContent:    ev.Content,
		fieldRetryCount: "0",
	}
}

func stringField(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	return s
}
