// Package dlq implements the dead-letter overflow log and its retry sweep.
// Entries that exhaust local processing retries land here; entries that also
// exhaust DLQ retries are promoted to a terminal permadead log for operator
// attention.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/driftboard/notifier/internal/metrics"
	"github.com/driftboard/notifier/internal/notification"
	redisx "github.com/driftboard/notifier/internal/redis"
)

// ReasonRetryLimit marks entries that exhausted the DLQ's own retry budget.
const ReasonRetryLimit = "exceeded dead-letter retry limit"

const (
	fieldOriginalLogID = "original_log_id"
	fieldRecipient     = "recipient_id"
	fieldPost          = "post_id"
	fieldKind          = "kind"
	fieldActor         = "actor_username"
	fieldContent       = "content"
	fieldReason        = "reason"
	fieldRetryCount    = "retry_count"
	fieldEnqueuedAt    = "enqueued_at"
)

// Inserter re-attempts persistence for swept entries. Implemented by the
// notification service.
type Inserter interface {
	InsertBatch(ctx context.Context, events []notification.Event) (notification.InsertResult, error)
}

// Entry is a dead-lettered payload plus its bookkeeping.
type Entry struct {
	ID            string             `json:"id"` // id within the DLQ log
	OriginalLogID string             `json:"original_log_id"`
	Event         notification.Event `json:"event"`
	Reason        string             `json:"reason"`
	RetryCount    int                `json:"retry_count"`
	EnqueuedAt    time.Time          `json:"enqueued_at"`
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Retried   int // re-inserted successfully and removed from the DLQ
	Requeued  int // failed again, re-pushed with retry_count+1
	Permadead int // promoted to the terminal log
}

// Config for the sink.
type Config struct {
	DLQStream       string
	PermadeadStream string
	MaxRetries      int   // DLQ retry ceiling before permadead promotion
	MaxLen          int64 // approximate cap on both logs
	SweepBatch      int
}

// Sink is the append + sweep side of the dead-letter path.
type Sink struct {
	client   *redisx.Client
	inserter Inserter
	cfg      Config
	logger   *zap.Logger
}

func NewSink(client *redisx.Client, inserter Inserter, cfg Config, logger *zap.Logger) *Sink {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10_000
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 50
	}
	return &Sink{
		client:   client,
		inserter: inserter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Push appends each entry to the DLQ log with a reason and its current retry
// count, keeping the log approximately capped.
func (s *Sink) Push(ctx context.Context, entries []notification.QueueEntry, reason string) error {
	for _, e := range entries {
		if err := s.append(ctx, s.cfg.DLQStream, e.LogID, e.Event, reason, e.RetryCount); err != nil {
			return err
		}
		s.logger.Warn("entry dead-lettered",
			zap.String("original_log_id", e.LogID),
			zap.String("reason", reason),
			zap.Int("retry_count", e.RetryCount),
		)
	}
	return nil
}

// Sweep reads a batch from the DLQ, retries what still has budget, and
// promotes the rest to the permadead log. Safe to re-run: a concurrent or
// repeated sweep can at worst duplicate a permadead record or a persisted
// notification, both of which downstream merging absorbs.
func (s *Sink) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	msgs, err := s.client.RDB().XRangeN(ctx, s.cfg.DLQStream, "-", "+", int64(s.cfg.SweepBatch)).Result()
	if err != nil {
		return res, fmt.Errorf("read dlq batch: %w", err)
	}
	if len(msgs) == 0 {
		return res, nil
	}

	var retriable []Entry
	for _, msg := range msgs {
		entry, err := parseEntry(msg)
		if err != nil {
			// Unparsable dead letters cannot be retried; drop them with a trace.
			s.logger.Error("deleting malformed dlq entry",
				zap.String("dlq_id", msg.ID),
				zap.Error(err),
			)
			s.delete(ctx, msg.ID)
			continue
		}

		if entry.RetryCount >= s.cfg.MaxRetries {
			if err := s.append(ctx, s.cfg.PermadeadStream, entry.OriginalLogID, entry.Event, ReasonRetryLimit, entry.RetryCount); err != nil {
				return res, err
			}
			s.delete(ctx, entry.ID)
			res.Permadead++
			s.logger.Error("entry promoted to permadead",
				zap.String("original_log_id", entry.OriginalLogID),
				zap.Int("retry_count", entry.RetryCount),
			)
			continue
		}
		retriable = append(retriable, entry)
	}

	if len(retriable) > 0 {
		events := make([]notification.Event, len(retriable))
		for i, e := range retriable {
			events[i] = e.Event
		}

		insert, err := s.inserter.InsertBatch(ctx, events)
		if err != nil {
			// Transport-level failure: leave the batch for the next sweep
			// without burning retry budget.
			metrics.RecordSweepEntry("permadead", res.Permadead)
			return res, fmt.Errorf("dlq reinsert batch: %w", err)
		}

		for _, idx := range insert.Succeeded {
			s.delete(ctx, retriable[idx].ID)
			res.Retried++
		}
		for _, f := range insert.Failed {
			e := retriable[f.Index]
			if err := s.append(ctx, s.cfg.DLQStream, e.OriginalLogID, e.Event, e.Reason, e.RetryCount+1); err != nil {
				return res, err
			}
			s.delete(ctx, e.ID)
			res.Requeued++
		}
	}

	metrics.RecordSweepEntry("reinserted", res.Retried)
	metrics.RecordSweepEntry("requeued", res.Requeued)
	metrics.RecordSweepEntry("permadead", res.Permadead)

	if res.Retried+res.Requeued+res.Permadead > 0 {
		s.logger.Info("dlq sweep finished",
			zap.Int("reinserted", res.Retried),
			zap.Int("requeued", res.Requeued),
			zap.Int("permadead", res.Permadead),
		)
	}
	return res, nil
}

// ListDLQ returns up to count raw DLQ entries for the operator surface.
func (s *Sink) ListDLQ(ctx context.Context, count int) ([]Entry, error) {
	return s.list(ctx, s.cfg.DLQStream, count)
}

// ListPermadead returns up to count terminal entries.
func (s *Sink) ListPermadead(ctx context.Context, count int) ([]Entry, error) {
	return s.list(ctx, s.cfg.PermadeadStream, count)
}

func (s *Sink) list(ctx context.Context, stream string, count int) ([]Entry, error) {
	if count <= 0 {
		count = 100
	}
	msgs, err := s.client.RDB().XRangeN(ctx, stream, "-", "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("range %q: %w", stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := parseEntry(msg)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Sink) append(ctx context.Context, stream, originalID string, ev notification.Event, reason string, retryCount int) error {
	err := s.client.RDB().XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			fieldOriginalLogID: originalID,
			fieldRecipient:     ev.RecipientID,
			fieldPost:          ev.PostID,
			fieldKind:          string(ev.Kind),
			fieldActor:         ev.ActorUsername,
			fieldContent:       ev.Content,
			fieldReason:        reason,
			fieldRetryCount:    strconv.Itoa(retryCount),
			fieldEnqueuedAt:    strconv.FormatInt(time.Now().Unix(), 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append to %q: %w", stream, err)
	}
	return nil
}

func (s *Sink) delete(ctx context.Context, id string) {
	if err := s.client.RDB().XDel(ctx, s.cfg.DLQStream, id).Err(); err != nil {
		s.logger.Error("failed to delete dlq entry", zap.String("dlq_id", id), zap.Error(err))
	}
}

func parseEntry(msg redis.XMessage) (Entry, error) {
	get := func(key string) string {
		v, ok := msg.Values[key]
		if !ok {
			return ""
		}
		s, ok := v.(string)
		if !ok {
			return fmt.Sprint(v)
		}
		return s
	}

	ev := notification.Event{
		RecipientID:   get(fieldRecipient),
		PostID:        get(fieldPost),
		Kind:          notification.Kind(get(fieldKind)),
		ActorUsername: get(fieldActor),
		Content:       get(fieldContent),
	}
	if err := ev.Validate(); err != nil {
		return Entry{}, err
	}

	retries := 0
	if raw := get(fieldRetryCount); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Entry{}, fmt.Errorf("bad retry_count %q: %w", raw, err)
		}
		retries = n
	}

	var enqueued time.Time
	if raw := get(fieldEnqueuedAt); raw != "" {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			enqueued = time.Unix(sec, 0).UTC()
		}
	}

	return Entry{
		ID:            msg.ID,
		OriginalLogID: get(fieldOriginalLogID),
		Event:         ev,
		Reason:        get(fieldReason),
		RetryCount:    retries,
		EnqueuedAt:    enqueued,
	}, nil
}
