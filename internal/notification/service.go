package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftboard/notifier/internal/metrics"
)

// Store is the narrow document-store interface the service depends on.
// Upsert must merge actor sets when a record for the same
// (recipient, post, kind) already exists, which is what makes duplicate
// delivery harmless.
type Store interface {
	Upsert(ctx context.Context, n *Notification) error
	FindByRecipient(ctx context.Context, recipientID string, opts QueryOptions) ([]*Notification, error)
	MarkSeen(ctx context.Context, id string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pusher is the best-effort live-push transport. Offline recipients are a
// normal state, not an error.
type Pusher interface {
	IsOnline(ctx context.Context, recipientID string) (bool, error)
	Push(ctx context.Context, recipientID string, ev Event) error
}

// Queue appends an event to the durable log and returns the assigned log id.
type Queue interface {
	Append(ctx context.Context, ev Event) (string, error)
}

// QueryOptions controls the read path.
type QueryOptions struct {
	Limit       int
	IncludePost bool // join the referenced post's minimal fields
	UnseenOnly  bool
}

// FailedInsert is a per-item insert failure; Index points into the input
// slice so callers can retry exactly the failed subset.
type FailedInsert struct {
	Index int
	Err   error
}

// InsertResult reports a batch insert per item, never all-or-nothing.
type InsertResult struct {
	Succeeded []int
	Failed    []FailedInsert
}

// Service implements the notification domain logic: bundling, persistence,
// reads, and the producer-facing emit path.
type Service struct {
	store  Store
	pusher Pusher
	queue  Queue
	logger *zap.Logger
}

func NewService(store Store, pusher Pusher, queue Queue, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		pusher: pusher,
		queue:  queue,
		logger: logger,
	}
}

// InsertBatch bundles the events and upserts one record per bundle.
// Partial failure is expected: the result maps success and failure back to
// input positions so only the failed subset is retried.
func (s *Service) InsertBatch(ctx context.Context, events []Event) (InsertResult, error) {
	var res InsertResult
	if len(events) == 0 {
		return res, nil
	}

	for _, b := range Bundle(events) {
		n := &Notification{
			ID:             uuid.NewString(),
			RecipientID:    b.RecipientID,
			PostID:         b.PostID,
			Kind:           b.Kind,
			ActorUsernames: b.ActorUsernames,
			Content:        b.Content,
			CreatedAt:      time.Now().UTC(),
		}

		if err := s.store.Upsert(ctx, n); err != nil {
			s.logger.Error("notification upsert failed",
				zap.Error(err),
				zap.String("recipient_id", b.RecipientID),
				zap.String("post_id", b.PostID),
				zap.String("kind", string(b.Kind)),
			)
			for _, idx := range b.Indexes {
				res.Failed = append(res.Failed, FailedInsert{Index: idx, Err: err})
			}
			continue
		}
		res.Succeeded = append(res.Succeeded, b.Indexes...)
	}

	return res, nil
}

// EmitIfOnline pushes the event over the live channel when the recipient has
// an active session. Returns false with no error when they are offline.
func (s *Service) EmitIfOnline(ctx context.Context, ev Event) (bool, error) {
	online, err := s.pusher.IsOnline(ctx, ev.RecipientID)
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	if !online {
		metrics.RecordLivePush("offline")
		return false, nil
	}

	if err := s.pusher.Push(ctx, ev.RecipientID, ev); err != nil {
		metrics.RecordLivePush("error")
		return false, fmt.Errorf("live push: %w", err)
	}

	metrics.RecordLivePush("delivered")
	return true, nil
}

// HandleNotification is the producer-facing entry point. It attempts the
// live push and the durable enqueue independently; either failing is logged
// with its stage and never propagated to the producer. Durability comes from
// the log-consumer path, so there is no synchronous insert here.
func (s *Service) HandleNotification(ctx context.Context, ev Event) {
	if err := ev.Validate(); err != nil {
		s.logger.Warn("dropping invalid notification event", zap.Error(err))
		return
	}

	if _, err := s.EmitIfOnline(ctx, ev); err != nil {
		s.logger.Error("live push stage failed",
			zap.Error(err),
			zap.String("recipient_id", ev.RecipientID),
			zap.String("kind", string(ev.Kind)),
		)
	}

	logID, err := s.queue.Append(ctx, ev)
	if err != nil {
		s.logger.Error("enqueue stage failed",
			zap.Error(err),
			zap.String("recipient_id", ev.RecipientID),
			zap.String("kind", string(ev.Kind)),
		)
		return
	}

	metrics.RecordEventEnqueued(string(ev.Kind))
	s.logger.Debug("notification event enqueued",
		zap.String("log_id", logID),
		zap.String("recipient_id", ev.RecipientID),
	)
}

// QueryByRecipient returns the recipient's notifications, newest first.
// Access control is the caller's job.
func (s *Service) QueryByRecipient(ctx context.Context, recipientID string, opts QueryOptions) ([]*Notification, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	items, err := s.store.FindByRecipient(ctx, recipientID, opts)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return items, nil
}

// MarkSeen is the mutation hook for an explicit recipient action.
func (s *Service) MarkSeen(ctx context.Context, id string) error {
	return s.store.MarkSeen(ctx, id)
}

// PruneOlderThan deletes persisted notifications past the retention cutoff.
func (s *Service) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune notifications: %w", err)
	}
	if n > 0 {
		metrics.RecordPruned(n)
		s.logger.Info("pruned old notifications",
			zap.Int64("deleted", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}
