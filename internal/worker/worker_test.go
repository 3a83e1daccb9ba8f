package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/driftboard/notifier/internal/breaker"
	"github.com/driftboard/notifier/internal/dlq"
	"github.com/driftboard/notifier/internal/notification"
	redisx "github.com/driftboard/notifier/internal/redis"
	"github.com/driftboard/notifier/internal/stream"
)

type fakeGateway struct {
	stale   []notification.QueueEntry
	fresh   []notification.QueueEntry
	acked   []string
	trimmed bool
}

func (g *fakeGateway) EnsureGroup(ctx context.Context) error { return nil }

func (g *fakeGateway) ClaimStalePending(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]notification.QueueEntry, error) {
	out := g.stale
	g.stale = nil
	return out, nil
}

func (g *fakeGateway) ReadNew(ctx context.Context, consumer string, count int) ([]notification.QueueEntry, error) {
	out := g.fresh
	g.fresh = nil
	return out, nil
}

func (g *fakeGateway) Ack(ctx context.Context, ids ...string) error {
	g.acked = append(g.acked, ids...)
	return nil
}

func (g *fakeGateway) Trim(ctx context.Context, maxLen int64) error {
	g.trimmed = true
	return nil
}

func (g *fakeGateway) TrimOlderThan(ctx context.Context, cutoff time.Time) error { return nil }

type fakeWorkerStore struct {
	insert  func(events []notification.Event) (notification.InsertResult, error)
	batches [][]notification.Event
}

func (s *fakeWorkerStore) InsertBatch(ctx context.Context, events []notification.Event) (notification.InsertResult, error) {
	s.batches = append(s.batches, events)
	if s.insert != nil {
		return s.insert(events)
	}
	var res notification.InsertResult
	for i := range events {
		res.Succeeded = append(res.Succeeded, i)
	}
	return res, nil
}

type fakeDeadLetter struct {
	pushed  []notification.QueueEntry
	reasons []string
	pushErr error
	swept   int
}

func (d *fakeDeadLetter) Push(ctx context.Context, entries []notification.QueueEntry, reason string) error {
	if d.pushErr != nil {
		return d.pushErr
	}
	d.pushed = append(d.pushed, entries...)
	d.reasons = append(d.reasons, reason)
	return nil
}

func (d *fakeDeadLetter) Sweep(ctx context.Context) (dlq.SweepResult, error) {
	d.swept++
	return dlq.SweepResult{}, nil
}

type fakeLock struct {
	held      bool
	err       error
	acquired  int
	released  int
	heartbeat int
}

func (l *fakeLock) Acquire(ctx context.Context) (bool, error) {
	l.acquired++
	return l.held, l.err
}
func (l *fakeLock) StartHeartbeat(ctx context.Context) { l.heartbeat++ }
func (l *fakeLock) StopHeartbeat()                     {}
func (l *fakeLock) Release(ctx context.Context)        { l.released++ }

type fakePruner struct{ pruned int64 }

func (p *fakePruner) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	p.pruned++
	return 1, nil
}

func queueEntry(logID, recipient string) notification.QueueEntry {
	return notification.QueueEntry{
		LogID: logID,
		Event: notification.Event{
			RecipientID:   recipient,
			PostID:        "p1",
			Kind:          notification.KindReplied,
			ActorUsername: "alice",
		},
	}
}

func newTestWorker(gw Gateway, store Store, dead DeadLetter, lock Locker) *Worker {
	return New(gw, store, dead, lock, &fakePruner{}, breaker.New(breaker.DefaultConfig(), zap.NewNop()), Config{
		Consumer:  "test-consumer",
		BatchSize: 10,
		MinSleep:  10 * time.Millisecond,
		MaxSleep:  80 * time.Millisecond,
		LockRetry: 10 * time.Millisecond,
	}, zap.NewNop())
}

func TestProcessBatch_AcksEverythingOnSuccess(t *testing.T) {
	gw := &fakeGateway{}
	store := &fakeWorkerStore{}
	w := newTestWorker(gw, store, &fakeDeadLetter{}, &fakeLock{held: true})

	entries := []notification.QueueEntry{queueEntry("1-0", "u1"), queueEntry("2-0", "u2")}
	w.processBatch(context.Background(), entries)

	if len(gw.acked) != 2 {
		t.Fatalf("expected 2 acks, got %v", gw.acked)
	}
	if len(store.batches) != 1 {
		t.Fatalf("expected a single insert attempt, got %d", len(store.batches))
	}
}

func TestProcessBatch_RetriesOnlyFailedSubset(t *testing.T) {
	gw := &fakeGateway{}
	calls := 0
	store := &fakeWorkerStore{insert: func(events []notification.Event) (notification.InsertResult, error) {
		calls++
		if calls == 1 {
			// First entry sticks, second needs another attempt.
			return notification.InsertResult{
				Succeeded: []int{0},
				Failed:    []notification.FailedInsert{{Index: 1, Err: errors.New("conflict")}},
			}, nil
		}
		return notification.InsertResult{Succeeded: []int{0}}, nil
	}}
	w := newTestWorker(gw, store, &fakeDeadLetter{}, &fakeLock{held: true})

	w.processBatch(context.Background(), []notification.QueueEntry{queueEntry("1-0", "u1"), queueEntry("2-0", "u2")})

	if calls != 2 {
		t.Fatalf("expected 2 insert attempts, got %d", calls)
	}
	if len(store.batches[1]) != 1 || store.batches[1][0].RecipientID != "u2" {
		t.Fatalf("second attempt must carry only the failed entry, got %+v", store.batches[1])
	}
	if len(gw.acked) != 2 {
		t.Fatalf("both entries must end up acked, got %v", gw.acked)
	}
}

func TestProcessBatch_DeadLettersAfterMaxRetries(t *testing.T) {
	gw := &fakeGateway{}
	store := &fakeWorkerStore{insert: func(events []notification.Event) (notification.InsertResult, error) {
		var res notification.InsertResult
		for i := range events {
			res.Failed = append(res.Failed, notification.FailedInsert{Index: i, Err: errors.New("down")})
		}
		return res, nil
	}}
	dead := &fakeDeadLetter{}
	w := newTestWorker(gw, store, dead, &fakeLock{held: true})

	w.processBatch(context.Background(), []notification.QueueEntry{queueEntry("1-0", "u1")})

	if len(store.batches) != 3 {
		t.Fatalf("expected 3 insert attempts, got %d", len(store.batches))
	}
	if len(dead.pushed) != 1 {
		t.Fatalf("expected 1 dead-lettered entry, got %d", len(dead.pushed))
	}
	if dead.pushed[0].RetryCount != 3 {
		t.Errorf("expected retry count 3 on the dead letter, got %d", dead.pushed[0].RetryCount)
	}
	if dead.reasons[0] != reasonInsertFailed {
		t.Errorf("unexpected reason %q", dead.reasons[0])
	}
	// Durability moved to the DLQ, so the log entry is acked.
	if len(gw.acked) != 1 {
		t.Fatalf("dead-lettered entries must be acked, got %v", gw.acked)
	}
}

func TestProcessBatch_LeavesEntriesPendingWhenDLQPushFails(t *testing.T) {
	gw := &fakeGateway{}
	store := &fakeWorkerStore{insert: func(events []notification.Event) (notification.InsertResult, error) {
		return notification.InsertResult{}, errors.New("store unreachable")
	}}
	dead := &fakeDeadLetter{pushErr: errors.New("redis unreachable")}
	w := newTestWorker(gw, store, dead, &fakeLock{held: true})

	w.processBatch(context.Background(), []notification.QueueEntry{queueEntry("1-0", "u1")})

	if len(gw.acked) != 0 {
		t.Fatalf("entries with no durable home must stay pending, got acks %v", gw.acked)
	}
}

func TestCycle_SkipsWhenLockHeldElsewhere(t *testing.T) {
	gw := &fakeGateway{fresh: []notification.QueueEntry{queueEntry("1-0", "u1")}}
	store := &fakeWorkerStore{}
	lock := &fakeLock{held: false}
	w := newTestWorker(gw, store, &fakeDeadLetter{}, lock)

	w.cycle(context.Background())

	if len(store.batches) != 0 {
		t.Fatal("worker without the lock must not touch the log")
	}
	if len(gw.fresh) != 1 {
		t.Fatal("entries must remain unfetched for the lock holder")
	}
	if w.Sleep() != 10*time.Millisecond {
		t.Errorf("expected lock-retry sleep, got %s", w.Sleep())
	}
}

func TestCycle_CoolsDownWhenBreakerOpen(t *testing.T) {
	gw := &fakeGateway{fresh: []notification.QueueEntry{queueEntry("1-0", "u1")}}
	store := &fakeWorkerStore{}
	brk := breaker.New(breaker.Config{Threshold: 1, Cooldown: 500 * time.Millisecond}, zap.NewNop())
	brk.RecordFailure()

	w := New(gw, store, &fakeDeadLetter{}, &fakeLock{held: true}, &fakePruner{}, brk, Config{
		Consumer:  "test-consumer",
		BatchSize: 10,
		MinSleep:  10 * time.Millisecond,
		MaxSleep:  80 * time.Millisecond,
		LockRetry: 10 * time.Millisecond,
	}, zap.NewNop())

	w.cycle(context.Background())

	if len(store.batches) != 0 {
		t.Fatal("open breaker must prevent fetching")
	}
	if w.Sleep() != 500*time.Millisecond {
		t.Errorf("expected cooldown sleep, got %s", w.Sleep())
	}
}

func TestCycle_IdleSleepDoublesThenResets(t *testing.T) {
	gw := &fakeGateway{}
	store := &fakeWorkerStore{}
	lock := &fakeLock{held: true}
	w := newTestWorker(gw, store, &fakeDeadLetter{}, lock)
	ctx := context.Background()

	want := []time.Duration{10, 20, 40, 80, 80}
	for i, d := range want {
		w.cycle(ctx)
		if w.Sleep() != d*time.Millisecond {
			t.Fatalf("empty cycle %d: expected sleep %dms, got %s", i, d, w.Sleep())
		}
	}

	gw.fresh = []notification.QueueEntry{queueEntry("1-0", "u1")}
	w.cycle(ctx)
	if w.Sleep() != 10*time.Millisecond {
		t.Fatalf("work must reset the idle sleep, got %s", w.Sleep())
	}
	if lock.released == 0 {
		t.Error("lock must be released after each held cycle")
	}
}

func TestCycle_FetchPrefersStalePending(t *testing.T) {
	gw := &fakeGateway{
		stale: []notification.QueueEntry{queueEntry("1-0", "crashed")},
		fresh: []notification.QueueEntry{queueEntry("2-0", "fresh")},
	}
	store := &fakeWorkerStore{}
	w := newTestWorker(gw, store, &fakeDeadLetter{}, &fakeLock{held: true})

	w.cycle(context.Background())

	if len(store.batches) != 1 || len(store.batches[0]) != 2 {
		t.Fatalf("expected one batch of 2, got %+v", store.batches)
	}
	if store.batches[0][0].RecipientID != "crashed" {
		t.Error("reclaimed entries must come before fresh ones")
	}
}

// End-to-end over a real log: append, run one cycle with a real gateway and
// sink, and check that persistence, acking, and dead-lettering all line up.
func TestWorker_EndToEnd(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	client := redisx.NewFromRedisClient(rdb, zap.NewNop())
	ctx := context.Background()

	gw := stream.NewGateway(client, "events", "workers", zap.NewNop())
	if err := gw.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}

	store := &fakeWorkerStore{}
	sink := dlq.NewSink(client, store, dlq.Config{DLQStream: "dlq", PermadeadStream: "permadead"}, zap.NewNop())
	w := New(gw, store, sink, &fakeLock{held: true}, &fakePruner{}, breaker.New(breaker.DefaultConfig(), zap.NewNop()), Config{
		Consumer:  "c1",
		BatchSize: 10,
		MinSleep:  10 * time.Millisecond,
		MaxSleep:  80 * time.Millisecond,
	}, zap.NewNop())

	for _, ev := range []notification.Event{
		{RecipientID: "u1", PostID: "p1", Kind: notification.KindUpvotedPost, ActorUsername: "alice"},
		{RecipientID: "u2", PostID: "p2", Kind: notification.KindReplied, ActorUsername: "bob"},
	} {
		if _, err := gw.Append(ctx, ev); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	w.cycle(ctx)

	if len(store.batches) != 1 || len(store.batches[0]) != 2 {
		t.Fatalf("expected one batch of 2 events, got %+v", store.batches)
	}

	// Everything persisted and acked: nothing pending, nothing reclaimable.
	pending, err := gw.ClaimStalePending(ctx, "c2", 0, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries, got %d", len(pending))
	}
}

func TestWorker_EndToEnd_DeadLetterPath(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	client := redisx.NewFromRedisClient(rdb, zap.NewNop())
	ctx := context.Background()

	gw := stream.NewGateway(client, "events", "workers", zap.NewNop())
	if err := gw.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group failed: %v", err)
	}

	failing := &fakeWorkerStore{insert: func(events []notification.Event) (notification.InsertResult, error) {
		var res notification.InsertResult
		for i := range events {
			res.Failed = append(res.Failed, notification.FailedInsert{Index: i, Err: errors.New("down")})
		}
		return res, nil
	}}
	sink := dlq.NewSink(client, failing, dlq.Config{DLQStream: "dlq", PermadeadStream: "permadead"}, zap.NewNop())
	w := New(gw, failing, sink, &fakeLock{held: true}, &fakePruner{}, breaker.New(breaker.DefaultConfig(), zap.NewNop()), Config{
		Consumer:  "c1",
		BatchSize: 10,
		MinSleep:  10 * time.Millisecond,
		MaxSleep:  80 * time.Millisecond,
	}, zap.NewNop())

	if _, err := gw.Append(ctx, notification.Event{
		RecipientID: "u1", PostID: "p1", Kind: notification.KindUpvotedPost, ActorUsername: "alice",
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	w.cycle(ctx)

	entries, err := sink.ListDLQ(ctx, 10)
	if err != nil {
		t.Fatalf("list dlq failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dlq entry, got %d", len(entries))
	}
	if entries[0].RetryCount != 3 {
		t.Errorf("expected retry count 3 after exhausting attempts, got %d", entries[0].RetryCount)
	}
	if entries[0].Reason != "store insert failed after retries" {
		t.Errorf("unexpected reason %q", entries[0].Reason)
	}

	// The dead letter owns durability now; the log entry is acked.
	pending, err := gw.ClaimStalePending(ctx, "c2", 0, 10)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries after dead-lettering, got %d", len(pending))
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	gw := &fakeGateway{}
	w := newTestWorker(gw, &fakeWorkerStore{}, &fakeDeadLetter{}, &fakeLock{held: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	if w.State() != StateShuttingDown {
		t.Errorf("expected shutting-down state, got %d", w.State())
	}
}
