// Package worker runs the consumer side of the notification pipeline:
// lock, fetch (stale-pending first), insert with bounded retries, ack,
// dead-letter routing, and the periodic trim / sweep / retention jobs.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftboard/notifier/internal/breaker"
	"github.com/driftboard/notifier/internal/dlq"
	"github.com/driftboard/notifier/internal/metrics"
	"github.com/driftboard/notifier/internal/notification"
)

// reasonInsertFailed tags entries routed to the DLQ after exhausting local
// insert retries.
const reasonInsertFailed = "store insert failed after retries"

// Worker loop states. The gauge exported by the metrics package reports
// these values.
const (
	StateIdle = iota
	StateAcquiringLock
	StateFetching
	StateProcessing
	StateAcking
	StateSleeping
	StateCoolingDown
	StateShuttingDown
)

// Gateway is the durable-log surface the worker consumes.
type Gateway interface {
	EnsureGroup(ctx context.Context) error
	ClaimStalePending(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]notification.QueueEntry, error)
	ReadNew(ctx context.Context, consumer string, count int) ([]notification.QueueEntry, error)
	Ack(ctx context.Context, ids ...string) error
	Trim(ctx context.Context, maxLen int64) error
	TrimOlderThan(ctx context.Context, cutoff time.Time) error
}

// Store persists batches with per-item outcome.
type Store interface {
	InsertBatch(ctx context.Context, events []notification.Event) (notification.InsertResult, error)
}

// DeadLetter is the overflow path for entries that exhausted local retries.
type DeadLetter interface {
	Push(ctx context.Context, entries []notification.QueueEntry, reason string) error
	Sweep(ctx context.Context) (dlq.SweepResult, error)
}

// Locker elects a single active worker per consumer stream.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	StartHeartbeat(ctx context.Context)
	StopHeartbeat()
	Release(ctx context.Context)
}

// Pruner deletes persisted notifications past the retention cutoff.
type Pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes the loop.
type Config struct {
	Consumer      string
	BatchSize     int
	MaxRetries    int
	StaleIdle     time.Duration
	MinSleep      time.Duration
	MaxSleep      time.Duration
	LockRetry     time.Duration // sleep when another worker holds the lock
	TrimInterval  time.Duration
	TrimMaxLen    int64
	SweepInterval time.Duration

	RetentionInterval time.Duration
	RetentionAge      time.Duration
	StreamRetention   time.Duration
}

// Worker owns one consumer's processing loop and its maintenance timers.
// All periodic tasks stop deterministically when Run's context is
// cancelled; nothing relies on process exit to be reaped.
type Worker struct {
	gateway Gateway
	store   Store
	dead    DeadLetter
	lock    Locker
	pruner  Pruner
	brk     *breaker.Breaker
	cfg     Config
	logger  *zap.Logger

	mu    sync.Mutex
	state int
	sleep time.Duration
	idle  time.Duration // next idle sleep; doubles per empty fetch
}

func New(gateway Gateway, store Store, dead DeadLetter, lock Locker, pruner Pruner, brk *breaker.Breaker, cfg Config, logger *zap.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.StaleIdle <= 0 {
		cfg.StaleIdle = 60 * time.Second
	}
	if cfg.MinSleep <= 0 {
		cfg.MinSleep = 1 * time.Second
	}
	if cfg.MaxSleep <= 0 {
		cfg.MaxSleep = 60 * time.Second
	}
	if cfg.LockRetry <= 0 {
		cfg.LockRetry = 5 * time.Second
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "notifier"
	}

	return &Worker{
		gateway: gateway,
		store:   store,
		dead:    dead,
		lock:    lock,
		pruner:  pruner,
		brk:     brk,
		cfg:     cfg,
		logger:  logger,
		state:   StateIdle,
		sleep:   cfg.MinSleep,
		idle:    cfg.MinSleep,
	}
}

// State returns the current loop state.
func (w *Worker) State() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Sleep returns the current idle sleep duration.
func (w *Worker) Sleep() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sleep
}

func (w *Worker) setState(s int) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	metrics.SetWorkerState(s)
}

// Run drives the loop until ctx is cancelled. It returns the EnsureGroup
// error on startup failure; afterwards all errors are handled in-loop.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.gateway.EnsureGroup(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	w.startMaintenance(ctx, &wg)

	w.logger.Info("worker started",
		zap.String("consumer", w.cfg.Consumer),
		zap.Int("batch_size", w.cfg.BatchSize),
	)

	for {
		if ctx.Err() != nil {
			break
		}
		w.cycle(ctx)

		w.setState(StateSleeping)
		if !w.sleepFor(ctx, w.Sleep()) {
			break
		}
		w.setState(StateIdle)
	}

	w.setState(StateShuttingDown)
	wg.Wait()
	w.logger.Info("worker stopped")
	return nil
}

// cycle is one pass: lock, fetch, process, ack, release. The shutdown
// signal is checked between cycles, never mid-batch: a fetched batch always
// finishes, including its retries, before the loop exits.
func (w *Worker) cycle(ctx context.Context) {
	w.setState(StateAcquiringLock)
	held, err := w.lock.Acquire(ctx)
	if err != nil {
		w.logger.Error("lock acquire failed", zap.Error(err))
		w.setSleep(w.cfg.LockRetry)
		return
	}
	if !held {
		// Another worker is active; normal skip, not an error.
		w.setSleep(w.cfg.LockRetry)
		return
	}

	w.lock.StartHeartbeat(ctx)
	defer func() {
		w.lock.StopHeartbeat()
		w.lock.Release(context.WithoutCancel(ctx))
	}()

	if w.brk.IsOpen() {
		// Deliberate pause; stop hammering a failing store.
		w.setState(StateCoolingDown)
		w.logger.Warn("circuit open, cooling down",
			zap.Duration("cooldown", w.brk.Cooldown()),
		)
		w.setSleep(w.brk.Cooldown())
		return
	}

	w.setState(StateFetching)
	entries := w.fetch(ctx)
	if len(entries) == 0 {
		// Sleep the current idle duration, then double it for next time.
		w.mu.Lock()
		cur := w.idle
		w.idle = nextSleep(cur, w.cfg.MinSleep, w.cfg.MaxSleep)
		w.sleep = cur
		w.mu.Unlock()
		return
	}

	w.setState(StateProcessing)
	w.processBatch(ctx, entries)

	// Work was present; poll again quickly.
	w.mu.Lock()
	w.idle = w.cfg.MinSleep
	w.sleep = w.cfg.MinSleep
	w.mu.Unlock()
}

// fetch reclaims stale-pending entries first, then tops up from new
// entries. Crash recovery outranks fresh work.
func (w *Worker) fetch(ctx context.Context) []notification.QueueEntry {
	entries, err := w.gateway.ClaimStalePending(ctx, w.cfg.Consumer, w.cfg.StaleIdle, w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("claim stale pending failed", zap.Error(err))
	}

	if remaining := w.cfg.BatchSize - len(entries); remaining > 0 {
		fresh, err := w.gateway.ReadNew(ctx, w.cfg.Consumer, remaining)
		if err != nil {
			w.logger.Error("read new entries failed", zap.Error(err))
		}
		entries = append(entries, fresh...)
	}
	return entries
}

// processBatch inserts with bounded backoff retries, routes exhausted
// entries to the DLQ, and acks everything whose durability is settled.
func (w *Worker) processBatch(ctx context.Context, entries []notification.QueueEntry) {
	start := time.Now()
	remaining := entries
	var ackIDs []string
	persisted := 0

	for attempt := 1; attempt <= w.cfg.MaxRetries && len(remaining) > 0; attempt++ {
		if attempt > 1 {
			if !w.sleepFor(ctx, retryDelay(attempt-1)) {
				break
			}
		}

		events := make([]notification.Event, len(remaining))
		for i, e := range remaining {
			events[i] = e.Event
		}

		res, err := w.store.InsertBatch(ctx, events)
		if err != nil {
			w.brk.RecordFailure()
			w.logger.Error("insert batch failed",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Int("entries", len(remaining)),
			)
			for i := range remaining {
				remaining[i].RetryCount++
			}
			continue
		}

		// ackIDs only ever collects entries the store confirmed.
		for _, idx := range res.Succeeded {
			ackIDs = append(ackIDs, remaining[idx].LogID)
			persisted++
		}

		if len(res.Failed) == 0 {
			w.brk.Reset()
			remaining = nil
			break
		}

		w.brk.RecordFailure()
		next := make([]notification.QueueEntry, 0, len(res.Failed))
		for _, f := range res.Failed {
			e := remaining[f.Index]
			e.RetryCount++
			next = append(next, e)
		}
		remaining = next
	}

	if len(remaining) > 0 {
		if err := w.dead.Push(ctx, remaining, reasonInsertFailed); err != nil {
			// Leave them pending; the stale-claim path will pick them up.
			w.logger.Error("dead-letter push failed, leaving entries pending",
				zap.Error(err),
				zap.Int("entries", len(remaining)),
			)
		} else {
			// Durability is the DLQ's responsibility now; safe to ack.
			for _, e := range remaining {
				ackIDs = append(ackIDs, e.LogID)
				metrics.RecordEntryProcessed("dead_lettered")
			}
		}
	}

	w.setState(StateAcking)
	if err := w.gateway.Ack(ctx, ackIDs...); err != nil {
		// Unacked persisted entries will redeliver; the upsert merge makes
		// the duplicate invisible.
		w.logger.Error("ack failed", zap.Error(err), zap.Int("entries", len(ackIDs)))
	}

	for i := 0; i < persisted; i++ {
		metrics.RecordEntryProcessed("persisted")
	}
	metrics.RecordBatchDuration(time.Since(start))

	w.logger.Info("batch processed",
		zap.Int("fetched", len(entries)),
		zap.Int("persisted", persisted),
		zap.Int("dead_lettered", len(entries)-persisted),
		zap.Duration("took", time.Since(start)),
	)
}

// startMaintenance launches the trim, DLQ-sweep, and retention tickers.
// Each is owned by this worker and stops with the run context.
func (w *Worker) startMaintenance(ctx context.Context, wg *sync.WaitGroup) {
	if w.cfg.TrimInterval > 0 {
		w.every(ctx, wg, w.cfg.TrimInterval, func(ctx context.Context) {
			if err := w.gateway.Trim(ctx, w.cfg.TrimMaxLen); err != nil {
				w.logger.Error("stream trim failed", zap.Error(err))
			}
		})
	}

	if w.cfg.SweepInterval > 0 {
		w.every(ctx, wg, w.cfg.SweepInterval, func(ctx context.Context) {
			if _, err := w.dead.Sweep(ctx); err != nil {
				w.logger.Error("dlq sweep failed", zap.Error(err))
			}
		})
	}

	if w.cfg.RetentionInterval > 0 && w.pruner != nil {
		w.every(ctx, wg, w.cfg.RetentionInterval, func(ctx context.Context) {
			if _, err := w.pruner.PruneOlderThan(ctx, time.Now().Add(-w.cfg.RetentionAge)); err != nil {
				w.logger.Error("retention prune failed", zap.Error(err))
			}
			if err := w.gateway.TrimOlderThan(ctx, time.Now().Add(-w.cfg.StreamRetention)); err != nil {
				w.logger.Error("stream age trim failed", zap.Error(err))
			}
		})
	}
}

func (w *Worker) every(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (w *Worker) setSleep(d time.Duration) {
	w.mu.Lock()
	w.sleep = d
	w.mu.Unlock()
}

// sleepFor waits for d or until shutdown. Returns false on shutdown.
func (w *Worker) sleepFor(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
