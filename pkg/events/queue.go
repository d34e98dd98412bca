package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/apperrors"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/config"
	"github.com/luqizheng/micro-team-project-manager-sub001/pkg/store"
)

const claimPollInterval = 250 * time.Millisecond

// Outcome reports what Submit did with a delivery.
type Outcome string

const (
	OutcomeAccepted  Outcome = "accepted"
	OutcomeDuplicate Outcome = "duplicate"
)

// Handler processes one claimed event. A nil error marks the event
// processed; an error re-queues it until its attempts run out.
type Handler func(ctx context.Context, ev *store.QueuedEvent) error

// QueueConfig holds the event pipeline settings.
type QueueConfig struct {
	Workers      int
	MaxAttempts  int
	Timeout      time.Duration
	AllowedKinds []string
}

// QueueConfigFrom converts the validated file configuration.
func QueueConfigFrom(c config.EventsConfig) QueueConfig {
	return QueueConfig{
		Workers:      c.Workers,
		MaxAttempts:  c.MaxAttempts,
		Timeout:      config.Duration(c.Timeout),
		AllowedKinds: c.AllowedEventTypes,
	}
}

// Queue is the durable webhook event queue. Accepted events survive
// restarts; workers claim and process them asynchronously.
type Queue struct {
	log   logrus.FieldLogger
	db    store.Store
	dedup *Deduplicator
	cfg   QueueConfig

	mu       sync.RWMutex
	handlers map[string]Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates the queue. Handlers are registered before Start.
func NewQueue(
	log logrus.FieldLogger,
	db store.Store,
	dedup *Deduplicator,
	cfg QueueConfig,
) *Queue {
	return &Queue{
		log:      log.WithField("component", "events"),
		db:       db,
		dedup:    dedup,
		cfg:      cfg,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler routes events of the given object kind to h.
func (q *Queue) RegisterHandler(objectKind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[objectKind] = h
}

func (q *Queue) handler(objectKind string) (Handler, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	h, ok := q.handlers[objectKind]

	return h, ok
}

// Start launches the worker pool.
func (q *Queue) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < q.cfg.Workers; i++ {
		g.Go(func() error {
			q.workerLoop(gctx)

			return nil
		})
	}

	q.wg.Add(1)

	go func() {
		defer q.wg.Done()

		_ = g.Wait()
	}()

	q.log.WithField("workers", q.cfg.Workers).Info("Event queue started")

	return nil
}

// Stop halts the workers and waits for in-flight processing.
func (q *Queue) Stop() error {
	if q.cancel != nil {
		q.cancel()
	}

	q.wg.Wait()

	return nil
}

// Submit enqueues a parsed event. Duplicates within the retention
// window or already present in the queue are dropped without error.
func (q *Queue) Submit(ctx context.Context, ev *Event) (Outcome, error) {
	if len(q.cfg.AllowedKinds) > 0 && !contains(q.cfg.AllowedKinds, ev.ObjectKind) {
		return "", apperrors.Validation(
			"event type %q is not allowed", ev.ObjectKind)
	}

	key := ev.DedupKey()

	if q.dedup.Seen(key) {
		q.log.WithField("dedup_key", key).Debug("Duplicate event dropped")

		return OutcomeDuplicate, nil
	}

	// The durable check covers deliveries older than the in-memory
	// window, including re-deliveries after a restart.
	exists, err := q.db.EventExists(ctx, key)
	if err != nil {
		return "", err
	}

	if exists {
		q.log.WithField("dedup_key", key).Debug("Duplicate event dropped")

		return OutcomeDuplicate, nil
	}

	queued := &store.QueuedEvent{
		InstanceID:     ev.InstanceID,
		ObjectKind:     ev.ObjectKind,
		RemoteObjectID: ev.RemoteObjectID,
		DedupKey:       key,
		Payload:        string(ev.Payload),
		Status:         store.EventPending,
		MaxAttempts:    q.cfg.MaxAttempts,
	}

	if err := q.db.CreateQueuedEvent(ctx, queued); err != nil {
		return "", err
	}

	q.log.WithField("event", queued.ID).
		WithField("object_kind", ev.ObjectKind).
		WithField("instance", ev.InstanceID).
		Debug("Event accepted")

	return OutcomeAccepted, nil
}

// Retry re-queues a terminal event. Events that are pending, processing,
// or already processed are rejected.
func (q *Queue) Retry(ctx context.Context, id uint) error {
	ev, err := q.db.GetQueuedEvent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("event %d not found", id)
		}

		return err
	}

	if !ev.Retryable() {
		return apperrors.Validation(
			"event %d is %s and cannot be retried", id, ev.Status)
	}

	ev.Status = store.EventPending
	ev.Attempts = 0
	ev.LastError = ""

	return q.db.SaveQueuedEvent(ctx, ev)
}

// RetryAll re-queues every failed event and returns how many it touched.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	failed, err := q.db.ListQueuedEvents(ctx, store.EventFailed, 0)
	if err != nil {
		return 0, err
	}

	for i := range failed {
		ev := &failed[i]
		ev.Status = store.EventPending
		ev.Attempts = 0
		ev.LastError = ""

		if err := q.db.SaveQueuedEvent(ctx, ev); err != nil {
			return i, err
		}
	}

	return len(failed), nil
}

// List returns queued events, optionally filtered by status.
func (q *Queue) List(
	ctx context.Context, status string, limit int,
) ([]store.QueuedEvent, error) {
	return q.db.ListQueuedEvents(ctx, status, limit)
}

// --- Workers ---

func (q *Queue) workerLoop(ctx context.Context) {
	for {
		ev, err := q.db.ClaimPendingEvent(ctx)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
				q.log.WithError(err).Error("Failed to claim event")
			}

			select {
			case <-time.After(claimPollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}

		q.process(ctx, ev)

		if ctx.Err() != nil {
			return
		}
	}
}

// process runs the handler and settles the event's next state. The
// claim already counted this attempt.
func (q *Queue) process(ctx context.Context, ev *store.QueuedEvent) {
	log := q.log.WithField("event", ev.ID).
		WithField("object_kind", ev.ObjectKind).
		WithField("attempt", ev.Attempts)

	handler, ok := q.handler(ev.ObjectKind)
	if !ok {
		ev.Status = store.EventSkipped
		ev.LastError = "no handler registered"

		if err := q.db.SaveQueuedEvent(context.Background(), ev); err != nil {
			log.WithError(err).Error("Failed to settle event")
		}

		log.Warn("Event skipped, no handler registered")

		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	started := time.Now()
	err := handler(handlerCtx, ev)
	elapsed := time.Since(started)

	if err != nil {
		ev.LastError = err.Error()

		if ev.Attempts >= ev.MaxAttempts {
			ev.Status = store.EventFailed

			log.WithError(err).Error("Event failed permanently")
		} else {
			ev.Status = store.EventPending

			log.WithError(err).Warn("Event processing failed, re-queued")
		}
	} else {
		now := time.Now()
		ev.Status = store.EventProcessed
		ev.LastError = ""
		ev.ProcessedAt = &now
		ev.ProcessingMS = elapsed.Milliseconds()

		log.WithField("duration_ms", ev.ProcessingMS).Debug("Event processed")
	}

	// Settle with a fresh context so shutdown cannot lose the outcome.
	if err := q.db.SaveQueuedEvent(context.Background(), ev); err != nil {
		log.WithError(err).Error("Failed to settle event")
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}

	return false
}
