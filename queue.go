package glowq

import (
	"context"
	"fmt"
	"time"

	ikeys "github.com/UniQw/glowq-go/internal/keys"
	rtm "github.com/UniQw/glowq-go/internal/runtime"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// QueueConfig defines the configuration for a Queue.
type QueueConfig struct {
	// Namespace prefixes every key ("<ns>:jobs"). Empty uses the bare keys
	// "jobs", "jobs:processing", "jobs:completed" and "jobs:failed".
	Namespace string
	// PollInterval is how long the loop sleeps when no job is eligible or
	// Redis returned an error. Defaults to 1s.
	PollInterval time.Duration
	// ScanWindow is how many of the lowest-scored pending jobs are inspected
	// per poll when looking for one whose delay has elapsed. Defaults to 64.
	// A ready job may run ahead of a higher-priority job that is still delayed.
	ScanWindow int
	// Logger is the logger used for queue events. Defaults to FmtLogger.
	Logger Logger
	// Monitor receives queue metrics. Defaults to NopMonitor.
	Monitor Monitor
}

// Queue is a priority and delay aware job queue stored in Redis sorted sets.
// Processing is at-least-once: a job can be delivered more than once, so
// handlers should be idempotent (see JobFromContext).
type Queue struct {
	rdb     redis.UniversalClient
	mux     *Mux
	keys    ikeys.Queue
	rt      *rtm.Runtime
	encoder Encoder
	log     Logger
	mon     Monitor
}

// NewQueue creates a queue dispatching to the handlers registered on mux.
// The poll loop does not run until Start is called.
func NewQueue(rdb redis.UniversalClient, cfg QueueConfig, mux *Mux) *Queue {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	mon := cfg.Monitor
	if mon == nil {
		mon = NopMonitor{}
	}
	if mux == nil {
		mux = NewMux()
	}
	rtc := rtm.Config{
		Namespace:    cfg.Namespace,
		PollInterval: cfg.PollInterval,
		ScanWindow:   cfg.ScanWindow,
		Logger:       l,
		Monitor:      mon,
	}
	return &Queue{
		rdb:     rdb,
		mux:     mux,
		keys:    ikeys.For(cfg.Namespace),
		rt:      rtm.New(rdb, rtc, mux.dispatch),
		encoder: &JSONEncoder{},
		log:     l,
		mon:     mon,
	}
}

// Mux returns the handler registry used by the queue.
func (q *Queue) Mux() *Mux { return q.mux }

// Enqueue adds a job to the pending set and returns its ID.
// It returns ErrUnregisteredHandler, without touching Redis, if no handler is
// registered for jobType. A json.RawMessage or []byte payload must already be
// JSON and is stored as is; any other value is encoded with the queue encoder.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, opts ...Option) (string, error) {
	if !q.mux.Has(jobType) {
		return "", fmt.Errorf("%w: %s", ErrUnregisteredHandler, jobType)
	}

	data, err := encodePayload(q.encoder, payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", jobType, err)
	}

	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UnixMilli()
	j := Job{
		ID:        id,
		Type:      jobType,
		Payload:   data,
		Status:    StatusPending,
		Priority:  cfg.priority,
		Delay:     cfg.delay.Milliseconds(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	raw, err := q.encoder.Encode(j)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	if err := q.rdb.ZAdd(ctx, q.keys.Pending, redis.Z{Score: float64(j.Priority), Member: raw}).Err(); err != nil {
		return "", err
	}
	q.mon.RecordMetric(MetricEnqueued, 1)
	q.log.Debugf("enqueued: id=%s type=%s priority=%d delay=%dms", j.ID, j.Type, j.Priority, j.Delay)
	return id, nil
}

// Start launches the poll loop in the background.
// It is idempotent and non-blocking.
func (q *Queue) Start() {
	q.rt.Start()
}

// Stop signals the poll loop to exit and waits until it has. A handler that
// is already running finishes first; its context is not cancelled.
func (q *Queue) Stop() {
	q.rt.Stop()
}

// ProcessNext claims the highest-priority eligible job, if any, and runs it
// synchronously. It reports whether a job was claimed. The returned error
// covers Redis failures only; a handler error marks the job failed.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	return q.rt.Step(ctx)
}
