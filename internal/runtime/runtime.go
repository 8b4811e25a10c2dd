package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/glowq-go/internal/hctx"
	ikeys "github.com/UniQw/glowq-go/internal/keys"
	"github.com/UniQw/glowq-go/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Metric names recorded by the runtime.
const (
	MetricCompleted  = "jobs.completed"
	MetricFailed     = "jobs.failed"
	MetricDurationMs = "jobs.duration_ms"
	MetricLoopErrors = "jobs.loop_errors"
)

const (
	defaultPollInterval = time.Second
	defaultScanWindow   = 64
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Monitor mirrors the public Monitor in the root package.
type Monitor interface {
	RecordMetric(name string, value float64)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

type noopMonitor struct{}

func (noopMonitor) RecordMetric(string, float64) {}

type Config struct {
	Namespace    string
	PollInterval time.Duration
	ScanWindow   int
	Logger       Logger
	Monitor      Monitor
}

// Executor executes a job payload for a given type.
type Executor func(ctx context.Context, jobType string, payload []byte) error

// Runtime drives the single-consumer poll loop.
type Runtime struct {
	rdb     redis.UniversalClient
	cfg     Config
	exec    Executor
	keys    ikeys.Queue
	log     Logger
	mon     Monitor
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a runtime. The loop does not run until Start is called.
func New(rdb redis.UniversalClient, cfg Config, exec Executor) *Runtime {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ScanWindow <= 0 {
		cfg.ScanWindow = defaultScanWindow
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	mon := cfg.Monitor
	if mon == nil {
		mon = noopMonitor{}
	}
	return &Runtime{
		rdb:  rdb,
		cfg:  cfg,
		exec: exec,
		keys: ikeys.For(cfg.Namespace),
		log:  lg,
		mon:  mon,
	}
}

// Start launches the poll loop. Calling Start on a running runtime is a no-op.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		return
	}
	rt.started = true
	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.done = make(chan struct{})
	rt.log.Infof("runtime starting: poll=%s window=%d", rt.cfg.PollInterval, rt.cfg.ScanWindow)

	go func(done chan struct{}) {
		defer close(done)
		rt.loop(ctx)
	}(rt.done)
}

// Stop signals the loop to exit and waits for it. A handler that is already
// running is allowed to finish; its context is not cancelled.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	cancel, done := rt.cancel, rt.done
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	cancel()
	<-done
}

// Running reports whether the loop is active.
func (rt *Runtime) Running() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.started
}

func (rt *Runtime) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed, err := rt.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rt.log.Errorf("poll failed: err=%v", err)
			rt.mon.RecordMetric(MetricLoopErrors, 1)
		}
		if processed && err == nil {
			continue
		}

		t := time.NewTimer(rt.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// Step claims at most one eligible job and processes it synchronously.
// It reports whether a job was claimed.
func (rt *Runtime) Step(ctx context.Context) (bool, error) {
	rec, raw, err := worker.Dequeue(ctx, rt.rdb, rt.keys, int64(rt.cfg.ScanWindow))
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	// The claimed job is settled even if the loop is being stopped.
	return true, rt.Process(context.WithoutCancel(ctx), rec, raw)
}

// Process runs the handler for a claimed job and moves it to completed or
// failed. Handler errors are recorded on the job, not returned; only store
// failures are returned.
func (rt *Runtime) Process(ctx context.Context, rec *worker.Record, raw []byte) error {
	start := time.Now()
	st := hctx.New(rec.ID, rec.Type, rec.CreatedAt)
	herr := rt.invoke(hctx.WithState(ctx, st), rec)
	if herr != nil {
		if err := worker.Fail(ctx, rt.rdb, rt.keys, rec, raw, herr.Error()); err != nil {
			return rt.settleErr("failed", rec, err)
		}
		rt.mon.RecordMetric(MetricFailed, 1)
		rt.log.Warnf("handler error: id=%s type=%s err=%v", rec.ID, rec.Type, herr)
		return nil
	}

	if err := worker.Complete(ctx, rt.rdb, rt.keys, rec, raw); err != nil {
		return rt.settleErr("completed", rec, err)
	}
	rt.mon.RecordMetric(MetricCompleted, 1)
	rt.mon.RecordMetric(MetricDurationMs, float64(time.Since(start).Milliseconds()))
	rt.log.Debugf("processed: id=%s type=%s dur=%s", rec.ID, rec.Type, time.Since(start))
	return nil
}

func (rt *Runtime) settleErr(to string, rec *worker.Record, err error) error {
	if errors.Is(err, worker.ErrLost) {
		rt.log.Warnf("job left processing before it settled: id=%s type=%s to=%s", rec.ID, rec.Type, to)
		return nil
	}
	return fmt.Errorf("move %s to %s: %w", rec.ID, to, err)
}

func (rt *Runtime) invoke(ctx context.Context, rec *worker.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return rt.exec(ctx, rec.Type, rec.Payload)
}
