package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	glowq "github.com/UniQw/glowq-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls []IntentRequest
	errs  []error
}

func (f *fakeProvider) CreatePaymentIntent(_ context.Context, req IntentRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "pi_" + req.Metadata[MetaRetryCount], nil
}

func (f *fakeProvider) failNext(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

type harness struct {
	rdb    *redis.Client
	store  *MemoryStore
	prov   *fakeProvider
	svc    *RetryService
	slept  []time.Duration
	jitter time.Duration
}

func newHarness(t *testing.T, seed ...Payment) *harness {
	t.Helper()
	rdb, _ := newMini(t)
	h := &harness{rdb: rdb, store: NewMemoryStore(seed...), prov: &fakeProvider{}, jitter: 250 * time.Millisecond}
	h.svc = NewRetryService(rdb, h.store, h.prov, Config{Logger: nopLogger{}},
		WithJitter(func(time.Duration) time.Duration { return h.jitter }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			return nil
		}),
		WithClock(func() time.Time { return time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC) }),
	)
	return h
}

func failedPayment(id string, retries int) Payment {
	return Payment{ID: id, UserID: "u1", Status: StatusFailed, Amount: 12000, Currency: "usd", RetryCount: retries, ErrorMessage: "card_declined"}
}

func TestBackoff(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, 5*time.Second, h.svc.Backoff(0))
	require.Equal(t, 10*time.Second, h.svc.Backoff(1))
	require.Equal(t, 20*time.Second, h.svc.Backoff(2))
	require.Equal(t, 40*time.Second, h.svc.Backoff(3))
	require.Equal(t, 60*time.Second, h.svc.Backoff(4))
	require.Equal(t, 60*time.Second, h.svc.Backoff(200))
}

func TestUniformJitter_Range(t *testing.T) {
	require.Zero(t, uniformJitter(0))
	for i := 0; i < 100; i++ {
		j := uniformJitter(time.Second)
		require.GreaterOrEqual(t, j, time.Duration(0))
		require.Less(t, j, time.Second)
	}
}

func TestRetryPayment_Success(t *testing.T) {
	h := newHarness(t, failedPayment("p1", 0))
	ctx := context.Background()

	p, err := h.svc.RetryPayment(ctx, "p1", "u1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)
	require.Equal(t, 1, p.RetryCount)
	require.Empty(t, p.ErrorMessage)
	require.Equal(t, "pi_1", p.Metadata[MetaPaymentIntentID])
	require.Equal(t, "2026-10-15T09:00:00Z", p.Metadata[MetaRetriedAt])

	require.Equal(t, []time.Duration{5*time.Second + 250*time.Millisecond}, h.slept)
	require.Len(t, h.prov.calls, 1)
	call := h.prov.calls[0]
	require.Equal(t, int64(12000), call.Amount)
	require.Equal(t, "usd", call.Currency)
	require.Equal(t, "1", call.Metadata[MetaRetryCount])
	require.Equal(t, "p1", call.Metadata[MetaPaymentID])
}

func TestRetryPayment_Scenario(t *testing.T) {
	h := newHarness(t, failedPayment("p1", 0))
	ctx := context.Background()
	markFailed := func() {
		p, err := h.store.Get(ctx, "p1")
		require.NoError(t, err)
		p.Status = StatusFailed
		h.store.Put(*p)
	}

	p, err := h.svc.RetryPayment(ctx, "p1", "u1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)
	require.Equal(t, 1, p.RetryCount)

	// the processor reports the new intent as failed
	markFailed()
	h.prov.failNext(errors.New("insufficient_funds"))
	p, err = h.svc.RetryPayment(ctx, "p1", "u1")
	require.ErrorIs(t, err, ErrExternalProvider)
	require.NotNil(t, p)
	require.Equal(t, StatusFailed, p.Status)
	require.Equal(t, 2, p.RetryCount)
	require.Equal(t, "insufficient_funds", p.ErrorMessage)

	// third attempt with retryCount=2 is allowed
	p, err = h.svc.RetryPayment(ctx, "p1", "u1")
	require.NoError(t, err)
	require.Equal(t, 3, p.RetryCount)

	markFailed()
	_, err = h.svc.RetryPayment(ctx, "p1", "u1")
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)

	got, _ := h.store.Get(ctx, "p1")
	require.Equal(t, 3, got.RetryCount, "rejection must not touch retryCount")
	require.Equal(t, []time.Duration{
		5*time.Second + 250*time.Millisecond,
		10*time.Second + 250*time.Millisecond,
		20*time.Second + 250*time.Millisecond,
	}, h.slept)
}

func TestRetryPayment_Rejections(t *testing.T) {
	ctx := context.Background()
	completed := failedPayment("done", 0)
	completed.Status = StatusCompleted
	refunded := failedPayment("ref", 0)
	refunded.Status = StatusRefunded
	h := newHarness(t, completed, refunded, failedPayment("maxed", 3), failedPayment("other", 0))

	_, err := h.svc.RetryPayment(ctx, "missing", "u1")
	require.ErrorIs(t, err, ErrPaymentNotFound)

	_, err = h.svc.RetryPayment(ctx, "done", "u1")
	require.ErrorIs(t, err, ErrInvalidStateForRetry)
	require.Contains(t, err.Error(), "COMPLETED")

	_, err = h.svc.RetryPayment(ctx, "ref", "u1")
	require.ErrorIs(t, err, ErrInvalidStateForRetry)

	_, err = h.svc.RetryPayment(ctx, "maxed", "u1")
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)

	// another user's payment is invisible
	_, err = h.svc.RetryPayment(ctx, "other", "u2")
	require.ErrorIs(t, err, ErrPaymentNotFound)

	require.Empty(t, h.prov.calls)
	require.Empty(t, h.slept)
	for _, id := range []string{"done", "ref", "maxed", "other"} {
		p, _ := h.store.Get(ctx, id)
		require.Equal(t, map[string]int{"done": 0, "ref": 0, "maxed": 3, "other": 0}[id], p.RetryCount)
	}
}

func TestRetryPayment_RateLimited(t *testing.T) {
	h := newHarness(t, failedPayment("p1", 3))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.svc.RetryPayment(ctx, "p1", "u1")
		require.ErrorIs(t, err, ErrMaxRetriesExceeded, "attempt %d", i+1)
	}
	_, err := h.svc.RetryPayment(ctx, "p1", "u1")
	require.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Greater(t, rl.RetryAfterSeconds(), int64(3500))

	st, err := h.svc.RetryStatus(ctx, "p1", "u1")
	require.NoError(t, err)
	require.False(t, st.CanRetry)
	require.Zero(t, st.RemainingAttempts)
	require.Greater(t, st.RateLimitReset, time.Duration(0))
}

func TestRetryPayment_SleepCancelled(t *testing.T) {
	h := newHarness(t, failedPayment("p1", 0))
	h.svc.sleep = sleepCtx
	h.svc.cfg.InitialDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.RetryPayment(ctx, "p1", "u1")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.prov.calls)
	p, _ := h.store.Get(context.Background(), "p1")
	require.Equal(t, 0, p.RetryCount)
}

func TestRetryStatus(t *testing.T) {
	completed := failedPayment("done", 0)
	completed.Status = StatusCompleted
	h := newHarness(t, failedPayment("p1", 1), completed)
	ctx := context.Background()

	st, err := h.svc.RetryStatus(ctx, "p1", "u1")
	require.NoError(t, err)
	require.True(t, st.CanRetry)
	require.Equal(t, 10*time.Second, st.NextDelay)
	require.Equal(t, int64(5), st.RemainingAttempts)
	require.Zero(t, st.RateLimitReset)
	require.Equal(t, 3, st.MaxRetries)

	// read-only: no attempts counted
	n, err := h.rdb.Exists(ctx, "payment_attempts:u1").Result()
	require.NoError(t, err)
	require.Zero(t, n)

	st, err = h.svc.RetryStatus(ctx, "done", "u1")
	require.NoError(t, err)
	require.False(t, st.CanRetry)
	require.Zero(t, st.NextDelay)

	_, err = h.svc.RetryStatus(ctx, "missing", "u1")
	require.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestRetryJob_ThroughQueue(t *testing.T) {
	h := newHarness(t, failedPayment("p1", 0))
	ctx := context.Background()

	mux := glowq.NewMux()
	RegisterRetryHandler(mux, h.svc)
	q := glowq.NewQueue(h.rdb, glowq.QueueConfig{Logger: nopLogger{}}, mux)

	id, err := EnqueueRetry(ctx, q, "p1", "u1")
	require.NoError(t, err)
	ok, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	done, err := q.ListJobs(ctx, glowq.StatusCompleted, nil)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, id, done[0].ID)

	p, _ := h.store.Get(ctx, "p1")
	require.Equal(t, StatusPending, p.Status)
	require.Equal(t, 1, p.RetryCount)

	// a second retry is rejected (PENDING) and fails the job
	_, err = EnqueueRetry(ctx, q, "p1", "u1")
	require.NoError(t, err)
	_, err = q.ProcessNext(ctx)
	require.NoError(t, err)
	failed, _ := q.ListJobs(ctx, glowq.StatusFailed, nil)
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].Error, "cannot retry")
}

// gate blocks the next call to wait until released.
type gate struct {
	hold    chan chan struct{}
	entered chan struct{}
}

func newGate() *gate {
	return &gate{hold: make(chan chan struct{}, 1), entered: make(chan struct{}, 1)}
}

func (g *gate) arm() (release func()) {
	c := make(chan struct{})
	g.hold <- c
	return func() { close(c) }
}

func (g *gate) wait() {
	select {
	case c := <-g.hold:
		g.entered <- struct{}{}
		<-c
	default:
	}
}

func newConcurrentService(t *testing.T, store Store, sleepGate, provGate *gate, calls *atomic.Int32) *RetryService {
	t.Helper()
	rdb, _ := newMini(t)
	prov := ProviderFunc(func(_ context.Context, req IntentRequest) (string, error) {
		calls.Add(1)
		provGate.wait()
		return "pi_" + req.Metadata[MetaRetryCount], nil
	})
	return NewRetryService(rdb, store, prov, Config{Logger: nopLogger{}},
		WithJitter(func(time.Duration) time.Duration { return 0 }),
		WithSleep(func(context.Context, time.Duration) error {
			sleepGate.wait()
			return nil
		}),
	)
}

func TestRetryPayment_StaleReadLosesClaim(t *testing.T) {
	store := NewMemoryStore(failedPayment("p1", 0))
	sleepGate, provGate := newGate(), newGate()
	var calls atomic.Int32
	svc := newConcurrentService(t, store, sleepGate, provGate, &calls)
	ctx := context.Background()

	// first call reads FAILED/0 and parks in its backoff
	release := sleepGate.arm()
	errc := make(chan error, 1)
	go func() {
		_, err := svc.RetryPayment(ctx, "p1", "u1")
		errc <- err
	}()
	<-sleepGate.entered

	p, err := svc.RetryPayment(ctx, "p1", "u1")
	require.NoError(t, err)
	require.Equal(t, 1, p.RetryCount)

	release()
	require.ErrorIs(t, <-errc, ErrConcurrentRetry)
	require.Equal(t, int32(1), calls.Load())

	got, _ := store.Get(ctx, "p1")
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
}

func TestRetryPayment_SlowAttemptDoesNotRegressCount(t *testing.T) {
	store := NewMemoryStore(failedPayment("p1", 0))
	sleepGate, provGate := newGate(), newGate()
	var calls atomic.Int32
	svc := newConcurrentService(t, store, sleepGate, provGate, &calls)
	ctx := context.Background()

	release := provGate.arm()
	errc := make(chan error, 1)
	go func() {
		_, err := svc.RetryPayment(ctx, "p1", "u1")
		errc <- err
	}()
	<-provGate.entered

	// the in-flight attempt holds the claim
	got, _ := store.Get(ctx, "p1")
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	_, err := svc.RetryPayment(ctx, "p1", "u1")
	require.ErrorIs(t, err, ErrInvalidStateForRetry)

	// the processor reports failure and a newer attempt completes
	got.Status = StatusFailed
	store.Put(*got)
	p, err := svc.RetryPayment(ctx, "p1", "u1")
	require.NoError(t, err)
	require.Equal(t, 2, p.RetryCount)

	release()
	require.ErrorIs(t, <-errc, ErrConcurrentRetry)
	require.Equal(t, int32(2), calls.Load())

	got, _ = store.Get(ctx, "p1")
	require.Equal(t, 2, got.RetryCount)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, "pi_2", got.Metadata[MetaPaymentIntentID])
}
