package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	glowq "github.com/UniQw/glowq-go"
	"github.com/redis/go-redis/v9"
)

// Metric names recorded by the retry service.
const (
	MetricRetryAttempts    = "payment.retry.attempts"
	MetricRetrySucceeded   = "payment.retry.succeeded"
	MetricRetryFailed      = "payment.retry.failed"
	MetricRetryRateLimited = "payment.retry.rate_limited"
)

// Metadata keys written on the payment record and sent to the provider.
const (
	MetaPaymentID       = "paymentId"
	MetaUserID          = "userId"
	MetaRetryCount      = "retryCount"
	MetaPaymentIntentID = "paymentIntentId"
	MetaRetriedAt       = "retriedAt"
)

// Config defines the limits of a RetryService. Zero fields take the defaults.
type Config struct {
	// Namespace prefixes the rate limit keys, as in glowq.QueueConfig.
	Namespace string
	// MaxRetries is the number of retries allowed per payment. Default 3.
	MaxRetries int
	// InitialDelay is the backoff before the first retry. Default 5s.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff. Default 60s.
	MaxDelay time.Duration
	// MaxJitter bounds the random delay added to every backoff. Default 1s.
	MaxJitter time.Duration
	// RateLimit is the number of retry attempts a user may make per RateWindow. Default 5.
	RateLimit int
	// RateWindow is the rate limit window. Default 1h.
	RateWindow time.Duration
	// Logger defaults to glowq.FmtLogger.
	Logger glowq.Logger
	// Monitor defaults to glowq.NopMonitor.
	Monitor glowq.Monitor
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 60 * time.Second
	}
	if c.MaxJitter <= 0 {
		c.MaxJitter = time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	if c.Logger == nil {
		c.Logger = glowq.NewFmtLogger()
	}
	if c.Monitor == nil {
		c.Monitor = glowq.NopMonitor{}
	}
	return c
}

// Option overrides a RetryService dependency, mainly for tests.
type Option func(*RetryService)

// WithJitter replaces the jitter source. fn receives MaxJitter and must
// return a value in [0, upper).
func WithJitter(fn func(upper time.Duration) time.Duration) Option {
	return func(s *RetryService) { s.jitter = fn }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *RetryService) { s.sleep = fn }
}

// WithClock replaces the clock used for the retriedAt timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *RetryService) { s.now = now }
}

// RetryService re-attempts failed payment-intent creations.
type RetryService struct {
	store    Store
	provider Provider
	limiter  *Limiter
	cfg      Config
	log      glowq.Logger
	mon      glowq.Monitor
	jitter   func(upper time.Duration) time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// NewRetryService wires the store, provider and a Redis rate limiter.
func NewRetryService(rdb redis.UniversalClient, store Store, provider Provider, cfg Config, opts ...Option) *RetryService {
	cfg = cfg.withDefaults()
	s := &RetryService{
		store:    store,
		provider: provider,
		limiter:  NewLimiter(rdb, cfg.Namespace, cfg.RateLimit, cfg.RateWindow),
		cfg:      cfg,
		log:      cfg.Logger,
		mon:      cfg.Monitor,
		jitter:   uniformJitter,
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func uniformJitter(upper time.Duration) time.Duration {
	if upper <= 0 {
		return 0
	}
	return rand.N(upper) //nolint:gosec // jitter intentionally uses non-crypto rand
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns min(InitialDelay * 2^retryCount, MaxDelay) without jitter.
func (s *RetryService) Backoff(retryCount int) time.Duration {
	d := s.cfg.InitialDelay
	for i := 0; i < retryCount && d < s.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > s.cfg.MaxDelay {
		return s.cfg.MaxDelay
	}
	return d
}

// RetryPayment re-attempts the payment-intent creation for a FAILED payment.
// The call counts against the user's rate limit before anything else is
// checked, then blocks for the backoff delay before calling the provider.
// Callers that cannot hold a request open should use EnqueueRetry instead.
//
// Rejections leave the record untouched: ErrPaymentNotFound,
// ErrInvalidStateForRetry, ErrMaxRetriesExceeded and *RateLimitedError.
// After the backoff the attempt is claimed by moving the record from FAILED
// to PENDING with the incremented retry count; if the record changed in the
// meantime ErrConcurrentRetry is returned and the provider is not called.
// A provider failure is returned as *ProviderError together with the
// updated record. If the record moved on while the provider call was in
// flight, the outcome is not written and ErrConcurrentRetry is returned.
func (s *RetryService) RetryPayment(ctx context.Context, paymentID, userID string) (*Payment, error) {
	if _, err := s.limiter.Allow(ctx, userID); err != nil {
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			s.mon.RecordMetric(MetricRetryRateLimited, 1)
			s.log.Warnf("payment retry rate limited: payment=%s user=%s retry_after=%s", paymentID, userID, rl.RetryAfter)
		}
		return nil, err
	}

	p, err := s.load(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusFailed {
		return nil, fmt.Errorf("%w: payment %s is %s", ErrInvalidStateForRetry, p.ID, p.Status)
	}
	if p.RetryCount >= s.cfg.MaxRetries {
		return nil, fmt.Errorf("%w: payment %s has %d of %d", ErrMaxRetriesExceeded, p.ID, p.RetryCount, s.cfg.MaxRetries)
	}

	delay := s.Backoff(p.RetryCount) + s.jitter(s.cfg.MaxJitter)
	s.log.Infof("payment retry scheduled: payment=%s attempt=%d delay=%s", p.ID, p.RetryCount+1, delay)
	if err := s.sleep(ctx, delay); err != nil {
		return nil, err
	}

	// Claim the attempt before calling the provider. A concurrent retry of the
	// same payment that read the same record loses here and never calls it.
	attempt := p.RetryCount + 1
	if _, err := s.store.Update(ctx, p.ID, Update{
		Status:     StatusPending,
		RetryCount: attempt,
		Expect:     &Expect{Status: StatusFailed, RetryCount: p.RetryCount},
	}); err != nil {
		if errors.Is(err, ErrConcurrentRetry) {
			s.log.Warnf("payment retry lost claim: payment=%s attempt=%d", p.ID, attempt)
		}
		return nil, err
	}
	claimed := &Expect{Status: StatusPending, RetryCount: attempt}

	s.mon.RecordMetric(MetricRetryAttempts, 1)
	intentID, perr := s.provider.CreatePaymentIntent(ctx, IntentRequest{
		Amount:   p.Amount,
		Currency: p.Currency,
		Metadata: map[string]string{
			MetaPaymentID:  p.ID,
			MetaUserID:     userID,
			MetaRetryCount: strconv.Itoa(attempt),
		},
	})
	if perr != nil {
		updated, err := s.store.Update(ctx, p.ID, Update{
			Status:       StatusFailed,
			RetryCount:   attempt,
			ErrorMessage: perr.Error(),
			Expect:       claimed,
		})
		if err != nil {
			return nil, fmt.Errorf("record failed retry of %s: %w (provider: %v)", p.ID, err, perr)
		}
		s.mon.RecordMetric(MetricRetryFailed, 1)
		s.log.Warnf("payment retry failed: payment=%s attempt=%d err=%v", p.ID, attempt, perr)
		return updated, &ProviderError{PaymentID: p.ID, Err: perr}
	}

	updated, err := s.store.Update(ctx, p.ID, Update{
		Status:     StatusPending,
		RetryCount: attempt,
		Metadata: map[string]string{
			MetaPaymentIntentID: intentID,
			MetaRetriedAt:       s.now().UTC().Format(time.RFC3339),
		},
		Expect: claimed,
	})
	if err != nil {
		return nil, fmt.Errorf("record retry of %s: %w", p.ID, err)
	}
	s.mon.RecordMetric(MetricRetrySucceeded, 1)
	s.log.Infof("payment retry submitted: payment=%s attempt=%d intent=%s", p.ID, attempt, intentID)
	return updated, nil
}

// load returns the payment if it exists and belongs to userID. Records
// without an owner are accessible to any user.
func (s *RetryService) load(ctx context.Context, paymentID, userID string) (*Payment, error) {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.UserID != "" && p.UserID != userID {
		return nil, ErrPaymentNotFound
	}
	return p, nil
}

// RetryStatus is a read-only view of whether a payment may be retried now.
type RetryStatus struct {
	PaymentID  string
	Status     Status
	RetryCount int
	MaxRetries int
	CanRetry   bool
	// RemainingAttempts is what is left of the user's rate limit window.
	RemainingAttempts int64
	// NextDelay is the backoff the next retry would wait, before jitter.
	// Zero when the payment cannot be retried.
	NextDelay time.Duration
	// RateLimitReset is the time until the user's window resets. Zero
	// unless the user is currently limited.
	RateLimitReset time.Duration
}

// RetryStatus reports whether RetryPayment would currently proceed.
// It does not count against the rate limit or modify the record.
func (s *RetryService) RetryStatus(ctx context.Context, paymentID, userID string) (RetryStatus, error) {
	p, err := s.load(ctx, paymentID, userID)
	if err != nil {
		return RetryStatus{}, err
	}
	u, err := s.limiter.Peek(ctx, userID)
	if err != nil {
		return RetryStatus{}, err
	}
	st := RetryStatus{
		PaymentID:         p.ID,
		Status:            p.Status,
		RetryCount:        p.RetryCount,
		MaxRetries:        s.cfg.MaxRetries,
		RemainingAttempts: u.Remaining,
	}
	st.CanRetry = p.Status == StatusFailed && p.RetryCount < s.cfg.MaxRetries && !u.Limited()
	if st.CanRetry {
		st.NextDelay = s.Backoff(p.RetryCount)
	}
	if u.Limited() {
		st.RateLimitReset = u.ResetIn
	}
	return st, nil
}
