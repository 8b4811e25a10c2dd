// Package payment retries failed payment-intent creations with a per-user
// rate limit and exponential backoff.
package payment

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of a payment record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// Payment is the subset of the billing record that retries read and write.
type Payment struct {
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
	Status Status `json:"status"`
	// Amount is in the currency's minor unit.
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	RetryCount   int               `json:"retryCount"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Update is applied by Store.Update. Status, RetryCount and ErrorMessage
// replace the stored values (an empty ErrorMessage clears it); Metadata is
// merged key by key into the stored map.
type Update struct {
	Status       Status
	RetryCount   int
	ErrorMessage string
	Metadata     map[string]string
	// Expect, when set, makes the update conditional: the store rejects it
	// with ErrConcurrentRetry unless the stored record still matches.
	Expect *Expect
}

// Expect is the status and retry count a conditional Update was based on.
type Expect struct {
	Status     Status
	RetryCount int
}

// check returns ErrConcurrentRetry if p no longer matches u.Expect.
func (u Update) check(p Payment) error {
	if u.Expect == nil {
		return nil
	}
	if p.Status != u.Expect.Status || p.RetryCount != u.Expect.RetryCount {
		return fmt.Errorf("%w: payment %s is %s with %d retries, expected %s with %d",
			ErrConcurrentRetry, p.ID, p.Status, p.RetryCount, u.Expect.Status, u.Expect.RetryCount)
	}
	return nil
}

// Apply returns a copy of p with u applied.
func (u Update) Apply(p Payment, now time.Time) Payment {
	out := p
	out.Status = u.Status
	out.RetryCount = u.RetryCount
	out.ErrorMessage = u.ErrorMessage
	out.Metadata = make(map[string]string, len(p.Metadata)+len(u.Metadata))
	for k, v := range p.Metadata {
		out.Metadata[k] = v
	}
	for k, v := range u.Metadata {
		out.Metadata[k] = v
	}
	out.UpdatedAt = now
	return out
}

// Store reads and updates payment records owned by the billing system.
// Get returns ErrPaymentNotFound for an unknown id. Update must apply a
// conditional update (Update.Expect) atomically with its check.
type Store interface {
	Get(ctx context.Context, id string) (*Payment, error)
	Update(ctx context.Context, id string, u Update) (*Payment, error)
}

// IntentRequest is the input of a payment-intent creation.
type IntentRequest struct {
	Amount   int64
	Currency string
	Metadata map[string]string
}

// Provider creates payment intents at the external processor and returns the
// intent id. Its errors are treated opaquely.
type Provider interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (string, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(ctx context.Context, req IntentRequest) (string, error)

// CreatePaymentIntent calls f(ctx, req).
func (f ProviderFunc) CreatePaymentIntent(ctx context.Context, req IntentRequest) (string, error) {
	return f(ctx, req)
}
