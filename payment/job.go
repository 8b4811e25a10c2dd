package payment

import (
	"context"

	glowq "github.com/UniQw/glowq-go"
)

// RetryJobType is the job type that runs RetryPayment from the queue.
const RetryJobType = "payment:retry"

// RetryJob is the payload of a RetryJobType job.
type RetryJob struct {
	PaymentID string `json:"paymentId"`
	UserID    string `json:"userId"`
}

// RegisterRetryHandler registers RetryJobType on mux, so the blocking backoff
// of RetryPayment runs on a queue consumer instead of inside a request.
// Rejections and provider failures fail the job; the queue does not retry it.
func RegisterRetryHandler(mux *glowq.Mux, svc *RetryService) {
	glowq.Handle(mux, RetryJobType, func(ctx context.Context, j RetryJob) error {
		_, err := svc.RetryPayment(ctx, j.PaymentID, j.UserID)
		return err
	})
}

// EnqueueRetry schedules a background retry of paymentID on q.
// The queue's mux must have RegisterRetryHandler applied.
func EnqueueRetry(ctx context.Context, q *glowq.Queue, paymentID, userID string, opts ...glowq.Option) (string, error) {
	return q.Enqueue(ctx, RetryJobType, RetryJob{PaymentID: paymentID, UserID: userID}, opts...)
}
