package keys

// Package keys centralizes Redis key construction.
// It is kept in internal to avoid leaking key formats to public API.

const (
	pending    = "jobs"
	processing = "jobs:processing"
	completed  = "jobs:completed"
	failed     = "jobs:failed"
	retries    = "jobs:retries"
)

func prefixed(ns, k string) string {
	if ns == "" {
		return k
	}
	return ns + ":" + k
}

func Pending(ns string) string    { return prefixed(ns, pending) }
func Processing(ns string) string { return prefixed(ns, processing) }
func Completed(ns string) string  { return prefixed(ns, completed) }
func Failed(ns string) string     { return prefixed(ns, failed) }

// Retries is a plain counter of jobs moved from failed back to pending.
func Retries(ns string) string { return prefixed(ns, retries) }

// Queue holds all precomputed keys for a namespace to avoid repeated concatenations.
type Queue struct {
	Pending    string
	Processing string
	Completed  string
	Failed     string
	Retries    string
}

// For returns the set of keys for the provided namespace. An empty namespace
// yields the bare keys ("jobs", "jobs:processing", ...) shared with other
// producers of the same store.
func For(ns string) Queue {
	return Queue{
		Pending:    Pending(ns),
		Processing: Processing(ns),
		Completed:  Completed(ns),
		Failed:     Failed(ns),
		Retries:    Retries(ns),
	}
}

// PaymentAttempts returns the per-user rate limit counter key.
func PaymentAttempts(ns, userID string) string {
	return prefixed(ns, "payment_attempts:"+userID)
}

// Payment returns the key holding a JSON payment record.
func Payment(ns, id string) string { return prefixed(ns, "payment:"+id) }
