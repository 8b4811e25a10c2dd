package glowq

import "time"

type options struct {
	id       string
	priority int
	delay    time.Duration
}

// Option is a function that configures job behavior during Enqueue.
type Option func(*options)

// JobID sets a custom ID for the job. If not provided, a random UUID will be
// generated. Callers supplying IDs are responsible for their uniqueness.
func JobID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Priority sets the dequeue score. Lower values run first; the default is 0.
func Priority(p int) Option {
	return func(o *options) {
		o.priority = p
	}
}

// Delay keeps the job ineligible until d after it was enqueued.
// Negative values are treated as zero.
func Delay(d time.Duration) Option {
	return func(o *options) {
		if d < 0 {
			d = 0
		}
		o.delay = d
	}
}
