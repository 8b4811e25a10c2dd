package glowq

import (
	"context"
	"time"

	"github.com/UniQw/glowq-go/internal/hctx"
)

// JobInfo describes the job a handler is currently running.
type JobInfo struct {
	ID        string
	Type      string
	CreatedAt time.Time
}

// JobFromContext returns the running job's identity. Handlers use the ID to
// stay idempotent, since a job may be delivered more than once.
// It reports false if the context is not provided by the glowq runtime.
func JobFromContext(ctx context.Context) (JobInfo, bool) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return JobInfo{}, false
	}
	return JobInfo{ID: st.JobID, Type: st.Type, CreatedAt: time.UnixMilli(st.CreatedAt)}, true
}
