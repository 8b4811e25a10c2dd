package glowq

import (
	"context"
	"strconv"
	"time"

	"github.com/UniQw/glowq-go/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Stats holds the cardinality of each job set plus the cumulative number of
// jobs moved from failed back to pending.
type Stats struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
	Retries    int64
}

// JobFilter is a function used to filter jobs during ListJobs.
type JobFilter func(*Job) bool

func (q *Queue) keyFor(status Status) (string, error) {
	switch status {
	case StatusPending:
		return q.keys.Pending, nil
	case StatusProcessing:
		return q.keys.Processing, nil
	case StatusCompleted:
		return q.keys.Completed, nil
	case StatusFailed:
		return q.keys.Failed, nil
	default:
		return "", ErrUnknownStatus
	}
}

// ListJobs returns the jobs in the set for status, in score order.
// Members that cannot be decoded are skipped.
func (q *Queue) ListJobs(ctx context.Context, status Status, filter JobFilter) ([]*Job, error) {
	key, err := q.keyFor(status)
	if err != nil {
		return nil, err
	}
	strs, err := q.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(strs))
	for _, s := range strs {
		var j Job
		if err := q.encoder.Decode([]byte(s), &j); err == nil {
			if filter == nil || filter(&j) {
				out = append(out, &j)
			}
		}
	}
	return out, nil
}

// Stats returns the current set sizes and the retry counter.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var (
		pending, processing, completed, failed *redis.IntCmd
		retries                                *redis.StringCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.ZCard(ctx, q.keys.Pending)
		processing = p.ZCard(ctx, q.keys.Processing)
		completed = p.ZCard(ctx, q.keys.Completed)
		failed = p.ZCard(ctx, q.keys.Failed)
		retries = p.Get(ctx, q.keys.Retries)
		return nil
	})
	if err != nil && err != redis.Nil {
		return Stats{}, err
	}
	st := Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
	}
	if n, perr := strconv.ParseInt(retries.Val(), 10, 64); perr == nil {
		st.Retries = n
	}
	return st, nil
}

// Cleanup removes completed and failed jobs whose last update is strictly
// older than olderThan and returns how many were removed.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	upper := "(" + strconv.FormatInt(cutoff, 10)
	var completed, failed *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		completed = p.ZRemRangeByScore(ctx, q.keys.Completed, "-inf", upper)
		failed = p.ZRemRangeByScore(ctx, q.keys.Failed, "-inf", upper)
		return nil
	})
	if err != nil {
		return 0, err
	}
	n := completed.Val() + failed.Val()
	if n > 0 {
		q.log.Infof("cleanup: removed=%d cutoff=%d", n, cutoff)
	}
	return n, nil
}

// RetryFailed moves every failed job back to pending with its status reset
// and error cleared, keeping its priority. It returns the number moved.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	members, err := q.rdb.ZRange(ctx, q.keys.Failed, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, m := range members {
		rec, derr := worker.Decode([]byte(m))
		if derr != nil {
			q.log.Warnf("retry-failed: skipping undecodable member err=%v", derr)
			continue
		}
		ok, merr := worker.Requeue(ctx, q.rdb, q.keys, q.keys.Failed, rec, []byte(m))
		if merr != nil {
			q.countRetries(ctx, moved)
			return moved, merr
		}
		if ok {
			moved++
		}
	}
	q.countRetries(ctx, moved)
	return moved, nil
}

func (q *Queue) countRetries(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	if err := q.rdb.IncrBy(ctx, q.keys.Retries, int64(n)).Err(); err != nil {
		q.log.Warnf("retry counter update failed: n=%d err=%v", n, err)
	}
	q.mon.RecordMetric(MetricRetried, float64(n))
	q.log.Infof("retry-failed: moved=%d", n)
}

// RequeueStale moves jobs claimed more than olderThan ago from processing
// back to pending. A consumer that crashed mid-handler leaves its job in
// processing; this is the manual recovery path for it. Requeued jobs may
// run twice if their original consumer is in fact still alive.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	members, err := q.rdb.ZRangeByScore(ctx, q.keys.Processing, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, m := range members {
		rec, derr := worker.Decode([]byte(m))
		if derr != nil {
			continue
		}
		ok, merr := worker.Requeue(ctx, q.rdb, q.keys, q.keys.Processing, rec, []byte(m))
		if merr != nil {
			return moved, merr
		}
		if ok {
			moved++
			q.log.Warnf("requeued stale job: id=%s type=%s", rec.ID, rec.Type)
		}
	}
	return moved, nil
}
