package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/UniQw/glowq-go/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// Job states as persisted in the status field of a record.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrLost is returned when a record is no longer in the set it was expected
// in, typically because another process already moved it.
var ErrLost = errors.New("job no longer in source set")

// Record is the internal representation of a job member stored in the sets.
// The field layout mirrors the public glowq.Job.
type Record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	Priority  int             `json:"priority,omitempty"`
	Delay     int64           `json:"delay,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
	Error     string          `json:"error,omitempty"`
}

// Eligible reports whether the record's delay has elapsed at nowMs.
func (r *Record) Eligible(nowMs int64) bool {
	return r.CreatedAt+r.Delay <= nowMs
}

// moveScript atomically removes ARGV[1] from KEYS[1] and adds ARGV[3] to
// KEYS[2] with score ARGV[2]. Nothing is added when the source member is gone,
// so at most one concurrent caller wins the move.
var moveScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then return 0 end
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
	return 1
	`,
)

// Decode parses a raw member into a Record.
func Decode(raw []byte) (*Record, error) {
	r := new(Record)
	if err := sonic.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return r, nil
}

// Move atomically transfers raw from src to dst as newRaw with the given score.
// It returns false if raw was no longer a member of src.
func Move(ctx context.Context, rdb redis.UniversalClient, src, dst string, raw, newRaw []byte, score float64) (bool, error) {
	n, err := moveScript.Run(ctx, rdb, []string{src, dst},
		string(raw), strconv.FormatFloat(score, 'f', -1, 64), string(newRaw)).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Dequeue inspects up to window of the lowest-scored pending members and
// claims the first one whose delay has elapsed, moving it to the processing
// set scored by claim time. A nil record means nothing is eligible.
func Dequeue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, window int64) (*Record, []byte, error) {
	members, err := rdb.ZRange(ctx, k.Pending, 0, window-1).Result()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UnixMilli()
	for _, m := range members {
		raw := []byte(m)
		rec, derr := Decode(raw)
		if derr != nil {
			// Unparseable members are parked in failed so they stop shadowing the head.
			if _, merr := Move(ctx, rdb, k.Pending, k.Failed, raw, raw, float64(now)); merr != nil {
				return nil, nil, fmt.Errorf("park undecodable member: %w", merr)
			}
			continue
		}
		if !rec.Eligible(now) {
			continue
		}
		rec.Status = StatusProcessing
		rec.UpdatedAt = now
		newRaw := encodeJSON(rec)
		ok, merr := Move(ctx, rdb, k.Pending, k.Processing, raw, newRaw, float64(now))
		if merr != nil {
			return nil, nil, merr
		}
		if !ok {
			// another consumer claimed it first
			continue
		}
		return rec, newRaw, nil
	}
	return nil, nil, nil
}

// Complete moves a claimed record from processing to completed.
func Complete(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, rec *Record, raw []byte) error {
	rec.Status = StatusCompleted
	rec.Error = ""
	rec.UpdatedAt = time.Now().UnixMilli()
	return settle(Move(ctx, rdb, k.Processing, k.Completed, raw, encodeJSON(rec), float64(rec.UpdatedAt)))
}

// Fail moves a claimed record from processing to failed with the given reason.
func Fail(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, rec *Record, raw []byte, reason string) error {
	rec.Status = StatusFailed
	rec.Error = reason
	rec.UpdatedAt = time.Now().UnixMilli()
	return settle(Move(ctx, rdb, k.Processing, k.Failed, raw, encodeJSON(rec), float64(rec.UpdatedAt)))
}

// Requeue moves a record from src back to pending with its error cleared.
// The pending score is the record's priority.
func Requeue(ctx context.Context, rdb redis.UniversalClient, k keys.Queue, src string, rec *Record, raw []byte) (bool, error) {
	rec.Status = StatusPending
	rec.Error = ""
	rec.UpdatedAt = time.Now().UnixMilli()
	return Move(ctx, rdb, src, k.Pending, raw, encodeJSON(rec), float64(rec.Priority))
}

func settle(moved bool, err error) error {
	if err != nil {
		return err
	}
	if !moved {
		return ErrLost
	}
	return nil
}

// encodeJSON encodes value using stdlib json.Marshal for lower latency in encoding.
func encodeJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
