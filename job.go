package glowq

import (
	"encoding/json"
	"time"
)

// Job represents a unit of work to be processed by a handler.
// It is serialized to JSON and stored as a sorted set member in Redis.
type Job struct {
	// ID is the unique identifier for the job.
	ID string `json:"id"`
	// Type selects the registered handler.
	Type string `json:"type"`
	// Payload is the encoded handler input.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Status is the lifecycle state; it matches the set the job lives in.
	Status Status `json:"status"`
	// Priority orders pending jobs; lower values are dequeued first.
	Priority int `json:"priority,omitempty"`
	// Delay is the minimum time in ms after CreatedAt before the job may run.
	Delay int64 `json:"delay,omitempty"`
	// CreatedAt is the timestamp (ms) when the job was enqueued.
	CreatedAt int64 `json:"created_at"`
	// UpdatedAt is the timestamp (ms) of the last status change.
	UpdatedAt int64 `json:"updated_at"`
	// Error is the handler error message of a failed job.
	Error string `json:"error,omitempty"`
}

// ReadyAt returns the earliest time the job is eligible for dequeue.
func (j *Job) ReadyAt() time.Time {
	return time.UnixMilli(j.CreatedAt + j.Delay)
}

// Created returns CreatedAt as a time.Time.
func (j *Job) Created() time.Time { return time.UnixMilli(j.CreatedAt) }

// Updated returns UpdatedAt as a time.Time.
func (j *Job) Updated() time.Time { return time.UnixMilli(j.UpdatedAt) }
