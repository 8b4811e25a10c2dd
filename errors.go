package glowq

import "errors"

// ErrUnregisteredHandler is returned when a job type has no registered handler.
var ErrUnregisteredHandler = errors.New("glowq: unregistered handler")

// ErrUnknownStatus is returned when an invalid status is used.
var ErrUnknownStatus = errors.New("glowq: unknown status")

// ErrInvalidPayload is returned by Enqueue when a pre-encoded payload is not valid JSON.
var ErrInvalidPayload = errors.New("glowq: invalid payload")
