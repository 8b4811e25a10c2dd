package hctx

import "context"

// State holds per-execution metadata about the job a handler is running.
type State struct {
	JobID     string
	Type      string
	CreatedAt int64
}

// New creates a handler state container for one job execution.
func New(id, typ string, createdAt int64) *State {
	return &State{JobID: id, Type: typ, CreatedAt: createdAt}
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
