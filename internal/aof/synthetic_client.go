package aof

import "context"

// replayContextKey marks a context as originating from AOF replay rather
// than a real network client. The synthetic client is modeled as a dispatch
// context parameter rather than a distinct "client" type: it owns no
// connection, discards replies by construction (the Dispatcher interface has
// no reply channel), and this marker lets a Dispatcher implementation refuse
// anything that would block indefinitely (e.g. a BLPOP) during replay.
type replayContextKey struct{}

// WithSyntheticClient returns a context flagged as AOF replay.
func WithSyntheticClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayContextKey{}, true)
}

// IsSyntheticClient reports whether ctx was produced by WithSyntheticClient.
func IsSyntheticClient(ctx context.Context) bool {
	v, _ := ctx.Value(replayContextKey{}).(bool)
	return v
}
