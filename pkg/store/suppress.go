package store

import "context"

type suppressKey struct{}

// SuppressSync returns a context under which writes through a HookedStore
// are not replicated outbound. The suppression ends with the context's scope,
// so it cannot leak into unrelated writes.
func SuppressSync(ctx context.Context) context.Context {
	return context.WithValue(ctx, suppressKey{}, true)
}

// SyncSuppressed reports whether ctx carries a suppression token.
func SyncSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey{}).(bool)
	return v
}
