package optimizer

import "context"

type optimizationKey struct{}

// WithOptimization marks a request context with the caller's rewrite
// preference. Execute skips query rewriting when the marker is false;
// an unmarked context keeps rewriting on.
func WithOptimization(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, optimizationKey{}, enabled)
}

// OptimizationEnabled reports the context's rewrite preference.
func OptimizationEnabled(ctx context.Context) bool {
	if enabled, ok := ctx.Value(optimizationKey{}).(bool); ok {
		return enabled
	}
	return true
}
