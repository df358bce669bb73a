// Package groutine starts named goroutines. The name is attached as a pprof
// label so scan loops, connection monitors and completion waiters can be told
// apart in goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go runs fn in a new goroutine labelled with name.
//
//	groutine.Go(ctx, "scan-hub", func(ctx context.Context) {
//	    // work
//	})
//
// If parent is nil, context.Background() is used.
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(parent, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// GetName returns the name given to Go, or "" outside a named goroutine.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(nameKey).(string); ok {
		return s
	}
	return ""
}
