// Package groutine starts named, panic-contained goroutines. The name shows
// up in pprof goroutine profiles and in the crash log line, which is worth a
// lot when a long-lived worker dies quietly.
package groutine

import (
	"context"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey struct{}

// Go runs fn on a new goroutine labeled name. A panic inside fn is recovered
// and logged through logger together with the stack; the process keeps
// running. A nil ctx means context.Background().
func Go(ctx context.Context, logger logrus.FieldLogger, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	labels := pprof.Labels("worker", name)
	go pprof.Do(ctx, labels, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.WithField("worker", name).
						Errorf("worker panicked: %v\n%s", r, debug.Stack())
				}
			}
		}()
		fn(context.WithValue(ctx, ctxKey{}, name))
	})
}

// Name returns the worker name stored by Go, or "" outside a Go-spawned
// goroutine.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}
