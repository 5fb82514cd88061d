package launchagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// goSafe runs fn in an errgroup goroutine, prints panics to stderr, and
// restarts fn with exponential backoff after a panic.
//
// Returned errors keep errgroup semantics. ctx cancellation stops the restart
// loop so Wait returns promptly. Panics are printed without the logger since
// the logger itself may be what panicked.
func goSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() (err error) {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			recovered, panicked := runRecovered(ctx, fn, &err)
			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff + jitter(backoff/2)):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

func runRecovered(ctx context.Context, fn func(context.Context) error, err *error) (recovered any, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			recovered, panicked = r, true
		}
	}()
	*err = fn(ctx)
	return nil, false
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(limit))
}
